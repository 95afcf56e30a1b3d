package accounting

import (
	"errors"
	"testing"
)

func TestVerifyCleanTree(t *testing.T) {
	f := newFixture(t)
	mustOK(t, f.rootAllocate(t, f.alice(), computeCategory, 1000))
	mustOK(t, f.subAllocate(t, f.alice(), computeCategory, researchProjectID, providerProjectID, 400))
	mustOK(t, f.charge(t, f.provider(), researchProjectID, computeCategory, 150, true))

	if err := f.store.VerifyAll(); err != nil {
		t.Fatalf("clean tree fails verification: %v", err)
	}
}

func TestVerifyDetectsMirrorDrift(t *testing.T) {
	f := newFixture(t)
	mustOK(t, f.rootAllocate(t, f.alice(), computeCategory, 1000))
	mustOK(t, f.subAllocate(t, f.alice(), computeCategory, researchProjectID, providerProjectID, 400))
	mustOK(t, f.charge(t, f.provider(), researchProjectID, computeCategory, 150, true))

	research := f.wallet(t, researchProjectID, computeCategory)
	provider := f.wallet(t, providerProjectID, computeCategory)
	provider.ChildrenUsage[research.ID] = 999

	err := f.store.VerifyWallet(research)
	if err == nil {
		t.Fatal("drifted mirror not detected")
	}
	var invariant *InvariantError
	if !errors.As(err, &invariant) {
		t.Fatalf("error %T is not an InvariantError", err)
	}
	if invariant.Check != "tree-usage-equality" {
		t.Errorf("check = %q, want tree-usage-equality", invariant.Check)
	}
	if invariant.WalletID != research.ID {
		t.Errorf("wallet = %d, want %d", invariant.WalletID, research.ID)
	}
}

func TestVerifyDetectsUsageOverCeiling(t *testing.T) {
	f := newFixture(t)
	mustOK(t, f.rootAllocate(t, f.alice(), computeCategory, 1000))
	mustOK(t, f.subAllocate(t, f.alice(), computeCategory, researchProjectID, providerProjectID, 400))

	research := f.wallet(t, researchProjectID, computeCategory)
	provider := f.wallet(t, providerProjectID, computeCategory)
	research.AllocationsByParent[provider.ID].TreeUsage = 500
	provider.ChildrenUsage[research.ID] = 500

	var invariant *InvariantError
	if err := f.store.VerifyWallet(research); !errors.As(err, &invariant) {
		t.Fatalf("expected an invariant error, got %v", err)
	} else if invariant.Check != "tree-usage-ceiling" {
		t.Errorf("check = %q, want tree-usage-ceiling", invariant.Check)
	}
}

func TestVerifyDetectsNegativeLocalUsage(t *testing.T) {
	f := newFixture(t)
	mustOK(t, f.rootAllocate(t, f.alice(), computeCategory, 1000))

	wallet := f.wallet(t, providerProjectID, computeCategory)
	wallet.LocalUsage = -100

	var invariant *InvariantError
	if err := f.store.VerifyWallet(wallet); !errors.As(err, &invariant) {
		t.Fatalf("expected an invariant error, got %v", err)
	} else if invariant.Check != "local-usage-nonnegative" {
		t.Errorf("check = %q, want local-usage-nonnegative", invariant.Check)
	}
}

func TestVerifyDetectsNegativeOverspending(t *testing.T) {
	f := newFixture(t)
	mustOK(t, f.rootAllocate(t, f.alice(), computeCategory, 1000))

	wallet := f.wallet(t, providerProjectID, computeCategory)
	wallet.LocalOverspending = -1

	var invariant *InvariantError
	if err := f.store.VerifyWallet(wallet); !errors.As(err, &invariant) {
		t.Fatalf("expected an invariant error, got %v", err)
	} else if invariant.Check != "overspending-nonnegative" {
		t.Errorf("check = %q, want overspending-nonnegative", invariant.Check)
	}
}

func TestVerifyDetectsOverAllocationBreach(t *testing.T) {
	f := newFixture(t)
	mustOK(t, f.rootAllocate(t, f.alice(), computeCategory, 100))

	wallet := f.wallet(t, providerProjectID, computeCategory)
	wallet.LocalUsage = 150 // past quota with no excess recorded

	var invariant *InvariantError
	if err := f.store.VerifyWallet(wallet); !errors.As(err, &invariant) {
		t.Fatalf("expected an invariant error, got %v", err)
	} else if invariant.Check != "over-allocation-ceiling" {
		t.Errorf("check = %q, want over-allocation-ceiling", invariant.Check)
	}
}

func TestVerifyWalletsSkipsUnknownIds(t *testing.T) {
	f := newFixture(t)
	mustOK(t, f.rootAllocate(t, f.alice(), computeCategory, 1000))

	if err := f.store.VerifyWallets([]int32{9999}); err != nil {
		t.Fatalf("unknown wallet id should be skipped, got %v", err)
	}
}
