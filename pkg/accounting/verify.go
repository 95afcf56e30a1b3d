package accounting

import (
	"fmt"
)

// InvariantError describes a failed post-mutation consistency check. These
// checks are the system's correctness oracle, not advisory diagnostics: a
// violation means the store is corrupt and the request that caused it must
// surface an internal error.
type InvariantError struct {
	Check    string
	WalletID int32
	Detail   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated on wallet %d: %s", e.Check, e.WalletID, e.Detail)
}

func invariantf(check string, walletID int32, format string, args ...interface{}) error {
	return &InvariantError{Check: check, WalletID: walletID, Detail: fmt.Sprintf(format, args...)}
}

// VerifyWallet re-derives every consistency assertion for one wallet from
// the store and returns the first violation found.
func (s *Store) VerifyWallet(wallet *Wallet) error {
	// Usage reported on a child edge must equal the usage the parent has
	// recorded for that child, live and retired alike.
	for parentID, group := range wallet.AllocationsByParent {
		parent := s.walletsByID[parentID]
		if parent == nil {
			continue
		}
		if parent.ChildrenUsage[wallet.ID] != group.TreeUsage {
			return invariantf("tree-usage-equality", wallet.ID,
				"edge reports %d, parent %d records %d",
				group.TreeUsage, parentID, parent.ChildrenUsage[wallet.ID])
		}
		if parent.ChildrenRetiredUsage[wallet.ID] != group.RetiredTreeUsage {
			return invariantf("retired-usage-equality", wallet.ID,
				"edge reports %d retired, parent %d records %d",
				group.RetiredTreeUsage, parentID, parent.ChildrenRetiredUsage[wallet.ID])
		}
	}

	// Active tree usage never exceeds the group's active quota.
	for parentID, group := range wallet.AllocationsByParent {
		if group.TreeUsage < 0 {
			return invariantf("tree-usage-nonnegative", wallet.ID,
				"edge to %d carries %d", parentID, group.TreeUsage)
		}
		if quota := s.GroupActiveQuota(group); group.TreeUsage > quota {
			return invariantf("tree-usage-ceiling", wallet.ID,
				"edge to %d carries %d over active quota %d", parentID, group.TreeUsage, quota)
		}
	}

	// Children usage stays within what the wallet has allocated, live
	// against live and retired against retired.
	var childrenUsage, childrenRetired int64
	for _, usage := range wallet.ChildrenUsage {
		if usage < 0 {
			return invariantf("children-usage-nonnegative", wallet.ID, "child carries %d", usage)
		}
		childrenUsage += usage
	}
	for _, usage := range wallet.ChildrenRetiredUsage {
		childrenRetired += usage
	}
	if childrenUsage > wallet.TotalAllocated {
		return invariantf("children-usage-ceiling", wallet.ID,
			"children use %d of %d allocated", childrenUsage, wallet.TotalAllocated)
	}
	if childrenRetired > wallet.TotalRetiredAllocated {
		return invariantf("retired-children-ceiling", wallet.ID,
			"retired children use %d of %d retired allocation", childrenRetired, wallet.TotalRetiredAllocated)
	}

	// Local retired usage equals the summed retired usage of this wallet's
	// retired allocations.
	var retiredSum int64
	for _, group := range wallet.AllocationsByParent {
		for id := range group.Allocations {
			allocation := s.allocations[id]
			if allocation != nil && allocation.Retired {
				retiredSum += allocation.RetiredUsage
			}
		}
	}
	if wallet.LocalRetiredUsage != retiredSum {
		return invariantf("local-retired-usage", wallet.ID,
			"records %d, retired allocations sum to %d", wallet.LocalRetiredUsage, retiredSum)
	}

	if wallet.LocalUsage < 0 {
		return invariantf("local-usage-nonnegative", wallet.ID,
			"local usage is %d", wallet.LocalUsage)
	}
	if wallet.LocalOverspending < 0 {
		return invariantf("overspending-nonnegative", wallet.ID,
			"overspending is %d", wallet.LocalOverspending)
	}

	// Usage admitted past nominal capacity never exceeds the recorded
	// excess bucket.
	overCommitted := s.TotalUsage(wallet) - s.ActiveQuota(wallet) - wallet.LocalOverspending
	if overCommitted > wallet.ExcessUsage {
		return invariantf("over-allocation-ceiling", wallet.ID,
			"over-committed by %d with %d excess recorded", overCommitted, wallet.ExcessUsage)
	}

	return nil
}

// VerifyWallets checks a set of wallets by id, returning the first
// violation.
func (s *Store) VerifyWallets(ids []int32) error {
	for _, id := range ids {
		wallet := s.walletsByID[id]
		if wallet == nil {
			continue
		}
		if err := s.VerifyWallet(wallet); err != nil {
			return err
		}
	}
	return nil
}

// VerifyAll checks every wallet in the store.
func (s *Store) VerifyAll() error {
	for _, wallet := range s.walletsByID {
		if err := s.VerifyWallet(wallet); err != nil {
			return err
		}
	}
	return nil
}
