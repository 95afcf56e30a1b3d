package accounting

import (
	"sort"
	"testing"
	"time"
)

// graphWorld builds a provider wallet fed by a root grant, plus helpers for
// attaching children, without going through the request handlers.
type graphWorld struct {
	store    *Store
	now      time.Time
	category ProductCategory
	provider *Wallet
}

func newGraphWorld(t *testing.T, rootQuota int64) *graphWorld {
	t.Helper()

	w := &graphWorld{
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		category: ProductCategory{
			ID: 1, Name: "u1-standard", Provider: "ucloud", ProductType: "COMPUTE",
		},
	}
	w.store = NewStoreWithClock(func() time.Time { return w.now })

	owner := w.store.OwnerByReference(providerProjectID)
	w.provider = w.store.Wallet(owner, &w.category)
	w.grant(t, w.provider, 0, rootQuota, 30*24*time.Hour)
	return w
}

func (w *graphWorld) grant(t *testing.T, wallet *Wallet, parentID int32, quota int64, lifetime time.Duration) *Allocation {
	t.Helper()
	return w.store.InsertAllocation(wallet, parentID, quota,
		w.now.Add(-time.Hour), w.now.Add(lifetime), newVerifyList())
}

func (w *graphWorld) child(t *testing.T, ref string, parent *Wallet, quota int64) *Wallet {
	t.Helper()
	wallet := w.store.Wallet(w.store.OwnerByReference(ref), &w.category)
	w.grant(t, wallet, parent.ID, quota, 30*24*time.Hour)
	return wallet
}

func TestMaxUsableSinglePath(t *testing.T) {
	w := newGraphWorld(t, 100)
	child := w.child(t, researchProjectID, w.provider, 40)

	if usable := w.store.MaxUsable(child); usable != 40 {
		t.Errorf("child max usable = %d, want 40", usable)
	}
	if usable := w.store.MaxUsable(w.provider); usable != 100 {
		t.Errorf("provider max usable = %d, want 100", usable)
	}
}

func TestMaxUsableBoundedByAncestors(t *testing.T) {
	w := newGraphWorld(t, 100)
	c1 := w.child(t, researchProjectID, w.provider, 40)
	c2 := w.child(t, subProjectID, w.provider, 80)

	w.store.ApplyCharge(c1, 40, newVerifyList())

	// c2 holds an 80 grant, but only 60 remains on the shared path to the
	// root.
	if usable := w.store.MaxUsable(c2); usable != 60 {
		t.Errorf("max usable = %d, want 60", usable)
	}
}

func TestChargePropagatesUpTheTree(t *testing.T) {
	w := newGraphWorld(t, 100)
	child := w.child(t, researchProjectID, w.provider, 40)

	w.store.ApplyCharge(child, 30, newVerifyList())

	if child.LocalUsage != 30 {
		t.Errorf("local usage = %d, want 30", child.LocalUsage)
	}
	group := child.AllocationsByParent[w.provider.ID]
	if group.TreeUsage != 30 {
		t.Errorf("edge usage = %d, want 30", group.TreeUsage)
	}
	if w.provider.ChildrenUsage[child.ID] != 30 {
		t.Errorf("parent records %d, want 30", w.provider.ChildrenUsage[child.ID])
	}
	if rootGroup := w.provider.AllocationsByParent[0]; rootGroup.TreeUsage != 30 {
		t.Errorf("provider root edge = %d, want 30", rootGroup.TreeUsage)
	}
	if err := w.store.VerifyAll(); err != nil {
		t.Fatal(err)
	}
}

func TestChargeThenFullRefundRestoresZero(t *testing.T) {
	w := newGraphWorld(t, 100)
	child := w.child(t, researchProjectID, w.provider, 40)

	touched := newVerifyList()
	w.store.ApplyCharge(child, 35, touched)
	w.store.ApplyCharge(child, -35, touched)

	if child.LocalUsage != 0 {
		t.Errorf("local usage = %d, want 0", child.LocalUsage)
	}
	for _, group := range child.AllocationsByParent {
		if group.TreeUsage != 0 {
			t.Errorf("edge usage = %d, want 0", group.TreeUsage)
		}
	}
	if rootGroup := w.provider.AllocationsByParent[0]; rootGroup.TreeUsage != 0 {
		t.Errorf("provider root edge = %d, want 0", rootGroup.TreeUsage)
	}
	if err := w.store.VerifyAll(); err != nil {
		t.Fatal(err)
	}
}

// A refund against a mid-tree wallet may only return the wallet's own usage.
// The residual capacity on its upward edge also covers usage the children
// routed through it, which must stay attributed at the root.
func TestRefundCappedAtOwnUsage(t *testing.T) {
	w := newGraphWorld(t, 1000)
	child := w.child(t, researchProjectID, w.provider, 400)

	touched := newVerifyList()
	w.store.ApplyCharge(child, 100, touched)
	w.store.ApplyCharge(w.provider, -100, touched)

	if w.provider.LocalUsage != 0 {
		t.Errorf("provider local usage = %d, want 0", w.provider.LocalUsage)
	}
	if rootGroup := w.provider.AllocationsByParent[0]; rootGroup.TreeUsage != 100 {
		t.Errorf("provider root edge = %d, want 100", rootGroup.TreeUsage)
	}
	if err := w.store.VerifyAll(); err != nil {
		t.Fatal(err)
	}

	// With own usage present, the refund takes exactly that much and no more.
	w.store.ApplyCharge(w.provider, 30, touched)
	w.store.ApplyCharge(w.provider, -100, touched)

	if w.provider.LocalUsage != 0 {
		t.Errorf("provider local usage = %d, want 0", w.provider.LocalUsage)
	}
	if rootGroup := w.provider.AllocationsByParent[0]; rootGroup.TreeUsage != 100 {
		t.Errorf("provider root edge = %d, want 100 after bounded refund", rootGroup.TreeUsage)
	}
	if err := w.store.VerifyAll(); err != nil {
		t.Fatal(err)
	}
}

func TestRefundPrefersLoadedEdge(t *testing.T) {
	w := newGraphWorld(t, 1000)
	p2owner := w.store.OwnerByReference(subProjectID)
	p2 := w.store.Wallet(p2owner, &w.category)
	w.grant(t, p2, 0, 1000, 30*24*time.Hour)

	// The child draws 50 from each of two parents.
	child := w.store.Wallet(w.store.OwnerByReference(researchProjectID), &w.category)
	w.grant(t, child, w.provider.ID, 50, 30*24*time.Hour)
	w.grant(t, child, p2.ID, 50, 30*24*time.Hour)

	// The first charge saturates one edge, the second lands on the other,
	// and the refund comes off the heavier edge first.
	w.store.ApplyCharge(child, 50, newVerifyList())
	w.store.ApplyCharge(child, 10, newVerifyList())
	w.store.ApplyCharge(child, -20, newVerifyList())

	var usages []int64
	for _, group := range child.AllocationsByParent {
		usages = append(usages, group.TreeUsage)
	}
	sort.Slice(usages, func(i, j int) bool { return usages[i] < usages[j] })
	if len(usages) != 2 || usages[0] != 10 || usages[1] != 30 {
		t.Fatalf("edge usages = %v, want [10 30]", usages)
	}
	if child.LocalUsage != 40 {
		t.Errorf("local usage = %d, want 40", child.LocalUsage)
	}
	if err := w.store.VerifyAll(); err != nil {
		t.Fatal(err)
	}
}

func TestChargeSplitsWhenOneParentExhausted(t *testing.T) {
	w := newGraphWorld(t, 1000)
	p2 := w.store.Wallet(w.store.OwnerByReference(subProjectID), &w.category)
	w.grant(t, p2, 0, 1000, 30*24*time.Hour)

	child := w.store.Wallet(w.store.OwnerByReference(researchProjectID), &w.category)
	w.grant(t, child, w.provider.ID, 50, 30*24*time.Hour)
	w.grant(t, child, p2.ID, 50, 30*24*time.Hour)

	w.store.ApplyCharge(child, 80, newVerifyList())

	var total int64
	for _, group := range child.AllocationsByParent {
		if group.TreeUsage > 50 {
			t.Errorf("edge carries %d over its 50 quota", group.TreeUsage)
		}
		total += group.TreeUsage
	}
	if total != 80 {
		t.Errorf("total attributed = %d, want 80", total)
	}
	if child.LocalUsage != 80 {
		t.Errorf("local usage = %d, want 80", child.LocalUsage)
	}
}

// A parent that has granted more quota than it holds admits the excess
// through its high-cost bypass path, recorded as ExcessUsage, instead of
// refusing charges that its children are contractually entitled to.
func TestOverAllocationAdmitsExcess(t *testing.T) {
	w := newGraphWorld(t, 100)
	c1 := w.child(t, researchProjectID, w.provider, 60)
	c2 := w.child(t, subProjectID, w.provider, 60)

	touched := newVerifyList()
	changed := w.store.ApplyCharge(c1, 60, touched)
	if len(changed) == 0 {
		t.Fatal("charge reported no changed wallets")
	}
	w.store.ApplyCharge(c2, 60, touched)

	if c1.LocalUsage != 60 || c2.LocalUsage != 60 {
		t.Fatalf("local usages = %d/%d, want 60/60", c1.LocalUsage, c2.LocalUsage)
	}
	if c1.LocalOverspending != 0 || c2.LocalOverspending != 0 {
		t.Fatalf("unexpected overspending %d/%d", c1.LocalOverspending, c2.LocalOverspending)
	}

	// 120 admitted against an active quota of 100: 20 went through the
	// bypass.
	if w.provider.ExcessUsage != 20 {
		t.Errorf("excess usage = %d, want 20", w.provider.ExcessUsage)
	}
	if total := w.store.TotalUsage(w.provider); total != 120 {
		t.Errorf("provider total usage = %d, want 120", total)
	}
	if err := w.store.VerifyAll(); err != nil {
		t.Fatal(err)
	}
}

// Refunds release excess before nominal capacity, so charge/refund cycles on
// an over-committed wallet do not erode its bypass headroom.
func TestRefundUnwindsExcessFirst(t *testing.T) {
	w := newGraphWorld(t, 100)
	c1 := w.child(t, researchProjectID, w.provider, 60)
	c2 := w.child(t, subProjectID, w.provider, 60)

	touched := newVerifyList()
	w.store.ApplyCharge(c1, 60, touched)
	w.store.ApplyCharge(c2, 60, touched)
	if w.provider.ExcessUsage != 20 {
		t.Fatalf("excess usage = %d, want 20", w.provider.ExcessUsage)
	}

	w.store.ApplyCharge(c1, -60, touched)

	if w.provider.ExcessUsage != 0 {
		t.Errorf("excess usage = %d, want 0 after refund", w.provider.ExcessUsage)
	}
	if group := c1.AllocationsByParent[w.provider.ID]; group.TreeUsage != 0 {
		t.Errorf("c1 edge usage = %d, want 0", group.TreeUsage)
	}
	if rootGroup := w.provider.AllocationsByParent[0]; rootGroup.TreeUsage != 60 {
		t.Errorf("provider root edge = %d, want 60", rootGroup.TreeUsage)
	}
	if headroom := w.store.overAllocationHeadroom(w.provider); headroom != 20 {
		t.Errorf("headroom = %d, want 20 restored", headroom)
	}
	if err := w.store.VerifyAll(); err != nil {
		t.Fatal(err)
	}
}

func TestOverAllocationHeadroomIsBounded(t *testing.T) {
	w := newGraphWorld(t, 100)
	c1 := w.child(t, researchProjectID, w.provider, 60)
	w.child(t, subProjectID, w.provider, 60)

	if headroom := w.store.overAllocationHeadroom(w.provider); headroom != 20 {
		t.Errorf("headroom = %d, want 20", headroom)
	}

	// The leaf itself has no bypass: charging past every path records
	// overspending instead of excess.
	w.store.ApplyCharge(c1, 200, newVerifyList())
	if c1.LocalUsage+c1.LocalOverspending != 200 {
		t.Errorf("usage %d + overspending %d != 200", c1.LocalUsage, c1.LocalOverspending)
	}
	if c1.LocalOverspending == 0 {
		t.Error("expected overspending once paths are exhausted")
	}
	if c1.ExcessUsage != 0 {
		t.Errorf("leaf excess = %d, want 0", c1.ExcessUsage)
	}
}

func TestInactiveAllocationsCarryNoCapacity(t *testing.T) {
	w := newGraphWorld(t, 100)
	child := w.store.Wallet(w.store.OwnerByReference(researchProjectID), &w.category)

	// Starts tomorrow.
	w.store.InsertAllocation(child, w.provider.ID, 40,
		w.now.Add(24*time.Hour), w.now.Add(48*time.Hour), newVerifyList())

	if usable := w.store.MaxUsable(child); usable != 0 {
		t.Errorf("max usable = %d, want 0 before start", usable)
	}

	w.now = w.now.Add(25 * time.Hour)
	if usable := w.store.MaxUsable(child); usable != 40 {
		t.Errorf("max usable = %d, want 40 after start", usable)
	}
}

func TestBalanceOverspending(t *testing.T) {
	tests := []struct {
		name             string
		amount           int64
		overspending     int64
		wantAmount       int64
		wantOverspending int64
	}{
		{"positive charge untouched", 100, 50, 100, 50},
		{"no overspending untouched", -30, 0, -30, 0},
		{"fully absorbed", -30, 50, 0, 20},
		{"exactly absorbed", -50, 50, 0, 0},
		{"partially absorbed", -80, 50, -30, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, overspending := balanceOverspending(tt.amount, tt.overspending)
			if amount != tt.wantAmount || overspending != tt.wantOverspending {
				t.Errorf("balanceOverspending(%d, %d) = (%d, %d), want (%d, %d)",
					tt.amount, tt.overspending, amount, overspending,
					tt.wantAmount, tt.wantOverspending)
			}
		})
	}
}
