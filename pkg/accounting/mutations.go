package accounting

import (
	"time"
)

// InsertAllocation registers a new allocation for a wallet under the given
// parent (0 for the root sentinel). The allocation is marked active when its
// start has passed, the group's earliest expiration is refreshed and, when
// the parent is a real wallet, its TotalAllocated grows. If the wallet was
// already overspending, the new capacity is consumed immediately through an
// internal rebalance charge.
func (s *Store) InsertAllocation(wallet *Wallet, parentID int32, quota int64,
	start, end time.Time, touched *verifyList) *Allocation {

	allocation := s.newAllocation(wallet.ID, parentID, quota, start, end)

	group := wallet.AllocationsByParent[parentID]
	if group == nil {
		group = &AllocationGroup{
			AssociatedWallet:   wallet.ID,
			Parent:             parentID,
			EarliestExpiration: maxTime,
			Allocations:        make(map[int32]bool),
		}
		wallet.AllocationsByParent[parentID] = group
	}

	now := s.now()
	active := !now.Before(start) && now.Before(end)
	group.Allocations[allocation.ID] = active
	if active && end.Before(group.EarliestExpiration) {
		group.EarliestExpiration = end
	}

	if parent := s.walletsByID[parentID]; parent != nil {
		parent.TotalAllocated += quota
		touched.add(parent.ID)
	}
	touched.add(wallet.ID)

	if active && wallet.LocalOverspending > 0 {
		s.rebalanceOverspending(wallet, touched)
	}
	return allocation
}

// rebalanceOverspending re-issues an internal charge for a wallet's recorded
// overspending, consuming any capacity that has appeared since the
// overspending was recorded.
func (s *Store) rebalanceOverspending(wallet *Wallet, touched *verifyList) {
	excess := wallet.LocalOverspending
	if excess <= 0 {
		return
	}
	graph := s.BuildFlowGraph(wallet, false)
	pushed := graph.MinCostFlow(graph.root, graph.leaf, excess)
	if pushed <= 0 {
		return
	}
	wallet.LocalUsage += pushed
	wallet.LocalOverspending -= pushed
	s.applyDeltas(graph, touched)
}

// ApplyCharge routes a usage delta through the flow graph. Positive deltas
// consume capacity from the wallet toward the root; any shortfall is
// recorded as local overspending. Negative deltas return attributed usage
// toward the root; amounts that exceed what was attributed are dropped.
// Returns the wallet ids whose tree usage changed.
func (s *Store) ApplyCharge(wallet *Wallet, delta int64, touched *verifyList) []int32 {
	if delta == 0 {
		return nil
	}

	changed := newVerifyList()
	graph := s.BuildFlowGraph(wallet, true)
	if delta > 0 {
		pushed := graph.MinCostFlow(graph.root, graph.leaf, delta)
		wallet.LocalUsage += pushed
		if pushed < delta {
			wallet.LocalOverspending += delta - pushed
		}
	} else {
		// Only the wallet's own attributed usage may be refunded. The graph's
		// residual capacity on a mid-tree wallet also covers usage its
		// children routed through it, which must stay live.
		refund := -delta
		if refund > wallet.LocalUsage {
			refund = wallet.LocalUsage
		}
		pushed := graph.MinCostFlow(graph.leaf, graph.root, refund)
		wallet.LocalUsage -= pushed
	}
	s.applyDeltas(graph, changed)
	changed.add(wallet.ID)

	for _, id := range changed.wallets {
		touched.add(id)
	}
	return changed.wallets
}

// applyDeltas copies the tree-usage changes recorded in a solved graph back
// onto the live allocation groups and the parents' children bookkeeping.
func (s *Store) applyDeltas(graph *flowGraph, touched *verifyList) {
	for _, d := range graph.usageDeltas() {
		child := s.walletsByID[d.child]
		if child == nil {
			continue
		}
		group := child.AllocationsByParent[d.parent]
		if group == nil {
			continue
		}
		group.TreeUsage += d.delta
		touched.add(child.ID)

		if parent := s.walletsByID[d.parent]; parent != nil {
			parent.ChildrenUsage[child.ID] += d.delta
			touched.add(parent.ID)
		}
	}
	for _, d := range graph.excessDeltas() {
		if wallet := s.walletsByID[d.wallet]; wallet != nil {
			wallet.ExcessUsage += d.delta
			touched.add(wallet.ID)
		}
	}
}

// ScanRetirement retires every allocation whose end has passed, plus
// zero-quota allocations which can retire immediately. Returns the number of
// allocations retired.
func (s *Store) ScanRetirement(touched *verifyList) int {
	now := s.now()
	retired := 0
	for _, allocation := range s.allocations {
		if allocation.Retired {
			continue
		}
		if now.After(allocation.End) || allocation.Quota == 0 {
			s.retireAllocation(allocation, touched)
			retired++
		}
	}
	return retired
}

// retireAllocation moves an allocation's attributed usage into the retired
// buckets on both sides of its edge and deactivates it. Capacity-based
// categories additionally unwind the retired amount from the parent's own
// upward attribution, since retired capacity no longer occupies the parent.
func (s *Store) retireAllocation(allocation *Allocation, touched *verifyList) {
	wallet := s.walletsByID[allocation.BelongsTo]
	if wallet == nil {
		allocation.Retired = true
		return
	}
	group := wallet.AllocationsByParent[allocation.Parent]
	if group == nil {
		allocation.Retired = true
		return
	}

	toRetire := allocation.Quota
	if group.TreeUsage < toRetire {
		toRetire = group.TreeUsage
	}

	group.TreeUsage -= toRetire
	group.RetiredTreeUsage += toRetire
	group.Allocations[allocation.ID] = false
	s.refreshGroupExpiration(group)

	allocation.Retired = true
	allocation.RetiredUsage = toRetire

	wallet.LocalRetiredUsage += toRetire
	localPart := toRetire
	if wallet.LocalUsage < localPart {
		localPart = wallet.LocalUsage
	}
	wallet.LocalUsage -= localPart
	remainder := toRetire - localPart
	touched.add(wallet.ID)

	parent := s.walletsByID[allocation.Parent]
	if parent != nil {
		parent.ChildrenUsage[wallet.ID] -= toRetire
		parent.ChildrenRetiredUsage[wallet.ID] += toRetire
		parent.TotalAllocated -= allocation.Quota
		parent.TotalRetiredAllocated += allocation.Quota
		touched.add(parent.ID)
	}

	// Children usage that was attributed through the retired edge stays
	// live; route it through the wallet's remaining active edges.
	if remainder > 0 {
		graph := s.BuildFlowGraph(wallet, false)
		graph.MinCostFlow(graph.root, graph.leaf, remainder)
		s.applyDeltas(graph, touched)
	}

	if wallet.Category.CapacityBased && parent != nil && toRetire > 0 {
		graph := s.BuildFlowGraph(parent, false)
		graph.MinCostFlow(graph.leaf, graph.root, toRetire)
		s.applyDeltas(graph, touched)
	}
}

// MaxUsable answers how much more a wallet can consume before exhausting
// every path to the root. Solved as a max-flow over the nominal-capacity
// graph.
func (s *Store) MaxUsable(wallet *Wallet) int64 {
	graph := s.BuildFlowGraph(wallet, false)
	return graph.MaxFlow(graph.root, graph.leaf)
}
