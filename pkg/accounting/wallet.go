package accounting

import "time"

// maxTime is the sentinel expiration for groups with no active allocations.
var maxTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// GroupActiveQuota returns the summed quota of the group's active
// allocations.
func (s *Store) GroupActiveQuota(group *AllocationGroup) int64 {
	var quota int64
	for id, active := range group.Allocations {
		if !active {
			continue
		}
		if allocation := s.allocations[id]; allocation != nil {
			quota += allocation.Quota
		}
	}
	return quota
}

// ActiveQuota returns the total active quota granted to a wallet across all
// of its allocation groups.
func (s *Store) ActiveQuota(wallet *Wallet) int64 {
	var quota int64
	for _, group := range wallet.AllocationsByParent {
		quota += s.GroupActiveQuota(group)
	}
	return quota
}

// TotalUsage returns the wallet's total usage: local usage, overspending and
// live children usage. For non-capacity categories retired children usage
// still counts, since consumption-over-time never goes away.
func (s *Store) TotalUsage(wallet *Wallet) int64 {
	usage := wallet.LocalUsage + wallet.LocalOverspending
	for _, childUsage := range wallet.ChildrenUsage {
		usage += childUsage
	}
	if !wallet.Category.CapacityBased {
		for _, retired := range wallet.ChildrenRetiredUsage {
			usage += retired
		}
	}
	return usage
}

// TreeAttributedUsage returns the usage the wallet currently attributes to
// its parents across all live edges.
func (s *Store) TreeAttributedUsage(wallet *Wallet) int64 {
	var usage int64
	for _, group := range wallet.AllocationsByParent {
		usage += group.TreeUsage
	}
	return usage
}

// IsOverspending reports whether the wallet's total usage exceeds its total
// active quota.
func (s *Store) IsOverspending(wallet *Wallet) bool {
	return s.TotalUsage(wallet) > s.ActiveQuota(wallet)
}

// balanceOverspending nets a negative charge against recorded overspending.
// Returns the remaining charge amount and the new overspending value. The
// remaining amount is 0 when the overspending bucket fully absorbs the
// charge; overspending never goes negative.
func balanceOverspending(amount, overspending int64) (int64, int64) {
	if amount >= 0 || overspending <= 0 {
		return amount, overspending
	}
	remaining := overspending + amount
	if remaining >= 0 {
		return 0, remaining
	}
	return remaining, 0
}

// refreshGroupExpiration recomputes the group's earliest expiration from its
// active allocations.
func (s *Store) refreshGroupExpiration(group *AllocationGroup) {
	group.EarliestExpiration = maxTime
	for id, active := range group.Allocations {
		if !active {
			continue
		}
		allocation := s.allocations[id]
		if allocation != nil && allocation.End.Before(group.EarliestExpiration) {
			group.EarliestExpiration = allocation.End
		}
	}
}

// activateDueAllocations marks allocations active once their start has
// passed, refreshing group expirations for groups that changed.
func (s *Store) activateDueAllocations(wallet *Wallet) {
	now := s.now()
	for _, group := range wallet.AllocationsByParent {
		changed := false
		for id, active := range group.Allocations {
			if active {
				continue
			}
			allocation := s.allocations[id]
			if allocation == nil || allocation.Retired {
				continue
			}
			if !now.Before(allocation.Start) && now.Before(allocation.End) {
				group.Allocations[id] = true
				changed = true
			}
		}
		if changed {
			s.refreshGroupExpiration(group)
		}
	}
}
