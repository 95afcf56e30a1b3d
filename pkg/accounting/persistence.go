package accounting

import (
	"context"
	"fmt"
	"time"
)

// Persistence is the durable-storage boundary. It is consulted only at
// start-up and flush boundaries; individual mutations are never persisted
// synchronously.
type Persistence interface {
	// Initialize prepares storage and loads the last snapshot, or nil when
	// none exists.
	Initialize(ctx context.Context) (*Snapshot, error)

	// FlushChanges writes the given snapshot.
	FlushChanges(ctx context.Context, snapshot *Snapshot) error
}

// NoopPersistence keeps nothing. It is the default.
type NoopPersistence struct{}

func (NoopPersistence) Initialize(context.Context) (*Snapshot, error) { return nil, nil }
func (NoopPersistence) FlushChanges(context.Context, *Snapshot) error { return nil }

// GroupRecord is the durable form of one allocation group edge. Allocation
// membership and expirations are rebuilt from the allocations themselves.
type GroupRecord struct {
	Parent           int32 `json:"parent"`
	TreeUsage        int64 `json:"treeUsage"`
	RetiredTreeUsage int64 `json:"retiredTreeUsage"`
}

// WalletRecord is the durable form of a wallet.
type WalletRecord struct {
	ID                    int32           `json:"id"`
	Owner                 string          `json:"owner"`
	Category              ProductCategory `json:"category"`
	LocalUsage            int64           `json:"localUsage"`
	LocalOverspending     int64           `json:"localOverspending"`
	LocalRetiredUsage     int64           `json:"localRetiredUsage"`
	TotalAllocated        int64           `json:"totalAllocated"`
	TotalRetiredAllocated int64           `json:"totalRetiredAllocated"`
	ExcessUsage           int64           `json:"excessUsage"`
	Groups                []GroupRecord   `json:"groups"`
}

// AllocationRecord is the durable form of an allocation.
type AllocationRecord struct {
	ID           int32     `json:"id"`
	BelongsTo    int32     `json:"belongsTo"`
	Parent       int32     `json:"parent"`
	Quota        int64     `json:"quota"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Retired      bool      `json:"retired"`
	RetiredUsage int64     `json:"retiredUsage"`
}

// Snapshot is a full copy of the accounting state.
type Snapshot struct {
	Wallets     []WalletRecord
	Allocations []AllocationRecord
}

// Snapshot builds a durable snapshot of the store.
func (s *Store) Snapshot() *Snapshot {
	snapshot := &Snapshot{}

	for _, wallet := range s.walletsByID {
		owner := s.ownersByID[wallet.OwnedBy]
		if owner == nil {
			continue
		}
		record := WalletRecord{
			ID:                    wallet.ID,
			Owner:                 owner.Reference,
			Category:              wallet.Category,
			LocalUsage:            wallet.LocalUsage,
			LocalOverspending:     wallet.LocalOverspending,
			LocalRetiredUsage:     wallet.LocalRetiredUsage,
			TotalAllocated:        wallet.TotalAllocated,
			TotalRetiredAllocated: wallet.TotalRetiredAllocated,
			ExcessUsage:           wallet.ExcessUsage,
		}
		for parentID, group := range wallet.AllocationsByParent {
			record.Groups = append(record.Groups, GroupRecord{
				Parent:           parentID,
				TreeUsage:        group.TreeUsage,
				RetiredTreeUsage: group.RetiredTreeUsage,
			})
		}
		snapshot.Wallets = append(snapshot.Wallets, record)
	}

	for _, allocation := range s.allocations {
		snapshot.Allocations = append(snapshot.Allocations, AllocationRecord{
			ID:           allocation.ID,
			BelongsTo:    allocation.BelongsTo,
			Parent:       allocation.Parent,
			Quota:        allocation.Quota,
			Start:        allocation.Start,
			End:          allocation.End,
			Retired:      allocation.Retired,
			RetiredUsage: allocation.RetiredUsage,
		})
	}
	return snapshot
}

// Restore replaces the store's state with a snapshot. Group membership,
// active flags, expirations and the parents' children bookkeeping are all
// rebuilt rather than trusted from storage.
func (s *Store) Restore(snapshot *Snapshot) error {
	if len(s.walletsByID) > 0 || len(s.allocations) > 0 {
		return fmt.Errorf("restore requires an empty store")
	}

	now := s.now()

	for _, record := range snapshot.Wallets {
		owner := s.OwnerByReference(record.Owner)
		wallet := &Wallet{
			ID:                    record.ID,
			OwnedBy:               owner.ID,
			Category:              record.Category,
			LocalUsage:            record.LocalUsage,
			LocalOverspending:     record.LocalOverspending,
			LocalRetiredUsage:     record.LocalRetiredUsage,
			TotalAllocated:        record.TotalAllocated,
			TotalRetiredAllocated: record.TotalRetiredAllocated,
			ExcessUsage:           record.ExcessUsage,
			AllocationsByParent:   make(map[int32]*AllocationGroup),
			ChildrenUsage:         make(map[int32]int64),
			ChildrenRetiredUsage:  make(map[int32]int64),
		}
		for _, groupRecord := range record.Groups {
			wallet.AllocationsByParent[groupRecord.Parent] = &AllocationGroup{
				AssociatedWallet:   wallet.ID,
				Parent:             groupRecord.Parent,
				TreeUsage:          groupRecord.TreeUsage,
				RetiredTreeUsage:   groupRecord.RetiredTreeUsage,
				EarliestExpiration: maxTime,
				Allocations:        make(map[int32]bool),
			}
		}

		s.walletsByID[wallet.ID] = wallet
		byCategory := s.walletsByOwner[owner.ID]
		if byCategory == nil {
			byCategory = make(map[int64]*Wallet)
			s.walletsByOwner[owner.ID] = byCategory
		}
		byCategory[wallet.Category.ID] = wallet
		if wallet.ID >= s.nextWalletID {
			s.nextWalletID = wallet.ID + 1
		}
	}

	for _, record := range snapshot.Allocations {
		allocation := &Allocation{
			ID:           record.ID,
			BelongsTo:    record.BelongsTo,
			Parent:       record.Parent,
			Quota:        record.Quota,
			Start:        record.Start,
			End:          record.End,
			Retired:      record.Retired,
			RetiredUsage: record.RetiredUsage,
		}
		s.allocations[allocation.ID] = allocation
		if allocation.ID >= s.nextAllocationID {
			s.nextAllocationID = allocation.ID + 1
		}

		wallet := s.walletsByID[allocation.BelongsTo]
		if wallet == nil {
			return fmt.Errorf("allocation %d references unknown wallet %d", allocation.ID, allocation.BelongsTo)
		}
		group := wallet.AllocationsByParent[allocation.Parent]
		if group == nil {
			group = &AllocationGroup{
				AssociatedWallet:   wallet.ID,
				Parent:             allocation.Parent,
				EarliestExpiration: maxTime,
				Allocations:        make(map[int32]bool),
			}
			wallet.AllocationsByParent[allocation.Parent] = group
		}
		active := !allocation.Retired && !now.Before(allocation.Start) && now.Before(allocation.End)
		group.Allocations[allocation.ID] = active
	}

	// Rebuild derived state.
	for _, wallet := range s.walletsByID {
		for parentID, group := range wallet.AllocationsByParent {
			s.refreshGroupExpiration(group)
			if parent := s.walletsByID[parentID]; parent != nil {
				parent.ChildrenUsage[wallet.ID] = group.TreeUsage
				parent.ChildrenRetiredUsage[wallet.ID] = group.RetiredTreeUsage
			}
		}
	}
	return nil
}
