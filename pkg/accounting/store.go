package accounting

import (
	"time"
)

// Store is the canonical in-memory accounting graph: owners, wallets,
// allocations and allocation groups. It carries no locking of its own; all
// mutation happens on the single active processor goroutine, which is the
// only component ever handed a *Store.
type Store struct {
	now func() time.Time

	ownersByRef map[string]*Owner
	ownersByID  map[int32]*Owner
	nextOwnerID int32

	walletsByID    map[int32]*Wallet
	walletsByOwner map[int32]map[int64]*Wallet
	nextWalletID   int32

	allocations      map[int32]*Allocation
	nextAllocationID int32
}

// NewStore creates an empty store using the real clock.
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock creates an empty store with an explicit time source,
// used by tests that need deterministic retirement and expiration behavior.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		now:              now,
		ownersByRef:      make(map[string]*Owner),
		ownersByID:       make(map[int32]*Owner),
		nextOwnerID:      1,
		walletsByID:      make(map[int32]*Wallet),
		walletsByOwner:   make(map[int32]map[int64]*Wallet),
		nextWalletID:     1,
		allocations:      make(map[int32]*Allocation),
		nextAllocationID: 1,
	}
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// OwnerByReference returns the owner for an external reference, creating it
// on first use.
func (s *Store) OwnerByReference(ref string) *Owner {
	if owner, ok := s.ownersByRef[ref]; ok {
		return owner
	}
	owner := &Owner{ID: s.nextOwnerID, Reference: ref}
	s.nextOwnerID++
	s.ownersByRef[ref] = owner
	s.ownersByID[owner.ID] = owner
	return owner
}

// OwnerByID returns a previously created owner, or nil.
func (s *Store) OwnerByID(id int32) *Owner {
	return s.ownersByID[id]
}

// WalletByID returns a wallet by id, or nil.
func (s *Store) WalletByID(id int32) *Wallet {
	return s.walletsByID[id]
}

// Wallet returns the wallet for (owner, category), creating it with all-zero
// counters on first access.
func (s *Store) Wallet(owner *Owner, category *ProductCategory) *Wallet {
	byCategory := s.walletsByOwner[owner.ID]
	if byCategory == nil {
		byCategory = make(map[int64]*Wallet)
		s.walletsByOwner[owner.ID] = byCategory
	}
	if wallet, ok := byCategory[category.ID]; ok {
		return wallet
	}

	wallet := &Wallet{
		ID:                   s.nextWalletID,
		OwnedBy:              owner.ID,
		Category:             *category,
		AllocationsByParent:  make(map[int32]*AllocationGroup),
		ChildrenUsage:        make(map[int32]int64),
		ChildrenRetiredUsage: make(map[int32]int64),
	}
	s.nextWalletID++
	s.walletsByID[wallet.ID] = wallet
	byCategory[category.ID] = wallet
	return wallet
}

// ExistingWallet returns the wallet for (owner, category) without creating
// it, or nil.
func (s *Store) ExistingWallet(owner *Owner, categoryID int64) *Wallet {
	byCategory := s.walletsByOwner[owner.ID]
	if byCategory == nil {
		return nil
	}
	return byCategory[categoryID]
}

// WalletsByOwner returns every wallet held by an owner.
func (s *Store) WalletsByOwner(ownerID int32) []*Wallet {
	byCategory := s.walletsByOwner[ownerID]
	if len(byCategory) == 0 {
		return nil
	}
	wallets := make([]*Wallet, 0, len(byCategory))
	for _, w := range byCategory {
		wallets = append(wallets, w)
	}
	return wallets
}

// AllocationByID returns an allocation by id, or nil.
func (s *Store) AllocationByID(id int32) *Allocation {
	return s.allocations[id]
}

// Allocations returns every allocation in the store.
func (s *Store) Allocations() []*Allocation {
	allocations := make([]*Allocation, 0, len(s.allocations))
	for _, a := range s.allocations {
		allocations = append(allocations, a)
	}
	return allocations
}

// Wallets returns every wallet in the store.
func (s *Store) Wallets() []*Wallet {
	wallets := make([]*Wallet, 0, len(s.walletsByID))
	for _, w := range s.walletsByID {
		wallets = append(wallets, w)
	}
	return wallets
}

// newAllocation registers a new allocation in the store without touching any
// wallet bookkeeping. Callers go through insertAllocation.
func (s *Store) newAllocation(belongsTo, parent int32, quota int64, start, end time.Time) *Allocation {
	allocation := &Allocation{
		ID:        s.nextAllocationID,
		BelongsTo: belongsTo,
		Parent:    parent,
		Quota:     quota,
		Start:     start,
		End:       end,
	}
	s.nextAllocationID++
	s.allocations[allocation.ID] = allocation
	return allocation
}
