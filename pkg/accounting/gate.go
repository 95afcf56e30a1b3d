package accounting

import (
	"context"
	"fmt"
)

// Gate validates that a caller may perform an action against the wallet for
// an (owner, category) pair, creating the wallet on first access. Every
// wallet a gate call returns is appended to the request's verify list so the
// invariant checker can inspect it after the handler runs.
type Gate struct {
	store    *Store
	idCards  IdCardService
	products ProductCache
}

// NewGate creates a gate over the given store and collaborator services.
func NewGate(store *Store, idCards IdCardService, products ProductCache) *Gate {
	return &Gate{store: store, idCards: idCards, products: products}
}

// verifyList accumulates the wallets touched while handling one request.
type verifyList struct {
	wallets []int32
	seen    map[int32]bool
}

func newVerifyList() *verifyList {
	return &verifyList{seen: make(map[int32]bool)}
}

func (l *verifyList) add(walletID int32) {
	if l == nil || l.seen[walletID] {
		return
	}
	l.seen[walletID] = true
	l.wallets = append(l.wallets, walletID)
}

// Authorize resolves the owner and category, checks the action against the
// caller's capability and returns the matching wallet, created with all-zero
// counters on first access. Returns ErrNotPermitted on any unmet condition.
func (g *Gate) Authorize(ctx context.Context, card IdCard, action ActionType,
	ownerRef string, categoryID int64, touched *verifyList) (*Wallet, error) {

	category, err := g.products.ProductCategory(ctx, categoryID)
	if err != nil {
		return nil, fmt.Errorf("resolving category %d: %w", categoryID, err)
	}

	owner := g.store.OwnerByReference(ownerRef)

	var ownerUID, ownerPID int32
	if owner.IsProject() {
		ownerPID, err = g.idCards.LookupPidFromProjectID(ctx, owner.Reference)
	} else {
		ownerUID, err = g.idCards.LookupUidFromUsername(ctx, owner.Reference)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving owner %q: %w", owner.Reference, err)
	}

	if err := g.check(ctx, card, action, category, owner, ownerUID, ownerPID); err != nil {
		return nil, err
	}

	wallet := g.store.Wallet(owner, category)
	touched.add(wallet.ID)
	return wallet, nil
}

func (g *Gate) check(ctx context.Context, card IdCard, action ActionType,
	category *ProductCategory, owner *Owner, ownerUID, ownerPID int32) error {

	// The system passes every check.
	if _, ok := card.(SystemIdCard); ok {
		return nil
	}

	switch action {
	case ActionRead:
		switch c := card.(type) {
		case ProviderIdCard:
			if c.Name == category.Provider {
				return nil
			}
		case UserIdCard:
			if !owner.IsProject() && c.Uid == ownerUID {
				return nil
			}
			if owner.IsProject() && c.IsAdminOf(ownerPID) {
				return nil
			}
		}

	case ActionCharge:
		if c, ok := card.(ProviderIdCard); ok && c.Name == category.Provider {
			return nil
		}

	case ActionSubAllocate:
		if c, ok := card.(UserIdCard); ok {
			if owner.IsProject() && c.IsAdminOf(ownerPID) {
				return nil
			}
		}

	case ActionRootAllocate:
		if c, ok := card.(UserIdCard); ok {
			providerPid, err := g.idCards.RetrieveProviderProjectPid(ctx, category.Provider)
			if err != nil {
				return fmt.Errorf("resolving provider project for %q: %w", category.Provider, err)
			}
			if c.IsAdminOf(providerPid) {
				return nil
			}
		}
	}

	return ErrNotPermitted
}
