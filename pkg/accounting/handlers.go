package accounting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// LowBalanceHandler is notified when a charge leaves a wallet with little
// usable quota. Implementations must not call back into the processor.
type LowBalanceHandler interface {
	OnLowBalance(ctx context.Context, wallet WalletSummary, remaining int64)
}

// engine executes request handlers against the store. It runs exclusively on
// the processor goroutine and is never shared.
type engine struct {
	store    *Store
	gate     *Gate
	idCards  IdCardService
	products ProductCache
	logger   Logger
	metrics  Metrics

	lowBalance          LowBalanceHandler
	lowBalanceThreshold float64
}

// statusOf classifies a handler error into a response status.
func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case isAny(err, ErrNotPermitted):
		return StatusForbidden
	case isAny(err, ErrInvalidRange, ErrInvalidAmount, ErrWalletHasParent,
		ErrUnknownOwner, ErrUnknownCategory, ErrUnknownAllocation,
		ErrAllocationRetired):
		return StatusBadRequest
	default:
		return StatusInternalError
	}
}

func failure(err error) Response {
	return Response{Status: statusOf(err), Message: err.Error()}
}

func (e *engine) rootAllocate(ctx context.Context, card IdCard, req RootAllocateRequest, touched *verifyList) Response {
	if req.Amount < 0 {
		return failure(fmt.Errorf("%w: amount %d", ErrInvalidAmount, req.Amount))
	}
	if req.Start.After(req.End) {
		return failure(ErrInvalidRange)
	}

	category, err := e.products.ProductCategory(ctx, req.CategoryID)
	if err != nil {
		return failure(err)
	}
	providerPid, err := e.idCards.RetrieveProviderProjectPid(ctx, category.Provider)
	if err != nil {
		return failure(err)
	}
	providerProject, err := e.idCards.LookupProjectInformation(ctx, providerPid)
	if err != nil {
		return failure(err)
	}

	wallet, err := e.gate.Authorize(ctx, card, ActionRootAllocate, providerProject.ProjectID, req.CategoryID, touched)
	if err != nil {
		return failure(err)
	}

	// A root wallet must not also hang below other wallets.
	for parentID := range wallet.AllocationsByParent {
		if parentID != 0 {
			return failure(fmt.Errorf("%w: wallet %d", ErrWalletHasParent, wallet.ID))
		}
	}

	allocation := e.store.InsertAllocation(wallet, 0, req.Amount, req.Start, req.End, touched)
	return Response{Status: StatusOK, AllocationID: allocation.ID}
}

func (e *engine) subAllocate(ctx context.Context, card IdCard, req SubAllocateRequest, touched *verifyList) Response {
	if req.Quota < 0 {
		return failure(fmt.Errorf("%w: quota %d", ErrInvalidAmount, req.Quota))
	}
	if req.Start.After(req.End) {
		return failure(ErrInvalidRange)
	}

	parentRef, err := e.resolveParentRef(ctx, card, req.ParentOwner)
	if err != nil {
		return failure(err)
	}

	if _, err := e.gate.Authorize(ctx, card, ActionRead, parentRef, req.CategoryID, touched); err != nil {
		return failure(err)
	}
	parentWallet, err := e.gate.Authorize(ctx, card, ActionSubAllocate, parentRef, req.CategoryID, touched)
	if err != nil {
		return failure(err)
	}

	parentOwner := e.store.OwnerByID(parentWallet.OwnedBy)
	if parentOwner == nil || !parentOwner.IsProject() {
		return failure(fmt.Errorf("%w: sub-allocations require a project parent", ErrNotPermitted))
	}

	childOwner := e.store.OwnerByReference(req.Owner)
	if err := e.checkSubAllocationTarget(ctx, parentOwner, childOwner); err != nil {
		return failure(err)
	}

	childWallet := e.store.Wallet(childOwner, &parentWallet.Category)
	touched.add(childWallet.ID)

	allocation := e.store.InsertAllocation(childWallet, parentWallet.ID, req.Quota, req.Start, req.End, touched)
	return Response{Status: StatusOK, AllocationID: allocation.ID}
}

// resolveParentRef determines which wallet a sub-allocation draws from:
// an explicit parent owner when given, otherwise the caller's active
// project.
func (e *engine) resolveParentRef(ctx context.Context, card IdCard, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	user, ok := card.(UserIdCard)
	if !ok || user.ActiveProject == 0 {
		return "", fmt.Errorf("%w: no parent project", ErrUnknownOwner)
	}
	info, err := e.idCards.LookupProjectInformation(ctx, user.ActiveProject)
	if err != nil {
		return "", err
	}
	return info.ProjectID, nil
}

// checkSubAllocationTarget enforces the recipient rule: a project that
// consumes resources itself may only sub-allocate to its direct
// sub-projects; otherwise any resolvable owner is accepted.
func (e *engine) checkSubAllocationTarget(ctx context.Context, parent, child *Owner) error {
	parentPid, err := e.idCards.LookupPidFromProjectID(ctx, parent.Reference)
	if err != nil {
		return err
	}
	parentInfo, err := e.idCards.LookupProjectInformation(ctx, parentPid)
	if err != nil {
		return err
	}

	if child.IsProject() {
		childPid, err := e.idCards.LookupPidFromProjectID(ctx, child.Reference)
		if err != nil {
			return err
		}
		if !parentInfo.CanConsumeResources {
			return nil
		}
		childInfo, err := e.idCards.LookupProjectInformation(ctx, childPid)
		if err != nil {
			return err
		}
		if childInfo.ParentPid != parentPid {
			return fmt.Errorf("%w: recipient is not a direct sub-project", ErrNotPermitted)
		}
		return nil
	}

	// Personal recipients must resolve, and are only valid under projects
	// that allow leaf consumption.
	if _, err := e.idCards.LookupUidFromUsername(ctx, child.Reference); err != nil {
		return err
	}
	if parentInfo.CanConsumeResources {
		return fmt.Errorf("%w: project does not sub-allocate to users", ErrNotPermitted)
	}
	return nil
}

func (e *engine) charge(ctx context.Context, card IdCard, req ChargeRequest, touched *verifyList) Response {
	wallet, err := e.gate.Authorize(ctx, card, ActionCharge, req.Owner, req.CategoryID, touched)
	if err != nil {
		e.metrics.RecordCharge("", "", req.Amount, false)
		return failure(err)
	}

	delta := req.Amount
	if !req.IsDelta {
		delta = req.Amount - wallet.LocalUsage
	}
	if req.Scope != "" {
		e.logger.Debug("scoped charge",
			Field{Key: "scope", Value: req.Scope},
			Field{Key: "explanation", Value: req.ScopeExplanation})
	}

	delta, wallet.LocalOverspending = balanceOverspending(delta, wallet.LocalOverspending)

	changed := e.store.ApplyCharge(wallet, delta, touched)

	status := StatusOK
	if delta > 0 {
		for _, id := range changed {
			w := e.store.WalletByID(id)
			if w == nil {
				continue
			}
			if e.store.TotalUsage(w) > e.store.ActiveQuota(w)+w.ExcessUsage {
				status = StatusPaymentRequired
				break
			}
		}
	}

	e.metrics.RecordCharge(wallet.Category.Provider, wallet.Category.Name, req.Amount, status == StatusOK)

	if status == StatusOK && delta > 0 {
		e.notifyLowBalance(ctx, wallet)
	}
	if status == StatusPaymentRequired {
		// The mutation above is deliberately not rolled back: the usage has
		// been recorded as overspending. Callers must treat this status
		// accordingly.
		return Response{Status: status, Message: "charge exceeds active quota"}
	}
	return Response{Status: status}
}

func (e *engine) notifyLowBalance(ctx context.Context, wallet *Wallet) {
	if e.lowBalance == nil {
		return
	}
	quota := e.store.ActiveQuota(wallet)
	if quota <= 0 {
		return
	}
	remaining := e.store.MaxUsable(wallet)
	if float64(remaining) > e.lowBalanceThreshold*float64(quota) {
		return
	}
	e.lowBalance.OnLowBalance(ctx, e.walletSummary(wallet), remaining)
}

func (e *engine) scanRetirement(_ context.Context, card IdCard, touched *verifyList) Response {
	if _, ok := card.(SystemIdCard); !ok {
		return failure(ErrNotPermitted)
	}
	retired := e.store.ScanRetirement(touched)
	if retired > 0 {
		e.logger.Info("retired expired allocations", Field{Key: "count", Value: retired})
	}
	return Response{Status: StatusOK}
}

func (e *engine) maxUsable(ctx context.Context, card IdCard, req MaxUsableRequest, touched *verifyList) Response {
	wallet, err := e.gate.Authorize(ctx, card, ActionRead, req.Owner, req.CategoryID, touched)
	if err != nil {
		return failure(err)
	}
	return Response{Status: StatusOK, MaxUsable: e.store.MaxUsable(wallet)}
}

func (e *engine) updateAllocation(ctx context.Context, card IdCard, req UpdateAllocationRequest, touched *verifyList) Response {
	allocation := e.store.AllocationByID(req.AllocationID)
	if allocation == nil {
		return failure(fmt.Errorf("%w: id %d", ErrUnknownAllocation, req.AllocationID))
	}
	if allocation.Retired {
		return failure(ErrAllocationRetired)
	}

	wallet := e.store.WalletByID(allocation.BelongsTo)
	owner := e.store.OwnerByID(wallet.OwnedBy)
	if owner == nil {
		return failure(ErrUnknownOwner)
	}

	// Updating a grant requires the same permission that creating it did:
	// root allocations need provider-project administration, sub-grants
	// need administration of the granting project.
	if allocation.Parent == 0 {
		if _, err := e.gate.Authorize(ctx, card, ActionRootAllocate, owner.Reference, wallet.Category.ID, touched); err != nil {
			return failure(err)
		}
	} else {
		parentWallet := e.store.WalletByID(allocation.Parent)
		parentOwner := e.store.OwnerByID(parentWallet.OwnedBy)
		if parentOwner == nil {
			return failure(ErrUnknownOwner)
		}
		if _, err := e.gate.Authorize(ctx, card, ActionSubAllocate, parentOwner.Reference, wallet.Category.ID, touched); err != nil {
			return failure(err)
		}
	}

	newQuota := allocation.Quota
	if req.NewQuota != nil {
		newQuota = *req.NewQuota
	}
	newStart := allocation.Start
	if req.NewStart != nil {
		newStart = *req.NewStart
	}
	newEnd := allocation.End
	if req.NewEnd != nil {
		newEnd = *req.NewEnd
	}
	if newQuota < 0 {
		return failure(fmt.Errorf("%w: quota %d", ErrInvalidAmount, newQuota))
	}
	if newStart.After(newEnd) {
		return failure(ErrInvalidRange)
	}

	group := wallet.AllocationsByParent[allocation.Parent]
	now := e.store.Now()
	newActive := !now.Before(newStart) && now.Before(newEnd)

	// Reject updates that would leave more usage attributed to the group
	// than its active quota covers.
	prospective := e.store.GroupActiveQuota(group)
	if group.Allocations[allocation.ID] {
		prospective -= allocation.Quota
	}
	if newActive {
		prospective += newQuota
	}
	if prospective < group.TreeUsage {
		return failure(fmt.Errorf("%w: update strands %d attributed usage",
			ErrInvalidAmount, group.TreeUsage-prospective))
	}

	if parent := e.store.WalletByID(allocation.Parent); parent != nil {
		parent.TotalAllocated += newQuota - allocation.Quota
		touched.add(parent.ID)
	}
	allocation.Quota = newQuota
	allocation.Start = newStart
	allocation.End = newEnd
	group.Allocations[allocation.ID] = newActive
	e.store.refreshGroupExpiration(group)
	touched.add(wallet.ID)

	if newActive && wallet.LocalOverspending > 0 {
		e.store.rebalanceOverspending(wallet, touched)
	}
	return Response{Status: StatusOK}
}

func (e *engine) browseWallets(ctx context.Context, card IdCard, req BrowseWalletsRequest, touched *verifyList) Response {
	var wallets []*Wallet

	switch c := card.(type) {
	case SystemIdCard:
		wallets = e.store.Wallets()
	case ProviderIdCard:
		for _, w := range e.store.Wallets() {
			if w.Category.Provider == c.Name {
				wallets = append(wallets, w)
			}
		}
	case UserIdCard:
		if req.Owner == "" {
			return failure(fmt.Errorf("%w: owner required", ErrUnknownOwner))
		}
		owner := e.store.OwnerByReference(req.Owner)
		for _, w := range e.store.WalletsByOwner(owner.ID) {
			if _, err := e.gate.Authorize(ctx, card, ActionRead, req.Owner, w.Category.ID, touched); err != nil {
				return failure(err)
			}
			wallets = append(wallets, w)
		}
	}

	sort.Slice(wallets, func(i, j int) bool { return wallets[i].ID < wallets[j].ID })

	summaries := make([]WalletSummary, 0, len(wallets))
	for _, w := range wallets {
		if req.FilterProductType != "" && w.Category.ProductType != req.FilterProductType {
			continue
		}
		summary := e.walletSummary(w)
		if req.IncludeChildren {
			summary.Children = e.childSummaries(w, req.ChildQuery)
		}
		summaries = append(summaries, summary)
	}
	return Response{Status: StatusOK, Wallets: summaries}
}

func (e *engine) childSummaries(parent *Wallet, childQuery string) []WalletSummary {
	var children []WalletSummary
	for _, w := range e.store.Wallets() {
		if _, ok := w.AllocationsByParent[parent.ID]; !ok {
			continue
		}
		owner := e.store.OwnerByID(w.OwnedBy)
		if owner == nil {
			continue
		}
		if childQuery != "" && !strings.Contains(owner.Reference, childQuery) {
			continue
		}
		children = append(children, e.walletSummary(w))
	}
	sort.Slice(children, func(i, j int) bool { return children[i].WalletID < children[j].WalletID })
	return children
}

func (e *engine) walletSummary(wallet *Wallet) WalletSummary {
	owner := e.store.OwnerByID(wallet.OwnedBy)
	reference := ""
	if owner != nil {
		reference = owner.Reference
	}

	var allocations []AllocationInfo
	for _, group := range wallet.AllocationsByParent {
		for id := range group.Allocations {
			if allocation := e.store.AllocationByID(id); allocation != nil {
				allocations = append(allocations, e.allocationInfo(allocation, group))
			}
		}
	}
	sort.Slice(allocations, func(i, j int) bool { return allocations[i].ID < allocations[j].ID })

	return WalletSummary{
		WalletID:          wallet.ID,
		Owner:             reference,
		CategoryID:        wallet.Category.ID,
		CategoryName:      wallet.Category.Name,
		Provider:          wallet.Category.Provider,
		ProductType:       wallet.Category.ProductType,
		LocalUsage:        wallet.LocalUsage,
		LocalRetiredUsage: wallet.LocalRetiredUsage,
		TotalUsage:        e.store.TotalUsage(wallet),
		ActiveQuota:       e.store.ActiveQuota(wallet),
		TotalAllocated:    wallet.TotalAllocated,
		MaxUsable:         e.store.MaxUsable(wallet),
		Allocations:       allocations,
	}
}

func (e *engine) allocationInfo(allocation *Allocation, group *AllocationGroup) AllocationInfo {
	return AllocationInfo{
		ID:           allocation.ID,
		ParentWallet: allocation.Parent,
		Quota:        allocation.Quota,
		Start:        allocation.Start,
		End:          allocation.End,
		Active:       group.Allocations[allocation.ID],
		Retired:      allocation.Retired,
		RetiredUsage: allocation.RetiredUsage,
	}
}

func (e *engine) retrieveProviderAllocations(_ context.Context, card IdCard, req RetrieveProviderAllocationsRequest) Response {
	provider := req.Provider
	switch c := card.(type) {
	case SystemIdCard:
		if provider == "" {
			return failure(fmt.Errorf("%w: provider required", ErrUnknownOwner))
		}
	case ProviderIdCard:
		provider = c.Name
	default:
		return failure(ErrNotPermitted)
	}

	limit := req.Limit
	if limit <= 0 || limit > 250 {
		limit = 50
	}

	var items []ProviderAllocation
	for _, allocation := range e.store.Allocations() {
		wallet := e.store.WalletByID(allocation.BelongsTo)
		if wallet == nil || wallet.Category.Provider != provider {
			continue
		}
		if req.FilterCategory != 0 && wallet.Category.ID != req.FilterCategory {
			continue
		}
		owner := e.store.OwnerByID(wallet.OwnedBy)
		if owner == nil {
			continue
		}
		if req.FilterOwner != "" && owner.Reference != req.FilterOwner {
			continue
		}
		group := wallet.AllocationsByParent[allocation.Parent]
		if group == nil {
			continue
		}
		items = append(items, ProviderAllocation{
			Owner:        owner.Reference,
			CategoryID:   wallet.Category.ID,
			CategoryName: wallet.Category.Name,
			Allocation:   e.allocationInfo(allocation, group),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Allocation.ID < items[j].Allocation.ID })

	page := ProviderAllocationPage{Next: -1}
	if req.Offset < len(items) {
		end := req.Offset + limit
		if end > len(items) {
			end = len(items)
		}
		page.Items = items[req.Offset:end]
		if end < len(items) {
			page.Next = end
		}
	}
	return Response{Status: StatusOK, Allocations: page}
}

func (e *engine) findRelevantProviders(ctx context.Context, card IdCard, req FindRelevantProvidersRequest) Response {
	ref := req.Username
	if req.UseProject && req.Project != "" {
		ref = req.Project
	}

	if err := e.checkRelevantProvidersAccess(ctx, card, ref); err != nil {
		return failure(err)
	}

	owner := e.store.OwnerByReference(ref)
	providers := make(map[string]bool)
	for _, w := range e.store.WalletsByOwner(owner.ID) {
		if req.FilterProductType != "" && w.Category.ProductType != req.FilterProductType {
			continue
		}
		providers[w.Category.Provider] = true
	}

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return Response{Status: StatusOK, Providers: names}
}

func (e *engine) checkRelevantProvidersAccess(ctx context.Context, card IdCard, ref string) error {
	switch c := card.(type) {
	case SystemIdCard:
		return nil
	case UserIdCard:
		if IsProjectReference(ref) {
			pid, err := e.idCards.LookupPidFromProjectID(ctx, ref)
			if err != nil {
				return err
			}
			if c.IsAdminOf(pid) || c.ActiveProject == pid {
				return nil
			}
			return ErrNotPermitted
		}
		uid, err := e.idCards.LookupUidFromUsername(ctx, ref)
		if err != nil {
			return err
		}
		if c.Uid == uid {
			return nil
		}
		return ErrNotPermitted
	default:
		return ErrNotPermitted
	}
}

// isAny reports whether err wraps any of the given sentinels.
func isAny(err error, sentinels ...error) bool {
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
