package accounting

import (
	"regexp"
	"time"
)

// ActionType describes what a caller wants to do with a wallet.
type ActionType string

const (
	// ActionRead grants read-only access to a wallet
	ActionRead ActionType = "read"
	// ActionCharge records usage against a wallet
	ActionCharge ActionType = "charge"
	// ActionSubAllocate grants quota from a wallet to a child wallet
	ActionSubAllocate ActionType = "sub_allocate"
	// ActionRootAllocate grants quota from the root to a provider project wallet
	ActionRootAllocate ActionType = "root_allocate"
)

// Status is the outcome of a processed request.
type Status string

const (
	StatusOK              Status = "ok"
	StatusBadRequest      Status = "bad_request"
	StatusForbidden       Status = "forbidden"
	StatusPaymentRequired Status = "payment_required"
	StatusInternalError   Status = "internal_error"
)

// IdCard is the capability token identifying a caller. It is one of
// SystemIdCard, ProviderIdCard or UserIdCard.
type IdCard interface {
	isIdCard()
}

// SystemIdCard identifies the system itself. It passes every authorization
// check.
type SystemIdCard struct{}

// ProviderIdCard identifies a named provider.
type ProviderIdCard struct {
	Name string
}

// UserIdCard identifies an end user.
type UserIdCard struct {
	// Uid is the internal numeric id of the user.
	Uid int32

	// ActiveProject is the pid of the project the user currently acts in
	// (0 if none).
	ActiveProject int32

	// AdminOf lists the pids of projects the user administers.
	AdminOf []int32
}

func (SystemIdCard) isIdCard()   {}
func (ProviderIdCard) isIdCard() {}
func (UserIdCard) isIdCard()     {}

// IsAdminOf reports whether the user administers the given project.
func (c UserIdCard) IsAdminOf(pid int32) bool {
	for _, p := range c.AdminOf {
		if p == pid {
			return true
		}
	}
	return false
}

// ProductCategory describes a billable product category owned by a provider.
type ProductCategory struct {
	ID       int64
	Name     string
	Provider string

	// ProductType is a coarse classification, e.g. "COMPUTE" or "STORAGE".
	ProductType string

	// CapacityBased categories account for capacity held right now (e.g.
	// storage quota). Non-capacity categories account for consumption over
	// time (e.g. core hours), so retired usage still counts against a
	// parent's total.
	CapacityBased bool
}

var projectReferencePattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsProjectReference reports whether an owner reference names a project
// rather than a user. Project references are UUID-shaped.
func IsProjectReference(ref string) bool {
	return projectReferencePattern.MatchString(ref)
}

// Owner maps an opaque external owner reference to a small internal id.
// Owners are created lazily on first use and never deleted.
type Owner struct {
	ID        int32
	Reference string
}

// IsProject reports whether this owner is a project.
func (o *Owner) IsProject() bool {
	return IsProjectReference(o.Reference)
}

// Allocation is a single time-bounded quota grant from a parent wallet (or
// the root sentinel) to a wallet.
type Allocation struct {
	ID int32

	// BelongsTo is the wallet this allocation grants quota to.
	BelongsTo int32

	// Parent is the wallet this allocation draws from. 0 means the root
	// sentinel, i.e. a root allocation.
	Parent int32

	Quota int64
	Start time.Time
	End   time.Time

	// Retired allocations are immutable except for bookkeeping.
	Retired      bool
	RetiredUsage int64
}

// AllocationGroup aggregates every allocation a wallet holds from one
// specific parent wallet.
type AllocationGroup struct {
	// AssociatedWallet is the wallet the group belongs to.
	AssociatedWallet int32

	// Parent is the granting wallet (0 for the root sentinel).
	Parent int32

	// TreeUsage is the usage currently attributed to this child-parent
	// edge. It never exceeds the group's total active quota.
	TreeUsage int64

	// RetiredTreeUsage is usage moved out of TreeUsage when allocations in
	// this group were retired.
	RetiredTreeUsage int64

	// EarliestExpiration is the earliest end time among active allocations.
	EarliestExpiration time.Time

	// Allocations maps allocation id to whether it is currently active.
	Allocations map[int32]bool
}

// Wallet is the accounting unit for one (owner, product category) pair.
type Wallet struct {
	ID       int32
	OwnedBy  int32
	Category ProductCategory

	// LocalUsage is usage attributed directly to this wallet, not via
	// children.
	LocalUsage int64

	// LocalOverspending absorbs charges that could not be matched to
	// capacity in the flow graph. Always >= 0; reconciled on the next
	// allocation or negative charge.
	LocalOverspending int64

	// LocalRetiredUsage equals the summed RetiredUsage of this wallet's
	// retired allocations.
	LocalRetiredUsage int64

	// TotalAllocated is the live quota this wallet has granted to children.
	TotalAllocated int64

	// TotalRetiredAllocated is quota granted to children whose allocations
	// have since been retired.
	TotalRetiredAllocated int64

	// ExcessUsage records usage admitted past nominal capacity through the
	// over-allocation path of the flow graph.
	ExcessUsage int64

	// AllocationsByParent groups this wallet's allocations by the granting
	// parent wallet.
	AllocationsByParent map[int32]*AllocationGroup

	// ChildrenUsage mirrors, per child wallet, the TreeUsage the child
	// reports on its edge to this wallet.
	ChildrenUsage map[int32]int64

	// ChildrenRetiredUsage mirrors, per child wallet, the RetiredTreeUsage
	// the child reports on its edge to this wallet.
	ChildrenRetiredUsage map[int32]int64
}

// AllocationInfo is a read-only projection of an Allocation.
type AllocationInfo struct {
	ID           int32     `json:"id"`
	ParentWallet int32     `json:"parentWallet"`
	Quota        int64     `json:"quota"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Active       bool      `json:"active"`
	Retired      bool      `json:"retired"`
	RetiredUsage int64     `json:"retiredUsage"`
}

// WalletSummary is a read-only projection of a Wallet.
type WalletSummary struct {
	WalletID     int32  `json:"walletId"`
	Owner        string `json:"owner"`
	CategoryID   int64  `json:"categoryId"`
	CategoryName string `json:"categoryName"`
	Provider     string `json:"provider"`
	ProductType  string `json:"productType"`

	LocalUsage        int64 `json:"localUsage"`
	LocalRetiredUsage int64 `json:"localRetiredUsage"`
	TotalUsage        int64 `json:"totalUsage"`
	ActiveQuota       int64 `json:"activeQuota"`
	TotalAllocated    int64 `json:"totalAllocated"`
	MaxUsable         int64 `json:"maxUsable"`

	Allocations []AllocationInfo `json:"allocations"`

	// Children is populated only when a browse requests child wallets.
	Children []WalletSummary `json:"children,omitempty"`
}

// ProviderAllocation pairs an allocation with its owning wallet, as returned
// to providers browsing their own grants.
type ProviderAllocation struct {
	Owner        string         `json:"owner"`
	CategoryID   int64          `json:"categoryId"`
	CategoryName string         `json:"categoryName"`
	Allocation   AllocationInfo `json:"allocation"`
}

// ProviderAllocationPage is one page of provider allocations.
type ProviderAllocationPage struct {
	Items []ProviderAllocation `json:"items"`

	// Next is the offset of the next page, or -1 when exhausted.
	Next int `json:"next"`
}
