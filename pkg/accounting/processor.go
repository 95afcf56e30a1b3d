package accounting

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Request is a typed accounting request. Exactly one processor goroutine
// dispatches requests, in submission order; this total order is the
// consistency backbone of the whole system.
type Request interface {
	kind() string
}

// RootAllocateRequest grants quota from the root sentinel to the provider's
// own project wallet for a category.
type RootAllocateRequest struct {
	CategoryID int64
	Amount     int64
	Start      time.Time
	End        time.Time
}

// SubAllocateRequest grants quota from the caller's project wallet to
// another owner. ParentOwner overrides the granting project; when empty the
// caller's active project is used.
type SubAllocateRequest struct {
	CategoryID  int64
	Owner       string
	ParentOwner string
	Quota       int64
	Start       time.Time
	End         time.Time
}

// ChargeRequest records usage against a wallet. Absolute charges (IsDelta
// false) are converted to a delta against the wallet's current local usage.
type ChargeRequest struct {
	Owner            string
	CategoryID       int64
	Amount           int64
	IsDelta          bool
	Scope            string
	ScopeExplanation string
}

// ScanRetirementRequest retires every expired allocation. System only.
type ScanRetirementRequest struct{}

// MaxUsableRequest asks how much more a wallet can consume.
type MaxUsableRequest struct {
	Owner      string
	CategoryID int64
}

// BrowseWalletsRequest lists wallet projections visible to the caller.
type BrowseWalletsRequest struct {
	Owner             string
	IncludeChildren   bool
	ChildQuery        string
	FilterProductType string
}

// UpdateAllocationRequest adjusts an existing, non-retired allocation.
type UpdateAllocationRequest struct {
	AllocationID int32
	NewQuota     *int64
	NewStart     *time.Time
	NewEnd       *time.Time
}

// RetrieveProviderAllocationsRequest pages through a provider's grants.
type RetrieveProviderAllocationsRequest struct {
	Provider       string
	FilterOwner    string
	FilterCategory int64
	Offset         int
	Limit          int
}

// FindRelevantProvidersRequest returns the providers an owner holds wallets
// with.
type FindRelevantProvidersRequest struct {
	Username          string
	Project           string
	UseProject        bool
	FilterProductType string
}

// StopSystemRequest halts the processor loop. System only.
type StopSystemRequest struct{}

func (RootAllocateRequest) kind() string                { return "root_allocate" }
func (SubAllocateRequest) kind() string                 { return "sub_allocate" }
func (ChargeRequest) kind() string                      { return "charge" }
func (ScanRetirementRequest) kind() string              { return "scan_retirement" }
func (MaxUsableRequest) kind() string                   { return "max_usable" }
func (BrowseWalletsRequest) kind() string               { return "browse_wallets" }
func (UpdateAllocationRequest) kind() string            { return "update_allocation" }
func (RetrieveProviderAllocationsRequest) kind() string { return "provider_allocations" }
func (FindRelevantProvidersRequest) kind() string       { return "relevant_providers" }
func (StopSystemRequest) kind() string                  { return "stop_system" }

func isMutating(req Request) bool {
	switch req.(type) {
	case RootAllocateRequest, SubAllocateRequest, ChargeRequest,
		ScanRetirementRequest, UpdateAllocationRequest:
		return true
	}
	return false
}

// Response is the correlated answer to one request.
type Response struct {
	Status  Status
	Message string

	AllocationID int32
	MaxUsable    int64
	Wallets      []WalletSummary
	Allocations  ProviderAllocationPage
	Providers    []string
}

// OK reports whether the request succeeded.
func (r Response) OK() bool {
	return r.Status == StatusOK
}

// Err converts a non-OK response into an error, or nil.
func (r Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Status, r.Message)
}

// Config holds processor configuration.
type Config struct {
	// QueueSize bounds the request queue (default: 1024).
	QueueSize int

	// LockName names the distributed lock guarding leadership
	// (default: "accounting-processor").
	LockName string

	// LockLease is the lease duration on the distributed lock
	// (default: 60s). The lock is renewed on every housekeeping tick.
	LockLease time.Duration

	// HousekeepingInterval is the processor's idle tick used for lock
	// renewal and periodic work (default: 5s).
	HousekeepingInterval time.Duration

	// RetirementScanInterval triggers a retirement scan from housekeeping
	// (default: 1h; 0 disables periodic scans, explicit requests still
	// work).
	RetirementScanInterval time.Duration

	// StrictVerification runs the invariant checker on every wallet touched
	// by a mutating request, converting violations into internal errors
	// (default: true, disable with a pointer to false).
	StrictVerification *bool

	// LowBalanceThreshold is the fraction of active quota below which
	// LowBalanceHandler fires (default: 0.1).
	LowBalanceThreshold float64

	// LowBalanceHandler is notified after charges that leave a wallet low
	// (optional).
	LowBalanceHandler LowBalanceHandler

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking operations (default: NoopMetrics).
	Metrics Metrics
}

type queuedRequest struct {
	id       uint64
	idCard   IdCard
	request  Request
	response chan Response
}

// Processor is the single-writer actor that owns the store. Many callers
// Submit concurrently; one goroutine (per leading replica) dequeues and
// dispatches strictly sequentially.
type Processor struct {
	store       *Store
	engine      *engine
	persistence Persistence
	locks       LockFactory
	config      Config
	logger      Logger
	metrics     Metrics

	requests chan queuedRequest
	nextID   atomic.Uint64

	// turnstile guards the dequeue-dispatch-respond cycle within one
	// replica; the distributed lock guards it across replicas.
	turnstile sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

// NewProcessor creates a processor over the given store and collaborators.
// Run must be called before submitted requests are answered.
func NewProcessor(store *Store, idCards IdCardService, products ProductCache,
	persistence Persistence, locks LockFactory, config Config) (*Processor, error) {

	if store == nil {
		return nil, errors.New("store is required")
	}
	if idCards == nil || products == nil {
		return nil, errors.New("idCards and products are required")
	}
	if persistence == nil {
		persistence = &NoopPersistence{}
	}
	if locks == nil {
		return nil, errors.New("lock factory is required")
	}

	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.LockName == "" {
		config.LockName = "accounting-processor"
	}
	if config.LockLease <= 0 {
		config.LockLease = 60 * time.Second
	}
	if config.HousekeepingInterval <= 0 {
		config.HousekeepingInterval = 5 * time.Second
	}
	if config.RetirementScanInterval == 0 {
		config.RetirementScanInterval = time.Hour
	}
	if config.LowBalanceThreshold <= 0 {
		config.LowBalanceThreshold = 0.1
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	gate := NewGate(store, idCards, products)
	return &Processor{
		store: store,
		engine: &engine{
			store:               store,
			gate:                gate,
			idCards:             idCards,
			products:            products,
			logger:              config.Logger,
			metrics:             config.Metrics,
			lowBalance:          config.LowBalanceHandler,
			lowBalanceThreshold: config.LowBalanceThreshold,
		},
		persistence: persistence,
		locks:       locks,
		config:      config,
		logger:      config.Logger,
		metrics:     config.Metrics,
		requests:    make(chan queuedRequest, config.QueueSize),
		done:        make(chan struct{}),
	}, nil
}

// Submit enqueues a request and blocks until its correlated response
// arrives. Blocks while the bounded queue is at capacity; returns
// ErrStopped when the processor has shut down.
func (p *Processor) Submit(ctx context.Context, card IdCard, request Request) (Response, error) {
	select {
	case <-p.done:
		return Response{}, ErrStopped
	default:
	}

	queued := queuedRequest{
		id:       p.nextID.Add(1),
		idCard:   card,
		request:  request,
		response: make(chan Response, 1),
	}

	select {
	case p.requests <- queued:
		p.metrics.RecordQueueDepth(len(p.requests))
	case <-p.done:
		return Response{}, ErrStopped
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case response := <-queued.response:
		return response, nil
	case <-p.done:
		// The processor is gone; the drain may still have answered us.
		select {
		case response := <-queued.response:
			return response, nil
		default:
			return Response{}, ErrStopped
		}
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Run drives leader election and the processing loop until the context is
// cancelled or a StopSystem request is handled. Replicas that do not hold
// the lock perform no accounting work.
func (p *Processor) Run(ctx context.Context) error {
	defer p.markDone()

	snapshot, err := p.persistence.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initializing persistence: %w", err)
	}
	if snapshot != nil {
		if err := p.store.Restore(snapshot); err != nil {
			return fmt.Errorf("restoring snapshot: %w", err)
		}
	}

	elector := newElector(p.locks.Create(p.config.LockName, p.config.LockLease), p.logger, p.metrics)

	for {
		if err := elector.BecomeLeader(ctx); err != nil {
			p.drain(ErrStopped)
			return err
		}
		p.logger.Info("acquired processor leadership")

		stopped, err := p.lead(ctx, elector)
		elector.Release(context.Background())
		if stopped {
			p.flush(context.Background())
			return nil
		}
		if ctx.Err() != nil {
			p.flush(context.Background())
			return ctx.Err()
		}
		if err != nil {
			p.logger.Warn("lost processor leadership", Field{Key: "error", Value: err.Error()})
		}
		// Requests queued at a replica that lost leadership are failed
		// with a retryable error rather than processed by a stale writer.
		p.drain(ErrNotLeader)
	}
}

// lead runs the dequeue-dispatch-respond cycle while this replica holds the
// lock. Returns stopped=true when a StopSystem request was handled.
func (p *Processor) lead(ctx context.Context, elector *Elector) (bool, error) {
	ticker := time.NewTicker(p.config.HousekeepingInterval)
	defer ticker.Stop()
	lastScan := time.Now()

	for {
		select {
		case queued := <-p.requests:
			p.turnstile.Lock()
			response, stop := p.dispatch(ctx, queued)
			queued.response <- response
			p.turnstile.Unlock()
			if stop {
				p.drain(ErrStopped)
				return true, nil
			}

		case <-ticker.C:
			if ok := elector.Renew(ctx); !ok {
				return false, errors.New("lock renewal failed")
			}
			if p.config.RetirementScanInterval > 0 && time.Since(lastScan) >= p.config.RetirementScanInterval {
				lastScan = time.Now()
				p.turnstile.Lock()
				touched := newVerifyList()
				p.engine.scanRetirement(ctx, SystemIdCard{}, touched)
				p.verify(ScanRetirementRequest{}, touched)
				p.turnstile.Unlock()
			}
			p.flush(ctx)

		case <-ctx.Done():
			p.drain(ErrStopped)
			return false, ctx.Err()
		}
	}
}

// dispatch runs one request through its handler with panic recovery. All
// failures, invariant violations included, become responses; they never
// crash the processor loop.
func (p *Processor) dispatch(ctx context.Context, queued queuedRequest) (response Response, stop bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			response = Response{
				Status:  StatusInternalError,
				Message: fmt.Sprintf("%v\n%s", r, stackSummary()),
			}
			stop = false
		}
		p.metrics.RecordRequest(queued.request.kind(), response.Status, time.Since(start))
	}()

	p.logger.Debug("dispatching request",
		Field{Key: "id", Value: queued.id},
		Field{Key: "kind", Value: queued.request.kind()})

	touched := newVerifyList()

	switch request := queued.request.(type) {
	case RootAllocateRequest:
		response = p.engine.rootAllocate(ctx, queued.idCard, request, touched)
	case SubAllocateRequest:
		response = p.engine.subAllocate(ctx, queued.idCard, request, touched)
	case ChargeRequest:
		response = p.engine.charge(ctx, queued.idCard, request, touched)
	case ScanRetirementRequest:
		response = p.engine.scanRetirement(ctx, queued.idCard, touched)
	case MaxUsableRequest:
		response = p.engine.maxUsable(ctx, queued.idCard, request, touched)
	case BrowseWalletsRequest:
		response = p.engine.browseWallets(ctx, queued.idCard, request, touched)
	case UpdateAllocationRequest:
		response = p.engine.updateAllocation(ctx, queued.idCard, request, touched)
	case RetrieveProviderAllocationsRequest:
		response = p.engine.retrieveProviderAllocations(ctx, queued.idCard, request)
	case FindRelevantProvidersRequest:
		response = p.engine.findRelevantProviders(ctx, queued.idCard, request)
	case StopSystemRequest:
		if _, ok := queued.idCard.(SystemIdCard); !ok {
			response = failure(ErrNotPermitted)
			return response, false
		}
		p.logger.Info("stop requested")
		return Response{Status: StatusOK}, true
	default:
		response = Response{Status: StatusBadRequest, Message: "unknown request kind"}
		return response, false
	}

	if isMutating(queued.request) && response.Status != StatusInternalError {
		if err := p.verify(queued.request, touched); err != nil {
			response = Response{Status: StatusInternalError, Message: err.Error()}
		}
	}
	return response, false
}

func (p *Processor) verify(request Request, touched *verifyList) error {
	if p.config.StrictVerification != nil && !*p.config.StrictVerification {
		return nil
	}
	err := p.store.VerifyWallets(touched.wallets)
	if err != nil {
		var invariant *InvariantError
		check := "unknown"
		if errors.As(err, &invariant) {
			check = invariant.Check
		}
		p.metrics.RecordInvariantFailure(check)
		p.logger.Error("invariant violated",
			Field{Key: "request", Value: request.kind()},
			Field{Key: "error", Value: err.Error()})
	}
	return err
}

// Shutdown asks the processor to stop and waits for Run to return.
func (p *Processor) Shutdown(ctx context.Context) error {
	if _, err := p.Submit(ctx, SystemIdCard{}, StopSystemRequest{}); err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) flush(ctx context.Context) {
	if err := p.persistence.FlushChanges(ctx, p.store.Snapshot()); err != nil {
		p.logger.Warn("flush failed", Field{Key: "error", Value: err.Error()})
	}
}

// drain answers every queued request with an error status instead of
// leaving callers waiting on a passive replica.
func (p *Processor) drain(cause error) {
	for {
		select {
		case queued := <-p.requests:
			queued.response <- Response{Status: StatusInternalError, Message: cause.Error()}
		default:
			return
		}
	}
}

func (p *Processor) markDone() {
	p.doneOnce.Do(func() {
		close(p.done)
		p.drain(ErrStopped)
	})
}

// stackSummary returns a truncated stack trace suitable for an error
// message.
func stackSummary() string {
	stack := debug.Stack()
	const limit = 2048
	if len(stack) > limit {
		stack = stack[:limit]
	}
	return string(stack)
}
