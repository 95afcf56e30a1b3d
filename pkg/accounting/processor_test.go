package accounting_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	lockmemory "github.com/gridcap/accounting/lock/memory"
	"github.com/gridcap/accounting/pkg/accounting"
)

const (
	testProvider        = "ucloud"
	testProviderProject = "aaaaaaaa-0000-0000-0000-000000000001"
	testResearchProject = "bbbbbbbb-0000-0000-0000-000000000002"
)

type processorWorld struct {
	processor *accounting.Processor
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// startProcessor boots a processor over an in-memory lock and the standard
// provider/project world, and tears it down with the test.
func startProcessor(t *testing.T, config accounting.Config) *processorWorld {
	t.Helper()

	store := accounting.NewStore()

	ids := accounting.NewStaticIdCardService()
	providerPid := ids.AddProject(testProviderProject, "Provider Project", 0, false)
	ids.AddProject(testResearchProject, "Research", 0, true)
	ids.SetProviderProject(testProvider, providerPid)

	products := accounting.NewStaticProductCache()
	products.Add(accounting.ProductCategory{
		ID: 1, Name: "u1-standard", Provider: testProvider, ProductType: "COMPUTE",
	})

	processor, err := accounting.NewProcessor(store, ids, products, nil, lockmemory.NewFactory(), config)
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return processor.Run(ctx) })

	w := &processorWorld{processor: processor, cancel: cancel, group: group}
	t.Cleanup(func() {
		cancel()
		_ = w.group.Wait()
	})
	return w
}

func (w *processorWorld) submit(t *testing.T, card accounting.IdCard, request accounting.Request) accounting.Response {
	t.Helper()
	response, err := w.processor.Submit(context.Background(), card, request)
	if err != nil {
		t.Fatalf("submit %T failed: %v", request, err)
	}
	return response
}

func (w *processorWorld) allocate(t *testing.T) {
	t.Helper()
	now := time.Now()
	response := w.submit(t, accounting.SystemIdCard{}, accounting.RootAllocateRequest{
		CategoryID: 1, Amount: 100000, Start: now.Add(-time.Hour), End: now.Add(24 * time.Hour),
	})
	if !response.OK() {
		t.Fatalf("root allocate: %s %s", response.Status, response.Message)
	}
	response = w.submit(t, accounting.SystemIdCard{}, accounting.SubAllocateRequest{
		CategoryID: 1, Owner: testResearchProject, ParentOwner: testProviderProject,
		Quota: 50000, Start: now.Add(-time.Hour), End: now.Add(24 * time.Hour),
	})
	if !response.OK() {
		t.Fatalf("sub allocate: %s %s", response.Status, response.Message)
	}
}

func TestProcessorEndToEnd(t *testing.T) {
	w := startProcessor(t, accounting.Config{HousekeepingInterval: 10 * time.Millisecond})
	w.allocate(t)

	response := w.submit(t, accounting.ProviderIdCard{Name: testProvider}, accounting.ChargeRequest{
		Owner: testResearchProject, CategoryID: 1, Amount: 150, IsDelta: true,
	})
	if !response.OK() {
		t.Fatalf("charge: %s %s", response.Status, response.Message)
	}

	browse := w.submit(t, accounting.SystemIdCard{}, accounting.BrowseWalletsRequest{})
	var usage int64 = -1
	for _, wallet := range browse.Wallets {
		if wallet.Owner == testResearchProject {
			usage = wallet.LocalUsage
		}
	}
	if usage != 150 {
		t.Fatalf("browsed usage = %d, want 150", usage)
	}
}

// Many goroutines submit concurrently; the single writer must account every
// charge exactly once.
func TestProcessorSerializesConcurrentCharges(t *testing.T) {
	w := startProcessor(t, accounting.Config{})
	w.allocate(t)

	var group errgroup.Group
	for i := 0; i < 50; i++ {
		group.Go(func() error {
			response, err := w.processor.Submit(context.Background(),
				accounting.ProviderIdCard{Name: testProvider}, accounting.ChargeRequest{
					Owner: testResearchProject, CategoryID: 1, Amount: 1, IsDelta: true,
				})
			if err != nil {
				return err
			}
			return response.Err()
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("concurrent charges failed: %v", err)
	}

	browse := w.submit(t, accounting.SystemIdCard{}, accounting.BrowseWalletsRequest{})
	for _, wallet := range browse.Wallets {
		if wallet.Owner == testResearchProject && wallet.LocalUsage != 50 {
			t.Fatalf("local usage = %d, want 50", wallet.LocalUsage)
		}
	}
}

func TestProcessorShutdown(t *testing.T) {
	w := startProcessor(t, accounting.Config{})
	w.allocate(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.processor.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := w.group.Wait(); err != nil {
		t.Fatalf("run returned %v after stop", err)
	}

	_, err := w.processor.Submit(context.Background(), accounting.SystemIdCard{},
		accounting.ScanRetirementRequest{})
	if !errors.Is(err, accounting.ErrStopped) {
		t.Fatalf("submit after shutdown: err = %v, want ErrStopped", err)
	}
}

func TestProcessorRejectsStopFromNonSystem(t *testing.T) {
	w := startProcessor(t, accounting.Config{})
	w.allocate(t)

	response := w.submit(t, accounting.ProviderIdCard{Name: testProvider}, accounting.StopSystemRequest{})
	if response.Status != accounting.StatusForbidden {
		t.Fatalf("status = %s, want forbidden", response.Status)
	}

	// The processor is still alive.
	response = w.submit(t, accounting.SystemIdCard{}, accounting.ScanRetirementRequest{})
	if !response.OK() {
		t.Fatalf("processor stopped serving: %s", response.Status)
	}
}

type lowBalanceRecorder struct {
	notifications chan int64
}

func (r *lowBalanceRecorder) OnLowBalance(_ context.Context, _ accounting.WalletSummary, remaining int64) {
	r.notifications <- remaining
}

func TestProcessorLowBalanceNotification(t *testing.T) {
	recorder := &lowBalanceRecorder{notifications: make(chan int64, 1)}
	w := startProcessor(t, accounting.Config{
		LowBalanceThreshold: 0.2,
		LowBalanceHandler:   recorder,
	})
	w.allocate(t)

	// 50000 granted; drop below 10000 remaining.
	response := w.submit(t, accounting.ProviderIdCard{Name: testProvider}, accounting.ChargeRequest{
		Owner: testResearchProject, CategoryID: 1, Amount: 45000, IsDelta: true,
	})
	if !response.OK() {
		t.Fatalf("charge: %s %s", response.Status, response.Message)
	}

	select {
	case remaining := <-recorder.notifications:
		if remaining != 5000 {
			t.Errorf("remaining = %d, want 5000", remaining)
		}
	case <-time.After(time.Second):
		t.Fatal("low balance notification never arrived")
	}
}
