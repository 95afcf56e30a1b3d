package accounting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type stubLockFactory struct{}

func (stubLockFactory) Create(string, time.Duration) DistributedLock {
	return &scriptedLock{renewOK: true}
}

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()

	store := NewStore()
	ids := NewStaticIdCardService()
	products := NewStaticProductCache()
	processor, err := NewProcessor(store, ids, products, nil, stubLockFactory{}, Config{})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	return processor
}

func TestNewProcessorValidation(t *testing.T) {
	store := NewStore()
	ids := NewStaticIdCardService()
	products := NewStaticProductCache()

	if _, err := NewProcessor(nil, ids, products, nil, stubLockFactory{}, Config{}); err == nil {
		t.Error("nil store should be rejected")
	}
	if _, err := NewProcessor(store, nil, products, nil, stubLockFactory{}, Config{}); err == nil {
		t.Error("nil id card service should be rejected")
	}
	if _, err := NewProcessor(store, ids, products, nil, nil, Config{}); err == nil {
		t.Error("nil lock factory should be rejected")
	}
}

func TestProcessorDefaults(t *testing.T) {
	processor := newTestProcessor(t)

	if processor.config.QueueSize != 1024 {
		t.Errorf("queue size = %d, want 1024", processor.config.QueueSize)
	}
	if processor.config.LockName != "accounting-processor" {
		t.Errorf("lock name = %q", processor.config.LockName)
	}
	if processor.config.LockLease != 60*time.Second {
		t.Errorf("lock lease = %v", processor.config.LockLease)
	}
	if processor.config.RetirementScanInterval != time.Hour {
		t.Errorf("scan interval = %v", processor.config.RetirementScanInterval)
	}
}

// Queued requests at a replica that loses its lease are answered with the
// not-leader error instead of being processed by a stale writer.
func TestDrainAnswersQueuedRequests(t *testing.T) {
	processor := newTestProcessor(t)

	queued := queuedRequest{
		id:       1,
		idCard:   SystemIdCard{},
		request:  ScanRetirementRequest{},
		response: make(chan Response, 1),
	}
	processor.requests <- queued

	processor.drain(ErrNotLeader)

	select {
	case response := <-queued.response:
		if response.Status != StatusInternalError {
			t.Errorf("status = %s, want internal error", response.Status)
		}
		if !strings.Contains(response.Message, ErrNotLeader.Error()) {
			t.Errorf("message %q does not carry the drain cause", response.Message)
		}
	default:
		t.Fatal("queued request was not answered")
	}
}

type recordingLogger struct {
	NoopLogger
	entries []Field
}

func (l *recordingLogger) Debug(msg string, fields ...Field) {
	l.entries = append(l.entries, fields...)
}

// Every dispatched request is logged with its correlation id, so responses
// can be tied back to queue entries when debugging.
func TestDispatchLogsCorrelationID(t *testing.T) {
	processor := newTestProcessor(t)
	logger := &recordingLogger{}
	processor.logger = logger
	processor.engine.logger = logger

	processor.dispatch(context.Background(), queuedRequest{
		id:       42,
		idCard:   SystemIdCard{},
		request:  ScanRetirementRequest{},
		response: make(chan Response, 1),
	})

	found := false
	for _, field := range logger.entries {
		if field.Key == "id" && field.Value == uint64(42) {
			found = true
		}
	}
	if !found {
		t.Fatal("dispatch did not log the request id")
	}
}

type unknownRequest struct{}

func (unknownRequest) kind() string { return "unknown" }

func TestDispatchRejectsUnknownRequestKind(t *testing.T) {
	processor := newTestProcessor(t)

	response, stop := processor.dispatch(context.Background(), queuedRequest{
		idCard:   SystemIdCard{},
		request:  unknownRequest{},
		response: make(chan Response, 1),
	})
	if stop {
		t.Error("unknown request must not stop the processor")
	}
	if response.Status != StatusBadRequest {
		t.Errorf("status = %s, want bad request", response.Status)
	}
}

func TestStopSystemRequiresSystemCard(t *testing.T) {
	processor := newTestProcessor(t)

	response, stop := processor.dispatch(context.Background(), queuedRequest{
		idCard:   UserIdCard{Uid: 1},
		request:  StopSystemRequest{},
		response: make(chan Response, 1),
	})
	if stop {
		t.Fatal("non-system stop must not halt the processor")
	}
	if response.Status != StatusForbidden {
		t.Errorf("status = %s, want forbidden", response.Status)
	}

	response, stop = processor.dispatch(context.Background(), queuedRequest{
		idCard:   SystemIdCard{},
		request:  StopSystemRequest{},
		response: make(chan Response, 1),
	})
	if !stop || response.Status != StatusOK {
		t.Errorf("system stop: stop=%v status=%s", stop, response.Status)
	}
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	processor := newTestProcessor(t)
	processor.markDone()

	_, err := processor.Submit(context.Background(), SystemIdCard{}, ScanRetirementRequest{})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestSubmitHonorsContext(t *testing.T) {
	processor := newTestProcessor(t)

	// Nobody is dispatching; the await must give up with the context.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := processor.Submit(ctx, SystemIdCard{}, ScanRetirementRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestStackSummaryTruncates(t *testing.T) {
	summary := stackSummary()
	if summary == "" {
		t.Fatal("empty stack summary")
	}
	if len(summary) > 2048 {
		t.Errorf("summary is %d bytes, want <= 2048", len(summary))
	}
}
