// Package memory provides an in-memory implementation of the
// accounting.DistributedLock interface. This implementation is primarily
// intended for testing and development; locks created from the same Factory
// contend with each other the way replicas sharing a lock service would.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/gridcap/accounting/pkg/accounting"
)

// Factory creates in-memory locks sharing one lock table.
type Factory struct {
	mu    sync.Mutex
	locks map[string]*lockState
	now   func() time.Time
}

type lockState struct {
	holder  *Lock
	expires time.Time
}

// NewFactory creates an empty in-memory lock factory.
func NewFactory() *Factory {
	return &Factory{
		locks: make(map[string]*lockState),
		now:   time.Now,
	}
}

// NewFactoryWithClock creates a factory with an explicit time source, used
// by tests that need deterministic lease expiry.
func NewFactoryWithClock(now func() time.Time) *Factory {
	return &Factory{
		locks: make(map[string]*lockState),
		now:   now,
	}
}

// Create implements accounting.LockFactory.
func (f *Factory) Create(name string, lease time.Duration) accounting.DistributedLock {
	return &Lock{factory: f, name: name, lease: lease}
}

// Expire forcibly expires the named lock, simulating a lost lease.
func (f *Factory) Expire(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.locks[name]; ok {
		state.holder = nil
	}
}

// Lock implements accounting.DistributedLock over the factory's shared lock
// table.
type Lock struct {
	factory *Factory
	name    string
	lease   time.Duration
}

// TryAcquire implements accounting.DistributedLock.
func (l *Lock) TryAcquire(_ context.Context) (bool, error) {
	f := l.factory
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	state, ok := f.locks[l.name]
	if !ok {
		state = &lockState{}
		f.locks[l.name] = state
	}
	if state.holder != nil && state.holder != l && state.expires.After(now) {
		return false, nil
	}
	state.holder = l
	state.expires = now.Add(l.lease)
	return true, nil
}

// Renew implements accounting.DistributedLock.
func (l *Lock) Renew(_ context.Context) (bool, error) {
	f := l.factory
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.locks[l.name]
	if !ok || state.holder != l {
		return false, nil
	}
	state.expires = f.now().Add(l.lease)
	return true, nil
}

// Release implements accounting.DistributedLock.
func (l *Lock) Release(_ context.Context) error {
	f := l.factory
	f.mu.Lock()
	defer f.mu.Unlock()

	if state, ok := f.locks[l.name]; ok && state.holder == l {
		state.holder = nil
	}
	return nil
}
