package accounting

import (
	"context"
	"math/rand"
	"time"
)

// DistributedLock is a renewable lease-based lock shared across replicas.
// Exactly one replica holds it at a time; only the holder processes
// accounting requests.
type DistributedLock interface {
	// TryAcquire attempts to take the lock. Returns false without error
	// when another holder has it.
	TryAcquire(ctx context.Context) (bool, error)

	// Renew extends the lease. Returns false when the lease was lost.
	Renew(ctx context.Context) (bool, error)

	// Release gives the lock up. Releasing a lock that is not held is not
	// an error.
	Release(ctx context.Context) error
}

// LockFactory creates named distributed locks with a lease duration.
type LockFactory interface {
	Create(name string, lease time.Duration) DistributedLock
}

// ElectionState is the leader-election state of a replica.
type ElectionState string

const (
	StateFollower  ElectionState = "follower"
	StateAcquiring ElectionState = "acquiring"
	StateLeader    ElectionState = "leader"
	StateReleasing ElectionState = "releasing"
)

// Elector is the explicit Follower -> Acquiring -> Leader -> Releasing state
// machine around a distributed lock.
type Elector struct {
	lock    DistributedLock
	logger  Logger
	metrics Metrics
	state   ElectionState

	// backoff bounds the jittered delay between failed acquisition
	// attempts.
	backoffMin time.Duration
	backoffMax time.Duration
}

func newElector(lock DistributedLock, logger Logger, metrics Metrics) *Elector {
	return &Elector{
		lock:       lock,
		logger:     logger,
		metrics:    metrics,
		state:      StateFollower,
		backoffMin: 500 * time.Millisecond,
		backoffMax: 5 * time.Second,
	}
}

// State returns the current election state.
func (e *Elector) State() ElectionState {
	return e.state
}

func (e *Elector) setState(state ElectionState) {
	if e.state == state {
		return
	}
	e.state = state
	e.metrics.RecordLeadershipChange(string(state))
	e.logger.Debug("election state changed", Field{Key: "state", Value: string(state)})
}

// BecomeLeader blocks until this replica acquires the lock or the context
// ends. Failed attempts back off with a random jittered delay.
func (e *Elector) BecomeLeader(ctx context.Context) error {
	e.setState(StateAcquiring)
	for {
		acquired, err := e.lock.TryAcquire(ctx)
		if err != nil {
			e.logger.Warn("lock acquisition failed", Field{Key: "error", Value: err.Error()})
		}
		if acquired {
			e.setState(StateLeader)
			return nil
		}

		delay := e.backoffMin + time.Duration(rand.Int63n(int64(e.backoffMax-e.backoffMin)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			e.setState(StateFollower)
			return ctx.Err()
		}
	}
}

// Renew extends the lease while leading. Returns false when leadership was
// lost, in which case the elector is a follower again.
func (e *Elector) Renew(ctx context.Context) bool {
	if e.state != StateLeader {
		return false
	}
	renewed, err := e.lock.Renew(ctx)
	if err != nil {
		e.logger.Warn("lock renewal failed", Field{Key: "error", Value: err.Error()})
	}
	if !renewed {
		e.setState(StateFollower)
	}
	return renewed
}

// Release gives leadership up, best effort.
func (e *Elector) Release(ctx context.Context) {
	if e.state != StateLeader {
		e.setState(StateFollower)
		return
	}
	e.setState(StateReleasing)
	if err := e.lock.Release(ctx); err != nil {
		e.logger.Warn("lock release failed", Field{Key: "error", Value: err.Error()})
	}
	e.setState(StateFollower)
}
