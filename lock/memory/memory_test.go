package memory

import (
	"context"
	"testing"
	"time"
)

func TestAcquireAndContend(t *testing.T) {
	factory := NewFactory()
	ctx := context.Background()

	first := factory.Create("processor", time.Minute)
	second := factory.Create("processor", time.Minute)

	acquired, err := first.TryAcquire(ctx)
	if err != nil || !acquired {
		t.Fatalf("first acquire = %v, %v", acquired, err)
	}

	acquired, err = second.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if acquired {
		t.Fatal("second holder acquired a held lock")
	}

	// Locks with different names do not contend.
	other := factory.Create("other", time.Minute)
	if acquired, _ := other.TryAcquire(ctx); !acquired {
		t.Fatal("differently named lock should be free")
	}
}

func TestReacquireIsIdempotent(t *testing.T) {
	factory := NewFactory()
	ctx := context.Background()
	lock := factory.Create("processor", time.Minute)

	for i := 0; i < 2; i++ {
		if acquired, err := lock.TryAcquire(ctx); err != nil || !acquired {
			t.Fatalf("acquire %d = %v, %v", i, acquired, err)
		}
	}
}

func TestRenewAndRelease(t *testing.T) {
	factory := NewFactory()
	ctx := context.Background()

	holder := factory.Create("processor", time.Minute)
	if acquired, _ := holder.TryAcquire(ctx); !acquired {
		t.Fatal("acquire failed")
	}

	if renewed, err := holder.Renew(ctx); err != nil || !renewed {
		t.Fatalf("renew = %v, %v", renewed, err)
	}

	// A non-holder cannot renew.
	stranger := factory.Create("processor", time.Minute)
	if renewed, _ := stranger.Renew(ctx); renewed {
		t.Fatal("stranger renewed a lock it does not hold")
	}

	if err := holder.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if acquired, _ := stranger.TryAcquire(ctx); !acquired {
		t.Fatal("released lock should be acquirable")
	}
}

func TestLeaseExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	factory := NewFactoryWithClock(func() time.Time { return now })
	ctx := context.Background()

	holder := factory.Create("processor", time.Minute)
	if acquired, _ := holder.TryAcquire(ctx); !acquired {
		t.Fatal("acquire failed")
	}

	contender := factory.Create("processor", time.Minute)
	if acquired, _ := contender.TryAcquire(ctx); acquired {
		t.Fatal("lease still holds")
	}

	// Past the lease, the contender takes over.
	now = now.Add(2 * time.Minute)
	if acquired, _ := contender.TryAcquire(ctx); !acquired {
		t.Fatal("expired lease should be stealable")
	}

	// The old holder lost the lock and cannot renew it back.
	if renewed, _ := holder.Renew(ctx); renewed {
		t.Fatal("stale holder renewed")
	}
}

func TestExpireHelper(t *testing.T) {
	factory := NewFactory()
	ctx := context.Background()

	holder := factory.Create("processor", time.Minute)
	if acquired, _ := holder.TryAcquire(ctx); !acquired {
		t.Fatal("acquire failed")
	}

	factory.Expire("processor")

	if renewed, _ := holder.Renew(ctx); renewed {
		t.Fatal("expired holder renewed")
	}
	contender := factory.Create("processor", time.Minute)
	if acquired, _ := contender.TryAcquire(ctx); !acquired {
		t.Fatal("expired lock should be acquirable")
	}
}
