package locks_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stagehand/stagehand/pkg/locks"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/types"
)

var (
	prod    = types.Resource{Type: types.ResourceTypeStage, ID: "prod"}
	staging = types.Resource{Type: types.ResourceTypeStage, ID: "staging"}
	webApp  = types.Resource{Type: types.ResourceTypeProject, ID: "web"}
)

func newRegistry(t *testing.T) (*locks.Registry, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	return locks.NewRegistry(clk, logger.NewNopLogger()), clk
}

type recorder struct {
	mu     sync.Mutex
	events []locks.Event
}

func (r *recorder) record(ev locks.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []locks.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]locks.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestAcquire_HardConflict(t *testing.T) {
	reg, _ := newRegistry(t)

	first, err := reg.Acquire(prod, "alice", types.LockKindHard, locks.AcquireOptions{Description: "db migration"})
	require.NoError(t, err)
	assert.Equal(t, "db migration", first.Description)

	_, err = reg.Acquire(prod, "bob", types.LockKindHard, locks.AcquireOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, locks.ErrLockConflict))

	assert.True(t, reg.IsBlocked(prod))
	assert.False(t, reg.IsBlocked(staging))
	assert.Len(t, reg.List(), 1)
}

func TestAcquire_SameHolderIsIdempotent(t *testing.T) {
	reg, _ := newRegistry(t)

	a, err := reg.Acquire(prod, "alice", types.LockKindHard, locks.AcquireOptions{})
	require.NoError(t, err)
	b, err := reg.Acquire(prod, "alice", types.LockKindHard, locks.AcquireOptions{})
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, reg.List(), 1)
}

func TestAcquire_WarningsCoexist(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.Acquire(prod, "alice", types.LockKindWarning, locks.AcquireOptions{})
	require.NoError(t, err)
	_, err = reg.Acquire(prod, "bob", types.LockKindWarning, locks.AcquireOptions{})
	require.NoError(t, err)
	_, err = reg.Acquire(prod, "carol", types.LockKindHard, locks.AcquireOptions{})
	require.NoError(t, err)

	assert.Len(t, reg.Warnings(prod), 2)
	assert.True(t, reg.IsBlocked(prod))

	got, ok := reg.Get(prod)
	require.True(t, ok)
	assert.Equal(t, types.LockKindHard, got.Kind)
}

func TestAcquire_Invalid(t *testing.T) {
	reg, _ := newRegistry(t)

	tests := []struct {
		name     string
		resource types.Resource
		holder   string
		kind     types.LockKind
		opts     locks.AcquireOptions
	}{
		{"bad resource", types.Resource{Type: "planet", ID: "x"}, "a", types.LockKindHard, locks.AcquireOptions{}},
		{"missing holder", prod, "", types.LockKindHard, locks.AcquireOptions{}},
		{"bad kind", prod, "a", "soft", locks.AcquireOptions{}},
		{"negative ttl", prod, "a", types.LockKindHard, locks.AcquireOptions{TTL: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Acquire(tt.resource, tt.holder, tt.kind, tt.opts)
			assert.ErrorIs(t, err, locks.ErrInvalidLock)
		})
	}
}

func TestRelease(t *testing.T) {
	reg, _ := newRegistry(t)
	rec := &recorder{}
	reg.Subscribe(rec.record)

	_, err := reg.Acquire(prod, "alice", types.LockKindHard, locks.AcquireOptions{})
	require.NoError(t, err)

	err = reg.Release(prod, "bob")
	assert.ErrorIs(t, err, locks.ErrNotFound)
	assert.True(t, reg.IsBlocked(prod))

	require.NoError(t, reg.Release(prod, "alice"))
	assert.False(t, reg.IsBlocked(prod))
	assert.Equal(t, []locks.EventType{locks.EventAcquired, locks.EventReleased}, rec.kinds())

	// A second hard lock is now possible
	_, err = reg.Acquire(prod, "bob", types.LockKindHard, locks.AcquireOptions{})
	require.NoError(t, err)
}

func TestReleaseByID(t *testing.T) {
	reg, _ := newRegistry(t)

	l, err := reg.Acquire(webApp, "alice", types.LockKindHard, locks.AcquireOptions{})
	require.NoError(t, err)

	assert.ErrorIs(t, reg.ReleaseByID("missing"), locks.ErrNotFound)
	require.NoError(t, reg.ReleaseByID(l.ID))
	assert.Empty(t, reg.List())
}

func TestExpiry(t *testing.T) {
	reg, clk := newRegistry(t)
	rec := &recorder{}
	reg.Subscribe(rec.record)

	_, err := reg.Acquire(prod, "alice", types.LockKindHard, locks.AcquireOptions{TTL: time.Minute})
	require.NoError(t, err)
	assert.True(t, reg.IsBlocked(prod))

	clk.Step(time.Minute)

	// Expired locks never block, even before the sweep removes them
	assert.False(t, reg.IsBlocked(prod))

	reg.Sweep()
	require.Eventually(t, func() bool {
		return len(rec.kinds()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []locks.EventType{locks.EventAcquired, locks.EventExpired}, rec.kinds())
	assert.Empty(t, reg.List())
}

func TestExpiry_TimerSweepsAtDeadline(t *testing.T) {
	reg, clk := newRegistry(t)
	rec := &recorder{}
	reg.Subscribe(rec.record)

	_, err := reg.Acquire(prod, "alice", types.LockKindHard, locks.AcquireOptions{TTL: time.Minute})
	require.NoError(t, err)
	_, err = reg.Acquire(staging, "bob", types.LockKindHard, locks.AcquireOptions{TTL: 2 * time.Minute})
	require.NoError(t, err)

	expired := func(n int) func() bool {
		return func() bool {
			count := 0
			for _, k := range rec.kinds() {
				if k == locks.EventExpired {
					count++
				}
			}
			return count == n
		}
	}

	// no Run loop: the expiry timer alone removes each lock on time
	clk.Step(time.Minute)
	require.Eventually(t, expired(1), time.Second, 5*time.Millisecond)
	assert.True(t, reg.IsBlocked(staging))

	clk.Step(time.Minute)
	require.Eventually(t, expired(2), time.Second, 5*time.Millisecond)
	assert.False(t, clk.HasWaiters())
}

func TestExpiry_ReleaseDisarmsTimer(t *testing.T) {
	reg, clk := newRegistry(t)

	_, err := reg.Acquire(prod, "alice", types.LockKindHard, locks.AcquireOptions{TTL: time.Minute})
	require.NoError(t, err)
	assert.True(t, clk.HasWaiters())

	require.NoError(t, reg.Release(prod, "alice"))
	assert.False(t, clk.HasWaiters())
}

func TestWarnings_SkipsExpiredWithoutEvents(t *testing.T) {
	reg, clk := newRegistry(t)

	_, err := reg.Acquire(prod, "alice", types.LockKindWarning, locks.AcquireOptions{TTL: time.Second})
	require.NoError(t, err)
	_, err = reg.Acquire(prod, "bob", types.LockKindWarning, locks.AcquireOptions{})
	require.NoError(t, err)

	// Warnings may run while a subscriber's own lock is held
	var mu sync.Mutex
	reg.Subscribe(func(locks.Event) {
		mu.Lock()
		defer mu.Unlock()
	})

	clk.SetTime(clk.Now().Add(time.Second))

	done := make(chan []*types.Lock, 1)
	go func() {
		mu.Lock()
		defer mu.Unlock()
		done <- reg.Warnings(prod)
	}()

	select {
	case got := <-done:
		require.Len(t, got, 1)
		assert.Equal(t, "bob", got[0].Holder)
	case <-time.After(time.Second):
		t.Fatal("Warnings blocked on a subscriber")
	}
}

func TestExpiry_AcquireReplacesExpiredHardLock(t *testing.T) {
	reg, clk := newRegistry(t)

	_, err := reg.Acquire(prod, "alice", types.LockKindHard, locks.AcquireOptions{TTL: time.Second})
	require.NoError(t, err)
	clk.Step(2 * time.Second)

	l, err := reg.Acquire(prod, "bob", types.LockKindHard, locks.AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, "bob", l.Holder)
}

func TestRun_SweepsExpiredLocks(t *testing.T) {
	reg, clk := newRegistry(t)
	rec := &recorder{}
	reg.Subscribe(rec.record)

	_, err := reg.Acquire(prod, "alice", types.LockKindHard, locks.AcquireOptions{TTL: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx, 10*time.Second)
		close(done)
	}()

	clk.Step(10 * time.Second)

	require.Eventually(t, func() bool {
		got := rec.kinds()
		return len(got) == 2 && got[1] == locks.EventExpired
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestBlocker_Hierarchy(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.Acquire(webApp, "ops", types.LockKindHard, locks.AcquireOptions{})
	require.NoError(t, err)

	deploy := types.DeployContext{ProjectID: "web", StageID: "prod"}
	l, blocked := reg.Blocker(deploy.Resources()...)
	require.True(t, blocked)
	assert.Equal(t, webApp, l.Resource)

	other := types.DeployContext{ProjectID: "api", StageID: "prod"}
	assert.False(t, reg.IsBlockedAny(other.Resources()...))
}

func TestEvent_Frees(t *testing.T) {
	assert.False(t, locks.Event{Type: locks.EventAcquired}.Frees())
	assert.True(t, locks.Event{Type: locks.EventReleased}.Frees())
	assert.True(t, locks.Event{Type: locks.EventExpired}.Frees())
}
