// Package locks maintains explicit hard and warning locks on deploy resources
package locks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/types"
)

var (
	// ErrLockConflict is returned when a hard lock already holds the resource
	ErrLockConflict = errors.New("resource is already hard-locked")
	// ErrNotFound is returned when no matching lock exists
	ErrNotFound = errors.New("lock not found")
	// ErrInvalidLock is returned for malformed acquire requests
	ErrInvalidLock = errors.New("invalid lock request")
)

// EventType describes a lock state change
type EventType string

const (
	EventAcquired EventType = "acquired"
	EventReleased EventType = "released"
	EventExpired  EventType = "expired"
)

// Event is emitted to subscribers after every state change
type Event struct {
	Type EventType
	Lock *types.Lock
}

// Frees reports whether the event may unblock queued work
func (e Event) Frees() bool {
	return e.Type == EventReleased || e.Type == EventExpired
}

// AcquireOptions carries optional lock attributes
type AcquireOptions struct {
	Description string
	// TTL of zero means the lock never expires
	TTL time.Duration
}

// Registry holds the current set of locks. Safe for concurrent use.
// Subscribers run outside the registry lock and may call back into it.
type Registry struct {
	clock clock.WithTickerAndDelayedExecution
	log   logger.Logger

	mu    sync.RWMutex
	locks map[string]*types.Lock
	// fires Sweep at the earliest ExpiresAt
	expiry   clock.Timer
	expiryAt time.Time

	subMu       sync.RWMutex
	subscribers []func(Event)
}

// NewRegistry creates an empty registry
func NewRegistry(clk clock.WithTickerAndDelayedExecution, log logger.Logger) *Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Registry{
		clock: clk,
		log:   log,
		locks: make(map[string]*types.Lock),
	}
}

// Subscribe registers fn to be called, outside the registry lock, on every change
func (r *Registry) Subscribe(fn func(Event)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

func (r *Registry) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	r.subMu.RLock()
	subs := append([]func(Event){}, r.subscribers...)
	r.subMu.RUnlock()

	for _, ev := range events {
		r.log.Debug("Lock "+string(ev.Type),
			logger.WithField("resource", ev.Lock.Resource.String()),
			logger.WithField("holder", ev.Lock.Holder),
			logger.WithField("kind", ev.Lock.Kind),
		)
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Acquire claims resource for holder. A hard lock conflicts with an existing
// hard lock; warning locks coexist with anything. Re-acquiring the same kind
// by the same holder returns the existing lock.
func (r *Registry) Acquire(resource types.Resource, holder string, kind types.LockKind, opts AcquireOptions) (*types.Lock, error) {
	if err := resource.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLock, err)
	}
	if holder == "" {
		return nil, fmt.Errorf("%w: missing holder", ErrInvalidLock)
	}
	if kind != types.LockKindHard && kind != types.LockKindWarning {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidLock, kind)
	}
	if opts.TTL < 0 {
		return nil, fmt.Errorf("%w: negative ttl", ErrInvalidLock)
	}

	r.mu.Lock()
	now := r.clock.Now()
	expired := r.collectExpiredLocked(now)

	for _, l := range r.locks {
		if l.Resource != resource {
			continue
		}
		if l.Holder == holder && l.Kind == kind {
			existing := *l
			r.armExpiryLocked(now)
			r.mu.Unlock()
			r.emit(expired...)
			return &existing, nil
		}
		if kind == types.LockKindHard && l.Kind == types.LockKindHard {
			holderName := l.Holder
			r.armExpiryLocked(now)
			r.mu.Unlock()
			r.emit(expired...)
			return nil, fmt.Errorf("%w: %s held by %s", ErrLockConflict, resource, holderName)
		}
	}

	lock := &types.Lock{
		ID:          uuid.New().String(),
		Resource:    resource,
		Holder:      holder,
		Kind:        kind,
		Description: opts.Description,
		CreatedAt:   now,
	}
	if opts.TTL > 0 {
		exp := now.Add(opts.TTL)
		lock.ExpiresAt = &exp
	}
	r.locks[lock.ID] = lock
	snapshot := *lock
	r.armExpiryLocked(now)
	r.mu.Unlock()

	r.emit(append(expired, Event{Type: EventAcquired, Lock: &snapshot})...)
	return &snapshot, nil
}

// Release removes every lock holder owns on resource
func (r *Registry) Release(resource types.Resource, holder string) error {
	r.mu.Lock()
	now := r.clock.Now()
	expired := r.collectExpiredLocked(now)

	var released []Event
	for id, l := range r.locks {
		if l.Resource == resource && l.Holder == holder {
			delete(r.locks, id)
			released = append(released, Event{Type: EventReleased, Lock: l})
		}
	}
	r.armExpiryLocked(now)
	r.mu.Unlock()

	r.emit(append(expired, released...)...)
	if len(released) == 0 {
		return fmt.Errorf("%w: %s held by %s", ErrNotFound, resource, holder)
	}
	return nil
}

// ReleaseByID removes a single lock
func (r *Registry) ReleaseByID(id string) error {
	r.mu.Lock()
	now := r.clock.Now()
	expired := r.collectExpiredLocked(now)
	l, ok := r.locks[id]
	if ok {
		delete(r.locks, id)
	}
	r.armExpiryLocked(now)
	r.mu.Unlock()

	if !ok {
		r.emit(expired...)
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.emit(append(expired, Event{Type: EventReleased, Lock: l})...)
	return nil
}

// List returns all active locks ordered by creation time
func (r *Registry) List() []*types.Lock {
	r.Sweep()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Lock, 0, len(r.locks))
	for _, l := range r.locks {
		cp := *l
		out = append(out, &cp)
	}
	sortLocks(out)
	return out
}

func sortLocks(out []*types.Lock) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

// Get returns the active hard lock on resource, or the oldest warning lock
func (r *Registry) Get(resource types.Resource) (*types.Lock, bool) {
	var found *types.Lock
	for _, l := range r.List() {
		if l.Resource != resource {
			continue
		}
		if l.Kind == types.LockKindHard {
			return l, true
		}
		if found == nil {
			found = l
		}
	}
	return found, found != nil
}

// IsBlocked reports whether an unexpired hard lock exists on resource
func (r *Registry) IsBlocked(resource types.Resource) bool {
	return r.IsBlockedAny(resource)
}

// IsBlockedAny reports whether any of the resources is hard-locked
func (r *Registry) IsBlockedAny(resources ...types.Resource) bool {
	_, blocked := r.Blocker(resources...)
	return blocked
}

// Blocker returns the first hard lock covering any of the resources.
// Expired locks are ignored even before the sweeper removes them.
func (r *Registry) Blocker(resources ...types.Resource) (*types.Lock, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	for _, l := range r.locks {
		if l.Kind != types.LockKindHard || l.ExpiredAt(now) {
			continue
		}
		for _, res := range resources {
			if l.Resource == res {
				cp := *l
				return &cp, true
			}
		}
	}
	return nil, false
}

// Warnings returns active warning locks on any of the resources, oldest
// first. Like Blocker it only reads: expired locks are skipped, not removed,
// and no events are emitted.
func (r *Registry) Warnings(resources ...types.Resource) []*types.Lock {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	var out []*types.Lock
	for _, l := range r.locks {
		if l.Kind != types.LockKindWarning || l.ExpiredAt(now) {
			continue
		}
		for _, res := range resources {
			if l.Resource == res {
				cp := *l
				out = append(out, &cp)
				break
			}
		}
	}
	sortLocks(out)
	return out
}

// Sweep removes expired locks and emits expiry events
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.clock.Now()
	expired := r.collectExpiredLocked(now)
	r.armExpiryLocked(now)
	r.mu.Unlock()

	r.emit(expired...)
	return len(expired)
}

// armExpiryLocked schedules a sweep for the earliest expiry so waiting
// deploys are re-evaluated the moment a lock lapses. The periodic sweep in
// Run stays as a backstop.
func (r *Registry) armExpiryLocked(now time.Time) {
	var next time.Time
	for _, l := range r.locks {
		if l.ExpiresAt != nil && (next.IsZero() || l.ExpiresAt.Before(next)) {
			next = *l.ExpiresAt
		}
	}
	if r.expiry != nil && next.Equal(r.expiryAt) {
		return
	}
	r.stopExpiryLocked()
	if next.IsZero() {
		return
	}
	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	r.expiryAt = next
	// the callback must not block: fake clocks run it under their own lock
	r.expiry = r.clock.AfterFunc(delay, func() { go r.expire(next) })
}

// expire runs the sweep scheduled for deadline at
func (r *Registry) expire(at time.Time) {
	r.mu.Lock()
	if r.expiryAt.Equal(at) {
		r.expiry = nil
		r.expiryAt = time.Time{}
	}
	r.mu.Unlock()

	if n := r.Sweep(); n > 0 {
		r.log.Debug("Expired locks removed", logger.WithField("count", n))
	}
}

func (r *Registry) stopExpiryLocked() {
	if r.expiry != nil {
		r.expiry.Stop()
		r.expiry = nil
	}
	r.expiryAt = time.Time{}
}

// Run sweeps expired locks every interval until ctx is done
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.stopExpiryLocked()
			r.mu.Unlock()
			return
		case <-ticker.C():
			if n := r.Sweep(); n > 0 {
				r.log.Info("Expired locks removed", logger.WithField("count", n))
			}
		}
	}
}

func (r *Registry) collectExpiredLocked(now time.Time) []Event {
	var events []Event
	for id, l := range r.locks {
		if l.ExpiredAt(now) {
			delete(r.locks, id)
			events = append(events, Event{Type: EventExpired, Lock: l})
		}
	}
	return events
}
