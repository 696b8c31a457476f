// Package stream fans out job output lines to live subscribers with replay
package stream

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stagehand/stagehand/pkg/logger"
)

// ErrNotFound is returned when subscribing to a job with no stream
var ErrNotFound = errors.New("no output stream for job")

const (
	DefaultReplayLines      = 1000
	DefaultSubscriberBuffer = 256
	DefaultRetainFinished   = 100
)

// Options sizes the broadcaster's buffers. Zero values take defaults.
type Options struct {
	ReplayLines      int
	SubscriberBuffer int
	RetainFinished   int
}

type topic struct {
	history []string
	subs    map[*Subscription]struct{}
}

// Broadcaster owns every job's replay history and subscriber buffers.
// Publish never blocks: slow subscribers lose their oldest buffered lines.
type Broadcaster struct {
	replayLines int
	bufferSize  int
	log         logger.Logger

	mu       sync.Mutex
	live     map[string]*topic
	finished *lru.Cache[string, []string]
}

// NewBroadcaster creates a broadcaster
func NewBroadcaster(opts Options, log logger.Logger) (*Broadcaster, error) {
	if opts.ReplayLines <= 0 {
		opts.ReplayLines = DefaultReplayLines
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.RetainFinished <= 0 {
		opts.RetainFinished = DefaultRetainFinished
	}

	finished, err := lru.New[string, []string](opts.RetainFinished)
	if err != nil {
		return nil, fmt.Errorf("failed to create finished stream cache: %w", err)
	}

	return &Broadcaster{
		replayLines: opts.ReplayLines,
		bufferSize:  opts.SubscriberBuffer,
		log:         log,
		live:        make(map[string]*topic),
		finished:    finished,
	}, nil
}

// Open starts a stream for jobID. Opening an existing stream is a no-op.
func (b *Broadcaster) Open(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.live[jobID]; ok {
		return
	}
	b.finished.Remove(jobID)
	b.live[jobID] = &topic{subs: make(map[*Subscription]struct{})}
}

// Publish appends line to the job's history and forwards it to subscribers.
// Returns false if the job has no open stream.
func (b *Broadcaster) Publish(jobID, line string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.live[jobID]
	if !ok {
		return false
	}
	if len(t.history) >= b.replayLines {
		t.history = t.history[1:]
	}
	t.history = append(t.history, line)
	for sub := range t.subs {
		sub.push(line)
	}
	return true
}

// Finish ends every subscription after delivery of buffered lines and
// retains the history for late subscribers.
func (b *Broadcaster) Finish(jobID string) {
	b.mu.Lock()
	t, ok := b.live[jobID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.live, jobID)
	b.finished.Add(jobID, t.history)
	subs := make([]*Subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.end()
	}
	b.log.Debug("Output stream finished",
		logger.WithField("job", jobID),
		logger.WithField("subscribers", len(subs)),
		logger.WithField("lines", len(t.history)),
	)
}

// Subscribe returns a subscription that replays buffered history followed by
// live lines. For a finished job it replays the retained history then ends.
func (b *Broadcaster) Subscribe(jobID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.live[jobID]; ok {
		sub := newSubscription(b, jobID, t.history, b.bufferSize)
		t.subs[sub] = struct{}{}
		go sub.pump()
		return sub, nil
	}

	if history, ok := b.finished.Get(jobID); ok {
		sub := newSubscription(b, jobID, history, b.bufferSize)
		sub.ended = true
		go sub.pump()
		return sub, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
}

// History returns a copy of the job's replay buffer, live or retained
func (b *Broadcaster) History(jobID string) ([]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.live[jobID]; ok {
		return append([]string(nil), t.history...), true
	}
	if history, ok := b.finished.Peek(jobID); ok {
		return append([]string(nil), history...), true
	}
	return nil, false
}

// Subscribers returns the number of live subscriptions on jobID
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.live[jobID]; ok {
		return len(t.subs)
	}
	return 0
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.live[sub.jobID]; ok {
		delete(t.subs, sub)
	}
}
