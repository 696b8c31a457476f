package stream

import "sync"

// Subscription is one observer's view of a job's output
type Subscription struct {
	jobID       string
	broadcaster *Broadcaster

	mu      sync.Mutex
	buf     []string
	limit   int
	ended   bool
	dropped int

	lines     chan string
	notify    chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

func newSubscription(b *Broadcaster, jobID string, replay []string, bufferSize int) *Subscription {
	buf := make([]string, len(replay), len(replay)+bufferSize)
	copy(buf, replay)
	return &Subscription{
		jobID:       jobID,
		broadcaster: b,
		buf:         buf,
		limit:       len(replay) + bufferSize,
		lines:       make(chan string),
		notify:      make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
}

// JobID returns the job this subscription observes
func (s *Subscription) JobID() string { return s.jobID }

// Lines delivers replayed then live output. Closed when the job is finished
// and every buffered line was delivered, or after Close.
func (s *Subscription) Lines() <-chan string { return s.lines }

// Dropped reports how many lines were discarded because the reader fell behind
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.broadcaster.unsubscribe(s)
	})
}

// push never blocks; when the buffer is full the oldest line is dropped
func (s *Subscription) push(line string) {
	s.mu.Lock()
	if len(s.buf) >= s.limit {
		s.buf = s.buf[1:]
		s.dropped++
	}
	s.buf = append(s.buf, line)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (line string, ok bool, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) > 0 {
		line = s.buf[0]
		s.buf = s.buf[1:]
		return line, true, false
	}
	return "", false, s.ended
}

func (s *Subscription) pump() {
	defer close(s.lines)

	for {
		line, ok, done := s.next()
		if ok {
			select {
			case s.lines <- line:
			case <-s.quit:
				return
			}
			continue
		}
		if done {
			return
		}
		select {
		case <-s.notify:
		case <-s.quit:
			return
		}
	}
}
