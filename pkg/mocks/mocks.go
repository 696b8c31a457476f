// Package mocks provides hand-written test doubles for the engine's runner
// and notifier contracts.
package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/stagehand/stagehand/pkg/locks"
	"github.com/stagehand/stagehand/pkg/pipeline"
	"github.com/stagehand/stagehand/pkg/types"
)

// Exit codes reported for signalled processes, matching a shell child
const (
	ExitTerminated = 143
	ExitKilled     = 137
)

// MockProcess is a scripted pipeline process. Lines are emitted with Emit and
// the process ends with Exit, Terminate or Kill.
type MockProcess struct {
	JobID string

	// IgnoreTerminate keeps the process alive after Terminate so only Kill
	// ends it
	IgnoreTerminate bool

	output chan string
	done   chan struct{}

	mu         sync.Mutex
	exited     bool
	code       int
	waitErr    error
	terminates int
	kills      int
}

// NewMockProcess creates a running process
func NewMockProcess(jobID string) *MockProcess {
	return &MockProcess{
		JobID:  jobID,
		output: make(chan string, 1024),
		done:   make(chan struct{}),
	}
}

// Output implements pipeline.Process
func (p *MockProcess) Output() <-chan string { return p.output }

// Emit writes an output line; ignored after exit
func (p *MockProcess) Emit(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	for _, l := range lines {
		p.output <- l
	}
}

// Exit ends the process with code
func (p *MockProcess) Exit(code int) {
	p.exit(code, nil)
}

// Fail ends the process with a wait error
func (p *MockProcess) Fail(code int, err error) {
	p.exit(code, err)
}

func (p *MockProcess) exit(code int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.code = code
	p.waitErr = err
	close(p.output)
	close(p.done)
}

// Terminate implements pipeline.Process
func (p *MockProcess) Terminate() error {
	p.mu.Lock()
	p.terminates++
	ignore := p.IgnoreTerminate
	p.mu.Unlock()

	if !ignore {
		p.Exit(ExitTerminated)
	}
	return nil
}

// Kill implements pipeline.Process
func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()

	p.Exit(ExitKilled)
	return nil
}

// Wait implements pipeline.Process
func (p *MockProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.waitErr
}

// Exited reports whether the process has ended
func (p *MockProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminates returns how often Terminate was called
func (p *MockProcess) Terminates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminates
}

// Kills returns how often Kill was called
func (p *MockProcess) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

var _ pipeline.Process = (*MockProcess)(nil)

// ErrSpawn is the default error for failed starts
var ErrSpawn = errors.New("mock spawn failure")

// MockRunner starts MockProcesses and records every started job
type MockRunner struct {
	// Script runs in its own goroutine after each start; nil leaves the
	// process running until the test drives it
	Script func(job *types.Job, p *MockProcess)

	// IgnoreTerminate is copied into every started process
	IgnoreTerminate bool

	mu        sync.Mutex
	failFor   map[string]error
	panicFor  map[string]bool
	processes map[string]*MockProcess
	order     []string
}

// NewMockRunner creates a runner whose processes run until driven
func NewMockRunner() *MockRunner {
	return &MockRunner{
		failFor:   make(map[string]error),
		panicFor:  make(map[string]bool),
		processes: make(map[string]*MockProcess),
	}
}

// FailStart makes starts of jobs for deployID fail with err
func (m *MockRunner) FailStart(deployID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrSpawn
	}
	m.failFor[deployID] = err
}

// PanicStart makes starts of jobs for deployID panic
func (m *MockRunner) PanicStart(deployID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicFor[deployID] = true
}

// Start implements the engine's runner contract
func (m *MockRunner) Start(_ context.Context, job *types.Job) (pipeline.Process, error) {
	m.mu.Lock()
	m.order = append(m.order, job.ID)
	if m.panicFor[job.Deploy.ID] {
		m.mu.Unlock()
		panic("mock runner panic")
	}
	if err, ok := m.failFor[job.Deploy.ID]; ok {
		m.mu.Unlock()
		return nil, err
	}
	p := NewMockProcess(job.ID)
	p.IgnoreTerminate = m.IgnoreTerminate
	m.processes[job.ID] = p
	script := m.Script
	m.mu.Unlock()

	if script != nil {
		go script(job, p)
	}
	return p, nil
}

// Process returns the process started for jobID
func (m *MockRunner) Process(jobID string) (*MockProcess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[jobID]
	return p, ok
}

// Started returns job ids in start order
func (m *MockRunner) Started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// MockNotifier records every notification
type MockNotifier struct {
	mu       sync.Mutex
	finished []*types.Job
	events   []locks.Event
	depths   [][2]int
}

// NewMockNotifier creates an empty recorder
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// JobFinished records a terminal job
func (n *MockNotifier) JobFinished(job *types.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, job.Clone())
}

// LocksChanged records a lock event
func (n *MockNotifier) LocksChanged(ev locks.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

// QueueDepth records a depth sample
func (n *MockNotifier) QueueDepth(pending, executing int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.depths = append(n.depths, [2]int{pending, executing})
}

// Finished returns the terminal jobs in notification order
func (n *MockNotifier) Finished() []*types.Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.Job(nil), n.finished...)
}

// FinishedJob returns the terminal notification for jobID
func (n *MockNotifier) FinishedJob(jobID string) (*types.Job, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, j := range n.finished {
		if j.ID == jobID {
			return j, true
		}
	}
	return nil, false
}

// LockEvents returns the recorded lock events
func (n *MockNotifier) LockEvents() []locks.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]locks.Event(nil), n.events...)
}

// LastDepth returns the most recent depth sample
func (n *MockNotifier) LastDepth() (pending, executing int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.depths) == 0 {
		return 0, 0
	}
	d := n.depths[len(n.depths)-1]
	return d[0], d[1]
}
