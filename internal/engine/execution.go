package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/stream"
	"github.com/stagehand/stagehand/pkg/types"
)

// Execution supervises one dispatched job from spawn to terminal status.
// The job record is owned by the execution while it runs; callers only
// ever see snapshots.
type Execution struct {
	key           types.Resource
	kind          types.JobKind
	deployID      string
	runner        Runner
	broadcaster   *stream.Broadcaster
	clock         clock.WithTickerAndDelayedExecution
	cancelTimeout time.Duration
	logger        logger.Logger
	onComplete    func(*Execution)

	// implicit deploy lock holder, empty when none was taken
	lockHolder string

	mu          sync.Mutex
	job         *types.Job
	proc        Process
	cancelTimer clock.Timer
	done        chan struct{}
}

func newExecution(
	job *types.Job,
	key types.Resource,
	runner Runner,
	broadcaster *stream.Broadcaster,
	clk clock.WithTickerAndDelayedExecution,
	cancelTimeout time.Duration,
	log logger.Logger,
	onComplete func(*Execution),
) *Execution {
	now := clk.Now()
	job.Status = types.JobStatusRunning
	job.StartedAt = &now

	return &Execution{
		key:           key,
		kind:          job.Kind,
		deployID:      job.Deploy.ID,
		runner:        runner,
		broadcaster:   broadcaster,
		clock:         clk,
		cancelTimeout: cancelTimeout,
		logger:        log.WithJob(job.ID),
		onComplete:    onComplete,
		job:           job,
		done:          make(chan struct{}),
	}
}

// ID returns the job id
func (e *Execution) ID() string { return e.job.ID }

// Key returns the contention key the job holds while it runs
func (e *Execution) Key() types.Resource { return e.key }

// Snapshot returns a copy of the job as it is now
func (e *Execution) Snapshot() *types.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone()
}

// Status returns the current status
func (e *Execution) Status() types.JobStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Status
}

// Done is closed once the job is terminal and completion hooks have run
func (e *Execution) Done() <-chan struct{} { return e.done }

// Cancel starts two-phase cancellation: a graceful signal now, a forced kill
// once the cancel timeout elapses. Cancelling a cancelling job has no further
// effect. Returns false when the job is not running.
func (e *Execution) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.job.Status {
	case types.JobStatusCancelling:
		return true
	case types.JobStatusRunning:
	default:
		return false
	}

	e.job.Status = types.JobStatusCancelling
	e.logger.Info("Cancelling job", logger.WithField("timeout", e.cancelTimeout))
	if e.proc != nil {
		e.terminateLocked()
	}
	return true
}

// terminateLocked sends the graceful signal and arms the forced kill
func (e *Execution) terminateLocked() {
	if err := e.proc.Terminate(); err != nil {
		e.logger.Warn("Graceful signal failed", logger.WithError(err))
	}
	// forceKill takes e.mu, which is held here and around timer Stop
	e.cancelTimer = e.clock.AfterFunc(e.cancelTimeout, func() { go e.forceKill() })
}

func (e *Execution) forceKill() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status != types.JobStatusCancelling || e.proc == nil {
		return
	}
	e.logger.Warn("Job ignored graceful signal, killing", logger.WithField("timeout", e.cancelTimeout))
	e.appendLocked(fmt.Sprintf("Cancel timeout of %s elapsed, killing process", e.cancelTimeout))
	if err := e.proc.Kill(); err != nil {
		e.logger.Error("Forced kill failed", logger.WithError(err))
	}
}

// run is the supervisor. It never lets a panic escape: a crash ends the job
// as errored so its contention key is always released.
func (e *Execution) run(ctx context.Context, preamble []string) {
	defer close(e.done)
	defer e.complete()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Job supervisor panicked",
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			e.finish(types.JobStatusErrored, nil, fmt.Errorf("supervisor panic: %v", r))
		}
	}()

	for _, line := range preamble {
		e.append(line)
	}

	e.mu.Lock()
	if e.job.Status == types.JobStatusCancelling {
		e.mu.Unlock()
		e.finish(types.JobStatusCancelled, nil, nil)
		return
	}
	snapshot := e.job.Clone()
	e.mu.Unlock()

	proc, err := e.runner.Start(ctx, snapshot)
	if err != nil {
		e.logger.Error("Failed to start pipeline", logger.WithError(err))
		e.finish(types.JobStatusErrored, nil, err)
		return
	}

	e.mu.Lock()
	e.proc = proc
	if e.job.Status == types.JobStatusCancelling {
		e.terminateLocked()
	}
	e.mu.Unlock()

	for line := range proc.Output() {
		e.append(line)
	}

	code, err := proc.Wait()
	e.mu.Lock()
	cancelled := e.job.Status == types.JobStatusCancelling
	e.mu.Unlock()

	switch {
	case cancelled:
		e.finish(types.JobStatusCancelled, &code, nil)
	case err != nil:
		e.logger.Error("Pipeline failed to run", logger.WithError(err))
		e.finish(types.JobStatusErrored, &code, err)
	case code == 0:
		e.finish(types.JobStatusSucceeded, &code, nil)
	default:
		e.finish(types.JobStatusFailed, &code, nil)
	}
}

func (e *Execution) append(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendLocked(line)
}

func (e *Execution) appendLocked(line string) {
	e.job.Output = append(e.job.Output, line)
	e.broadcaster.Publish(e.job.ID, line)
}

// finish records the terminal status once; later calls are ignored
func (e *Execution) finish(status types.JobStatus, code *int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.IsTerminal() {
		return
	}
	if e.cancelTimer != nil {
		e.cancelTimer.Stop()
		e.cancelTimer = nil
	}

	now := e.clock.Now()
	e.job.Status = status
	e.job.FinishedAt = &now
	if code != nil {
		c := *code
		e.job.ExitCode = &c
	}
	if err != nil {
		e.job.Error = err.Error()
	}
}

func (e *Execution) complete() {
	e.mu.Lock()
	if !e.job.Status.IsTerminal() {
		// only reachable if finish itself panicked
		now := e.clock.Now()
		e.job.Status = types.JobStatusErrored
		e.job.FinishedAt = &now
		if e.job.Error == "" {
			e.job.Error = "job ended without a terminal status"
		}
	}
	e.mu.Unlock()

	e.broadcaster.Finish(e.job.ID)
	if e.onComplete != nil {
		e.onComplete(e)
	}
}
