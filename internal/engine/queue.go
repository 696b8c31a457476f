package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/utils/clock"

	"github.com/stagehand/stagehand/internal/state"
	"github.com/stagehand/stagehand/pkg/approval"
	"github.com/stagehand/stagehand/pkg/locks"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/stream"
	"github.com/stagehand/stagehand/pkg/types"
)

// QueueConfig sizes and tunes the job queue
type QueueConfig struct {
	Workers          int
	CancelTimeout    time.Duration
	LockDuringDeploy bool
	RetainFinished   int
}

// Queue holds pending and executing jobs. At most one job per contention key
// executes at a time, jobs sharing a key dispatch in enqueue order, and at
// most Workers jobs execute overall. One mutex makes enqueue, dispatch and
// completion atomic with respect to each other.
type Queue struct {
	config      QueueConfig
	logger      logger.Logger
	locks       *locks.Registry
	gate        *approval.Gate
	runner      Runner
	broadcaster *stream.Broadcaster
	clock       clock.WithTickerAndDelayedExecution
	metrics     *Metrics
	notifier    Notifier
	store       *state.Store
	workers     *SafeGroup

	mu        sync.Mutex
	enabled   bool
	stopped   bool
	pending   []*types.QueueEntry
	executing map[string]*Execution
	busy      map[types.Resource]string
	finished  *lru.Cache[string, *types.Job]
	idle      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue creates a disabled queue; call SetEnabled(true) to accept jobs
func NewQueue(
	config QueueConfig,
	log logger.Logger,
	registry *locks.Registry,
	gate *approval.Gate,
	runner Runner,
	broadcaster *stream.Broadcaster,
	clk clock.WithTickerAndDelayedExecution,
	metrics *Metrics,
	notifier Notifier,
	store *state.Store,
) (*Queue, error) {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RetainFinished <= 0 {
		config.RetainFinished = stream.DefaultRetainFinished
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	finished, err := lru.New[string, *types.Job](config.RetainFinished)
	if err != nil {
		return nil, fmt.Errorf("failed to create finished job cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		config:      config,
		logger:      log,
		locks:       registry,
		gate:        gate,
		runner:      runner,
		broadcaster: broadcaster,
		clock:       clk,
		metrics:     metrics,
		notifier:    notifier,
		store:       store,
		workers:     NewSafeGroup(log),
		executing:   make(map[string]*Execution),
		busy:        make(map[types.Resource]string),
		finished:    finished,
		idle:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Enqueue accepts job under contention key. The job waits while its key is
// busy, a hard lock covers it or a required approval is missing. A disabled
// queue or a deploy that already has an active job fails the call.
// Production deploys register with the approval gate here, under the queue
// lock, so the gate's record lives exactly as long as the job.
func (q *Queue) Enqueue(job *types.Job, key types.Resource) (*types.QueueEntry, error) {
	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		return nil, ErrQueueDisabled
	}
	if job.Kind == types.JobKindDeploy {
		if active, ok := q.activeDeployLocked(job.Deploy.ID); ok {
			q.mu.Unlock()
			return nil, fmt.Errorf("%w: deploy %s is job %s", ErrDuplicateDeploy, job.Deploy.ID, active)
		}
		// registered even while the policy is off so it can be switched on live
		if job.Deploy.Production {
			q.gate.Register(job.Deploy, job.Creator)
		}
	}

	job.Status = types.JobStatusPending
	job.Pipeline = job.Pipeline.Clone()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.clock.Now()
	}
	entry := &types.QueueEntry{Job: job, Key: key, EnqueuedAt: q.clock.Now()}
	q.pending = append(q.pending, entry)
	q.broadcaster.Open(job.ID)
	snapshot := types.QueueEntry{Job: job.Clone(), Key: key, EnqueuedAt: entry.EnqueuedAt}
	q.mu.Unlock()

	q.logger.Info("Job enqueued",
		logger.WithField("job", job.ID),
		logger.WithField("kind", job.Kind),
		logger.WithField("key", key.String()))
	q.persist(snapshot.Job)
	q.metrics.observeEnqueued(snapshot.Job)

	q.dispatch()
	return &snapshot, nil
}

// activeDeployLocked returns the pending or executing job of a deploy
func (q *Queue) activeDeployLocked(deployID string) (string, bool) {
	for _, entry := range q.pending {
		if entry.Job.Kind == types.JobKindDeploy && entry.Job.Deploy.ID == deployID {
			return entry.Job.ID, true
		}
	}
	for id, exec := range q.executing {
		if exec.kind == types.JobKindDeploy && exec.deployID == deployID {
			return id, true
		}
	}
	return "", false
}

// Reevaluate runs a dispatch pass; called when a lock clears, an approval
// arrives or a job completes.
func (q *Queue) Reevaluate() {
	q.dispatch()
}

type launch struct {
	exec     *Execution
	deploy   types.DeployContext
	kind     types.JobKind
	warnings []*types.Lock
}

func (q *Queue) dispatch() {
	q.mu.Lock()
	launches := q.dispatchLocked()
	pending, executing := len(q.pending), len(q.executing)
	q.mu.Unlock()

	for _, l := range launches {
		q.start(l)
	}
	q.reportDepth(pending, executing)
}

// dispatchLocked walks pending entries oldest first. An entry that cannot
// start marks its key blocked so no younger entry with the same key can
// overtake it; other keys are unaffected.
func (q *Queue) dispatchLocked() []launch {
	if !q.enabled {
		return nil
	}

	var launches []launch
	blocked := make(map[types.Resource]bool)
	remaining := make([]*types.QueueEntry, 0, len(q.pending))

	for _, entry := range q.pending {
		if len(q.executing) >= q.config.Workers || blocked[entry.Key] {
			remaining = append(remaining, entry)
			continue
		}
		if _, busy := q.busy[entry.Key]; busy || !q.runnable(entry) {
			blocked[entry.Key] = true
			remaining = append(remaining, entry)
			continue
		}

		now := q.clock.Now()
		entry.DispatchedAt = &now
		job := entry.Job
		exec := newExecution(job, entry.Key, q.runner, q.broadcaster, q.clock,
			q.config.CancelTimeout, q.logger, q.complete)
		q.executing[job.ID] = exec
		q.busy[entry.Key] = job.ID

		l := launch{exec: exec, deploy: job.Deploy, kind: job.Kind}
		if job.Kind == types.JobKindDeploy {
			l.warnings = q.locks.Warnings(job.Deploy.Resources()...)
		}
		launches = append(launches, l)
	}

	q.pending = remaining
	return launches
}

// runnable is the pre-dispatch gate: no hard lock on any scope of the deploy
// and approval present when required.
func (q *Queue) runnable(entry *types.QueueEntry) bool {
	if entry.Job.Kind != types.JobKindDeploy {
		return true
	}
	deploy := entry.Job.Deploy
	if q.locks.IsBlockedAny(deploy.Resources()...) {
		return false
	}
	return q.gate.Satisfied(deploy)
}

func (q *Queue) start(l launch) {
	exec := l.exec
	var preamble []string
	for _, w := range l.warnings {
		msg := fmt.Sprintf("WARNING: %s is locked by %s", w.Resource, w.Holder)
		if w.Description != "" {
			msg += ": " + w.Description
		}
		preamble = append(preamble, msg)
	}

	if q.config.LockDuringDeploy && l.kind == types.JobKindDeploy {
		_, err := q.locks.Acquire(exec.Key(), exec.ID(), types.LockKindWarning, locks.AcquireOptions{
			Description: "deploy in progress",
		})
		if err != nil {
			q.logger.Warn("Failed to take deploy lock", logger.WithField("job", exec.ID()), logger.WithError(err))
		} else {
			exec.lockHolder = exec.ID()
		}
	}

	q.logger.Info("Job dispatched",
		logger.WithField("job", exec.ID()),
		logger.WithField("key", exec.Key().String()))
	q.persist(exec.Snapshot())

	q.workers.Go(func() error {
		exec.run(q.ctx, preamble)
		return nil
	})
}

// complete frees the job's key and runs a dispatch pass. Called by the
// execution's supervisor after the job is terminal.
func (q *Queue) complete(exec *Execution) {
	job := exec.Snapshot()

	q.mu.Lock()
	delete(q.executing, job.ID)
	if q.busy[exec.Key()] == job.ID {
		delete(q.busy, exec.Key())
	}
	q.finished.Add(job.ID, job)
	if job.Kind == types.JobKindDeploy {
		q.gate.Forget(job.Deploy.ID)
	}
	close(q.idle)
	q.idle = make(chan struct{})
	q.mu.Unlock()

	if exec.lockHolder != "" {
		if err := q.locks.Release(exec.Key(), exec.lockHolder); err != nil {
			q.logger.Debug("Deploy lock already gone", logger.WithField("job", job.ID))
		}
	}

	q.record(job)
	q.dispatch()
}

// record persists, measures and announces a terminal job
func (q *Queue) record(job *types.Job) {
	fields := []logger.Field{
		logger.WithField("job", job.ID),
		logger.WithField("status", job.Status),
	}
	if job.ExitCode != nil {
		fields = append(fields, logger.WithField("exit_code", *job.ExitCode))
	}
	switch job.Status {
	case types.JobStatusErrored:
		q.logger.Error("Job errored", append(fields, logger.WithField("error", job.Error))...)
	case types.JobStatusSucceeded:
		q.logger.Success("Job succeeded", fields...)
	default:
		q.logger.Info("Job finished", fields...)
	}

	q.persist(job)
	q.metrics.observeFinished(job)
	q.notifier.JobFinished(job)
}

// Cancel removes a pending job or starts cancelling an executing one.
// Unknown and terminal jobs return false.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	for i, entry := range q.pending {
		if entry.Job.ID != jobID {
			continue
		}
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		job := q.cancelPendingLocked(entry)
		pending, executing := len(q.pending), len(q.executing)
		q.mu.Unlock()

		q.broadcaster.Finish(jobID)
		q.record(job)
		q.reportDepth(pending, executing)
		// the removed entry may have been blocking younger entries of its key
		q.dispatch()
		return true
	}

	exec, ok := q.executing[jobID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	return exec.Cancel()
}

func (q *Queue) cancelPendingLocked(entry *types.QueueEntry) *types.Job {
	now := q.clock.Now()
	entry.Job.Status = types.JobStatusCancelled
	entry.Job.FinishedAt = &now
	snapshot := entry.Job.Clone()
	q.finished.Add(snapshot.ID, snapshot)
	if snapshot.Kind == types.JobKindDeploy {
		q.gate.Forget(snapshot.Deploy.ID)
	}
	return snapshot
}

// SetEnabled toggles the queue. Disabling rejects new jobs, cancels every
// pending entry and starts cancelling every executing job; use Drain to wait
// for the workers to exit.
func (q *Queue) SetEnabled(enabled bool) {
	q.mu.Lock()
	if q.stopped && enabled {
		q.mu.Unlock()
		return
	}
	was := q.enabled
	q.enabled = enabled
	if enabled {
		q.mu.Unlock()
		if !was {
			q.logger.Info("Job queue enabled")
		}
		q.dispatch()
		return
	}

	dropped := make([]*types.Job, 0, len(q.pending))
	for _, entry := range q.pending {
		dropped = append(dropped, q.cancelPendingLocked(entry))
	}
	q.pending = nil
	running := make([]*Execution, 0, len(q.executing))
	for _, exec := range q.executing {
		running = append(running, exec)
	}
	executing := len(q.executing)
	q.mu.Unlock()

	if was {
		q.logger.Warn("Job queue disabled",
			logger.WithField("dropped", len(dropped)),
			logger.WithField("cancelling", len(running)))
	}
	for _, job := range dropped {
		q.broadcaster.Finish(job.ID)
		q.record(job)
	}
	for _, exec := range running {
		exec.Cancel()
	}
	q.reportDepth(0, executing)
}

// Enabled reports whether new jobs are accepted
func (q *Queue) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

// Drain blocks until no job is executing or ctx is done
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.executing) == 0 {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown disables the queue for good, cancels everything and waits for
// workers. If ctx expires first, running pipelines are killed outright.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.SetEnabled(false)
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	err := q.Drain(ctx)
	if err != nil {
		q.logger.Warn("Shutdown deadline reached, killing remaining jobs", logger.WithError(err))
	}
	q.cancel()
	if werr := q.workers.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// Executing returns snapshots of running and cancelling jobs
func (q *Queue) Executing() []*types.Job {
	q.mu.Lock()
	execs := make([]*Execution, 0, len(q.executing))
	for _, exec := range q.executing {
		execs = append(execs, exec)
	}
	q.mu.Unlock()

	out := make([]*types.Job, 0, len(execs))
	for _, exec := range execs {
		out = append(out, exec.Snapshot())
	}
	sortJobs(out)
	return out
}

// Pending returns snapshots of waiting jobs in enqueue order
func (q *Queue) Pending() []*types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.Job, 0, len(q.pending))
	for _, entry := range q.pending {
		out = append(out, entry.Job.Clone())
	}
	return out
}

// Depth returns the pending and executing counts
func (q *Queue) Depth() (pending, executing int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.executing)
}

// Job finds a pending, executing or recently finished job
func (q *Queue) Job(id string) (*types.Job, bool) {
	q.mu.Lock()
	if exec, ok := q.executing[id]; ok {
		q.mu.Unlock()
		return exec.Snapshot(), true
	}
	for _, entry := range q.pending {
		if entry.Job.ID == id {
			job := entry.Job.Clone()
			q.mu.Unlock()
			return job, true
		}
	}
	job, ok := q.finished.Get(id)
	q.mu.Unlock()
	if ok {
		return job.Clone(), true
	}
	return nil, false
}

// Finished returns retained terminal jobs, oldest first
func (q *Queue) Finished() []*types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.Job, 0, q.finished.Len())
	for _, id := range q.finished.Keys() {
		if job, ok := q.finished.Peek(id); ok {
			out = append(out, job.Clone())
		}
	}
	return out
}

func (q *Queue) reportDepth(pending, executing int) {
	q.metrics.observeDepth(pending, executing)
	q.notifier.QueueDepth(pending, executing)
}

func (q *Queue) persist(job *types.Job) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(job); err != nil {
		q.logger.Warn("Failed to persist job", logger.WithField("job", job.ID), logger.WithError(err))
	}
}
