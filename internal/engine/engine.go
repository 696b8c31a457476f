// Package engine runs deploy and build jobs. It owns the job queue, the lock
// registry, the approval gate and the output broadcaster, and wires them so
// that lock releases, approvals and completions re-evaluate the queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/stagehand/stagehand/internal/builds"
	"github.com/stagehand/stagehand/internal/state"
	"github.com/stagehand/stagehand/pkg/approval"
	scontext "github.com/stagehand/stagehand/pkg/context"
	"github.com/stagehand/stagehand/pkg/locks"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/stream"
	"github.com/stagehand/stagehand/pkg/types"
)

// Dependencies are the engine's injectable collaborators. Runner is
// required; the rest fall back to no-op or real implementations.
type Dependencies struct {
	Runner   Runner
	Notifier Notifier
	Store    *state.Store
	Clock    clock.WithTickerAndDelayedExecution
	Registry *prometheus.Registry
}

// Engine is one isolated job execution engine
type Engine struct {
	config      *types.StagehandConfig
	logger      logger.Logger
	store       *state.Store
	notifier    Notifier
	metrics     *Metrics
	locks       *locks.Registry
	gate        *approval.Gate
	broadcaster *stream.Broadcaster
	queue       *Queue
	builds      *builds.Trigger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	sweeper chan struct{}
}

// New constructs an engine from config. Nothing runs until Start.
func New(cfg *types.StagehandConfig, log logger.Logger, deps Dependencies) (*Engine, error) {
	if deps.Runner == nil {
		return nil, fmt.Errorf("%w: runner is required", ErrInvalidRequest)
	}
	if cfg == nil {
		cfg = &types.StagehandConfig{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	broadcaster, err := stream.NewBroadcaster(stream.Options{
		ReplayLines:      cfg.Engine.ReplayLines,
		SubscriberBuffer: cfg.Engine.SubscriberBuffer,
		RetainFinished:   cfg.Engine.RetainFinished,
	}, log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:      cfg,
		logger:      log,
		store:       deps.Store,
		notifier:    deps.Notifier,
		metrics:     NewMetrics(deps.Registry),
		locks:       locks.NewRegistry(clk, log),
		gate:        approval.NewGate(cfg.BuddyCheck.Enabled, clk, log),
		broadcaster: broadcaster,
	}

	e.queue, err = NewQueue(QueueConfig{
		Workers:          cfg.Engine.GetWorkers(),
		CancelTimeout:    cfg.Engine.GetCancelTimeout(),
		LockDuringDeploy: cfg.Locks.LockDuringDeploy,
		RetainFinished:   cfg.Engine.RetainFinished,
	}, log, e.locks, e.gate, deps.Runner, broadcaster, clk, e.metrics, deps.Notifier, deps.Store)
	if err != nil {
		return nil, err
	}
	e.builds = builds.NewTrigger(cfg.Builds, e.queue, deps.Store, clk, log)

	e.locks.Subscribe(e.onLockEvent)
	e.gate.OnApprove(func(string) { e.queue.Reevaluate() })
	return e, nil
}

func (e *Engine) onLockEvent(ev locks.Event) {
	e.metrics.observeLock(ev)
	e.notifier.LocksChanged(ev)
	if ev.Frees() {
		e.queue.Reevaluate()
	}
}

// Start restores persisted state, starts the lock sweeper and applies the
// configured enabled flag.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.sweeper = make(chan struct{})
	e.mu.Unlock()

	if e.store != nil && e.store.Enabled() {
		recovered, err := e.store.RecoverInterrupted()
		if err != nil {
			e.logger.Warn("Failed to recover interrupted jobs", logger.WithError(err))
		}
		for _, job := range recovered {
			e.logger.Warn("Job was interrupted by a restart", logger.WithField("job", job.ID))
		}
		saved, err := e.store.LoadBuilds()
		if err != nil {
			e.logger.Warn("Failed to load builds", logger.WithError(err))
		}
		e.builds.Load(saved)
	}

	go func() {
		defer close(e.sweeper)
		e.locks.Run(runCtx, e.config.Locks.GetSweepInterval())
	}()

	e.queue.SetEnabled(e.config.Engine.IsEnabled())
	e.logger.Info("Engine started",
		logger.WithField("workers", e.config.Engine.GetWorkers()),
		logger.WithField("policy", e.config.Engine.GetContentionPolicy()))
	return nil
}

// Shutdown stops dispatching, cancels every job and waits for workers until
// ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel, sweeper := e.cancel, e.sweeper
	e.mu.Unlock()

	var result *multierror.Error
	if err := e.queue.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("queue: %w", err))
	}
	if cancel != nil {
		cancel()
		<-sweeper
	}
	if closer, ok := e.notifier.(interface{ Close() }); ok {
		closer.Close()
	}
	if e.store != nil && e.store.Enabled() {
		if _, err := e.store.Prune(e.queueRetention()); err != nil {
			result = multierror.Append(result, fmt.Errorf("state: %w", err))
		}
	}
	e.logger.Info("Engine stopped")
	return result.ErrorOrNil()
}

func (e *Engine) queueRetention() int {
	if n := e.config.Engine.RetainFinished; n > 0 {
		return n
	}
	return stream.DefaultRetainFinished
}

func (e *Engine) accepting() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	return nil
}

// SubmitDeploy enqueues a deploy under the contention key chosen by policy.
// Production deploys register for approval when the policy requires it. A
// deploy id with a pending or executing job is rejected with
// ErrDuplicateDeploy.
func (e *Engine) SubmitDeploy(ctx context.Context, req types.DeployRequest) (*types.Job, error) {
	if err := e.accepting(); err != nil {
		return nil, err
	}
	if req.Deploy.ID == "" || req.Deploy.ProjectID == "" {
		return nil, fmt.Errorf("%w: deploy id and project are required", ErrInvalidRequest)
	}
	if len(req.Pipeline.Steps) == 0 {
		return nil, fmt.Errorf("%w: pipeline has no steps", ErrInvalidRequest)
	}
	creator := req.Creator
	if creator == "" {
		creator = scontext.GetActor(ctx)
	}

	job := &types.Job{
		ID:       uuid.New().String(),
		Kind:     types.JobKindDeploy,
		Deploy:   req.Deploy,
		Pipeline: req.Pipeline,
		Creator:  creator,
	}
	key := req.Deploy.ContentionKey(e.config.Engine.GetContentionPolicy())

	entry, err := e.queue.Enqueue(job, key)
	if err != nil {
		return nil, err
	}

	logger.WithContext(ctx, e.logger).Info("Deploy submitted",
		logger.WithField("deploy", req.Deploy.ID),
		logger.WithField("job", job.ID),
		logger.WithField("key", key.String()))
	return entry.Job, nil
}

// CancelJob cancels a pending or executing job. Unknown and finished jobs
// report false.
func (e *Engine) CancelJob(ctx context.Context, jobID string) bool {
	ok := e.queue.Cancel(jobID)
	if ok {
		logger.WithContext(ctx, e.logger).Info("Job cancel requested", logger.WithField("job", jobID))
	}
	return ok
}

// Job returns a job snapshot, looking in the persisted records last
func (e *Engine) Job(id string) (*types.Job, error) {
	if job, ok := e.queue.Job(id); ok {
		return job, nil
	}
	if e.store != nil && e.store.Enabled() {
		if rec, err := e.store.LoadJob(id); err == nil {
			return rec.Job, nil
		}
	}
	return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
}

// Jobs returns executing, pending and retained finished jobs
func (e *Engine) Jobs() []*types.Job {
	out := e.queue.Executing()
	out = append(out, e.queue.Pending()...)
	out = append(out, e.queue.Finished()...)
	return out
}

// ActiveDeploys returns pending and executing deploy jobs
func (e *Engine) ActiveDeploys() []*types.Job {
	var out []*types.Job
	for _, job := range append(e.queue.Executing(), e.queue.Pending()...) {
		if job.Kind == types.JobKindDeploy {
			out = append(out, job)
		}
	}
	return out
}

// Depth returns the pending and executing counts
func (e *Engine) Depth() (pending, executing int) {
	return e.queue.Depth()
}

// Subscribe attaches to a job's output stream
func (e *Engine) Subscribe(jobID string) (*stream.Subscription, error) {
	sub, err := e.broadcaster.Subscribe(jobID)
	if errors.Is(err, stream.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return sub, err
}

// AcquireLock takes a lock on behalf of the request's holder or the actor
func (e *Engine) AcquireLock(ctx context.Context, req types.LockRequest) (*types.Lock, error) {
	holder := req.Holder
	if holder == "" {
		holder = scontext.GetActor(ctx)
	}
	kind := req.Kind
	if kind == "" {
		kind = types.LockKindHard
	}
	lock, err := e.locks.Acquire(req.Resource, holder, kind, locks.AcquireOptions{
		Description: req.Description,
		TTL:         secondsToDuration(req.TTL),
	})
	if errors.Is(err, locks.ErrInvalidLock) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return lock, err
}

// ReleaseLock removes holder's lock on resource
func (e *Engine) ReleaseLock(resource types.Resource, holder string) error {
	return lockErr(e.locks.Release(resource, holder))
}

// ReleaseLockByID removes a lock by id
func (e *Engine) ReleaseLockByID(id string) error {
	return lockErr(e.locks.ReleaseByID(id))
}

// Locks returns the active locks
func (e *Engine) Locks() []*types.Lock {
	return e.locks.List()
}

func lockErr(err error) error {
	if errors.Is(err, locks.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// Approve records approver's buddy check for a deploy
func (e *Engine) Approve(ctx context.Context, deployID, approver string) (*types.BuddyCheck, error) {
	if approver == "" {
		approver = scontext.GetActor(ctx)
	}
	if _, err := e.gate.Approve(deployID, approver); err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		if errors.Is(err, approval.ErrMissingApprover) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil, err
	}
	check, _ := e.gate.Get(deployID)
	logger.WithContext(ctx, e.logger).Info("Deploy approved",
		logger.WithField("deploy", deployID),
		logger.WithField("approver", approver))
	return check, nil
}

// TriggerBuild upserts and starts a build for a project revision
func (e *Engine) TriggerBuild(ctx context.Context, req types.BuildRequest) (*types.Build, *types.Job, error) {
	if err := e.accepting(); err != nil {
		return nil, nil, err
	}
	build, job, err := e.builds.Trigger(ctx, req)
	if errors.Is(err, builds.ErrInvalidBuild) {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return build, job, err
}

// Build returns a build record
func (e *Engine) Build(id string) (*types.Build, error) {
	build, err := e.builds.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return build, nil
}

// Builds lists the builds of a project, all projects when empty
func (e *Engine) Builds(project string) []*types.Build {
	return e.builds.List(project)
}

// SetEnabled is the global switch. Disabling cancels every pending and
// executing job.
func (e *Engine) SetEnabled(enabled bool) {
	if enabled && e.accepting() != nil {
		return
	}
	e.queue.SetEnabled(enabled)
}

// Enabled reports whether the engine accepts jobs
func (e *Engine) Enabled() bool {
	return e.queue.Enabled()
}

// Drain waits for executing jobs to finish
func (e *Engine) Drain(ctx context.Context) error {
	return e.queue.Drain(ctx)
}

// SetBuddyCheck switches the production approval policy
func (e *Engine) SetBuddyCheck(enabled bool) {
	e.gate.SetEnabled(enabled)
	// deploys waiting on a now-disabled policy can go
	e.queue.Reevaluate()
}

// SetBuildsConfig swaps the build command and per-project switches
func (e *Engine) SetBuildsConfig(cfg types.BuildsConfig) {
	e.builds.SetConfig(cfg)
}

// Metrics returns the engine's Prometheus collectors
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func sortJobs(jobs []*types.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
