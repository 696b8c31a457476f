// Package builds upserts artifact builds by project revision and runs the
// configured build command for them through the job queue.
package builds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/stagehand/stagehand/internal/state"
	scontext "github.com/stagehand/stagehand/pkg/context"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/types"
)

var (
	// ErrBuildsDisabled is returned for projects with builds switched off
	ErrBuildsDisabled = errors.New("builds are disabled for this project")

	// ErrInvalidBuild is returned when a request has nothing to run
	ErrInvalidBuild = errors.New("invalid build request")

	// ErrNotFound is returned for unknown build ids
	ErrNotFound = errors.New("build not found")
)

// Enqueuer accepts build jobs; the engine's queue satisfies it
type Enqueuer interface {
	Enqueue(job *types.Job, key types.Resource) (*types.QueueEntry, error)
	Job(id string) (*types.Job, bool)
}

// Trigger owns the build records
type Trigger struct {
	enqueuer Enqueuer
	store    *state.Store
	clock    clock.PassiveClock
	logger   logger.Logger

	mu         sync.Mutex
	config     types.BuildsConfig
	builds     map[string]*types.Build
	byRevision map[revisionKey]string
}

type revisionKey struct {
	project  string
	revision string
}

// NewTrigger creates a build trigger. store may be nil.
func NewTrigger(cfg types.BuildsConfig, enqueuer Enqueuer, store *state.Store, clk clock.PassiveClock, log logger.Logger) *Trigger {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Trigger{
		enqueuer:   enqueuer,
		store:      store,
		clock:      clk,
		logger:     log,
		config:     cfg,
		builds:     make(map[string]*types.Build),
		byRevision: make(map[revisionKey]string),
	}
}

// SetConfig swaps the build command and per-project switches
func (t *Trigger) SetConfig(cfg types.BuildsConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config = cfg
}

// Load restores persisted builds
func (t *Trigger) Load(builds []*types.Build) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range builds {
		t.builds[b.ID] = b
		t.byRevision[revisionKey{b.ProjectID, b.Revision}] = b.ID
	}
}

// Trigger upserts the build for req's revision and starts a job for it
// unless one is already pending or running.
func (t *Trigger) Trigger(ctx context.Context, req types.BuildRequest) (*types.Build, *types.Job, error) {
	if req.ProjectID == "" || req.Revision == "" {
		return nil, nil, fmt.Errorf("%w: project and revision are required", ErrInvalidBuild)
	}
	log := logger.WithContext(ctx, t.logger)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disabledLocked(req.ProjectID) {
		return nil, nil, ErrBuildsDisabled
	}
	steps := req.Steps
	if len(steps) == 0 && t.config.Command != "" {
		steps = []string{t.config.Command}
	}
	if len(steps) == 0 {
		return nil, nil, fmt.Errorf("%w: no build command configured", ErrInvalidBuild)
	}

	build := t.upsertLocked(ctx, req)
	if build.JobID != "" {
		if job, ok := t.enqueuer.Job(build.JobID); ok && !job.Status.IsTerminal() {
			log.Info("Build already in progress",
				logger.WithField("build", build.ID),
				logger.WithField("job", job.ID))
			return cloneBuild(build), job, nil
		}
	}

	job := &types.Job{
		ID:      uuid.New().String(),
		Kind:    types.JobKindBuild,
		Creator: build.Creator,
		Deploy:  types.DeployContext{ProjectID: build.ProjectID, Reference: build.GitRef},
		Pipeline: types.Pipeline{
			Steps: steps,
			Dir:   t.config.Dir,
			Env: map[string]string{
				"STAGEHAND_BUILD_ID": build.ID,
				"STAGEHAND_REVISION": build.Revision,
				"STAGEHAND_GIT_REF":  build.GitRef,
			},
		},
	}
	entry, err := t.enqueuer.Enqueue(job, Key(build.ProjectID))
	if err != nil {
		return cloneBuild(build), nil, err
	}

	build.JobID = job.ID
	build.UpdatedAt = t.clock.Now()
	t.persistLocked(build)
	log.Info("Build started",
		logger.WithField("build", build.ID),
		logger.WithField("revision", build.Revision),
		logger.WithField("job", job.ID))
	return cloneBuild(build), entry.Job, nil
}

func (t *Trigger) upsertLocked(ctx context.Context, req types.BuildRequest) *types.Build {
	now := t.clock.Now()
	rk := revisionKey{req.ProjectID, req.Revision}
	if id, ok := t.byRevision[rk]; ok {
		build := t.builds[id]
		if req.Name != "" {
			build.Name = req.Name
		}
		if req.Description != "" {
			build.Description = req.Description
		}
		if req.GitRef != "" {
			build.GitRef = req.GitRef
		}
		build.UpdatedAt = now
		return build
	}

	creator := req.Creator
	if creator == "" {
		creator = scontext.GetActor(ctx)
	}
	build := &types.Build{
		ID:          uuid.New().String(),
		ProjectID:   req.ProjectID,
		Revision:    req.Revision,
		GitRef:      req.GitRef,
		Name:        req.Name,
		Description: req.Description,
		Creator:     creator,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.builds[build.ID] = build
	t.byRevision[rk] = build.ID
	return build
}

func (t *Trigger) disabledLocked(project string) bool {
	for _, p := range t.config.DisabledProjects {
		if p == project {
			return true
		}
	}
	return false
}

func (t *Trigger) persistLocked(build *types.Build) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveBuild(build); err != nil {
		t.logger.Warn("Failed to persist build", logger.WithField("build", build.ID), logger.WithError(err))
	}
}

// Get returns a build by id
func (t *Trigger) Get(id string) (*types.Build, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	build, ok := t.builds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBuild(build), nil
}

// List returns the builds of project, newest first. An empty project lists all.
func (t *Trigger) List(project string) []*types.Build {
	t.mu.Lock()
	out := make([]*types.Build, 0, len(t.builds))
	for _, b := range t.builds {
		if project == "" || b.ProjectID == project {
			out = append(out, cloneBuild(b))
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Key is the contention key of a project's builds; it never collides with
// a deploy key.
func Key(project string) types.Resource {
	return types.Resource{Type: types.ResourceTypeBuild, ID: project}
}

func cloneBuild(b *types.Build) *types.Build {
	c := *b
	return &c
}
