package engine

import (
	"errors"

	"github.com/stagehand/stagehand/internal/builds"
	"github.com/stagehand/stagehand/pkg/approval"
	"github.com/stagehand/stagehand/pkg/locks"
)

var (
	// ErrQueueDisabled is returned when the engine is globally switched off
	ErrQueueDisabled = errors.New("job queue is disabled")

	// ErrLockConflict is returned when a resource is already hard-locked
	ErrLockConflict = locks.ErrLockConflict

	// ErrSelfApproval is returned when a deploy's creator tries to approve it
	ErrSelfApproval = approval.ErrSelfApproval

	// ErrBuildsDisabled is returned when a project's builds are switched off
	ErrBuildsDisabled = builds.ErrBuildsDisabled

	// ErrDuplicateDeploy is returned when a deploy already has a pending or
	// executing job
	ErrDuplicateDeploy = errors.New("deploy already has an active job")

	// ErrNotFound is returned for unknown jobs, locks, deploys and builds
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest is returned for malformed requests
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEngineStopped is returned by operations after Shutdown
	ErrEngineStopped = errors.New("engine stopped")
)
