package engine

import (
	"context"

	"github.com/stagehand/stagehand/pkg/locks"
	"github.com/stagehand/stagehand/pkg/pipeline"
	"github.com/stagehand/stagehand/pkg/types"
)

// Process is a started command pipeline.
type Process = pipeline.Process

// Runner starts a job's pipeline.
type Runner interface {
	Start(ctx context.Context, job *types.Job) (Process, error)
}

// Notifier receives the engine's outward notifications. Calls happen on
// engine goroutines and must not block for long.
type Notifier interface {
	JobFinished(job *types.Job)
	LocksChanged(event locks.Event)
	QueueDepth(pending, executing int)
}

type nopNotifier struct{}

func (nopNotifier) JobFinished(*types.Job)   {}
func (nopNotifier) LocksChanged(locks.Event) {}
func (nopNotifier) QueueDepth(int, int)      {}
