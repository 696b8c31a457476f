package engine

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/utils/clock"

	"github.com/stagehand/stagehand/internal/state"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/notifier"
	"github.com/stagehand/stagehand/pkg/pipeline"
	"github.com/stagehand/stagehand/pkg/types"
)

// DependencyFactory creates default implementations of dependencies.
// This follows the dependency injection pattern and removes hidden
// concrete fallbacks from constructors.
type DependencyFactory struct {
	logger logger.Logger
	config *types.StagehandConfig
}

// NewDependencyFactory creates a new dependency factory
func NewDependencyFactory(log logger.Logger, config *types.StagehandConfig) *DependencyFactory {
	return &DependencyFactory{
		logger: log,
		config: config,
	}
}

// CreateDefaults creates the production dependencies: the shell runner,
// the configured notifier, the state store and a registry carrying the Go
// runtime collectors.
func (f *DependencyFactory) CreateDefaults() (Dependencies, error) {
	store, err := f.createStore()
	if err != nil {
		return Dependencies{}, err
	}

	return Dependencies{
		Runner:   f.createRunner(),
		Notifier: f.createNotifier(),
		Store:    store,
		Clock:    clock.RealClock{},
		Registry: f.createRegistry(),
	}, nil
}

// CreateWithOverrides creates dependencies with specific overrides.
// This is useful for testing or custom configurations.
func (f *DependencyFactory) CreateWithOverrides(overrides Dependencies) (Dependencies, error) {
	deps, err := f.CreateDefaults()
	if err != nil {
		return Dependencies{}, err
	}

	if overrides.Runner != nil {
		deps.Runner = overrides.Runner
	}
	if overrides.Notifier != nil {
		deps.Notifier = overrides.Notifier
	}
	if overrides.Store != nil {
		deps.Store = overrides.Store
	}
	if overrides.Clock != nil {
		deps.Clock = overrides.Clock
	}
	if overrides.Registry != nil {
		deps.Registry = overrides.Registry
	}

	return deps, nil
}

func (f *DependencyFactory) createRunner() Runner {
	return pipeline.NewShellRunner(f.logger)
}

func (f *DependencyFactory) createStore() (*state.Store, error) {
	store, err := state.NewStore(f.config.State.Dir, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state dir: %w", err)
	}
	return store, nil
}

func (f *DependencyFactory) createNotifier() Notifier {
	cfg := f.config.Notifications
	if cfg == nil || (cfg.Enabled != nil && !*cfg.Enabled) {
		return nopNotifier{}
	}
	return notifier.New(notifier.Config{
		Enabled: true,
		Desktop: cfg.Desktop,
	}, f.logger)
}

func (f *DependencyFactory) createRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
