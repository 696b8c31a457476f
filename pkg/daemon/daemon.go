// Package daemon runs the engine and its HTTP API as a long-lived process
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/stagehand/stagehand/internal/engine"
	"github.com/stagehand/stagehand/pkg/api"
	"github.com/stagehand/stagehand/pkg/config"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/process"
	"github.com/stagehand/stagehand/pkg/types"
)

const (
	// DefaultStateDir holds the pid file and job records when the config names none
	DefaultStateDir = ".stagehand"
	// DefaultAddr is the API listen address when the config names none
	DefaultAddr = ":9080"

	pidFileName       = "daemon.pid"
	heartbeatInterval = time.Minute
	shutdownTimeout   = 30 * time.Second
)

// Config represents daemon configuration. Addr, StateDir and LogLevel
// override the values found in the config file.
type Config struct {
	ConfigPath string
	Addr       string
	StateDir   string
	LogFile    string
	LogLevel   string

	// Logger replaces the logger built from LogFile and LogLevel
	Logger logger.Logger
	// Overrides replace the default engine dependencies
	Overrides engine.Dependencies
}

// Manager manages the stagehand daemon
type Manager struct {
	config         Config
	logger         logger.Logger
	processManager *process.Manager
	reloader       *config.ReloadManager
	engine         *engine.Engine
	pidFile        string

	mu        sync.RWMutex
	running   bool
	addr      net.Addr
	startedAt time.Time
	cancel    context.CancelFunc
	serveErr  chan error
	// engine.enabled as last read from the config file
	fileEnabled bool
}

// Status represents daemon status
type Status struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartTime time.Time `json:"startTime"`
	Enabled   bool      `json:"enabled"`
	Pending   int       `json:"pending"`
	Executing int       `json:"executing"`
}

// NewManager creates a new daemon manager
func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logger.CreateLogger(cfg.LogFile, cfg.LogLevel)
	}
	return &Manager{
		config:         cfg,
		logger:         log,
		processManager: process.NewManager(log),
	}
}

// Run starts the daemon and blocks until ctx ends, a signal arrives or the
// HTTP server fails, then shuts everything down.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case <-m.signalled():
	case serveErr = <-m.serveErr:
		m.logger.Error("HTTP server stopped unexpectedly", logger.WithError(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if serveErr != nil {
		result = multierror.Append(result, serveErr)
	}
	if err := m.Stop(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Start loads the configuration, starts the engine and the HTTP server and
// begins handling signals. It returns once the server is listening.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrDaemonAlreadyRunning
	}

	cfg, err := m.loadConfig()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDaemonStartFailed, err)
	}
	m.applyLogLevel(cfg)

	stateDir := cfg.State.Dir
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	m.pidFile = PIDFile(stateDir)
	if pid, err := readPIDFile(m.pidFile); err == nil && process.Alive(pid) {
		return fmt.Errorf("%w: pid %d", ErrDaemonAlreadyRunning, pid)
	}

	factory := engine.NewDependencyFactory(m.logger, cfg)
	deps, err := factory.CreateWithOverrides(m.config.Overrides)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDaemonStartFailed, err)
	}
	e, err := engine.New(cfg, m.logger, deps)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDaemonStartFailed, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := e.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrDaemonStartFailed, err)
	}

	addr, serveErr, err := m.serve(runCtx, api.NewServer(e, m.logger), cfg.Server.Addr)
	if err != nil {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return multierror.Append(fmt.Errorf("%w: %w", ErrDaemonStartFailed, err), e.Shutdown(shutdownCtx)).ErrorOrNil()
	}

	if err := writePIDFile(m.pidFile); err != nil {
		m.logger.Warn("Failed to write PID file", logger.WithError(err))
	}

	m.engine = e
	m.fileEnabled = cfg.Engine.IsEnabled()
	m.addr = addr
	m.serveErr = serveErr
	m.cancel = cancel
	m.startedAt = time.Now()
	m.running = true

	m.startReloader()
	m.processManager = process.NewManager(m.logger)
	m.processManager.OnReload(m.Reload)
	m.processManager.SetPeriodic(heartbeatInterval, m.heartbeat)
	m.processManager.RegisterShutdownHandler(func() {
		// stop intake as soon as the signal lands; Stop drains the rest
		e.SetEnabled(false)
	})
	m.processManager.Start(ctx)

	m.logger.Success("Daemon started",
		logger.WithField("addr", addr.String()),
		logger.WithField("stateDir", stateDir),
		logger.WithField("enabled", e.Enabled()))
	return nil
}

func (m *Manager) signalled() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.processManager.Done()
}

// serve starts the API server and waits until it listens or fails
func (m *Manager) serve(ctx context.Context, server *api.Server, addr string) (net.Addr, chan error, error) {
	ready := make(chan net.Addr, 1)
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(ctx, addr, func(a net.Addr) { ready <- a }); err != nil {
			serveErr <- err
		}
	}()

	select {
	case a := <-ready:
		return a, serveErr, nil
	case err := <-serveErr:
		return nil, nil, err
	}
}

// Stop shuts the daemon down, letting executing jobs finish or cancelling
// them when ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrDaemonNotRunning
	}
	m.running = false
	reloader, e, cancel, pm, pidFile := m.reloader, m.engine, m.cancel, m.processManager, m.pidFile
	m.reloader = nil
	m.mu.Unlock()

	m.logger.Info("Stopping daemon...")

	var result *multierror.Error
	if reloader != nil {
		if err := reloader.StopWatching(); err != nil {
			result = multierror.Append(result, fmt.Errorf("config watcher: %w", err))
		}
	}
	if err := e.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("engine: %w", err))
	}
	cancel()
	pm.Stop()

	if err := os.Remove(pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		result = multierror.Append(result, fmt.Errorf("pid file: %w", err))
	}

	m.logger.Info("Daemon stopped")
	return result.ErrorOrNil()
}

// Reload re-reads the config file and applies the live settings
func (m *Manager) Reload() {
	m.mu.RLock()
	reloader := m.reloader
	m.mu.RUnlock()

	if reloader == nil {
		m.logger.Warn("Reload requested but no config file is in use")
		return
	}
	reloader.TriggerReload()
}

// Status returns the daemon status
func (m *Manager) Status() (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.running {
		return nil, ErrDaemonNotRunning
	}
	pending, executing := m.engine.Depth()
	return &Status{
		Running:   true,
		PID:       os.Getpid(),
		Addr:      m.addr.String(),
		StartTime: m.startedAt,
		Enabled:   m.engine.Enabled(),
		Pending:   pending,
		Executing: executing,
	}, nil
}

// IsRunning checks if the daemon is running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Addr returns the address the API listens on
func (m *Manager) Addr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.addr
}

// Engine returns the running engine
func (m *Manager) Engine() *engine.Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine
}

func (m *Manager) loadConfig() (*types.StagehandConfig, error) {
	manager := config.NewManager()

	var cfg *types.StagehandConfig
	if m.config.ConfigPath != "" {
		loaded, err := manager.LoadConfig(m.config.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = manager.GetDefaultConfig()
	}

	if m.config.Addr != "" {
		cfg.Server.Addr = m.config.Addr
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if m.config.StateDir != "" {
		cfg.State.Dir = m.config.StateDir
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = DefaultStateDir
	}
	if m.config.LogLevel != "" {
		if cfg.Logging == nil {
			cfg.Logging = &types.LoggingConfig{}
		}
		cfg.Logging.Level = types.LogLevel(m.config.LogLevel)
	}
	return cfg, nil
}

func (m *Manager) startReloader() {
	if m.config.ConfigPath == "" {
		return
	}
	m.reloader = config.NewReloadManager(m.config.ConfigPath, m.logger)
	m.reloader.AddCallback(m.applyConfig)
	if err := m.reloader.StartWatching(); err != nil {
		m.logger.Warn("Config hot reload unavailable, SIGHUP still reloads", logger.WithError(err))
	}
}

// applyConfig pushes the settings that can change without a restart
func (m *Manager) applyConfig(cfg *types.StagehandConfig, err error) {
	if err != nil {
		m.logger.Error("Ignoring invalid configuration", logger.WithError(err))
		return
	}

	enabled := cfg.Engine.IsEnabled()
	m.mu.Lock()
	e := m.engine
	// the runtime switch belongs to operators until the file's value moves
	toggled := enabled != m.fileEnabled
	m.fileEnabled = enabled
	m.mu.Unlock()
	if e == nil {
		return
	}

	if m.config.LogLevel == "" {
		m.applyLogLevel(cfg)
	}
	e.SetBuddyCheck(cfg.BuddyCheck.Enabled)
	e.SetBuildsConfig(cfg.Builds)
	if toggled {
		e.SetEnabled(enabled)
	}

	m.logger.Info("Configuration applied",
		logger.WithField("enabled", e.Enabled()),
		logger.WithField("buddyCheck", cfg.BuddyCheck.Enabled))
}

func (m *Manager) applyLogLevel(cfg *types.StagehandConfig) {
	if cfg.Logging == nil || cfg.Logging.Level == "" {
		return
	}
	setter, ok := m.logger.(logger.LevelSetter)
	if !ok {
		return
	}
	if err := setter.SetLevel(string(cfg.Logging.Level)); err != nil {
		m.logger.Warn("Invalid log level", logger.WithError(err))
	}
}

func (m *Manager) heartbeat() {
	m.mu.RLock()
	e := m.engine
	m.mu.RUnlock()
	if e == nil {
		return
	}
	pending, executing := e.Depth()
	m.logger.Debug("Heartbeat",
		logger.WithField("pending", pending),
		logger.WithField("executing", executing),
		logger.WithField("enabled", e.Enabled()))
}

// PIDFile returns the pid file path inside stateDir
func PIDFile(stateDir string) string {
	return filepath.Join(stateDir, pidFileName)
}

// ReadPID returns the pid of the daemon owning stateDir
func ReadPID(stateDir string) (int, error) {
	pid, err := readPIDFile(PIDFile(stateDir))
	if err != nil {
		return 0, err
	}
	if !process.Alive(pid) {
		return 0, fmt.Errorf("%w: stale pid %d", ErrDaemonNotRunning, pid)
	}
	return pid, nil
}

// StopRunning signals the daemon owning stateDir and waits for it to exit
func StopRunning(ctx context.Context, stateDir string, grace time.Duration) error {
	pid, err := ReadPID(stateDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrDaemonNotRunning
		}
		return err
	}
	return process.StopProcess(ctx, pid, grace)
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return pid, nil
}
