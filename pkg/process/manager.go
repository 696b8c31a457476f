// Package process provides process lifecycle and process-group utilities
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stagehand/stagehand/pkg/logger"
)

// Manager handles OS signals and ordered shutdown for the daemon
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	reloadHandler    func()
	periodicFunc     func()
	periodicInterval time.Duration
	periodicStop     chan struct{}
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
	shutdownOnce     sync.Once
	done             chan struct{}
}

// NewManager creates a new process manager
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		logger: log,
		done:   make(chan struct{}),
	}
}

// RegisterShutdownHandler adds a handler; handlers run in reverse order
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// OnReload sets the SIGHUP handler
func (m *Manager) OnReload(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadHandler = fn
}

// SetPeriodic runs fn every interval while the manager is running
func (m *Manager) SetPeriodic(interval time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periodicInterval = interval
	m.periodicFunc = fn
}

// Start begins handling signals. The context bounds the manager's lifetime.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	periodic := m.periodicFunc
	m.mu.Unlock()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer signal.Stop(sigChan)

		for {
			select {
			case <-ctx.Done():
				m.handleShutdown()
				return
			case <-m.done:
				return
			case sig := <-sigChan:
				m.logger.Info("Received signal", logger.WithField("signal", sig))
				if sig == syscall.SIGHUP {
					m.mu.Lock()
					reload := m.reloadHandler
					m.mu.Unlock()
					if reload != nil {
						reload()
						continue
					}
				}
				m.handleShutdown()
				return
			}
		}
	}()

	if periodic != nil {
		m.startPeriodic(ctx)
	}
}

// Done is closed once shutdown handlers have run
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Stop stops the process manager without running shutdown handlers
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.periodicStop != nil {
		close(m.periodicStop)
		m.periodicStop = nil
	}
	m.mu.Unlock()

	m.shutdownOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// IsRunning checks if the process manager is running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Shutdown runs the registered handlers once
func (m *Manager) Shutdown() {
	m.handleShutdown()
}

func (m *Manager) handleShutdown() {
	m.shutdownOnce.Do(func() {
		m.logger.Info("Initiating graceful shutdown...")

		m.mu.Lock()
		handlers := make([]func(), len(m.shutdownHandlers))
		copy(handlers, m.shutdownHandlers)
		m.running = false
		if m.periodicStop != nil {
			close(m.periodicStop)
			m.periodicStop = nil
		}
		m.mu.Unlock()

		for i := len(handlers) - 1; i >= 0; i-- {
			handlers[i]()
		}
		close(m.done)
	})
}

func (m *Manager) startPeriodic(ctx context.Context) {
	m.mu.Lock()
	stop := make(chan struct{})
	m.periodicStop = stop
	interval := m.periodicInterval
	fn := m.periodicFunc
	m.mu.Unlock()

	if interval <= 0 {
		interval = 10 * time.Second
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// ProcessInfo represents information about a running process
type ProcessInfo struct {
	PID       int
	IsRunning bool
}

// GetProcessInfo returns information about a process
func GetProcessInfo(pid int) (*ProcessInfo, error) {
	if _, err := os.FindProcess(pid); err != nil {
		return nil, err
	}
	return &ProcessInfo{PID: pid, IsRunning: Alive(pid)}, nil
}

// StopProcess sends a graceful termination signal to pid, waits up to grace
// for it to exit and then kills it.
func StopProcess(ctx context.Context, pid int, grace time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return proc.Kill()
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			if !Alive(pid) {
				return nil
			}
		case <-deadline.C:
			if Alive(pid) {
				return proc.Kill()
			}
			return nil
		}
	}
}
