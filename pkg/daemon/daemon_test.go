package daemon_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stagehand/stagehand/internal/engine"
	"github.com/stagehand/stagehand/pkg/config"
	"github.com/stagehand/stagehand/pkg/daemon"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/mocks"
	"github.com/stagehand/stagehand/pkg/types"
)

func writeConfig(t *testing.T, path string, mutate func(*types.StagehandConfig)) {
	t.Helper()
	manager := config.NewManager()
	cfg := manager.GetDefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.State.Dir = filepath.Join(filepath.Dir(path), "state")
	if mutate != nil {
		mutate(cfg)
	}
	if err := manager.WriteConfig(path, cfg); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func newDaemon(t *testing.T, configPath string) *daemon.Manager {
	t.Helper()
	return daemon.NewManager(daemon.Config{
		ConfigPath: configPath,
		Logger:     logger.NewNopLogger(),
		Overrides:  engine.Dependencies{Runner: mocks.NewMockRunner()},
	})
}

func stop(t *testing.T, d *daemon.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil && !errors.Is(err, daemon.ErrDaemonNotRunning) {
		t.Errorf("failed to stop daemon: %v", err)
	}
}

func TestDaemon_StartStop(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "stagehand.yaml")
	writeConfig(t, configPath, nil)

	d := newDaemon(t, configPath)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}
	t.Cleanup(func() { stop(t, d) })

	if !d.IsRunning() {
		t.Error("expected daemon to be running")
	}

	pidFile := daemon.PIDFile(filepath.Join(tmpDir, "state"))
	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("expected pid file: %v", err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Errorf("pid file = %q, want %d", data, os.Getpid())
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/ping", d.Addr()))
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ping status = %d", resp.StatusCode)
	}

	status, err := d.Status()
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if !status.Running || !status.Enabled || status.PID != os.Getpid() {
		t.Errorf("unexpected status: %+v", status)
	}

	stop(t, d)

	if d.IsRunning() {
		t.Error("expected daemon to be stopped")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("expected pid file to be removed, got %v", err)
	}
	if err := d.Stop(context.Background()); !errors.Is(err, daemon.ErrDaemonNotRunning) {
		t.Errorf("second stop = %v, want ErrDaemonNotRunning", err)
	}
	if _, err := d.Status(); !errors.Is(err, daemon.ErrDaemonNotRunning) {
		t.Errorf("status after stop = %v, want ErrDaemonNotRunning", err)
	}
}

func TestDaemon_AlreadyRunning(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "stagehand.yaml")
	writeConfig(t, configPath, nil)

	first := newDaemon(t, configPath)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}
	t.Cleanup(func() { stop(t, first) })

	if err := first.Start(context.Background()); !errors.Is(err, daemon.ErrDaemonAlreadyRunning) {
		t.Errorf("restart of running manager = %v, want ErrDaemonAlreadyRunning", err)
	}

	second := newDaemon(t, configPath)
	if err := second.Start(context.Background()); !errors.Is(err, daemon.ErrDaemonAlreadyRunning) {
		t.Errorf("second daemon = %v, want ErrDaemonAlreadyRunning", err)
	}
}

func TestDaemon_ReloadAppliesLiveSettings(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "stagehand.yaml")
	writeConfig(t, configPath, nil)

	d := newDaemon(t, configPath)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}
	t.Cleanup(func() { stop(t, d) })

	disabled := false
	writeConfig(t, configPath, func(cfg *types.StagehandConfig) {
		cfg.Engine.Enabled = &disabled
		cfg.BuddyCheck.Enabled = true
	})
	d.Reload()

	if d.Engine().Enabled() {
		t.Error("expected reload to disable the engine")
	}

	_, err := d.Engine().SubmitDeploy(context.Background(), types.DeployRequest{
		Deploy:   types.DeployContext{ID: "d1", ProjectID: "shop", StageID: "prod"},
		Pipeline: types.Pipeline{Steps: []string{"true"}},
	})
	if !errors.Is(err, engine.ErrQueueDisabled) {
		t.Errorf("submit after disable = %v, want ErrQueueDisabled", err)
	}
}

func TestDaemon_ReloadKeepsOperatorToggle(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "stagehand.yaml")
	writeConfig(t, configPath, nil)

	d := newDaemon(t, configPath)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}
	t.Cleanup(func() { stop(t, d) })

	// switched off at runtime, as POST /jobs/enabled does
	d.Engine().SetEnabled(false)

	writeConfig(t, configPath, func(cfg *types.StagehandConfig) {
		cfg.BuddyCheck.Enabled = true
	})
	d.Reload()

	if d.Engine().Enabled() {
		t.Fatal("reload of an unrelated setting re-enabled the engine")
	}

	// an edit that does move engine.enabled still applies
	disabled := false
	writeConfig(t, configPath, func(cfg *types.StagehandConfig) {
		cfg.Engine.Enabled = &disabled
	})
	d.Reload()
	enabled := true
	writeConfig(t, configPath, func(cfg *types.StagehandConfig) {
		cfg.Engine.Enabled = &enabled
	})
	d.Reload()

	if !d.Engine().Enabled() {
		t.Error("expected the file's switch back on to enable the engine")
	}
}

func TestDaemon_InvalidReloadKeepsCurrentConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "stagehand.yaml")
	writeConfig(t, configPath, nil)

	d := newDaemon(t, configPath)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}
	t.Cleanup(func() { stop(t, d) })

	if err := os.WriteFile(configPath, []byte("engine: [not, a, map"), 0644); err != nil {
		t.Fatal(err)
	}
	d.Reload()

	if !d.Engine().Enabled() {
		t.Error("invalid config must not change the running engine")
	}
}

func TestDaemon_RunStopsWithContext(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "stagehand.yaml")
	writeConfig(t, configPath, nil)

	d := newDaemon(t, configPath)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !d.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("daemon did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if d.IsRunning() {
		t.Error("expected daemon to be stopped")
	}
}

func TestDaemon_StartFailures(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name   string
		config daemon.Config
	}{
		{
			name:   "missing config file",
			config: daemon.Config{ConfigPath: filepath.Join(tmpDir, "missing.yaml")},
		},
		{
			name:   "unusable address",
			config: daemon.Config{Addr: "127.0.0.1:notaport", StateDir: filepath.Join(tmpDir, "state")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.Logger = logger.NewNopLogger()
			tt.config.Overrides = engine.Dependencies{Runner: mocks.NewMockRunner()}

			d := daemon.NewManager(tt.config)
			err := d.Start(context.Background())
			if !errors.Is(err, daemon.ErrDaemonStartFailed) {
				t.Errorf("Start() = %v, want ErrDaemonStartFailed", err)
			}
			if d.IsRunning() {
				t.Error("failed start must not leave the daemon running")
			}
		})
	}
}

func TestReadPID(t *testing.T) {
	stateDir := t.TempDir()

	if _, err := daemon.ReadPID(stateDir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing pid file = %v, want not exist", err)
	}
	if err := daemon.StopRunning(context.Background(), stateDir, time.Second); !errors.Is(err, daemon.ErrDaemonNotRunning) {
		t.Errorf("StopRunning without daemon = %v, want ErrDaemonNotRunning", err)
	}

	if err := os.WriteFile(daemon.PIDFile(stateDir), []byte("999999999"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := daemon.ReadPID(stateDir); !errors.Is(err, daemon.ErrDaemonNotRunning) {
		t.Errorf("stale pid = %v, want ErrDaemonNotRunning", err)
	}

	if err := os.WriteFile(daemon.PIDFile(stateDir), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		t.Fatal(err)
	}
	pid, err := daemon.ReadPID(stateDir)
	if err != nil || pid != os.Getpid() {
		t.Errorf("ReadPID() = %d, %v; want %d", pid, err, os.Getpid())
	}
}
