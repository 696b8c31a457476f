package process_test

import (
	"context"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/process"
)

func TestManager_ShutdownHandlersRunInReverse(t *testing.T) {
	m := process.NewManager(logger.NewNopLogger())

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		m.RegisterShutdownHandler(func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	if !m.IsRunning() {
		t.Fatal("expected manager running")
	}
	cancel()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown handlers did not run")
	}
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Errorf("unexpected handler order: %v", order)
	}
	if m.IsRunning() {
		t.Error("expected manager stopped")
	}
}

func TestManager_Periodic(t *testing.T) {
	m := process.NewManager(logger.NewNopLogger())

	ticks := make(chan struct{}, 10)
	m.SetPeriodic(5*time.Millisecond, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	m.Start(context.Background())
	defer m.Stop()

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("periodic function never ran")
	}
}

func TestManager_StopWithoutShutdownHandlers(t *testing.T) {
	m := process.NewManager(logger.NewNopLogger())
	called := false
	m.RegisterShutdownHandler(func() { called = true })

	m.Start(context.Background())
	m.Stop()
	m.Stop()

	if called {
		t.Error("Stop must not run shutdown handlers")
	}
}

func TestKillGroup_ReachesChildren(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups not supported")
	}

	cmd := exec.Command("sh", "-c", "sleep 30 & sleep 30; wait")
	process.ConfigureGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	pid := cmd.Process.Pid
	if !process.Alive(pid) {
		t.Fatal("expected process alive")
	}
	if err := process.KillGroup(pid); err != nil {
		t.Fatalf("KillGroup: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process group survived SIGKILL")
	}

	if code := process.ExitCode(cmd.ProcessState); code != 137 {
		t.Errorf("expected exit code 137, got %d", code)
	}
}

func TestStopProcess_GracefulExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals not supported")
	}

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	go func() { _ = cmd.Wait() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := process.StopProcess(ctx, cmd.Process.Pid, time.Second); err != nil {
		t.Fatalf("StopProcess: %v", err)
	}
}
