package notifier_test

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stagehand/stagehand/pkg/locks"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/notifier"
	"github.com/stagehand/stagehand/pkg/types"
)

type sent struct {
	title   string
	message string
}

func recorder(out *[]sent) notifier.SendFunc {
	return func(title, message string) error {
		*out = append(*out, sent{title, message})
		return nil
	}
}

func finishedJob(status types.JobStatus, code int) *types.Job {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(3 * time.Second)
	return &types.Job{
		ID:         "job-1",
		Kind:       types.JobKindDeploy,
		Deploy:     types.DeployContext{ID: "d1", ProjectID: "shop", StageID: "prod"},
		Status:     status,
		ExitCode:   &code,
		StartedAt:  &start,
		FinishedAt: &end,
	}
}

func TestNotifier_JobFinished(t *testing.T) {
	tests := []struct {
		name    string
		job     *types.Job
		title   string
		message string
	}{
		{"succeeded", finishedJob(types.JobStatusSucceeded, 0), "Deploy succeeded", "shop to prod finished in 3.0s"},
		{"failed", finishedJob(types.JobStatusFailed, 2), "Deploy failed", "shop to prod exited with 2"},
		{"cancelled", finishedJob(types.JobStatusCancelled, 143), "Deploy cancelled", "shop to prod"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []sent
			n := notifier.NewWithSender(notifier.Config{Enabled: true, Desktop: true}, logger.NewNopLogger(), recorder(&got))
			n.JobFinished(tt.job)
			n.Close()

			if len(got) != 1 {
				t.Fatalf("expected 1 notification, got %d", len(got))
			}
			if got[0].title != tt.title || got[0].message != tt.message {
				t.Errorf("got %q / %q, want %q / %q", got[0].title, got[0].message, tt.title, tt.message)
			}
		})
	}
}

func TestNotifier_BuildTitle(t *testing.T) {
	var got []sent
	n := notifier.NewWithSender(notifier.Config{Enabled: true, Desktop: true}, logger.NewNopLogger(), recorder(&got))

	job := finishedJob(types.JobStatusErrored, 0)
	job.Kind = types.JobKindBuild
	job.Error = "spawn failed"
	n.JobFinished(job)
	n.Close()

	if len(got) != 1 || got[0].title != "Build errored" {
		t.Fatalf("unexpected notifications: %+v", got)
	}
	if got[0].message != "build of shop: spawn failed" {
		t.Errorf("unexpected message %q", got[0].message)
	}
}

func TestNotifier_Disabled(t *testing.T) {
	var got []sent
	n := notifier.NewWithSender(notifier.Config{Enabled: false, Desktop: true}, logger.NewNopLogger(), recorder(&got))

	n.JobFinished(finishedJob(types.JobStatusSucceeded, 0))
	n.QueueDepth(100, 4)
	n.LocksChanged(locks.Event{Type: locks.EventAcquired, Lock: &types.Lock{Kind: types.LockKindHard}})
	n.Close()

	if len(got) != 0 {
		t.Errorf("disabled notifier sent %d notifications", len(got))
	}
}

func TestNotifier_LogOnly(t *testing.T) {
	var buf bytes.Buffer
	var got []sent
	log := logger.CreateLoggerWithOutput("info", &buf)
	n := notifier.NewWithSender(notifier.Config{Enabled: true}, log, recorder(&got))

	n.JobFinished(finishedJob(types.JobStatusSucceeded, 0))
	n.Close()

	if len(got) != 0 {
		t.Errorf("desktop alert sent without Desktop enabled")
	}
	if !strings.Contains(buf.String(), "Deploy succeeded") {
		t.Errorf("expected log line, got %q", buf.String())
	}
}

func TestNotifier_Locks(t *testing.T) {
	var got []sent
	n := notifier.NewWithSender(notifier.Config{Enabled: true, Desktop: true}, logger.NewNopLogger(), recorder(&got))

	res := types.Resource{Type: types.ResourceTypeStage, ID: "prod"}
	n.LocksChanged(locks.Event{Type: locks.EventAcquired, Lock: &types.Lock{Resource: res, Holder: "alice", Kind: types.LockKindHard}})
	n.LocksChanged(locks.Event{Type: locks.EventAcquired, Lock: &types.Lock{Resource: res, Holder: "bob", Kind: types.LockKindWarning}})
	n.Close()

	if len(got) != 1 {
		t.Fatalf("expected only the hard lock to alert, got %+v", got)
	}
	if got[0].message != "stage:prod by alice" {
		t.Errorf("unexpected message %q", got[0].message)
	}
}

func TestNotifier_Backlog(t *testing.T) {
	var got []sent
	n := notifier.NewWithSender(notifier.Config{Enabled: true, Desktop: true, BacklogThreshold: 3}, logger.NewNopLogger(), recorder(&got))

	n.QueueDepth(1, 1)
	n.QueueDepth(3, 1)
	n.QueueDepth(4, 1)
	n.QueueDepth(0, 1)
	n.QueueDepth(5, 1)
	n.Close()

	if len(got) != 2 {
		t.Fatalf("expected one alert per crossing, got %+v", got)
	}
	if got[0].message != "1 executing, 3 waiting" || got[1].message != "1 executing, 5 waiting" {
		t.Errorf("unexpected alerts %+v", got)
	}
}

func TestNotifier_SendError(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("debug", &buf)
	n := notifier.NewWithSender(notifier.Config{Enabled: true, Desktop: true}, log, func(string, string) error {
		return errors.New("no dbus")
	})

	n.JobFinished(finishedJob(types.JobStatusFailed, 1))
	n.Close()

	if !strings.Contains(buf.String(), "Failed to send notification") {
		t.Errorf("expected send failure to be logged, got %q", buf.String())
	}
}

func TestNotifier_SlowSenderDoesNotBlockCallers(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	delivered := 0
	n := notifier.NewWithSender(notifier.Config{Enabled: true, Desktop: true}, logger.NewNopLogger(), func(string, string) error {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})

	returned := make(chan struct{})
	go func() {
		// more alerts than the queue holds; the extra ones are dropped
		for i := 0; i < 50; i++ {
			n.JobFinished(finishedJob(types.JobStatusFailed, 1))
		}
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("JobFinished blocked on the desktop sender")
	}

	close(release)
	n.Close()

	mu.Lock()
	defer mu.Unlock()
	if delivered == 0 || delivered >= 50 {
		t.Errorf("delivered %d alerts, want some delivered and the overflow dropped", delivered)
	}
}

func TestNotifier_CloseStopsAlerts(t *testing.T) {
	var got []sent
	n := notifier.NewWithSender(notifier.Config{Enabled: true, Desktop: true}, logger.NewNopLogger(), recorder(&got))
	n.Close()
	n.Close()

	n.JobFinished(finishedJob(types.JobStatusSucceeded, 0))
	if len(got) != 0 {
		t.Errorf("alert sent after Close: %+v", got)
	}
}
