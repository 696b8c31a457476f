package state_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stagehand/stagehand/internal/state"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/types"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.NewStore(t.TempDir(), logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func newJob(id string, status types.JobStatus, created time.Time) *types.Job {
	return &types.Job{
		ID:        id,
		Kind:      types.JobKindDeploy,
		Status:    status,
		Output:    []string{"hello"},
		CreatedAt: created,
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := newStore(t)
	job := newJob("j1", types.JobStatusSucceeded, time.Now())

	if err := s.SaveJob(job); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	rec, err := s.LoadJob("j1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if rec.Job.Status != types.JobStatusSucceeded || rec.Job.Output[0] != "hello" {
		t.Errorf("unexpected record: %+v", rec.Job)
	}
	if rec.DaemonPID != os.Getpid() {
		t.Errorf("expected daemon pid %d, got %d", os.Getpid(), rec.DaemonPID)
	}

	if _, err := os.Stat(filepath.Join(s.Dir(), "jobs", "j1.json.tmp")); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestStore_RecoverInterrupted(t *testing.T) {
	s := newStore(t)
	base := time.Now().Add(-time.Hour)

	jobs := []*types.Job{
		newJob("done", types.JobStatusSucceeded, base),
		newJob("running", types.JobStatusRunning, base.Add(time.Minute)),
		newJob("pending", types.JobStatusPending, base.Add(2*time.Minute)),
		newJob("cancelling", types.JobStatusCancelling, base.Add(3*time.Minute)),
	}
	for _, j := range jobs {
		if err := s.SaveJob(j); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}

	recovered, err := s.RecoverInterrupted()
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if len(recovered) != 3 {
		t.Fatalf("expected 3 recovered jobs, got %d", len(recovered))
	}

	for _, id := range []string{"running", "pending", "cancelling"} {
		rec, err := s.LoadJob(id)
		if err != nil {
			t.Fatalf("LoadJob(%s): %v", id, err)
		}
		if rec.Job.Status != types.JobStatusErrored {
			t.Errorf("%s: expected errored, got %s", id, rec.Job.Status)
		}
		if rec.Job.Error != state.InterruptedError {
			t.Errorf("%s: expected interrupted note, got %q", id, rec.Job.Error)
		}
		if rec.Job.FinishedAt == nil {
			t.Errorf("%s: expected finish time", id)
		}
	}

	done, _ := s.LoadJob("done")
	if done.Job.Status != types.JobStatusSucceeded {
		t.Error("terminal job must be left alone")
	}
}

func TestStore_Prune(t *testing.T) {
	s := newStore(t)
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"a", "b", "c", "d"} {
		if err := s.SaveJob(newJob(id, types.JobStatusFailed, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveJob(newJob("live", types.JobStatusRunning, base)); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Prune(2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}

	records, _ := s.DiscoverJobs()
	ids := map[string]bool{}
	for _, r := range records {
		ids[r.Job.ID] = true
	}
	if ids["a"] || ids["b"] || !ids["c"] || !ids["d"] || !ids["live"] {
		t.Errorf("unexpected survivors: %v", ids)
	}
}

func TestStore_Builds(t *testing.T) {
	s := newStore(t)
	b := &types.Build{ID: "b1", ProjectID: "web", Revision: "abc123"}

	if err := s.SaveBuild(b); err != nil {
		t.Fatalf("SaveBuild: %v", err)
	}
	builds, err := s.LoadBuilds()
	if err != nil {
		t.Fatalf("LoadBuilds: %v", err)
	}
	if len(builds) != 1 || builds[0].Revision != "abc123" {
		t.Errorf("unexpected builds: %+v", builds)
	}
}

func TestStore_Disabled(t *testing.T) {
	s, err := state.NewStore("", logger.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if s.Enabled() {
		t.Fatal("expected disabled store")
	}
	if err := s.SaveJob(newJob("x", types.JobStatusRunning, time.Now())); err != nil {
		t.Errorf("SaveJob on disabled store: %v", err)
	}
	recovered, err := s.RecoverInterrupted()
	if err != nil || len(recovered) != 0 {
		t.Errorf("expected nothing recovered, got %v, %v", recovered, err)
	}
}

func TestStore_SkipsCorruptRecords(t *testing.T) {
	s := newStore(t)
	if err := os.WriteFile(filepath.Join(s.Dir(), "jobs", "bad.json"), []byte("{nope"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveJob(newJob("ok", types.JobStatusSucceeded, time.Now())); err != nil {
		t.Fatal(err)
	}

	records, err := s.DiscoverJobs()
	if err != nil {
		t.Fatalf("DiscoverJobs: %v", err)
	}
	if len(records) != 1 || records[0].Job.ID != "ok" {
		t.Errorf("expected only the valid record, got %d", len(records))
	}
}
