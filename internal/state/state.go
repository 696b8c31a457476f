// Package state persists job and build records for stagehand
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/types"
)

// InterruptedError is recorded on jobs found unfinished after a restart
const InterruptedError = "interrupted: daemon stopped before the job finished"

// JobRecord is the on-disk form of a job
type JobRecord struct {
	Job       *types.Job `json:"job"`
	DaemonPID int        `json:"daemonPid"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Store writes one JSON file per job and per build. A Store with an empty
// directory keeps nothing and every operation is a no-op.
type Store struct {
	dir    string
	logger logger.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// NewStore creates a store rooted at dir
func NewStore(dir string, log logger.Logger) (*Store, error) {
	s := &Store{dir: dir, logger: log, now: time.Now}
	if dir == "" {
		return s, nil
	}
	for _, sub := range []string{s.jobsDir(), s.buildsDir()} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return s, nil
}

// Enabled reports whether records are persisted
func (s *Store) Enabled() bool { return s.dir != "" }

// Dir returns the state directory
func (s *Store) Dir() string { return s.dir }

// SaveJob writes the job record atomically
func (s *Store) SaveJob(job *types.Job) error {
	if !s.Enabled() {
		return nil
	}
	rec := JobRecord{Job: job, DaemonPID: os.Getpid(), UpdatedAt: s.now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.jobPath(job.ID), rec)
}

// LoadJob reads a single job record
func (s *Store) LoadJob(id string) (*JobRecord, error) {
	if !s.Enabled() {
		return nil, os.ErrNotExist
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec JobRecord
	if err := readJSON(s.jobPath(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RemoveJob deletes a job record
func (s *Store) RemoveJob(id string) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.jobPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove job record: %w", err)
	}
	return nil
}

// DiscoverJobs loads every readable job record, oldest first
func (s *Store) DiscoverJobs() ([]*JobRecord, error) {
	if !s.Enabled() {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.jobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var records []*JobRecord
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		var rec JobRecord
		path := filepath.Join(s.jobsDir(), file.Name())
		if err := readJSON(path, &rec); err != nil || rec.Job == nil {
			s.logger.Warn("Failed to load job record",
				logger.WithField("file", file.Name()),
				logger.WithField("error", err))
			continue
		}
		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Job.CreatedAt.Before(records[j].Job.CreatedAt)
	})
	return records, nil
}

// RecoverInterrupted marks every non-terminal job as errored. Queue state is
// not restored across restarts, so such jobs can never complete.
func (s *Store) RecoverInterrupted() ([]*types.Job, error) {
	records, err := s.DiscoverJobs()
	if err != nil {
		return nil, err
	}

	var recovered []*types.Job
	for _, rec := range records {
		job := rec.Job
		if job.Status.IsTerminal() {
			continue
		}
		now := s.now()
		job.Status = types.JobStatusErrored
		job.Error = InterruptedError
		job.FinishedAt = &now
		if err := s.SaveJob(job); err != nil {
			return recovered, fmt.Errorf("failed to save recovered job %s: %w", job.ID, err)
		}
		s.logger.Warn("Marked interrupted job as errored",
			logger.WithField("job", job.ID),
			logger.WithField("previous_pid", rec.DaemonPID))
		recovered = append(recovered, job)
	}
	return recovered, nil
}

// Prune keeps the newest keep terminal job records and removes the rest
func (s *Store) Prune(keep int) (int, error) {
	records, err := s.DiscoverJobs()
	if err != nil {
		return 0, err
	}

	var terminal []*JobRecord
	for _, rec := range records {
		if rec.Job.Status.IsTerminal() {
			terminal = append(terminal, rec)
		}
	}
	if len(terminal) <= keep {
		return 0, nil
	}

	var result *multierror.Error
	removed := 0
	for _, rec := range terminal[:len(terminal)-keep] {
		if err := s.RemoveJob(rec.Job.ID); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		removed++
	}
	return removed, result.ErrorOrNil()
}

// SaveBuild writes the build record atomically
func (s *Store) SaveBuild(build *types.Build) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.buildsDir(), build.ID+".json"), build)
}

// LoadBuilds reads every persisted build
func (s *Store) LoadBuilds() ([]*types.Build, error) {
	if !s.Enabled() {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.buildsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read builds directory: %w", err)
	}

	var builds []*types.Build
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		var b types.Build
		if err := readJSON(filepath.Join(s.buildsDir(), file.Name()), &b); err != nil {
			s.logger.Warn("Failed to load build record",
				logger.WithField("file", file.Name()),
				logger.WithField("error", err))
			continue
		}
		builds = append(builds, &b)
	}
	return builds, nil
}

func (s *Store) jobsDir() string   { return filepath.Join(s.dir, "jobs") }
func (s *Store) buildsDir() string { return filepath.Join(s.dir, "builds") }

func (s *Store) jobPath(id string) string {
	return filepath.Join(s.jobsDir(), id+".json")
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}
