// Package types provides core types and configurations for stagehand
package types

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusErrored    JobStatus = "errored"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled, JobStatusErrored:
		return true
	}
	return false
}

// IsActive reports whether a worker currently owns the job
func (s JobStatus) IsActive() bool {
	return s == JobStatusRunning || s == JobStatusCancelling
}

// JobKind distinguishes deploy pipelines from artifact builds
type JobKind string

const (
	JobKindDeploy JobKind = "deploy"
	JobKindBuild  JobKind = "build"
)

// ResourceType is the scope a lock or contention key applies to
type ResourceType string

const (
	ResourceTypeProject     ResourceType = "project"
	ResourceTypeStage       ResourceType = "stage"
	ResourceTypeDeployGroup ResourceType = "deploy_group"
	ResourceTypeBuild       ResourceType = "build"
)

// ContentionPolicy selects the resource a deploy serializes on
type ContentionPolicy string

const (
	ContentionPolicyProject     ContentionPolicy = "project"
	ContentionPolicyStage       ContentionPolicy = "stage"
	ContentionPolicyDeployGroup ContentionPolicy = "deploy_group"
)

// LockKind represents how a lock affects deploys
type LockKind string

const (
	// LockKindHard blocks every deploy to the resource
	LockKindHard LockKind = "hard"
	// LockKindWarning is advisory; deploys proceed with a warning
	LockKindWarning LockKind = "warning"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Resource identifies a lockable, contended thing
type Resource struct {
	Type ResourceType `json:"type" yaml:"type"`
	ID   string       `json:"id" yaml:"id"`
}

// String renders the resource as type:id
func (r Resource) String() string {
	return string(r.Type) + ":" + r.ID
}

// IsZero reports whether the resource is unset
func (r Resource) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

// ParseResource parses the type:id form produced by String
func ParseResource(s string) (Resource, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Resource{}, fmt.Errorf("invalid resource %q: expected type:id", s)
	}
	r := Resource{Type: ResourceType(kind), ID: id}
	if err := r.Validate(); err != nil {
		return Resource{}, err
	}
	return r, nil
}

// Validate checks the resource type is known and the id is set
func (r Resource) Validate() error {
	switch r.Type {
	case ResourceTypeProject, ResourceTypeStage, ResourceTypeDeployGroup, ResourceTypeBuild:
	default:
		return fmt.Errorf("unknown resource type: %q", r.Type)
	}
	if r.ID == "" {
		return fmt.Errorf("missing resource id")
	}
	return nil
}

// Pipeline is an ordered list of shell steps run by a job
type Pipeline struct {
	Steps []string          `json:"steps" yaml:"steps"`
	Env   map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir   string            `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate a queued pipeline
func (p Pipeline) Clone() Pipeline {
	out := Pipeline{Dir: p.Dir}
	out.Steps = append([]string(nil), p.Steps...)
	if p.Env != nil {
		out.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			out.Env[k] = v
		}
	}
	return out
}

// DeployContext is the read-only deploy metadata supplied by collaborators
type DeployContext struct {
	ID            string `json:"id"`
	ProjectID     string `json:"projectId"`
	StageID       string `json:"stageId,omitempty"`
	DeployGroupID string `json:"deployGroupId,omitempty"`
	Environment   string `json:"environment,omitempty"`
	Production    bool   `json:"production"`
	Reference     string `json:"reference,omitempty"`
}

// Resources lists every scope that can block this deploy, broadest first
func (d DeployContext) Resources() []Resource {
	var out []Resource
	if d.ProjectID != "" {
		out = append(out, Resource{Type: ResourceTypeProject, ID: d.ProjectID})
	}
	if d.StageID != "" {
		out = append(out, Resource{Type: ResourceTypeStage, ID: d.StageID})
	}
	if d.DeployGroupID != "" {
		out = append(out, Resource{Type: ResourceTypeDeployGroup, ID: d.DeployGroupID})
	}
	return out
}

// ContentionKey derives the serialization key for the given policy.
// Falls back to broader scopes when the preferred one is missing.
func (d DeployContext) ContentionKey(policy ContentionPolicy) Resource {
	switch policy {
	case ContentionPolicyDeployGroup:
		if d.DeployGroupID != "" {
			return Resource{Type: ResourceTypeDeployGroup, ID: d.DeployGroupID}
		}
		fallthrough
	case ContentionPolicyStage:
		if d.StageID != "" {
			return Resource{Type: ResourceTypeStage, ID: d.StageID}
		}
	}
	return Resource{Type: ResourceTypeProject, ID: d.ProjectID}
}

// Job is one build or deploy pipeline execution
type Job struct {
	ID         string        `json:"id"`
	Kind       JobKind       `json:"kind"`
	Deploy     DeployContext `json:"deploy"`
	Pipeline   Pipeline      `json:"pipeline"`
	Creator    string        `json:"creator"`
	Status     JobStatus     `json:"status"`
	Output     []string      `json:"output,omitempty"`
	ExitCode   *int          `json:"exitCode,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}

// Clone returns a snapshot safe to hand to other goroutines
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Pipeline = j.Pipeline.Clone()
	out.Output = append([]string(nil), j.Output...)
	if j.ExitCode != nil {
		code := *j.ExitCode
		out.ExitCode = &code
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// Duration returns how long the job ran, zero if it never started
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.FinishedAt == nil {
		return time.Since(*j.StartedAt)
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// QueueEntry is a job waiting for its contention key
type QueueEntry struct {
	Job          *Job       `json:"job"`
	Key          Resource   `json:"key"`
	EnqueuedAt   time.Time  `json:"enqueuedAt"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`
}

// Lock is an explicit claim on a resource
type Lock struct {
	ID          string     `json:"id"`
	Resource    Resource   `json:"resource"`
	Holder      string     `json:"holder"`
	Kind        LockKind   `json:"kind"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// ExpiredAt reports whether the lock has lapsed at now
func (l *Lock) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// BuddyCheck records the second-person approval state of a deploy
type BuddyCheck struct {
	DeployID   string     `json:"deployId"`
	Creator    string     `json:"creator"`
	Required   bool       `json:"required"`
	Approver   string     `json:"approver,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
}

// Build is an artifact build keyed by project and source revision
type Build struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Revision    string    `json:"revision"`
	GitRef      string    `json:"gitRef,omitempty"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Creator     string    `json:"creator"`
	JobID       string    `json:"jobId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DeployRequest asks the engine to run a deploy pipeline
type DeployRequest struct {
	Deploy   DeployContext `json:"deploy"`
	Pipeline Pipeline      `json:"pipeline"`
	Creator  string        `json:"creator,omitempty"`
}

// BuildRequest asks for an artifact build of a project revision
type BuildRequest struct {
	ProjectID   string   `json:"projectId"`
	Revision    string   `json:"revision"`
	GitRef      string   `json:"gitRef,omitempty"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Creator     string   `json:"creator,omitempty"`
	Steps       []string `json:"steps,omitempty"`
}

// LockRequest asks for a lock on a resource
type LockRequest struct {
	Resource    Resource `json:"resource"`
	Holder      string   `json:"holder,omitempty"`
	Kind        LockKind `json:"kind"`
	Description string   `json:"description,omitempty"`
	// TTL in seconds; zero never expires
	TTL int `json:"ttl,omitempty"`
}

// EngineConfig represents job queue and execution settings
type EngineConfig struct {
	Enabled          *bool            `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Workers          int              `json:"workers" yaml:"workers"`
	CancelTimeout    int              `json:"cancelTimeout" yaml:"cancelTimeout"`
	ContentionPolicy ContentionPolicy `json:"contentionPolicy" yaml:"contentionPolicy"`
	ReplayLines      int              `json:"replayLines" yaml:"replayLines"`
	SubscriberBuffer int              `json:"subscriberBuffer" yaml:"subscriberBuffer"`
	RetainFinished   int              `json:"retainFinished" yaml:"retainFinished"`
}

// IsEnabled defaults to true when unset
func (c *EngineConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// GetCancelTimeout returns the grace period between graceful and forced kill
func (c *EngineConfig) GetCancelTimeout() time.Duration {
	if c.CancelTimeout > 0 {
		return time.Duration(c.CancelTimeout) * time.Millisecond
	}
	return 5 * time.Second
}

// GetWorkers returns the worker pool size
func (c *EngineConfig) GetWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return 4
}

// GetContentionPolicy defaults to per-stage serialization
func (c *EngineConfig) GetContentionPolicy() ContentionPolicy {
	if c.ContentionPolicy == "" {
		return ContentionPolicyStage
	}
	return c.ContentionPolicy
}

// BuddyCheckConfig represents the production approval policy
type BuddyCheckConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// LocksConfig represents lock registry settings
type LocksConfig struct {
	LockDuringDeploy bool `json:"lockDuringDeploy" yaml:"lockDuringDeploy"`
	SweepInterval    int  `json:"sweepInterval" yaml:"sweepInterval"`
}

// GetSweepInterval returns how often expired locks are collected
func (c *LocksConfig) GetSweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return time.Duration(c.SweepInterval) * time.Millisecond
	}
	return 30 * time.Second
}

// BuildsConfig represents artifact build settings
type BuildsConfig struct {
	Command          string   `json:"command" yaml:"command"`
	Dir              string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	DisabledProjects []string `json:"disabledProjects,omitempty" yaml:"disabledProjects,omitempty"`
}

// ServerConfig represents the HTTP listener
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// StateConfig represents where job records are persisted
type StateConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// NotificationConfig represents notification preferences
type NotificationConfig struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Desktop bool  `json:"desktop" yaml:"desktop"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	File  string   `json:"file" yaml:"file"`
	Level LogLevel `json:"level" yaml:"level"`
}

// StagehandConfig represents the main configuration
type StagehandConfig struct {
	Version       string              `json:"version" yaml:"version"`
	Engine        EngineConfig        `json:"engine" yaml:"engine"`
	BuddyCheck    BuddyCheckConfig    `json:"buddyCheck" yaml:"buddyCheck"`
	Locks         LocksConfig         `json:"locks" yaml:"locks"`
	Builds        BuildsConfig        `json:"builds" yaml:"builds"`
	Server        ServerConfig        `json:"server" yaml:"server"`
	State         StateConfig         `json:"state" yaml:"state"`
	Notifications *NotificationConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Logging       *LoggingConfig      `json:"logging,omitempty" yaml:"logging,omitempty"`
}
