// Package notifier announces job outcomes, lock changes and queue pressure
package notifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/stagehand/stagehand/pkg/locks"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/types"
)

// DefaultBacklogThreshold is the pending count that triggers a backlog alert
const DefaultBacklogThreshold = 5

// desktopQueueSize bounds alerts waiting for the sender; more are dropped
const desktopQueueSize = 16

// SendFunc delivers a desktop notification
type SendFunc func(title, message string) error

// Config represents notification configuration
type Config struct {
	Enabled bool
	// Desktop sends OS notifications in addition to log lines
	Desktop          bool
	BacklogThreshold int
}

type alert struct {
	title   string
	message string
}

// JobNotifier logs every notification and optionally raises desktop alerts.
// Desktop alerts are delivered by a single background sender so callers on
// engine goroutines never wait on the OS notification service.
type JobNotifier struct {
	config Config
	logger logger.Logger
	send   SendFunc
	outbox chan alert
	wg     sync.WaitGroup

	mu      sync.Mutex
	backlog bool
	closed  bool
}

// New creates a notifier that sends desktop alerts through beeep
func New(config Config, log logger.Logger) *JobNotifier {
	return NewWithSender(config, log, func(title, message string) error {
		return beeep.Notify(title, message, "")
	})
}

// NewWithSender creates a notifier with a custom desktop sender
func NewWithSender(config Config, log logger.Logger, send SendFunc) *JobNotifier {
	if config.BacklogThreshold <= 0 {
		config.BacklogThreshold = DefaultBacklogThreshold
	}
	n := &JobNotifier{config: config, logger: log, send: send}
	if config.Enabled && config.Desktop && send != nil {
		n.outbox = make(chan alert, desktopQueueSize)
		n.wg.Add(1)
		go n.deliver()
	}
	return n
}

// Close stops accepting alerts and waits for queued ones to be sent
func (n *JobNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	if n.outbox != nil {
		close(n.outbox)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *JobNotifier) deliver() {
	defer n.wg.Done()
	for a := range n.outbox {
		if err := n.send(a.title, a.message); err != nil {
			n.logger.Debug("Failed to send notification", logger.WithError(err))
		}
	}
}

// JobFinished announces a terminal job
func (n *JobNotifier) JobFinished(job *types.Job) {
	if !n.config.Enabled {
		return
	}

	subject := describe(job)
	var title, message string
	switch job.Status {
	case types.JobStatusSucceeded:
		title = "Deploy succeeded"
		message = fmt.Sprintf("%s finished in %s", subject, formatDuration(job.Duration()))
	case types.JobStatusFailed:
		title = "Deploy failed"
		message = fmt.Sprintf("%s exited with %d", subject, exitCode(job))
	case types.JobStatusCancelled:
		title = "Deploy cancelled"
		message = subject
	case types.JobStatusErrored:
		title = "Deploy errored"
		message = fmt.Sprintf("%s: %s", subject, job.Error)
	default:
		return
	}
	if job.Kind == types.JobKindBuild {
		title = "Build" + title[len("Deploy"):]
	}

	n.logger.Info(title,
		logger.WithField("job", job.ID),
		logger.WithField("status", job.Status))
	n.desktop(title, message)
}

// LocksChanged announces lock acquisitions, releases and expiries
func (n *JobNotifier) LocksChanged(ev locks.Event) {
	if !n.config.Enabled || ev.Lock == nil {
		return
	}
	n.logger.Info(fmt.Sprintf("Lock %s", ev.Type),
		logger.WithField("resource", ev.Lock.Resource.String()),
		logger.WithField("holder", ev.Lock.Holder),
		logger.WithField("kind", ev.Lock.Kind))
	if ev.Lock.Kind == types.LockKindHard {
		n.desktop(fmt.Sprintf("Lock %s", ev.Type),
			fmt.Sprintf("%s by %s", ev.Lock.Resource, ev.Lock.Holder))
	}
}

// QueueDepth alerts once when the backlog crosses the threshold and again
// only after it has drained below it.
func (n *JobNotifier) QueueDepth(pending, executing int) {
	if !n.config.Enabled {
		return
	}

	n.mu.Lock()
	crossed := pending >= n.config.BacklogThreshold && !n.backlog
	n.backlog = pending >= n.config.BacklogThreshold
	n.mu.Unlock()

	if crossed {
		msg := fmt.Sprintf("%d executing, %d waiting", executing, pending)
		n.logger.Warn("Job backlog", logger.WithField("pending", pending), logger.WithField("executing", executing))
		n.desktop("Job backlog", msg)
	}
}

func (n *JobNotifier) desktop(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.outbox == nil || n.closed {
		return
	}
	select {
	case n.outbox <- alert{title: title, message: message}:
	default:
		n.logger.Debug("Notification dropped, sender is behind", logger.WithField("title", title))
	}
}

func describe(job *types.Job) string {
	switch {
	case job.Kind == types.JobKindBuild:
		return fmt.Sprintf("build of %s", job.Deploy.ProjectID)
	case job.Deploy.StageID != "":
		return fmt.Sprintf("%s to %s", job.Deploy.ProjectID, job.Deploy.StageID)
	default:
		return job.Deploy.ProjectID
	}
}

func exitCode(job *types.Job) int {
	if job.ExitCode == nil {
		return -1
	}
	return *job.ExitCode
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
