// Package pipeline runs a job's shell steps as child process groups
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/process"
	"github.com/stagehand/stagehand/pkg/types"
)

// ErrEmptyPipeline is returned when a job has no steps to run
var ErrEmptyPipeline = errors.New("pipeline has no steps")

// maxLineSize bounds a single output line; longer lines are split
const maxLineSize = 1024 * 1024

// Process is a started pipeline
type Process interface {
	// Output yields merged stdout and stderr lines; closed when the pipeline ends
	Output() <-chan string
	// Terminate asks the running step to stop and skips remaining steps
	Terminate() error
	// Kill forcibly stops the running step and skips remaining steps
	Kill() error
	// Wait blocks until the pipeline ends. A non-zero exit code is not an error;
	// err reports failures to start a step.
	Wait() (exitCode int, err error)
}

// ShellRunner runs each step with `sh -c` in its own process group
type ShellRunner struct {
	Shell        string
	EchoCommands bool
	BaseEnv      []string
	log          logger.Logger
}

// NewShellRunner creates a runner inheriting the daemon's environment
func NewShellRunner(log logger.Logger) *ShellRunner {
	return &ShellRunner{
		Shell:        "sh",
		EchoCommands: true,
		BaseEnv:      os.Environ(),
		log:          log,
	}
}

// Start spawns the first step and returns once it is running. Subsequent
// steps start in order as long as each preceding step exits zero.
func (r *ShellRunner) Start(ctx context.Context, job *types.Job) (Process, error) {
	steps := job.Pipeline.Steps
	if len(steps) == 0 {
		return nil, ErrEmptyPipeline
	}

	run := &run{
		runner: r,
		jobID:  job.ID,
		steps:  append([]string(nil), steps...),
		env:    r.environment(job),
		dir:    job.Pipeline.Dir,
		output: make(chan string, 64),
		done:   make(chan struct{}),
	}

	first, err := run.spawn(0)
	if err != nil {
		return nil, err
	}

	go run.loop(ctx, first)
	return run, nil
}

func (r *ShellRunner) environment(job *types.Job) []string {
	env := append([]string(nil), r.BaseEnv...)
	env = append(env,
		"STAGEHAND_JOB_ID="+job.ID,
		"STAGEHAND_PROJECT="+job.Deploy.ProjectID,
		"STAGEHAND_STAGE="+job.Deploy.StageID,
		"STAGEHAND_DEPLOY_GROUP="+job.Deploy.DeployGroupID,
		"STAGEHAND_REFERENCE="+job.Deploy.Reference,
		"STAGEHAND_USER="+job.Creator,
	)

	keys := make([]string, 0, len(job.Pipeline.Env))
	for k := range job.Pipeline.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, job.Pipeline.Env[k]))
	}
	return env
}

type step struct {
	cmd    *exec.Cmd
	reader io.ReadCloser
}

type run struct {
	runner *ShellRunner
	jobID  string
	steps  []string
	env    []string
	dir    string

	output chan string
	done   chan struct{}

	mu       sync.Mutex
	current  *exec.Cmd
	stopped  bool
	exitCode int
	err      error
}

func (p *run) Output() <-chan string { return p.output }

func (p *run) spawn(i int) (*step, error) {
	command := p.steps[i]

	cmd := exec.Command(p.runner.Shell, "-c", command)
	cmd.Env = p.env
	cmd.Dir = p.dir
	process.ConfigureGroup(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		pr.Close()
		pw.Close()
		return nil, nil
	}
	err = cmd.Start()
	pw.Close()
	if err != nil {
		p.mu.Unlock()
		pr.Close()
		return nil, fmt.Errorf("failed to start step %d (%s): %w", i+1, command, err)
	}
	p.current = cmd
	p.mu.Unlock()

	if p.runner.log != nil {
		p.runner.log.WithJob(p.jobID).Debug("Step started",
			logger.WithField("step", i+1),
			logger.WithField("pid", cmd.Process.Pid),
		)
	}
	return &step{cmd: cmd, reader: pr}, nil
}

func (p *run) loop(ctx context.Context, first *step) {
	defer close(p.done)
	defer close(p.output)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Kill()
		case <-stopWatch:
		}
	}()

	current := first
	for i := range p.steps {
		if current == nil {
			var err error
			current, err = p.spawn(i)
			if err != nil {
				p.finish(-1, err)
				return
			}
			if current == nil {
				return
			}
		}

		if p.runner.EchoCommands {
			p.output <- "» " + p.steps[i]
		}
		p.pump(current.reader)
		waitErr := current.cmd.Wait()
		current.reader.Close()

		code := process.ExitCode(current.cmd.ProcessState)
		if waitErr != nil && current.cmd.ProcessState == nil {
			p.finish(-1, fmt.Errorf("step %d: %w", i+1, waitErr))
			return
		}
		p.finish(code, nil)
		if code != 0 {
			return
		}
		current = nil
	}
}

func (p *run) pump(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		p.output <- strings.TrimRight(scanner.Text(), "\r")
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.output <- fmt.Sprintf("[output truncated: %v]", err)
		// keep the pipe drained so the step cannot block on a full buffer
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *run) finish(code int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitCode = code
	p.err = err
	p.current = nil
}

func (p *run) signal(kill bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.current == nil || p.current.Process == nil {
		return nil
	}
	if kill {
		return process.KillGroup(p.current.Process.Pid)
	}
	return process.TerminateGroup(p.current.Process.Pid)
}

func (p *run) Terminate() error { return p.signal(false) }

func (p *run) Kill() error { return p.signal(true) }

func (p *run) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.err
}
