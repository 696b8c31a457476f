package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stagehand/stagehand/pkg/config"
	"github.com/stagehand/stagehand/pkg/daemon"
	"github.com/stagehand/stagehand/pkg/pipeline"
	"github.com/stagehand/stagehand/pkg/types"
)

func (c *CLI) newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job engine and its HTTP API",
		Long: `Start the engine in the foreground. The API listens on server.addr (or --addr).
SIGHUP re-reads the config file; SIGINT or SIGTERM drains running jobs and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (c *CLI) runServe(ctx context.Context, addr string) error {
	cfg, path, err := c.loadConfig()
	if err != nil {
		return err
	}

	logFile := ""
	if cfg.Logging != nil {
		logFile = cfg.Logging.File
	}
	d := daemon.NewManager(daemon.Config{
		ConfigPath: path,
		Addr:       addr,
		StateDir:   c.stateDir(cfg),
		LogFile:    logFile,
		LogLevel:   c.config.Verbosity,
	})
	return d.Run(ctx)
}

func (c *CLI) newStopCmd() *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		Long:  `Send SIGTERM to the daemon owning the state directory and wait for it to exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			if err := daemon.StopRunning(cmd.Context(), c.stateDir(cfg), grace); err != nil {
				if errors.Is(err, daemon.ErrDaemonNotRunning) {
					c.printWarning("Daemon is not running")
					return nil
				}
				return fmt.Errorf("failed to stop daemon: %w", err)
			}
			c.printSuccess("Daemon stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", defaultStopGrace, "time to wait before killing the daemon")
	return cmd
}

func (c *CLI) newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, _, err := c.loadConfig()
				if err != nil {
					return err
				}
				addr = cfg.Server.Addr
			}
			return c.runStatus(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (default: server.addr)")
	return cmd
}

func (c *CLI) runStatus(ctx context.Context, addr string) error {
	client := &http.Client{Timeout: defaultClientTimeout}
	base := baseURL(addr)

	var enabled struct {
		Enabled bool `json:"enabled"`
	}
	if err := getJSON(ctx, client, base+"/jobs/enabled", &enabled); err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", addr, err)
	}
	var jobs []*types.Job
	if err := getJSON(ctx, client, base+"/api/jobs", &jobs); err != nil {
		return err
	}
	var locks []*types.Lock
	if err := getJSON(ctx, client, base+"/api/locks", &locks); err != nil {
		return err
	}

	if enabled.Enabled {
		c.printSuccess("Job queue enabled")
	} else {
		c.printWarning("Job queue disabled")
	}

	if len(jobs) == 0 {
		c.printInfo("No active jobs")
	} else {
		w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tPROJECT\tTARGET\tSTATUS\tCREATOR")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				job.ID, job.Kind, job.Deploy.ProjectID, jobTarget(job), colorStatus(job.Status), job.Creator)
		}
		w.Flush()
	}

	for _, lock := range locks {
		line := fmt.Sprintf("%s lock on %s held by %s", lock.Kind, lock.Resource, lock.Holder)
		if lock.Description != "" {
			line += ": " + lock.Description
		}
		c.printWarning("%s", line)
	}
	return nil
}

func (c *CLI) newRunCmd() *cobra.Command {
	var (
		project string
		stage   string
		dir     string
		env     []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run -- <step> [step...]",
		Short: "Run a pipeline locally without the daemon",
		Long: `Run each step through the shell in order, stopping at the first failure.
The exit status of the failing step becomes the command's exit status.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseEnv(env)
			if err != nil {
				return err
			}
			job := &types.Job{
				ID:        uuid.NewString(),
				Kind:      types.JobKindDeploy,
				Deploy:    types.DeployContext{ProjectID: project, StageID: stage},
				Pipeline:  types.Pipeline{Steps: args, Env: vars, Dir: dir},
				Creator:   os.Getenv("USER"),
				Status:    types.JobStatusRunning,
				CreatedAt: time.Now(),
			}
			return c.runPipeline(cmd.Context(), job, timeout)
		},
	}
	cmd.Flags().StringVar(&project, "project", "local", "project exposed as STAGEHAND_PROJECT")
	cmd.Flags().StringVar(&stage, "stage", "", "stage exposed as STAGEHAND_STAGE")
	cmd.Flags().StringVar(&dir, "workdir", "", "directory the steps run in")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "extra KEY=VALUE for every step")
	cmd.Flags().DurationVar(&timeout, "cancel-timeout", 5*time.Second, "grace period between SIGTERM and SIGKILL on interrupt")
	return cmd
}

// runPipeline streams the pipeline's output and forwards an interrupt as a
// graceful terminate, escalating to kill after timeout
func (c *CLI) runPipeline(ctx context.Context, job *types.Job, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runner := pipeline.NewShellRunner(c.logger)

	proc, err := runner.Start(context.Background(), job)
	if err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCtx.Done():
			c.printWarning("Interrupted, terminating pipeline")
			_ = proc.Terminate()
			select {
			case <-done:
			case <-time.After(timeout):
				c.printWarning("Pipeline ignored terminate, killing")
				_ = proc.Kill()
			}
		case <-done:
		}
	}()

	start := time.Now()
	for line := range proc.Output() {
		if strings.HasPrefix(line, "» ") {
			fmt.Fprintln(c.output, color.New(color.Bold).Sprint(line))
			continue
		}
		fmt.Fprintln(c.output, line)
	}
	code, err := proc.Wait()
	close(done)

	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		c.printError("Pipeline errored after %s: %v", elapsed, err)
		return &exitError{code: 1}
	}
	if code != 0 {
		c.printError("Pipeline failed after %s with exit status %d", elapsed, code)
		return &exitError{code: code}
	}
	c.printSuccess("Pipeline succeeded in %s", elapsed)
	return nil
}

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.configPath()
			if path == "" {
				return fmt.Errorf("no configuration found in %s", c.config.Dir)
			}
			cfg, err := config.NewManager().LoadConfig(path)
			if err != nil {
				c.printError("%s is invalid", path)
				return err
			}
			c.printSuccess("%s is valid", path)
			c.printInfo("workers=%d contention=%s buddyCheck=%t addr=%s",
				cfg.Engine.GetWorkers(), cfg.Engine.GetContentionPolicy(), cfg.BuddyCheck.Enabled, cfg.Server.Addr)
			return nil
		},
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "stagehand v%s\n", c.config.Version)
		},
	}
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	host, port, err := net.SplitHostPort(addr)
	if err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return "http://" + addr
}

func getJSON(ctx context.Context, client *http.Client, url string, v interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func jobTarget(job *types.Job) string {
	switch {
	case job.Deploy.StageID != "":
		return job.Deploy.StageID
	case job.Deploy.DeployGroupID != "":
		return job.Deploy.DeployGroupID
	default:
		return "-"
	}
}

func colorStatus(status types.JobStatus) string {
	switch status {
	case types.JobStatusRunning:
		return color.GreenString(string(status))
	case types.JobStatusCancelling:
		return color.YellowString(string(status))
	case types.JobStatusPending:
		return color.CyanString(string(status))
	default:
		return string(status)
	}
}
