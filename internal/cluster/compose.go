package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aristath/stocketl/internal/errkind"
)

// ComposeConfig locates a docker-compose Spark cluster.
type ComposeConfig struct {
	Docker          string   // docker binary (default "docker")
	ComposeFile     string   // Path to docker-compose.yml
	MasterContainer string   // Container that runs spark-submit (default "spark-master")
	MasterURL       string   // Spark master URL (default "spark://spark-master:7077")
	SubmitPath      string   // spark-submit inside the container
	AppPath         string   // Transform application inside the container
	AppArgs         []string // Arguments placed before the job's dataset
}

func (c ComposeConfig) withDefaults() ComposeConfig {
	if c.Docker == "" {
		c.Docker = "docker"
	}
	if c.ComposeFile == "" {
		c.ComposeFile = "docker-compose.yml"
	}
	if c.MasterContainer == "" {
		c.MasterContainer = "spark-master"
	}
	if c.MasterURL == "" {
		c.MasterURL = "spark://spark-master:7077"
	}
	if c.SubmitPath == "" {
		c.SubmitPath = "/opt/spark/bin/spark-submit"
	}
	if c.AppPath == "" {
		c.AppPath = "/opt/spark-apps/transform_stock_data.py"
	}
	return c
}

// ComposeCluster drives a Spark cluster defined in a compose file through
// the docker CLI.
type ComposeCluster struct {
	cfg    ComposeConfig
	runner Runner
	logger *slog.Logger
}

// NewComposeCluster creates a ComposeCluster. runner executes docker commands.
func NewComposeCluster(cfg ComposeConfig, runner Runner, logger *slog.Logger) *ComposeCluster {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComposeCluster{cfg: cfg.withDefaults(), runner: runner, logger: logger}
}

func (c *ComposeCluster) compose(args ...string) []string {
	return append([]string{"compose", "-f", c.cfg.ComposeFile}, args...)
}

// Start checks that docker is reachable and brings the cluster up.
// An unreachable docker daemon is a configuration failure.
func (c *ComposeCluster) Start(ctx context.Context) error {
	if _, err := c.runner.Run(ctx, c.cfg.Docker, "ps"); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errkind.Configurationf("docker is not running: %v", err)
	}

	c.logger.Info("starting spark cluster", "compose_file", c.cfg.ComposeFile)
	if _, err := c.runner.Run(ctx, c.cfg.Docker, c.compose("up", "-d")...); err != nil {
		return errkind.Transient(fmt.Errorf("compose up: %w", err))
	}
	return nil
}

// Ready reports nil once the master container is running.
func (c *ComposeCluster) Ready(ctx context.Context) error {
	res, err := c.runner.Run(ctx, c.cfg.Docker, "inspect", "-f", "{{.State.Running}}", c.cfg.MasterContainer)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", c.cfg.MasterContainer, err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "true" {
		return fmt.Errorf("container %s is not running yet", c.cfg.MasterContainer)
	}
	return nil
}

// Stop tears the cluster down.
func (c *ComposeCluster) Stop(ctx context.Context) error {
	c.logger.Info("stopping spark cluster", "compose_file", c.cfg.ComposeFile)
	if _, err := c.runner.Run(ctx, c.cfg.Docker, c.compose("down")...); err != nil {
		return fmt.Errorf("compose down: %w", err)
	}
	return nil
}

// SubmitArgs returns the docker arguments that run job with spark-submit.
func (c *ComposeCluster) SubmitArgs(job JobSpec) []string {
	args := []string{
		"exec", c.cfg.MasterContainer,
		c.cfg.SubmitPath,
		"--master", c.cfg.MasterURL,
		"--deploy-mode", "client",
		c.cfg.AppPath,
	}
	args = append(args, c.cfg.AppArgs...)
	args = append(args, job.Args...)
	return append(args, job.Dataset)
}

// Submit runs job with spark-submit inside the master container.
// A non-zero exit is reported as transient so the unit's retry policy applies.
func (c *ComposeCluster) Submit(ctx context.Context, job JobSpec) (JobResult, error) {
	start := time.Now()
	res, err := c.runner.Run(ctx, c.cfg.Docker, c.SubmitArgs(job)...)
	out := JobResult{Stdout: string(res.Stdout), ExitCode: res.ExitCode, Duration: time.Since(start)}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return out, err
		}
		return out, errkind.Transient(fmt.Errorf("spark job %s: %w", job.Name, err))
	}
	c.logger.Info("spark job finished", "job", job.Name, "dataset", job.Dataset, "duration", out.Duration)
	return out, nil
}
