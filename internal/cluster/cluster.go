// Package cluster runs transform jobs on an ephemeral compute cluster.
//
// A Cluster is a lease.Resource: it is started before the Transform stage,
// probed until ready, and stopped when the stage ends however it ends.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.trai.ch/zerr"

	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/lease"
)

// ErrNotRunning is returned when a job is submitted to a stopped cluster.
var ErrNotRunning = zerr.New("cluster not running")

// JobSpec describes one transform job.
type JobSpec struct {
	Name    string   // Registered job name, e.g. "fundamentals"
	Dataset string   // Dataset the job transforms
	Args    []string // Extra arguments passed to the job
}

// JobResult is what a finished job reported.
type JobResult struct {
	Stdout   string
	ExitCode int
	Duration time.Duration
}

// Cluster is an ephemeral compute cluster that accepts jobs once ready.
type Cluster interface {
	lease.Resource
	Submit(ctx context.Context, job JobSpec) (JobResult, error)
}

// JobFunc executes a job in-process and returns its report.
type JobFunc func(ctx context.Context, job JobSpec) (string, error)

// LocalCluster runs registered jobs in-process. It models the cluster
// lifecycle so the lease discipline is the same as for a real cluster.
type LocalCluster struct {
	mu      sync.Mutex
	running bool
	jobs    map[string]JobFunc
	logger  *slog.Logger
}

// NewLocalCluster creates a LocalCluster with no registered jobs.
func NewLocalCluster(logger *slog.Logger) *LocalCluster {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalCluster{jobs: make(map[string]JobFunc), logger: logger}
}

// Register makes fn available under name.
func (c *LocalCluster) Register(name string, fn JobFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[name] = fn
}

// Jobs returns the registered job names, sorted.
func (c *LocalCluster) Jobs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.jobs))
	for name := range c.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *LocalCluster) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	c.logger.Info("local cluster started", "jobs", len(c.jobs))
	return nil
}

func (c *LocalCluster) Ready(context.Context) error {
	if !c.Running() {
		return ErrNotRunning
	}
	return nil
}

func (c *LocalCluster) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.logger.Info("local cluster stopped")
	return nil
}

// Running reports whether the cluster is between Start and Stop.
func (c *LocalCluster) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Submit runs the named job synchronously.
func (c *LocalCluster) Submit(ctx context.Context, job JobSpec) (JobResult, error) {
	c.mu.Lock()
	running := c.running
	fn, ok := c.jobs[job.Name]
	c.mu.Unlock()

	if !running {
		return JobResult{ExitCode: 1}, zerr.With(zerr.Wrap(ErrNotRunning, "submit job"), "job", job.Name)
	}
	if !ok {
		return JobResult{ExitCode: 1}, errkind.Configurationf("no job registered as %q", job.Name)
	}

	start := time.Now()
	out, err := fn(ctx, job)
	res := JobResult{Stdout: out, Duration: time.Since(start)}
	if err != nil {
		res.ExitCode = 1
		return res, fmt.Errorf("job %s: %w", job.Name, err)
	}
	c.logger.Info("job finished", "job", job.Name, "dataset", job.Dataset, "duration", res.Duration)
	return res, nil
}
