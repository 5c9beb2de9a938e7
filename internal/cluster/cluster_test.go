package cluster

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/stocketl/internal/errkind"
)

// scriptedRunner answers commands by their joined argument line.
type scriptedRunner struct {
	mu      sync.Mutex
	calls   []string
	results map[string]CommandResult
	errs    map[string]error
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{results: map[string]CommandResult{}, errs: map[string]error{}}
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) (CommandResult, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, line)
	for prefix, err := range r.errs {
		if strings.HasPrefix(line, prefix) {
			return r.results[prefix], err
		}
	}
	for prefix, res := range r.results {
		if strings.HasPrefix(line, prefix) {
			return res, nil
		}
	}
	return CommandResult{}, nil
}

func TestComposeCluster_Lifecycle(t *testing.T) {
	runner := newScriptedRunner()
	runner.results["docker inspect"] = CommandResult{Stdout: []byte("true\n")}
	c := NewComposeCluster(ComposeConfig{ComposeFile: "deploy/compose.yml"}, runner, nil)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Ready(ctx))
	_, err := c.Submit(ctx, JobSpec{Name: "fundamentals", Dataset: "fundamentals", Args: []string{"bucket"}})
	require.NoError(t, err)
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, []string{
		"docker ps",
		"docker compose -f deploy/compose.yml up -d",
		"docker inspect -f {{.State.Running}} spark-master",
		"docker exec spark-master /opt/spark/bin/spark-submit --master spark://spark-master:7077 --deploy-mode client /opt/spark-apps/transform_stock_data.py bucket fundamentals",
		"docker compose -f deploy/compose.yml down",
	}, runner.calls)
}

func TestComposeCluster_DockerNotRunning(t *testing.T) {
	runner := newScriptedRunner()
	runner.errs["docker ps"] = errors.New("cannot connect to the docker daemon")
	c := NewComposeCluster(ComposeConfig{}, runner, nil)

	err := c.Start(context.Background())
	require.ErrorIs(t, err, errkind.ErrConfiguration)
	assert.Len(t, runner.calls, 1, "compose up must not run without docker")
}

func TestComposeCluster_NotReady(t *testing.T) {
	runner := newScriptedRunner()
	runner.results["docker inspect"] = CommandResult{Stdout: []byte("false\n")}
	c := NewComposeCluster(ComposeConfig{}, runner, nil)

	err := c.Ready(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spark-master")
}

func TestComposeCluster_JobFailureIsTransient(t *testing.T) {
	runner := newScriptedRunner()
	runner.results["docker exec"] = CommandResult{Stdout: []byte("py4j error"), ExitCode: 1}
	runner.errs["docker exec"] = errors.New("exit status 1")
	c := NewComposeCluster(ComposeConfig{}, runner, nil)

	res, err := c.Submit(context.Background(), JobSpec{Name: "prices", Dataset: "prices"})
	require.Error(t, err)
	assert.True(t, errkind.IsTransient(err))
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "py4j error", res.Stdout)
}

func TestLocalCluster(t *testing.T) {
	c := NewLocalCluster(nil)
	c.Register("prices", func(_ context.Context, job JobSpec) (string, error) {
		return "wrote " + job.Dataset, nil
	})
	ctx := context.Background()

	_, err := c.Submit(ctx, JobSpec{Name: "prices", Dataset: "prices"})
	require.ErrorIs(t, err, ErrNotRunning)
	require.Error(t, c.Ready(ctx))

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Ready(ctx))

	res, err := c.Submit(ctx, JobSpec{Name: "prices", Dataset: "prices"})
	require.NoError(t, err)
	assert.Equal(t, "wrote prices", res.Stdout)

	_, err = c.Submit(ctx, JobSpec{Name: "unknown"})
	require.ErrorIs(t, err, errkind.ErrConfiguration)

	require.NoError(t, c.Stop(ctx))
	assert.False(t, c.Running())
	assert.Equal(t, []string{"prices"}, c.Jobs())
}
