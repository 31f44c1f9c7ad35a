// Package resurrect restarts killed containers and verifies they come
// back healthy. The Docker implementation talks to the local daemon; the
// dry-run implementation only logs, and is what observer mode always
// gets regardless of configuration.
package resurrect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/core"
	"github.com/medic-agent/medic/internal/metrics"
)

// Status is the terminal state of one resurrection attempt.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusNotFound  Status = "not_found"
	StatusUnhealthy Status = "unhealthy"
	StatusTimeout   Status = "timeout"
)

const (
	// restartStopTimeoutS bounds the stop phase of a restart.
	restartStopTimeoutS = 30

	// rollbackStopTimeoutS bounds the stop issued when a resurrected
	// container fails its health check.
	rollbackStopTimeoutS = 10

	// rollbackOpTimeout bounds the whole rollback call. Rollback runs on
	// its own context so it still executes after the caller's expired.
	rollbackOpTimeout = 15 * time.Second

	// minHealthyRuntime is how long a container without a health spec
	// must stay running before it counts as healthy.
	minHealthyRuntime = 2 * time.Second

	retryBackoff = 500 * time.Millisecond
)

var errContainerNotFound = errors.New("container not found")

// Result describes how a resurrection attempt ended. Restart never
// returns an error; every failure mode is a Result.
type Result struct {
	Status               Status  `json:"status"`
	ContainerID          string  `json:"container_id,omitempty"`
	TimeToHealthySeconds float64 `json:"time_to_healthy_seconds"`
	HealthScoreAfter     float64 `json:"health_score_after"`
	Attempts             int     `json:"attempts"`
	RolledBack           bool    `json:"rolled_back"`
	Message              string  `json:"message,omitempty"`
}

// OutcomeType maps the resurrection result onto the durable outcome
// taxonomy. NotFound is a persistent failure; a rolled-back restart is
// its own outcome so the calibrator can see it.
func (r *Result) OutcomeType() core.OutcomeType {
	switch r.Status {
	case StatusSuccess:
		return core.OutcomeSuccess
	case StatusNotFound:
		return core.OutcomeFailure
	case StatusUnhealthy:
		return core.OutcomeRollback
	case StatusTimeout:
		if r.RolledBack {
			return core.OutcomeRollback
		}
		return core.OutcomeFailure
	}
	return core.OutcomeUndetermined
}

// Resurrector restarts the container backing a killed module.
type Resurrector interface {
	Restart(ctx context.Context, targetModule string) *Result
}

// New selects the executor. Observer mode always gets the dry-run
// implementation so no code path in that mode can touch the runtime.
func New(cfg config.ResurrectionConfig, mode string, logger *zap.Logger, m *metrics.Metrics) (Resurrector, error) {
	if mode == "observer" || cfg.Executor == "dry_run" {
		return NewDryRun(logger, m), nil
	}
	return NewDocker(cfg, logger, m)
}

// ============================================================================
// DOCKER EXECUTOR
// ============================================================================

// containerRuntime is the slice of the Docker API the resurrector uses.
// *client.Client satisfies it.
type containerRuntime interface {
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
}

// DockerResurrector restarts containers through the local Docker daemon
// and polls their health until they recover or the window closes.
type DockerResurrector struct {
	runtime        containerRuntime
	healthInterval time.Duration
	healthTimeout  time.Duration
	maxRetries     int
	retryDelay     time.Duration
	labelKey       string
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

// NewDocker connects to the daemon configured by the environment.
func NewDocker(cfg config.ResurrectionConfig, logger *zap.Logger, m *metrics.Metrics) (*DockerResurrector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDocker(cli, cfg, logger, m), nil
}

func newDocker(rt containerRuntime, cfg config.ResurrectionConfig, logger *zap.Logger, m *metrics.Metrics) *DockerResurrector {
	interval := time.Duration(cfg.HealthCheckIntervalS) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	timeout := time.Duration(cfg.HealthCheckTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	labelKey := cfg.LabelPrefix
	if labelKey == "" {
		labelKey = "medic.module"
	}

	return &DockerResurrector{
		runtime:        rt,
		healthInterval: interval,
		healthTimeout:  timeout,
		maxRetries:     cfg.MaxRetryAttempts,
		retryDelay:     retryBackoff,
		labelKey:       labelKey,
		logger:         logger,
		metrics:        m,
	}
}

// Restart restarts the container backing targetModule and waits for it
// to report healthy. A failed health check rolls the container back to
// stopped before returning.
func (d *DockerResurrector) Restart(ctx context.Context, targetModule string) *Result {
	start := time.Now()
	res := d.restart(ctx, targetModule, start)

	if d.metrics != nil {
		d.metrics.RecordResurrection(string(res.Status), time.Since(start))
		if res.RolledBack {
			d.metrics.RecordRollback()
		}
	}

	d.logger.Info("resurrection finished",
		zap.String("target_module", targetModule),
		zap.String("status", string(res.Status)),
		zap.String("container_id", res.ContainerID),
		zap.Float64("time_to_healthy_s", res.TimeToHealthySeconds),
		zap.Int("attempts", res.Attempts),
		zap.Bool("rolled_back", res.RolledBack),
	)
	return res
}

func (d *DockerResurrector) restart(ctx context.Context, module string, start time.Time) *Result {
	res := &Result{Status: StatusUnhealthy}

	// Restart with bounded retries on transient daemon errors. A missing
	// container is terminal and never retried.
	var lastErr error
	restarted := false
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if ctx.Err() != nil {
			res.Status = StatusTimeout
			res.Message = "canceled before restart completed"
			return res
		}
		res.Attempts = attempt + 1

		if res.ContainerID == "" {
			id, err := d.findContainer(ctx, module)
			if errors.Is(err, errContainerNotFound) {
				res.Status = StatusNotFound
				res.Message = fmt.Sprintf("no container for module %s", module)
				return res
			}
			if err != nil {
				lastErr = err
				d.logger.Warn("container lookup failed",
					zap.String("target_module", module),
					zap.Int("attempt", res.Attempts),
					zap.Error(err),
				)
				time.Sleep(d.retryDelay * time.Duration(attempt+1))
				continue
			}
			res.ContainerID = id
		}

		stopTimeout := restartStopTimeoutS
		err := d.runtime.ContainerRestart(ctx, res.ContainerID, container.StopOptions{Timeout: &stopTimeout})
		if err == nil {
			restarted = true
			break
		}
		if client.IsErrNotFound(err) {
			res.Status = StatusNotFound
			res.Message = "container disappeared before restart"
			return res
		}
		lastErr = err
		d.logger.Warn("container restart failed",
			zap.String("target_module", module),
			zap.String("container_id", res.ContainerID),
			zap.Int("attempt", res.Attempts),
			zap.Error(err),
		)
		time.Sleep(d.retryDelay * time.Duration(attempt+1))
	}
	if !restarted {
		res.Status = StatusUnhealthy
		res.Message = fmt.Sprintf("restart failed after %d attempt(s): %v", res.Attempts, lastErr)
		return res
	}

	switch d.waitHealthy(ctx, res.ContainerID) {
	case pollHealthy:
		res.Status = StatusSuccess
		res.TimeToHealthySeconds = time.Since(start).Seconds()
		res.HealthScoreAfter = 1.0
		res.Message = "container healthy"
	case pollExited:
		res.Status = StatusUnhealthy
		res.Message = "container exited before becoming healthy"
		d.rollback(res)
	case pollTimeout:
		res.Status = StatusUnhealthy
		res.Message = fmt.Sprintf("not healthy within %s", d.healthTimeout)
		d.rollback(res)
	case pollCanceled:
		res.Status = StatusTimeout
		res.Message = "canceled while waiting for health"
		d.rollback(res)
	}
	return res
}

// findContainer resolves a module name to a container ID: exact name
// first, then the resurrection label, then a name substring.
func (d *DockerResurrector) findContainer(ctx context.Context, module string) (string, error) {
	containers, err := d.runtime.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}

	for _, c := range containers {
		for _, name := range c.Names {
			if strings.TrimPrefix(name, "/") == module {
				return c.ID, nil
			}
		}
	}
	for _, c := range containers {
		if c.Labels[d.labelKey] == module {
			return c.ID, nil
		}
	}
	for _, c := range containers {
		for _, name := range c.Names {
			if strings.Contains(strings.TrimPrefix(name, "/"), module) {
				return c.ID, nil
			}
		}
	}
	return "", errContainerNotFound
}

type pollOutcome int

const (
	pollHealthy pollOutcome = iota
	pollExited
	pollTimeout
	pollCanceled
)

// waitHealthy polls the container until it reports healthy, exits, or
// the health window closes. Containers without a health spec count as
// healthy after staying up for minHealthyRuntime.
func (d *DockerResurrector) waitHealthy(ctx context.Context, id string) pollOutcome {
	deadline := time.NewTimer(d.healthTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.healthInterval)
	defer ticker.Stop()

	for {
		info, err := d.runtime.ContainerInspect(ctx, id)
		switch {
		case err != nil && client.IsErrNotFound(err):
			return pollExited
		case err != nil:
			// Transient inspect failure: keep polling until the window
			// closes.
			d.logger.Warn("health inspect failed", zap.String("container_id", id), zap.Error(err))
		case info.State != nil:
			healthStatus := ""
			if info.State.Health != nil {
				healthStatus = info.State.Health.Status
			}
			switch {
			case healthStatus == types.Healthy:
				return pollHealthy
			case healthStatus == "" || healthStatus == types.NoHealthcheck:
				if info.State.Running && runningFor(info.State.StartedAt) >= minHealthyRuntime {
					return pollHealthy
				}
				if !info.State.Running && info.State.Status == "exited" {
					return pollExited
				}
			case !info.State.Running && info.State.Status == "exited":
				return pollExited
			}
			// starting or unhealthy: keep waiting, docker may recover it
		}

		select {
		case <-ctx.Done():
			return pollCanceled
		case <-deadline.C:
			return pollTimeout
		case <-ticker.C:
		}
	}
}

// runningFor reports how long the container has been up according to
// the runtime's own clock.
func runningFor(startedAt string) time.Duration {
	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return 0
	}
	return time.Since(t)
}

// rollback stops a container that restarted but never became healthy.
// Runs on its own context and is attempted exactly once.
func (d *DockerResurrector) rollback(res *Result) {
	res.RolledBack = true

	ctx, cancel := context.WithTimeout(context.Background(), rollbackOpTimeout)
	defer cancel()

	stopTimeout := rollbackStopTimeoutS
	if err := d.runtime.ContainerStop(ctx, res.ContainerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		d.logger.Error("rollback stop failed",
			zap.String("container_id", res.ContainerID),
			zap.Error(err),
		)
		return
	}
	d.logger.Info("rolled back unhealthy container", zap.String("container_id", res.ContainerID))
}

// ============================================================================
// DRY-RUN EXECUTOR
// ============================================================================

// DryRunResurrector logs what it would restart and reports success. The
// factory hands it out in observer mode and when the executor is dry_run.
type DryRunResurrector struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewDryRun(logger *zap.Logger, m *metrics.Metrics) *DryRunResurrector {
	return &DryRunResurrector{logger: logger, metrics: m}
}

func (d *DryRunResurrector) Restart(ctx context.Context, targetModule string) *Result {
	d.logger.Info("dry-run resurrection, no container touched",
		zap.String("target_module", targetModule),
	)
	if d.metrics != nil {
		d.metrics.RecordResurrection(string(StatusSuccess), 0)
	}
	return &Result{
		Status:           StatusSuccess,
		HealthScoreAfter: 1.0,
		Message:          "dry run",
	}
}
