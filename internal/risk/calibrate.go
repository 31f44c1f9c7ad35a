package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/metrics"
	"github.com/medic-agent/medic/internal/store"
)

const (
	// minCalibrationSample is the auto-approved count below which the
	// accuracy signal is too noisy to act on.
	minCalibrationSample = 50

	loosenAbove  = 0.95
	tightenBelow = 0.80

	loosenStep  = 0.02
	tightenStep = 0.05

	confidenceFloor   = 0.70
	confidenceCeiling = 0.99
)

// StatisticsSource is the read-only aggregate view the calibrator needs.
type StatisticsSource interface {
	Statistics(ctx context.Context, window time.Duration) (*store.Statistics, error)
}

// Calibrator adjusts the engine's auto-approval confidence threshold
// from observed outcomes. High measured accuracy loosens the threshold a
// little; low accuracy tightens it harder. Runs at startup and then on
// the configured cadence.
type Calibrator struct {
	engine  *Engine
	source  StatisticsSource
	window  time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	// Last sample acted on. A pass over the same sample is a no-op, so
	// re-running without new outcomes never walks the threshold.
	seeded          bool
	lastAutoCount   int
	lastAutoSuccess int
}

func NewCalibrator(engine *Engine, source StatisticsSource, cfg config.CalibrationConfig, logger *zap.Logger, m *metrics.Metrics) *Calibrator {
	window := time.Duration(cfg.WindowDays) * 24 * time.Hour
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &Calibrator{
		engine:  engine,
		source:  source,
		window:  window,
		logger:  logger,
		metrics: m,
	}
}

// Run executes one calibration pass. Only a statistics read can fail;
// the adjustment itself is in-memory.
func (c *Calibrator) Run(ctx context.Context) error {
	stats, err := c.source.Statistics(ctx, c.window)
	if err != nil {
		return fmt.Errorf("read statistics: %w", err)
	}

	if stats.AutoApprovedCount < minCalibrationSample {
		c.logger.Debug("calibration skipped, sample too small",
			zap.Int("auto_approved", stats.AutoApprovedCount),
			zap.Int("required", minCalibrationSample),
		)
		return nil
	}

	if c.seeded && stats.AutoApprovedCount == c.lastAutoCount && stats.AutoApprovedSuccess == c.lastAutoSuccess {
		c.logger.Debug("calibration skipped, no new outcomes since last pass")
		return nil
	}
	c.seeded = true
	c.lastAutoCount = stats.AutoApprovedCount
	c.lastAutoSuccess = stats.AutoApprovedSuccess

	before := c.engine.AutoMinConfidence()
	after := before
	direction := ""
	switch {
	case stats.AutoApproveAccuracy > loosenAbove:
		after = math.Max(confidenceFloor, before-loosenStep)
		direction = "loosen"
	case stats.AutoApproveAccuracy < tightenBelow:
		after = math.Min(confidenceCeiling, before+tightenStep)
		direction = "tighten"
	}

	if after == before {
		c.logger.Info("calibration pass left threshold unchanged",
			zap.Float64("auto_min_confidence", before),
			zap.Float64("accuracy", stats.AutoApproveAccuracy),
			zap.Int("sample_size", stats.AutoApprovedCount),
		)
		return nil
	}

	c.engine.setAutoMinConfidence(after)
	if c.metrics != nil {
		c.metrics.RecordCalibration(direction)
	}
	c.logger.Info("auto-approval threshold recalibrated",
		zap.String("direction", direction),
		zap.Float64("before", before),
		zap.Float64("after", after),
		zap.Float64("accuracy", stats.AutoApproveAccuracy),
		zap.Int("sample_size", stats.AutoApprovedCount),
	)
	return nil
}
