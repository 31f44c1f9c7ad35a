package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/logging"
	"github.com/medic-agent/medic/internal/metrics"
	"github.com/medic-agent/medic/internal/store"
)

type stubStats struct {
	stats *store.Statistics
	err   error
	calls int
}

func (s *stubStats) Statistics(ctx context.Context, window time.Duration) (*store.Statistics, error) {
	s.calls++
	return s.stats, s.err
}

func autoStats(count, success int) *store.Statistics {
	return &store.Statistics{
		TotalOutcomes:       count,
		AutoApprovedCount:   count,
		AutoApprovedSuccess: success,
		AutoApproveAccuracy: float64(success) / float64(count),
	}
}

func newTestCalibrator(t *testing.T, engine *Engine, source StatisticsSource) *Calibrator {
	t.Helper()
	cfg := config.CalibrationConfig{IntervalHours: 24, WindowDays: 30}
	return NewCalibrator(engine, source, cfg, logging.NewNop(), metrics.New(prometheus.NewRegistry()))
}

func TestCalibrationLoosensOnHighAccuracy(t *testing.T) {
	engine := newTestEngine(t, testEngineConfig(), stubHistory{})
	source := &stubStats{stats: autoStats(80, 78)} // accuracy 0.975

	cal := newTestCalibrator(t, engine, source)
	require.NoError(t, cal.Run(context.Background()))
	assert.InDelta(t, 0.83, engine.AutoMinConfidence(), 1e-9)

	// Same sample again: threshold must not walk.
	require.NoError(t, cal.Run(context.Background()))
	assert.InDelta(t, 0.83, engine.AutoMinConfidence(), 1e-9)
	assert.Equal(t, 2, source.calls)
}

func TestCalibrationTightensOnLowAccuracy(t *testing.T) {
	engine := newTestEngine(t, testEngineConfig(), stubHistory{})
	source := &stubStats{stats: autoStats(100, 70)}

	cal := newTestCalibrator(t, engine, source)
	require.NoError(t, cal.Run(context.Background()))
	assert.InDelta(t, 0.90, engine.AutoMinConfidence(), 1e-9)
}

func TestCalibrationRespectsFloor(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Decision.AutoApprove.MinConfidence = 0.71
	engine := newTestEngine(t, cfg, stubHistory{})

	cal := newTestCalibrator(t, engine, &stubStats{stats: autoStats(200, 198)})
	require.NoError(t, cal.Run(context.Background()))
	assert.InDelta(t, 0.70, engine.AutoMinConfidence(), 1e-9)
}

func TestCalibrationRespectsCeiling(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Decision.AutoApprove.MinConfidence = 0.97
	engine := newTestEngine(t, cfg, stubHistory{})

	cal := newTestCalibrator(t, engine, &stubStats{stats: autoStats(200, 100)})
	require.NoError(t, cal.Run(context.Background()))
	assert.InDelta(t, 0.99, engine.AutoMinConfidence(), 1e-9)
}

func TestCalibrationSkipsSmallSample(t *testing.T) {
	engine := newTestEngine(t, testEngineConfig(), stubHistory{})

	cal := newTestCalibrator(t, engine, &stubStats{stats: autoStats(49, 49)})
	require.NoError(t, cal.Run(context.Background()))
	assert.InDelta(t, 0.85, engine.AutoMinConfidence(), 1e-9)
}

func TestCalibrationMidbandLeavesThreshold(t *testing.T) {
	engine := newTestEngine(t, testEngineConfig(), stubHistory{})

	cal := newTestCalibrator(t, engine, &stubStats{stats: autoStats(100, 90)})
	require.NoError(t, cal.Run(context.Background()))
	assert.InDelta(t, 0.85, engine.AutoMinConfidence(), 1e-9)
}

func TestCalibrationActsOnNewOutcomes(t *testing.T) {
	engine := newTestEngine(t, testEngineConfig(), stubHistory{})
	source := &stubStats{stats: autoStats(80, 78)}
	cal := newTestCalibrator(t, engine, source)

	require.NoError(t, cal.Run(context.Background()))
	assert.InDelta(t, 0.83, engine.AutoMinConfidence(), 1e-9)

	// Fresh outcomes keep the accuracy high; the threshold steps again.
	source.stats = autoStats(130, 127)
	require.NoError(t, cal.Run(context.Background()))
	assert.InDelta(t, 0.81, engine.AutoMinConfidence(), 1e-9)
}

func TestCalibrationSurfacesStatisticsError(t *testing.T) {
	engine := newTestEngine(t, testEngineConfig(), stubHistory{})

	cal := newTestCalibrator(t, engine, &stubStats{err: errors.New("store down")})
	require.Error(t, cal.Run(context.Background()))
	assert.InDelta(t, 0.85, engine.AutoMinConfidence(), 1e-9)
}
