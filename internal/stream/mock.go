package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/core"
)

// mock scenario rotation: enough variety to exercise every decision
// path without a real killer publishing.
var (
	mockModules = []string{"nginx-test", "cache-layer", "billing", "auth-service", "web-frontend"}

	mockReasons = []core.KillReason{
		core.ReasonAnomalyBehavior,
		core.ReasonThreatDetected,
		core.ReasonPolicyViolation,
		core.ReasonResourceExhaustion,
		core.ReasonDependencyCascade,
	}

	mockSeverities = []core.Severity{
		core.SeverityLow,
		core.SeverityMedium,
		core.SeverityHigh,
		core.SeverityCritical,
		core.SeverityInfo,
	}
)

// MockListener synthesizes kill reports on a fixed cadence. Development
// and demo use only; acks are accepted and dropped.
type MockListener struct {
	interval time.Duration
	logger   *zap.Logger
}

func NewMock(cfg config.MockConfig, logger *zap.Logger) *MockListener {
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &MockListener{interval: interval, logger: logger}
}

func (l *MockListener) Listen(ctx context.Context) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for seq := 0; ; seq++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			kr := l.synthesize(seq)
			payload, err := core.EncodeKillReport(kr)
			if err != nil {
				l.logger.Error("mock report encode failed", zap.Error(err))
				continue
			}

			select {
			case out <- Message{ID: fmt.Sprintf("mock-%d", seq), Payload: payload}:
				l.logger.Debug("mock kill report published",
					zap.String("kill_id", kr.KillID),
					zap.String("target_module", kr.TargetModule),
				)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (l *MockListener) Ack(ctx context.Context, messageID string) error {
	return nil
}

func (l *MockListener) Close() error {
	return nil
}

func (l *MockListener) synthesize(seq int) *core.KillReport {
	module := mockModules[seq%len(mockModules)]
	return &core.KillReport{
		KillID:           "mock-kill-" + uuid.NewString(),
		Timestamp:        time.Now().UTC(),
		TargetModule:     module,
		TargetInstanceID: fmt.Sprintf("%s-0", module),
		KillReason:       mockReasons[seq%len(mockReasons)],
		Severity:         mockSeverities[seq%len(mockSeverities)],
		ConfidenceScore:  0.2 + 0.15*float64(seq%5),
		Evidence:         []string{fmt.Sprintf("synthetic_signal_%d", seq%3)},
		Dependencies:     []string{},
		SourceAgent:      "mock-killer",
	}
}
