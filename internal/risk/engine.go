// Package risk scores kill reports and classifies what the agent should
// do about each one. Scoring is a weighted sum over five factors; the
// resulting score and a confidence value drive the approve/deny/review
// classification. The engine is pure apart from one read of the outcome
// store (module false-positive history) and never fails: missing inputs
// degrade to neutral defaults.
package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/core"
)

// Factor names, as recorded on every decision.
const (
	FactorSmithConfidence      = "smith_confidence"
	FactorSIEMRisk             = "siem_risk"
	FactorFalsePositiveHistory = "false_positive_history"
	FactorModuleCriticality    = "module_criticality"
	FactorSeverity             = "severity"
)

const (
	// denyThreshold is the score at or above which a kill is never
	// resurrected regardless of module.
	denyThreshold = 0.9

	// criticalDenyThreshold denies resurrection of critical modules.
	criticalDenyThreshold = 0.6

	// fpSaturation is the false-positive count at which the history
	// factor bottoms out.
	fpSaturation = 10.0

	criticalModuleFactor = 1.0
	standardModuleFactor = 0.3

	evidenceBoostPerItem = 0.05
	maxEvidenceBoost     = 0.2
)

// HistorySource is the read-only view of the outcome store the engine
// consults. The store itself is written only by the orchestrator.
type HistorySource interface {
	ModuleHistory(ctx context.Context, module string, window time.Duration) (int, error)
}

// historyWindow bounds the module false-positive lookback.
const historyWindow = 30 * 24 * time.Hour

// ============================================================================
// ENGINE
// ============================================================================

// Engine turns an enriched kill report into a Decision. One engine per
// process; decisions are serialized by the orchestrator loop, while the
// auto-approval threshold may be read and recalibrated concurrently.
type Engine struct {
	weights        config.RiskWeights
	mode           string
	autoEnabled    bool
	autoMaxRisk    float64
	timeoutMinutes int
	critical       map[string]bool
	history        HistorySource
	logger         *zap.Logger

	mu          sync.RWMutex
	autoMinConf float64
}

// New builds the engine from validated configuration. Weights are assumed
// to sum to 1.0; config.Validate enforces that before the process starts.
func New(cfg *config.Config, history HistorySource, logger *zap.Logger) *Engine {
	critical := make(map[string]bool, len(cfg.CriticalModules))
	for _, name := range cfg.CriticalModules {
		critical[name] = true
	}

	return &Engine{
		weights:        cfg.Risk.Weights,
		mode:           cfg.Mode,
		autoEnabled:    cfg.Decision.AutoApprove.Enabled,
		autoMaxRisk:    cfg.Decision.AutoApprove.MaxRisk,
		autoMinConf:    cfg.Decision.AutoApprove.MinConfidence,
		timeoutMinutes: cfg.Decision.PendingTimeoutMinutes,
		critical:       critical,
		history:        history,
		logger:         logger,
	}
}

// AutoMinConfidence returns the current auto-approval confidence
// threshold. Calibration adjusts it at runtime.
func (e *Engine) AutoMinConfidence() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.autoMinConf
}

func (e *Engine) setAutoMinConfidence(v float64) {
	e.mu.Lock()
	e.autoMinConf = v
	e.mu.Unlock()
}

// ============================================================================
// SCORING
// ============================================================================

// Score computes the composite risk of resurrecting the killed module.
// Returns the score and the per-factor values that produced it. Factor
// values are in [0,1] and weights form a convex combination, so the
// score is in [0,1] as well.
//
// The false-positive factor runs opposite to the others: a module with a
// record of bogus kills is safer to resurrect, so a higher FP count
// lowers the score.
func (e *Engine) Score(ctx context.Context, kr *core.KillReport, siem core.SIEMResult) (float64, map[string]float64) {
	fpCount := siem.FalsePositiveHistory
	if e.history != nil {
		n, err := e.history.ModuleHistory(ctx, kr.TargetModule, historyWindow)
		if err != nil {
			e.logger.Warn("module history unavailable, scoring without it",
				zap.String("kill_id", kr.KillID),
				zap.String("target_module", kr.TargetModule),
				zap.Error(err),
			)
		} else {
			fpCount += n
		}
	}

	criticality := standardModuleFactor
	if e.critical[kr.TargetModule] {
		criticality = criticalModuleFactor
	}

	factors := map[string]float64{
		FactorSmithConfidence:      kr.ConfidenceScore,
		FactorSIEMRisk:             siem.RiskScore,
		FactorFalsePositiveHistory: 1.0 - math.Min(1.0, float64(fpCount)/fpSaturation),
		FactorModuleCriticality:    criticality,
		FactorSeverity:             kr.Severity.Factor(),
	}

	score := e.weights.SmithConfidence*factors[FactorSmithConfidence] +
		e.weights.SIEMRisk*factors[FactorSIEMRisk] +
		e.weights.FalsePositiveHistory*factors[FactorFalsePositiveHistory] +
		e.weights.ModuleCriticality*factors[FactorModuleCriticality] +
		e.weights.Severity*factors[FactorSeverity]

	return score, factors
}

// Confidence measures how unambiguous a score is. A score near 0 or 1 is
// a clear call; a score near 0.5 is a coin flip. Evidence narrows the
// remaining doubt: each item adds 0.05 of boost, capped at 0.2.
func Confidence(riskScore float64, evidenceCount int) float64 {
	margin := math.Abs(0.5-riskScore) * 2
	boost := math.Min(maxEvidenceBoost, evidenceBoostPerItem*float64(evidenceCount))
	return margin + (1-margin)*boost
}

// ============================================================================
// CLASSIFICATION
// ============================================================================

// Classify maps a score and confidence to an outcome. Auto-approval
// requires low risk and high confidence; scores in deny territory are
// final; everything else waits for a human.
func (e *Engine) Classify(riskScore, confidence float64, module string) core.DecisionOutcome {
	qualifies := riskScore < e.autoMaxRisk && confidence >= e.AutoMinConfidence()

	switch {
	case qualifies && e.autoEnabled:
		return core.OutcomeApproveAuto
	case qualifies:
		return core.OutcomePendingReview
	case riskScore >= denyThreshold:
		return core.OutcomeDeny
	case riskScore >= criticalDenyThreshold && e.critical[module]:
		return core.OutcomeDeny
	default:
		return core.OutcomePendingReview
	}
}

// Decide produces the full decision for one enriched kill report. It
// never fails; every accepted report gets a verdict.
func (e *Engine) Decide(ctx context.Context, kr *core.KillReport, siem core.SIEMResult) *core.Decision {
	score, factors := e.Score(ctx, kr, siem)
	confidence := Confidence(score, len(kr.Evidence))
	outcome := e.Classify(score, confidence, kr.TargetModule)
	level := core.RiskLevelFor(score)

	decision := &core.Decision{
		DecisionID:          uuid.NewString(),
		KillID:              kr.KillID,
		TargetModule:        kr.TargetModule,
		Timestamp:           time.Now().UTC(),
		Outcome:             outcome,
		RiskLevel:           level,
		RiskScore:           score,
		Confidence:          confidence,
		Reasoning:           e.reasoning(kr, siem, score, confidence, outcome, factors),
		Factors:             factors,
		RequiresHumanReview: outcome == core.OutcomePendingReview,
		Mode:                e.mode,
	}
	if outcome == core.OutcomePendingReview {
		decision.TimeoutMinutes = e.timeoutMinutes
	}

	e.logger.Info("decision",
		zap.String("kill_id", kr.KillID),
		zap.String("decision_id", decision.DecisionID),
		zap.String("target_module", kr.TargetModule),
		zap.String("outcome", string(outcome)),
		zap.String("risk_level", string(level)),
		zap.Float64("risk_score", score),
		zap.Float64("confidence", confidence),
	)

	return decision
}

// reasoning builds the ordered human-readable trail for a decision.
func (e *Engine) reasoning(kr *core.KillReport, siem core.SIEMResult, score, confidence float64, outcome core.DecisionOutcome, factors map[string]float64) []string {
	reasons := []string{
		fmt.Sprintf("composite risk %.3f (%s) for module %s killed for %s",
			score, core.RiskLevelFor(score), kr.TargetModule, kr.KillReason),
		fmt.Sprintf("confidence %.3f from %d evidence item(s)", confidence, len(kr.Evidence)),
		fmt.Sprintf("siem: risk %.2f, %d prior false positive(s), recommendation %q",
			siem.RiskScore, siem.FalsePositiveHistory, siem.Recommendation),
	}

	switch outcome {
	case core.OutcomeApproveAuto:
		reasons = append(reasons, fmt.Sprintf("risk below %.2f and confidence at least %.2f: auto-approved",
			e.autoMaxRisk, e.AutoMinConfidence()))
	case core.OutcomeDeny:
		if score >= denyThreshold {
			reasons = append(reasons, fmt.Sprintf("risk %.3f at or above %.2f: resurrection denied", score, denyThreshold))
		} else {
			reasons = append(reasons, fmt.Sprintf("critical module with risk %.3f at or above %.2f: resurrection denied",
				score, criticalDenyThreshold))
		}
	case core.OutcomePendingReview:
		reasons = append(reasons, fmt.Sprintf("manual review required within %d minute(s)", e.timeoutMinutes))
	}

	if factors[FactorModuleCriticality] == criticalModuleFactor {
		reasons = append(reasons, fmt.Sprintf("%s is a critical module", kr.TargetModule))
	}
	if e.mode == "observer" {
		reasons = append(reasons, "observer mode: decision recorded but not acted on")
	}

	return reasons
}
