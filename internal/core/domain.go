package core

import "time"

// KillReason is the upstream killer's stated cause for terminating a module.
type KillReason string

const (
	ReasonThreatDetected     KillReason = "threat_detected"
	ReasonAnomalyBehavior    KillReason = "anomaly_behavior"
	ReasonPolicyViolation    KillReason = "policy_violation"
	ReasonResourceExhaustion KillReason = "resource_exhaustion"
	ReasonDependencyCascade  KillReason = "dependency_cascade"
	ReasonManualOverride     KillReason = "manual_override"
)

// Valid reports whether r is one of the known kill reasons.
func (r KillReason) Valid() bool {
	switch r {
	case ReasonThreatDetected, ReasonAnomalyBehavior, ReasonPolicyViolation,
		ReasonResourceExhaustion, ReasonDependencyCascade, ReasonManualOverride:
		return true
	}
	return false
}

// Severity grades how serious the upstream kill was.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Factor maps the severity onto its normalized risk contribution.
// Unknown values score as medium so a bad enum can never stall scoring.
func (s Severity) Factor() float64 {
	switch s {
	case SeverityInfo:
		return 0.0
	case SeverityLow:
		return 0.25
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.75
	case SeverityCritical:
		return 1.0
	}
	return 0.5
}

// KillReport is an inbound kill notification. Created at intake,
// immutable thereafter.
type KillReport struct {
	KillID           string                 `json:"kill_id"`
	Timestamp        time.Time              `json:"timestamp"`
	TargetModule     string                 `json:"target_module"`
	TargetInstanceID string                 `json:"target_instance_id"`
	KillReason       KillReason             `json:"kill_reason"`
	Severity         Severity               `json:"severity"`
	ConfidenceScore  float64                `json:"confidence_score"`
	Evidence         []string               `json:"evidence"`
	Dependencies     []string               `json:"dependencies"`
	SourceAgent      string                 `json:"source_agent"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// SIEMResult is the enrichment payload for one kill report.
type SIEMResult struct {
	RiskScore            float64 `json:"risk_score"`
	FalsePositiveHistory int     `json:"false_positive_history"`
	Recommendation       string  `json:"recommendation"`
}

// NoopSIEMResult is the sentinel returned when enrichment is disabled or
// the SIEM endpoint cannot be reached. risk_score 0.5 is deliberately
// neutral: it neither pushes a kill toward denial nor toward approval.
func NoopSIEMResult() SIEMResult {
	return SIEMResult{RiskScore: 0.5, FalsePositiveHistory: 0, Recommendation: "unknown"}
}

// DecisionOutcome classifies what the agent intends to do about a kill.
type DecisionOutcome string

const (
	OutcomeApproveAuto   DecisionOutcome = "approve_auto"
	OutcomeApproveManual DecisionOutcome = "approve_manual"
	OutcomePendingReview DecisionOutcome = "pending_review"
	OutcomeDeny          DecisionOutcome = "deny"
	OutcomeDefer         DecisionOutcome = "defer"
)

// RiskLevel buckets a risk score for humans and dashboards.
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFor buckets score into its level. Boundaries are half-open:
// minimal [0,0.2), low [0.2,0.4), medium [0.4,0.6), high [0.6,0.8),
// critical [0.8,1.0].
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score < 0.2:
		return RiskMinimal
	case score < 0.4:
		return RiskLow
	case score < 0.6:
		return RiskMedium
	case score < 0.8:
		return RiskHigh
	}
	return RiskCritical
}

// Decision is the engine's verdict on one kill report. Created atomically,
// never mutated.
type Decision struct {
	DecisionID          string             `json:"decision_id"`
	KillID              string             `json:"kill_id"`
	TargetModule        string             `json:"target_module"`
	Timestamp           time.Time          `json:"timestamp"`
	Outcome             DecisionOutcome    `json:"outcome"`
	RiskLevel           RiskLevel          `json:"risk_level"`
	RiskScore           float64            `json:"risk_score"`
	Confidence          float64            `json:"confidence"`
	Reasoning           []string           `json:"reasoning"`
	Factors             map[string]float64 `json:"factors,omitempty"`
	RequiresHumanReview bool               `json:"requires_human_review"`
	TimeoutMinutes      int                `json:"timeout_minutes"`
	Mode                string             `json:"mode"`
}

// OutcomeType records how a resurrection decision eventually resolved.
type OutcomeType string

const (
	OutcomeSuccess        OutcomeType = "success"
	OutcomePartialSuccess OutcomeType = "partial_success"
	OutcomeFailure        OutcomeType = "failure"
	OutcomeReKilled       OutcomeType = "re_killed"
	OutcomeRollback       OutcomeType = "rollback"
	OutcomeUndetermined   OutcomeType = "undetermined"
)

// OutcomeRecord is the durable result of processing one kill report.
// Permanent once written; the store only ever appends.
type OutcomeRecord struct {
	OutcomeID            string                 `json:"outcome_id"`
	DecisionID           string                 `json:"decision_id"`
	KillID               string                 `json:"kill_id"`
	TargetModule         string                 `json:"target_module"`
	Timestamp            time.Time              `json:"timestamp"`
	OutcomeType          OutcomeType            `json:"outcome_type"`
	OriginalRiskScore    float64                `json:"original_risk_score"`
	OriginalConfidence   float64                `json:"original_confidence"`
	OriginalDecision     DecisionOutcome        `json:"original_decision"`
	WasAutoApproved      bool                   `json:"was_auto_approved"`
	HealthScoreAfter     *float64               `json:"health_score_after,omitempty"`
	TimeToHealthySeconds *float64               `json:"time_to_healthy_seconds,omitempty"`
	AnomaliesDetected    int                    `json:"anomalies_detected"`
	RequiredRollback     bool                   `json:"required_rollback"`
	FeedbackSource       string                 `json:"feedback_source,omitempty"`
	HumanFeedback        string                 `json:"human_feedback,omitempty"`
	CorrectedDecision    string                 `json:"corrected_decision,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}
