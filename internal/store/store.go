// Package store persists resurrection outcomes. It is the only stateful
// component on disk: one append-only table plus the aggregation queries the
// decision engine, the calibrator and the HTTP surface read from.
//
// Three drivers share the Store interface: sqlite (default, one local
// file), postgres (shared deployments) and memory (tests, ephemeral runs).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/core"
)

var (
	// ErrNotFound is returned when no outcome matches the given ID.
	ErrNotFound = errors.New("outcome not found")

	// ErrUnknownField is returned when an update names a column outside
	// the allowlist. Field names never reach query text unchecked.
	ErrUnknownField = errors.New("field not allowed in update")

	// ErrSchemaVersion is returned when the database was written by an
	// incompatible version. Treated as fatal by the caller.
	ErrSchemaVersion = errors.New("outcome store schema version mismatch")

	// ErrBusy is returned when contention outlasted the retry budget.
	// The HTTP surface maps it to 503.
	ErrBusy = errors.New("outcome store busy")
)

// schemaVersion is bumped on any breaking change to the outcomes table.
const schemaVersion = 1

// updatableFields is the allowlist for UpdateOutcome. Keys are the JSON
// field names callers use, values the column they bind to.
var updatableFields = map[string]string{
	"outcome_type":       "outcome_type",
	"health_score_after": "health_score_after",
	"time_to_healthy":    "time_to_healthy",
	"anomalies_detected": "anomalies_detected",
	"required_rollback":  "required_rollback",
	"feedback_source":    "feedback_source",
	"human_feedback":     "human_feedback",
	"corrected_decision": "corrected_decision",
	"metadata":           "metadata",
}

// Statistics aggregates outcomes over a window. AutoApproveAccuracy is
// success-count over auto-approved-count and reports zero when nothing
// was auto-approved yet.
type Statistics struct {
	TotalOutcomes       int                      `json:"total_outcomes"`
	CountsByType        map[core.OutcomeType]int `json:"counts_by_type"`
	SuccessCount        int                      `json:"success_count"`
	FailureCount        int                      `json:"failure_count"`
	RollbackCount       int                      `json:"rollback_count"`
	AutoApprovedCount   int                      `json:"auto_approved_count"`
	AutoApprovedSuccess int                      `json:"auto_approved_success"`
	AutoApproveAccuracy float64                  `json:"auto_approve_accuracy"`
	HumanOverrideRate   float64                  `json:"human_override_rate"`
	AvgRiskScoreSuccess float64                  `json:"avg_risk_score_success"`
	AvgRiskScoreFailure float64                  `json:"avg_risk_score_failure"`
	AvgTimeToHealthy    float64                  `json:"avg_time_to_healthy"`
	PeriodStart         time.Time                `json:"period_start"`
	PeriodEnd           time.Time                `json:"period_end"`
}

// ModuleStats aggregates outcomes for a single target module.
type ModuleStats struct {
	Module             string  `json:"module"`
	TotalResurrections int     `json:"total_resurrections"`
	SuccessCount       int     `json:"success_count"`
	FailureCount       int     `json:"failure_count"`
	SuccessRate        float64 `json:"success_rate"`
	AvgRiskScore       float64 `json:"avg_risk_score"`
	AvgRecoveryTime    float64 `json:"avg_recovery_time"`
}

// Store is the persistence contract. Writes serialize; reads may run
// concurrently with each other and with a writer.
type Store interface {
	// Put appends one outcome record. It must be durable on return:
	// the orchestrator acknowledges the source event only afterwards.
	Put(ctx context.Context, rec *core.OutcomeRecord) error

	// GetOutcome returns the record with the given ID or ErrNotFound.
	GetOutcome(ctx context.Context, outcomeID string) (*core.OutcomeRecord, error)

	// ListRecent returns the most recent records, newest first.
	ListRecent(ctx context.Context, limit int) ([]*core.OutcomeRecord, error)

	// ModuleHistory counts failure and re_killed outcomes for a module
	// within the rolling window. Feeds the false-positive risk factor.
	ModuleHistory(ctx context.Context, module string, window time.Duration) (int, error)

	// Statistics aggregates outcomes recorded within the window.
	Statistics(ctx context.Context, window time.Duration) (*Statistics, error)

	// ModuleStats aggregates outcomes for one module within the window.
	ModuleStats(ctx context.Context, module string, window time.Duration) (*ModuleStats, error)

	// SeenKill reports whether any outcome references killID within the
	// window. Used to deduplicate at-least-once stream redelivery.
	SeenKill(ctx context.Context, killID string, window time.Duration) (bool, error)

	// UpdateOutcome patches allowlisted fields of an existing record,
	// e.g. when human feedback corrects a decision after the fact.
	UpdateOutcome(ctx context.Context, outcomeID string, updates map[string]interface{}) error

	Close() error
}

// New picks the driver named in config.
func New(cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLite(cfg.Path, logger)
	case "postgres":
		return NewPostgres(cfg.DSN, logger)
	case "memory":
		return NewMemory(logger), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// columnForField resolves a caller-supplied field name against the
// allowlist. Anything unknown is rejected before query assembly.
func columnForField(field string) (string, error) {
	col, ok := updatableFields[field]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return col, nil
}
