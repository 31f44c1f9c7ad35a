package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/medic-agent/medic/internal/core"
)

// timeLayout is RFC3339 with a fixed nine-digit fraction so that stored
// UTC timestamps compare lexicographically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const outcomeColumns = `outcome_id, decision_id, kill_id, target_module, timestamp,
	outcome_type, original_risk_score, original_confidence, original_decision,
	was_auto_approved, health_score_after, time_to_healthy, anomalies_detected,
	required_rollback, feedback_source, human_feedback, corrected_decision, metadata`

// SQLiteStore persists outcomes in a single local database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLite opens (creating if needed) the database file at path and
// ensures the schema. A version mismatch returns ErrSchemaVersion.
func NewSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("outcome store ready", zap.String("driver", "sqlite"), zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	ctx := context.Background()

	// WAL keeps readers unblocked while the orchestrator writes.
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch version {
	case 0:
		// Fresh database.
	case schemaVersion:
		return nil
	default:
		return fmt.Errorf("%w: file has version %d, this build expects %d", ErrSchemaVersion, version, schemaVersion)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS outcomes (
		outcome_id TEXT PRIMARY KEY,
		decision_id TEXT NOT NULL,
		kill_id TEXT NOT NULL,
		target_module TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		outcome_type TEXT NOT NULL,
		original_risk_score REAL NOT NULL,
		original_confidence REAL NOT NULL,
		original_decision TEXT NOT NULL,
		was_auto_approved INTEGER NOT NULL,
		health_score_after REAL,
		time_to_healthy REAL,
		anomalies_detected INTEGER DEFAULT 0,
		required_rollback INTEGER DEFAULT 0,
		feedback_source TEXT DEFAULT 'automated',
		human_feedback TEXT,
		corrected_decision TEXT,
		metadata TEXT DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_module ON outcomes(target_module);
	CREATE INDEX IF NOT EXISTS idx_outcomes_type ON outcomes(outcome_type);
	CREATE INDEX IF NOT EXISTS idx_outcomes_timestamp ON outcomes(timestamp);
	CREATE INDEX IF NOT EXISTS idx_outcomes_kill ON outcomes(kill_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_auto ON outcomes(was_auto_approved);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec *core.OutcomeRecord) error {
	metaJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT OR REPLACE INTO outcomes (` + outcomeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.OutcomeID,
			rec.DecisionID,
			rec.KillID,
			rec.TargetModule,
			rec.Timestamp.UTC().Format(timeLayout),
			string(rec.OutcomeType),
			rec.OriginalRiskScore,
			rec.OriginalConfidence,
			string(rec.OriginalDecision),
			boolToInt(rec.WasAutoApproved),
			rec.HealthScoreAfter,
			rec.TimeToHealthySeconds,
			rec.AnomaliesDetected,
			boolToInt(rec.RequiredRollback),
			rec.FeedbackSource,
			nullable(rec.HumanFeedback),
			nullable(rec.CorrectedDecision),
			metaJSON,
		)
		if err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetOutcome(ctx context.Context, outcomeID string) (*core.OutcomeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE outcome_id = ?`, outcomeID)
	rec, err := scanOutcome(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*core.OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes
		 ORDER BY timestamp DESC, outcome_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent outcomes: %w", err)
	}
	defer rows.Close()

	var records []*core.OutcomeRecord
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) ModuleHistory(ctx context.Context, module string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window).Format(timeLayout)

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outcomes
		 WHERE target_module = ? AND outcome_type IN ('failure', 're_killed') AND timestamp >= ?`,
		module, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("module history: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Statistics(ctx context.Context, window time.Duration) (*Statistics, error) {
	cutoff := time.Now().UTC().Add(-window).Format(timeLayout)

	stats := &Statistics{CountsByType: make(map[core.OutcomeType]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome_type, COUNT(*) FROM outcomes WHERE timestamp >= ? GROUP BY outcome_type`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("statistics by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		stats.CountsByType[core.OutcomeType(typ)] = count
		stats.TotalOutcomes += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.SuccessCount = stats.CountsByType[core.OutcomeSuccess]
	stats.FailureCount = stats.CountsByType[core.OutcomeFailure]
	stats.RollbackCount = stats.CountsByType[core.OutcomeRollback]

	var autoTotal, autoSuccess, overrides, total sql.NullInt64
	var minTS, maxTS sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT
			SUM(CASE WHEN was_auto_approved = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN was_auto_approved = 1 AND outcome_type = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN corrected_decision IS NOT NULL AND corrected_decision != '' THEN 1 ELSE 0 END),
			COUNT(*), MIN(timestamp), MAX(timestamp)
		 FROM outcomes WHERE timestamp >= ?`, cutoff).
		Scan(&autoTotal, &autoSuccess, &overrides, &total, &minTS, &maxTS)
	if err != nil {
		return nil, fmt.Errorf("statistics aggregate: %w", err)
	}

	stats.AutoApprovedCount = int(autoTotal.Int64)
	stats.AutoApprovedSuccess = int(autoSuccess.Int64)
	if stats.AutoApprovedCount > 0 {
		stats.AutoApproveAccuracy = float64(stats.AutoApprovedSuccess) / float64(stats.AutoApprovedCount)
	}
	if total.Int64 > 0 {
		stats.HumanOverrideRate = float64(overrides.Int64) / float64(total.Int64)
	}
	stats.PeriodStart = parseStoredTime(minTS.String)
	stats.PeriodEnd = parseStoredTime(maxTS.String)

	var avgRiskSuccess, avgTime sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(original_risk_score), AVG(time_to_healthy)
		 FROM outcomes WHERE timestamp >= ? AND outcome_type = 'success'`, cutoff).
		Scan(&avgRiskSuccess, &avgTime)
	if err != nil {
		return nil, fmt.Errorf("statistics success averages: %w", err)
	}
	stats.AvgRiskScoreSuccess = avgRiskSuccess.Float64
	stats.AvgTimeToHealthy = avgTime.Float64

	var avgRiskFailure sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(original_risk_score)
		 FROM outcomes WHERE timestamp >= ? AND outcome_type IN ('failure', 'rollback')`, cutoff).
		Scan(&avgRiskFailure)
	if err != nil {
		return nil, fmt.Errorf("statistics failure averages: %w", err)
	}
	stats.AvgRiskScoreFailure = avgRiskFailure.Float64

	return stats, nil
}

func (s *SQLiteStore) ModuleStats(ctx context.Context, module string, window time.Duration) (*ModuleStats, error) {
	cutoff := time.Now().UTC().Add(-window).Format(timeLayout)

	var total, success, failure sql.NullInt64
	var avgRisk, avgRecovery sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			SUM(CASE WHEN outcome_type = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome_type IN ('failure', 'rollback') THEN 1 ELSE 0 END),
			AVG(original_risk_score),
			AVG(time_to_healthy)
		 FROM outcomes WHERE target_module = ? AND timestamp >= ?`,
		module, cutoff).
		Scan(&total, &success, &failure, &avgRisk, &avgRecovery)
	if err != nil {
		return nil, fmt.Errorf("module stats: %w", err)
	}

	ms := &ModuleStats{
		Module:             module,
		TotalResurrections: int(total.Int64),
		SuccessCount:       int(success.Int64),
		FailureCount:       int(failure.Int64),
		AvgRiskScore:       avgRisk.Float64,
		AvgRecoveryTime:    avgRecovery.Float64,
	}
	if ms.TotalResurrections > 0 {
		ms.SuccessRate = float64(ms.SuccessCount) / float64(ms.TotalResurrections)
	}
	return ms, nil
}

func (s *SQLiteStore) SeenKill(ctx context.Context, killID string, window time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-window).Format(timeLayout)

	var seen int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM outcomes WHERE kill_id = ? AND timestamp >= ?)`,
		killID, cutoff).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return seen == 1, nil
}

func (s *SQLiteStore) UpdateOutcome(ctx context.Context, outcomeID string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}

	setClauses := make([]string, 0, len(updates))
	args := make([]interface{}, 0, len(updates)+1)
	for field, value := range updates {
		col, err := columnForField(field)
		if err != nil {
			return err
		}
		converted, err := convertUpdateValue(field, value)
		if err != nil {
			return err
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, converted)
	}
	args = append(args, outcomeID)

	query := "UPDATE outcomes SET " + strings.Join(setClauses, ", ") + " WHERE outcome_id = ?"

	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update outcome: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Row conversion helpers shared by the sqlite and postgres drivers
// ============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOutcome(row rowScanner) (*core.OutcomeRecord, error) {
	var rec core.OutcomeRecord
	var ts, outcomeType, decision, metaJSON string
	var wasAuto, requiredRollback int
	var healthScore, timeToHealthy sql.NullFloat64
	var humanFeedback, correctedDec sql.NullString
	err := row.Scan(
		&rec.OutcomeID,
		&rec.DecisionID,
		&rec.KillID,
		&rec.TargetModule,
		&ts,
		&outcomeType,
		&rec.OriginalRiskScore,
		&rec.OriginalConfidence,
		&decision,
		&wasAuto,
		&healthScore,
		&timeToHealthy,
		&rec.AnomaliesDetected,
		&requiredRollback,
		&rec.FeedbackSource,
		&humanFeedback,
		&correctedDec,
		&metaJSON,
	)
	if err != nil {
		return nil, err
	}

	rec.Timestamp = parseStoredTime(ts)
	rec.OutcomeType = core.OutcomeType(outcomeType)
	rec.OriginalDecision = core.DecisionOutcome(decision)
	rec.WasAutoApproved = wasAuto == 1
	rec.RequiredRollback = requiredRollback == 1
	if healthScore.Valid {
		v := healthScore.Float64
		rec.HealthScoreAfter = &v
	}
	if timeToHealthy.Valid {
		v := timeToHealthy.Float64
		rec.TimeToHealthySeconds = &v
	}
	rec.HumanFeedback = humanFeedback.String
	rec.CorrectedDecision = correctedDec.String
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode outcome metadata: %w", err)
		}
	}
	return &rec, nil
}

func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalMetadata(metadata map[string]interface{}) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode outcome metadata: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// convertUpdateValue normalizes caller-supplied update values to what the
// column stores: bools become integers, metadata maps become JSON text.
func convertUpdateValue(field string, value interface{}) (interface{}, error) {
	switch field {
	case "required_rollback":
		if b, ok := value.(bool); ok {
			return boolToInt(b), nil
		}
		return value, nil
	case "metadata":
		if m, ok := value.(map[string]interface{}); ok {
			return marshalMetadata(m)
		}
		return value, nil
	case "outcome_type":
		if t, ok := value.(core.OutcomeType); ok {
			return string(t), nil
		}
		return value, nil
	}
	return value, nil
}
