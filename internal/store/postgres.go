package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/core"
)

// PostgresStore persists outcomes in a shared Postgres database. The
// logical schema mirrors the sqlite driver (fixed-layout UTC text
// timestamps, integer booleans) so both drivers share row conversion.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgres connects using the configured DSN. The password is never
// part of the DSN; it comes from MEDIC_STORE_PASSWORD and is handed to
// the driver through its standard environment lookup.
func NewPostgres(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if pw := os.Getenv("MEDIC_STORE_PASSWORD"); pw != "" {
		os.Setenv("PGPASSWORD", pw)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres store: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("outcome store ready", zap.String("driver", "postgres"))
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_meta (version) VALUES ($1)`, schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("%w: database has version %d, this build expects %d", ErrSchemaVersion, version, schemaVersion)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS outcomes (
		outcome_id TEXT PRIMARY KEY,
		decision_id TEXT NOT NULL,
		kill_id TEXT NOT NULL,
		target_module TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		outcome_type TEXT NOT NULL,
		original_risk_score DOUBLE PRECISION NOT NULL,
		original_confidence DOUBLE PRECISION NOT NULL,
		original_decision TEXT NOT NULL,
		was_auto_approved INTEGER NOT NULL,
		health_score_after DOUBLE PRECISION,
		time_to_healthy DOUBLE PRECISION,
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
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *core.OutcomeRecord) error {
	metaJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO outcomes (` + outcomeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (outcome_id) DO NOTHING`

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

func (s *PostgresStore) GetOutcome(ctx context.Context, outcomeID string) (*core.OutcomeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE outcome_id = $1`, outcomeID)
	rec, err := scanOutcome(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*core.OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes
		 ORDER BY timestamp DESC, outcome_id DESC LIMIT $1`, limit)
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

func (s *PostgresStore) ModuleHistory(ctx context.Context, module string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window).Format(timeLayout)

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outcomes
		 WHERE target_module = $1 AND outcome_type IN ('failure', 're_killed') AND timestamp >= $2`,
		module, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("module history: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Statistics(ctx context.Context, window time.Duration) (*Statistics, error) {
	cutoff := time.Now().UTC().Add(-window).Format(timeLayout)

	stats := &Statistics{CountsByType: make(map[core.OutcomeType]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome_type, COUNT(*) FROM outcomes WHERE timestamp >= $1 GROUP BY outcome_type`, cutoff)
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
		 FROM outcomes WHERE timestamp >= $1`, cutoff).
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
		 FROM outcomes WHERE timestamp >= $1 AND outcome_type = 'success'`, cutoff).
		Scan(&avgRiskSuccess, &avgTime)
	if err != nil {
		return nil, fmt.Errorf("statistics success averages: %w", err)
	}
	stats.AvgRiskScoreSuccess = avgRiskSuccess.Float64
	stats.AvgTimeToHealthy = avgTime.Float64

	var avgRiskFailure sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(original_risk_score)
		 FROM outcomes WHERE timestamp >= $1 AND outcome_type IN ('failure', 'rollback')`, cutoff).
		Scan(&avgRiskFailure)
	if err != nil {
		return nil, fmt.Errorf("statistics failure averages: %w", err)
	}
	stats.AvgRiskScoreFailure = avgRiskFailure.Float64

	return stats, nil
}

func (s *PostgresStore) ModuleStats(ctx context.Context, module string, window time.Duration) (*ModuleStats, error) {
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
		 FROM outcomes WHERE target_module = $1 AND timestamp >= $2`,
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

func (s *PostgresStore) SeenKill(ctx context.Context, killID string, window time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-window).Format(timeLayout)

	var seen bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM outcomes WHERE kill_id = $1 AND timestamp >= $2)`,
		killID, cutoff).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return seen, nil
}

func (s *PostgresStore) UpdateOutcome(ctx context.Context, outcomeID string, updates map[string]interface{}) error {
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
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, len(args)+1))
		args = append(args, converted)
	}
	args = append(args, outcomeID)

	query := fmt.Sprintf("UPDATE outcomes SET %s WHERE outcome_id = $%d",
		strings.Join(setClauses, ", "), len(args))

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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
