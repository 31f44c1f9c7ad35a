package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/core"
)

// MemoryStore keeps outcomes in process memory. Used by the memory driver
// and throughout the test suites; contents vanish on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*core.OutcomeRecord
	order   []string
	logger  *zap.Logger
}

func NewMemory(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*core.OutcomeRecord),
		logger:  logger,
	}
}

func (s *MemoryStore) Put(ctx context.Context, rec *core.OutcomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *rec
	if _, exists := s.records[rec.OutcomeID]; !exists {
		s.order = append(s.order, rec.OutcomeID)
	}
	s.records[rec.OutcomeID] = &clone
	return nil
}

func (s *MemoryStore) GetOutcome(ctx context.Context, outcomeID string) (*core.OutcomeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[outcomeID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*core.OutcomeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*core.OutcomeRecord, 0, len(s.records))
	for _, id := range s.order {
		clone := *s.records[id]
		all = append(all, &clone)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].OutcomeID > all[j].OutcomeID
		}
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) ModuleHistory(ctx context.Context, module string, window time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-window)
	count := 0
	for _, rec := range s.records {
		if rec.TargetModule != module || rec.Timestamp.Before(cutoff) {
			continue
		}
		if rec.OutcomeType == core.OutcomeFailure || rec.OutcomeType == core.OutcomeReKilled {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Statistics(ctx context.Context, window time.Duration) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-window)
	stats := &Statistics{CountsByType: make(map[core.OutcomeType]int)}

	var sumRiskSuccess, sumRiskFailure, sumTime float64
	var failureLike, timed, overrides int

	for _, rec := range s.records {
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		stats.TotalOutcomes++
		stats.CountsByType[rec.OutcomeType]++

		if stats.PeriodStart.IsZero() || rec.Timestamp.Before(stats.PeriodStart) {
			stats.PeriodStart = rec.Timestamp
		}
		if rec.Timestamp.After(stats.PeriodEnd) {
			stats.PeriodEnd = rec.Timestamp
		}

		if rec.WasAutoApproved {
			stats.AutoApprovedCount++
			if rec.OutcomeType == core.OutcomeSuccess {
				stats.AutoApprovedSuccess++
			}
		}
		if rec.CorrectedDecision != "" {
			overrides++
		}

		switch rec.OutcomeType {
		case core.OutcomeSuccess:
			sumRiskSuccess += rec.OriginalRiskScore
			if rec.TimeToHealthySeconds != nil {
				sumTime += *rec.TimeToHealthySeconds
				timed++
			}
		case core.OutcomeFailure, core.OutcomeRollback:
			sumRiskFailure += rec.OriginalRiskScore
			failureLike++
		}
	}

	stats.SuccessCount = stats.CountsByType[core.OutcomeSuccess]
	stats.FailureCount = stats.CountsByType[core.OutcomeFailure]
	stats.RollbackCount = stats.CountsByType[core.OutcomeRollback]

	if stats.AutoApprovedCount > 0 {
		stats.AutoApproveAccuracy = float64(stats.AutoApprovedSuccess) / float64(stats.AutoApprovedCount)
	}
	if stats.TotalOutcomes > 0 {
		stats.HumanOverrideRate = float64(overrides) / float64(stats.TotalOutcomes)
	}
	if stats.SuccessCount > 0 {
		stats.AvgRiskScoreSuccess = sumRiskSuccess / float64(stats.SuccessCount)
	}
	if failureLike > 0 {
		stats.AvgRiskScoreFailure = sumRiskFailure / float64(failureLike)
	}
	if timed > 0 {
		stats.AvgTimeToHealthy = sumTime / float64(timed)
	}
	return stats, nil
}

func (s *MemoryStore) ModuleStats(ctx context.Context, module string, window time.Duration) (*ModuleStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-window)
	ms := &ModuleStats{Module: module}

	var sumRisk, sumRecovery float64
	var timed int
	for _, rec := range s.records {
		if rec.TargetModule != module || rec.Timestamp.Before(cutoff) {
			continue
		}
		ms.TotalResurrections++
		sumRisk += rec.OriginalRiskScore
		switch rec.OutcomeType {
		case core.OutcomeSuccess:
			ms.SuccessCount++
		case core.OutcomeFailure, core.OutcomeRollback:
			ms.FailureCount++
		}
		if rec.TimeToHealthySeconds != nil {
			sumRecovery += *rec.TimeToHealthySeconds
			timed++
		}
	}

	if ms.TotalResurrections > 0 {
		ms.SuccessRate = float64(ms.SuccessCount) / float64(ms.TotalResurrections)
		ms.AvgRiskScore = sumRisk / float64(ms.TotalResurrections)
	}
	if timed > 0 {
		ms.AvgRecoveryTime = sumRecovery / float64(timed)
	}
	return ms, nil
}

func (s *MemoryStore) SeenKill(ctx context.Context, killID string, window time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-window)
	for _, rec := range s.records {
		if rec.KillID == killID && !rec.Timestamp.Before(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) UpdateOutcome(ctx context.Context, outcomeID string, updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[outcomeID]
	if !ok {
		return ErrNotFound
	}

	// Reject the whole patch before touching the record so a bad field
	// cannot leave it half-updated.
	for field := range updates {
		if _, err := columnForField(field); err != nil {
			return err
		}
	}

	for field, value := range updates {
		switch field {
		case "outcome_type":
			switch v := value.(type) {
			case core.OutcomeType:
				rec.OutcomeType = v
			case string:
				rec.OutcomeType = core.OutcomeType(v)
			}
		case "health_score_after":
			if v, ok := value.(float64); ok {
				rec.HealthScoreAfter = &v
			}
		case "time_to_healthy":
			if v, ok := value.(float64); ok {
				rec.TimeToHealthySeconds = &v
			}
		case "anomalies_detected":
			if v, ok := value.(int); ok {
				rec.AnomaliesDetected = v
			}
		case "required_rollback":
			if v, ok := value.(bool); ok {
				rec.RequiredRollback = v
			}
		case "feedback_source":
			if v, ok := value.(string); ok {
				rec.FeedbackSource = v
			}
		case "human_feedback":
			if v, ok := value.(string); ok {
				rec.HumanFeedback = v
			}
		case "corrected_decision":
			if v, ok := value.(string); ok {
				rec.CorrectedDecision = v
			}
		case "metadata":
			if v, ok := value.(map[string]interface{}); ok {
				rec.Metadata = v
			}
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
