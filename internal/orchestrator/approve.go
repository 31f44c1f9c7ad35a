package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/core"
	"github.com/medic-agent/medic/internal/events"
)

// Approve advances a pending decision on behalf of a human reviewer: the
// entry leaves the queue, the container is restarted, a terminal outcome
// is recorded, and the undetermined record written at enqueue time is
// annotated with the feedback. Called from the HTTP surface, concurrently
// with the stream loop.
func (o *Orchestrator) Approve(ctx context.Context, killID string) (*core.OutcomeRecord, error) {
	start := time.Now()
	if !o.beginApproval(killID) {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, killID)
	}
	defer o.endApproval(killID)

	entry, ok := o.queue.Take(killID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, killID)
	}

	o.logger.Info("pending decision approved",
		zap.String("kill_id", killID),
		zap.String("target_module", entry.Report.TargetModule),
	)

	rctx, cancel := context.WithTimeout(ctx, restartTimeout)
	defer cancel()
	result := o.resurrector.Restart(rctx, entry.Report.TargetModule)
	o.hub.Emit(events.TypeResurrection, killID, result)

	decision := *entry.Decision
	decision.Outcome = core.OutcomeApproveManual

	rec := newOutcome(uuid.NewString(), entry.Report, &decision, result.OutcomeType(), result)
	if err := o.store.Put(ctx, rec); err != nil {
		o.metrics.RecordError("internal")
		return nil, o.storeFailure(fmt.Errorf("approval outcome write: %w", err))
	}
	o.storeRecovered()
	o.hub.Emit(events.TypeOutcome, killID, rec)

	// Close the loop on the record that parked this kill for review.
	updates := map[string]interface{}{
		"feedback_source":    "human",
		"human_feedback":     "approved",
		"corrected_decision": string(core.OutcomeApproveManual),
	}
	if err := o.store.UpdateOutcome(ctx, entry.OutcomeID, updates); err != nil {
		// The terminal record above already carries the result.
		o.logger.Warn("feedback annotation failed",
			zap.String("outcome_id", entry.OutcomeID),
			zap.Error(err),
		)
	}

	o.logger.Info("approval resolved",
		zap.String("kill_id", killID),
		zap.String("outcome_type", string(rec.OutcomeType)),
		zap.Duration("took", time.Since(start)),
	)
	return rec, nil
}

func (o *Orchestrator) beginApproval(killID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[killID] {
		return false
	}
	o.inflight[killID] = true
	return true
}

func (o *Orchestrator) endApproval(killID string) {
	o.mu.Lock()
	delete(o.inflight, killID)
	o.mu.Unlock()
}
