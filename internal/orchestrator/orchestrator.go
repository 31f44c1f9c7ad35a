// Package orchestrator coordinates the resurrection pipeline. A single
// loop consumes kill reports and drives each one through enrichment,
// decision, action and durable recording, acknowledging the stream message
// only after its outcome is on disk. Tickers on the same loop expire
// pending reviews and recalibrate the auto-approval threshold.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/core"
	"github.com/medic-agent/medic/internal/events"
	"github.com/medic-agent/medic/internal/metrics"
	"github.com/medic-agent/medic/internal/pending"
	"github.com/medic-agent/medic/internal/resurrect"
	"github.com/medic-agent/medic/internal/risk"
	"github.com/medic-agent/medic/internal/siem"
	"github.com/medic-agent/medic/internal/store"
	"github.com/medic-agent/medic/internal/stream"
)

const (
	// enrichTimeout bounds one SIEM enrichment call.
	enrichTimeout = 5 * time.Second

	// restartTimeout bounds one full resurrection, health polling included.
	restartTimeout = 90 * time.Second

	// dedupeWindow is how long a recorded kill ID suppresses redelivery.
	dedupeWindow = 24 * time.Hour

	// sweepInterval is the pending-review expiry cadence.
	sweepInterval = time.Second

	// storeDownLimit is how long the outcome store may keep failing
	// before the process gives up.
	storeDownLimit = 30 * time.Second
)

var (
	// ErrNotPending reports an approval for a kill with no queued decision.
	ErrNotPending = errors.New("no pending decision for kill")

	// ErrInFlight reports an approval racing one already underway.
	ErrInFlight = errors.New("approval already in flight")

	// ErrStoreFatal marks outcome-store failures the process cannot
	// recover from. main maps it to its own exit code.
	ErrStoreFatal = errors.New("outcome store unrecoverable")
)

// Components are the collaborators the orchestrator drives.
type Components struct {
	Listener    stream.Listener
	SIEM        siem.Client
	Engine      *risk.Engine
	Resurrector resurrect.Resurrector
	Queue       *pending.Queue
	Store       store.Store
	Calibrator  *risk.Calibrator
	Hub         *events.Hub
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Orchestrator is the single writer over the decision pipeline. The HTTP
// approve path runs concurrently with the loop; the pending queue and the
// in-flight set carry their own locks for that.
type Orchestrator struct {
	mode        string
	listener    stream.Listener
	siem        siem.Client
	engine      *risk.Engine
	resurrector resurrect.Resurrector
	queue       *pending.Queue
	store       store.Store
	calibrator  *risk.Calibrator
	hub         *events.Hub
	logger      *zap.Logger
	metrics     *metrics.Metrics

	calibrationInterval time.Duration

	mu             sync.Mutex
	inflight       map[string]bool
	storeDownSince time.Time
}

// New wires the pipeline from validated configuration.
func New(cfg *config.Config, c Components) *Orchestrator {
	interval := time.Duration(cfg.Calibration.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	return &Orchestrator{
		mode:                cfg.Mode,
		listener:            c.Listener,
		siem:                c.SIEM,
		engine:              c.Engine,
		resurrector:         c.Resurrector,
		queue:               c.Queue,
		store:               c.Store,
		calibrator:          c.Calibrator,
		hub:                 c.Hub,
		logger:              c.Logger.Named("orchestrator"),
		metrics:             c.Metrics,
		calibrationInterval: interval,
		inflight:            make(map[string]bool),
	}
}

// Run consumes the stream until ctx is canceled or the store turns fatal.
// Kill reports are processed strictly one at a time in delivery order.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", zap.String("mode", o.mode))

	o.calibrate(ctx)

	msgs := o.listener.Listen(ctx)
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	recal := time.NewTicker(o.calibrationInterval)
	defer recal.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping")
			return nil

		case <-sweep.C:
			if err := o.expirePending(ctx, time.Now().UTC()); err != nil {
				return err
			}

		case <-recal.C:
			o.calibrate(ctx)

		case msg, ok := <-msgs:
			if !ok {
				o.logger.Info("stream closed, orchestrator stopping")
				return nil
			}
			// Shutdown lets the in-flight message finish; every step
			// below carries its own deadline.
			if err := o.process(context.WithoutCancel(ctx), msg); err != nil {
				if errors.Is(err, ErrStoreFatal) {
					return err
				}
				o.logger.Error("processing failed, message left unacked",
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
			}
		}
	}
}

// process drives one stream message through the pipeline. A nil return
// means the message was acknowledged (processed, duplicate or recorded
// invalid); an error leaves it unacked for redelivery.
func (o *Orchestrator) process(ctx context.Context, msg stream.Message) error {
	start := time.Now()

	kr, err := core.ParseKillReport(msg.Payload)
	if err != nil {
		return o.recordInvalid(ctx, msg, err)
	}

	seen, err := o.store.SeenKill(ctx, kr.KillID, dedupeWindow)
	if err != nil {
		o.metrics.RecordError("internal")
		return o.storeFailure(fmt.Errorf("dedupe lookup: %w", err))
	}
	o.storeRecovered()
	if seen {
		o.metrics.RecordReport("duplicate")
		o.logger.Info("duplicate kill acked without reprocessing",
			zap.String("kill_id", kr.KillID))
		return o.ack(ctx, msg)
	}

	ectx, cancel := context.WithTimeout(ctx, enrichTimeout)
	enrichment := o.siem.Enrich(ectx, kr)
	cancel()

	decision := o.engine.Decide(ctx, kr, enrichment)
	o.hub.Emit(events.TypeDecision, kr.KillID, decision)

	outcomeType := core.OutcomeUndetermined
	outcomeID := uuid.NewString()
	var result *resurrect.Result

	switch {
	case decision.Outcome == core.OutcomeApproveAuto && o.mode == "live":
		rctx, rcancel := context.WithTimeout(ctx, restartTimeout)
		result = o.resurrector.Restart(rctx, kr.TargetModule)
		rcancel()
		outcomeType = result.OutcomeType()
		o.hub.Emit(events.TypeResurrection, kr.KillID, result)

	case decision.Outcome == core.OutcomePendingReview:
		entry := &pending.Entry{Report: kr, Decision: decision, OutcomeID: outcomeID}
		if err := o.queue.Put(entry); err != nil {
			o.logger.Warn("pending queue full, downgrading decision to deny",
				zap.String("kill_id", kr.KillID))
			decision = denyDowngrade(decision)
		}
	}

	rec := newOutcome(outcomeID, kr, decision, outcomeType, result)
	if err := o.store.Put(ctx, rec); err != nil {
		o.metrics.RecordError("internal")
		return o.storeFailure(fmt.Errorf("outcome write: %w", err))
	}
	o.storeRecovered()
	o.hub.Emit(events.TypeOutcome, kr.KillID, rec)

	if err := o.ack(ctx, msg); err != nil {
		return err
	}
	o.metrics.RecordReport("processed")
	o.metrics.RecordDecision(string(decision.Outcome), string(decision.RiskLevel), time.Since(start))
	return nil
}

// recordInvalid writes the undetermined outcome for a payload that failed
// validation and acks it. These never retry; redelivering a bad payload
// cannot make it parse.
func (o *Orchestrator) recordInvalid(ctx context.Context, msg stream.Message, cause error) error {
	o.metrics.RecordReport("invalid")
	o.metrics.RecordError("validation")
	o.logger.Warn("invalid kill report",
		zap.String("message_id", msg.ID),
		zap.Error(cause),
	)

	rec := &core.OutcomeRecord{
		OutcomeID:        uuid.NewString(),
		KillID:           "invalid:" + msg.ID,
		Timestamp:        time.Now().UTC(),
		OutcomeType:      core.OutcomeUndetermined,
		OriginalDecision: core.OutcomeDefer,
		Metadata: map[string]interface{}{
			"reason": "invalid_input",
			"error":  cause.Error(),
		},
	}
	if err := o.store.Put(ctx, rec); err != nil {
		o.metrics.RecordError("internal")
		return o.storeFailure(fmt.Errorf("invalid-input outcome write: %w", err))
	}
	o.storeRecovered()
	return o.ack(ctx, msg)
}

// expirePending records an undetermined outcome for every review window
// closed as of now. Returns only fatal store errors.
func (o *Orchestrator) expirePending(ctx context.Context, now time.Time) error {
	for _, entry := range o.queue.ExpireDue(now) {
		rec := newOutcome(uuid.NewString(), entry.Report, entry.Decision, core.OutcomeUndetermined, nil)
		rec.Metadata = map[string]interface{}{"reason": "review_timeout"}

		if err := o.store.Put(ctx, rec); err != nil {
			o.metrics.RecordError("internal")
			o.logger.Error("expiry outcome write failed, requeueing entry",
				zap.String("kill_id", entry.Report.KillID),
				zap.Error(err),
			)
			// Keep the entry so a later sweep retries it.
			if qerr := o.queue.Put(entry); qerr != nil {
				o.logger.Error("requeue failed, expiry outcome lost",
					zap.String("kill_id", entry.Report.KillID),
					zap.Error(qerr),
				)
			}
			if ferr := o.storeFailure(err); errors.Is(ferr, ErrStoreFatal) {
				return ferr
			}
			continue
		}
		o.storeRecovered()
		o.hub.Emit(events.TypeOutcome, entry.Report.KillID, rec)
		o.logger.Info("pending review expired",
			zap.String("kill_id", entry.Report.KillID),
			zap.String("outcome_id", rec.OutcomeID),
		)
	}
	return nil
}

func (o *Orchestrator) calibrate(ctx context.Context) {
	if err := o.calibrator.Run(ctx); err != nil {
		o.metrics.RecordError("transient")
		o.logger.Warn("calibration pass failed", zap.Error(err))
	}
}

func (o *Orchestrator) ack(ctx context.Context, msg stream.Message) error {
	if err := o.listener.Ack(ctx, msg.ID); err != nil {
		// Redelivery of an already-recorded kill is caught by dedupe.
		o.metrics.RecordError("transient")
		return fmt.Errorf("ack %s: %w", msg.ID, err)
	}
	return nil
}

// storeFailure folds one store error into the fatal tracker. Schema
// mismatches are fatal immediately; anything else turns fatal once the
// store has been failing for storeDownLimit without an intervening
// success.
func (o *Orchestrator) storeFailure(err error) error {
	if errors.Is(err, store.ErrSchemaVersion) {
		o.metrics.RecordError("fatal")
		return fmt.Errorf("%w: %w", ErrStoreFatal, err)
	}

	o.mu.Lock()
	if o.storeDownSince.IsZero() {
		o.storeDownSince = time.Now()
	}
	down := time.Since(o.storeDownSince)
	o.mu.Unlock()

	if down >= storeDownLimit {
		o.metrics.RecordError("fatal")
		return fmt.Errorf("%w: failing for %s: %w", ErrStoreFatal, down.Round(time.Second), err)
	}
	return fmt.Errorf("store failing for %s: %w", down.Round(time.Second), err)
}

func (o *Orchestrator) storeRecovered() {
	o.mu.Lock()
	o.storeDownSince = time.Time{}
	o.mu.Unlock()
}

// denyDowngrade rewrites a pending decision as a deny under backpressure.
func denyDowngrade(d *core.Decision) *core.Decision {
	downgraded := *d
	downgraded.Outcome = core.OutcomeDeny
	downgraded.RequiresHumanReview = false
	downgraded.TimeoutMinutes = 0
	downgraded.Reasoning = append(append([]string{}, d.Reasoning...),
		"pending queue at capacity: downgraded to deny")
	return &downgraded
}

// newOutcome builds the durable record for one decided kill. Health
// figures are attached only when a resurrection actually reached healthy.
func newOutcome(outcomeID string, kr *core.KillReport, d *core.Decision, ot core.OutcomeType, result *resurrect.Result) *core.OutcomeRecord {
	rec := &core.OutcomeRecord{
		OutcomeID:          outcomeID,
		DecisionID:         d.DecisionID,
		KillID:             kr.KillID,
		TargetModule:       kr.TargetModule,
		Timestamp:          time.Now().UTC(),
		OutcomeType:        ot,
		OriginalRiskScore:  d.RiskScore,
		OriginalConfidence: d.Confidence,
		OriginalDecision:   d.Outcome,
		WasAutoApproved:    d.Outcome == core.OutcomeApproveAuto,
	}
	if result != nil {
		rec.RequiredRollback = result.RolledBack
		if result.Status == resurrect.StatusSuccess {
			ttH := result.TimeToHealthySeconds
			hs := result.HealthScoreAfter
			rec.TimeToHealthySeconds = &ttH
			rec.HealthScoreAfter = &hs
		}
	}
	return rec
}
