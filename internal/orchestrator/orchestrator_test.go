package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/core"
	"github.com/medic-agent/medic/internal/events"
	"github.com/medic-agent/medic/internal/logging"
	"github.com/medic-agent/medic/internal/metrics"
	"github.com/medic-agent/medic/internal/pending"
	"github.com/medic-agent/medic/internal/resurrect"
	"github.com/medic-agent/medic/internal/risk"
	"github.com/medic-agent/medic/internal/store"
	"github.com/medic-agent/medic/internal/stream"
)

// ----------------------------------------------------------------------------
// Fakes
// ----------------------------------------------------------------------------

type fakeListener struct {
	ch chan stream.Message

	mu      sync.Mutex
	acked   []string
	ackErrs int
}

func newFakeListener() *fakeListener {
	return &fakeListener{ch: make(chan stream.Message, 16)}
}

func (l *fakeListener) Listen(ctx context.Context) <-chan stream.Message {
	out := make(chan stream.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-l.ch:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (l *fakeListener) Ack(ctx context.Context, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ackErrs > 0 {
		l.ackErrs--
		return errors.New("ack refused")
	}
	l.acked = append(l.acked, messageID)
	return nil
}

func (l *fakeListener) Close() error { return nil }

func (l *fakeListener) ackedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.acked...)
}

type fakeResurrector struct {
	mu     sync.Mutex
	result resurrect.Result
	calls  []string
}

func (f *fakeResurrector) Restart(ctx context.Context, targetModule string) *resurrect.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, targetModule)
	res := f.result
	return &res
}

func (f *fakeResurrector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type stubSIEM struct {
	result core.SIEMResult
}

func (s *stubSIEM) Enrich(ctx context.Context, kr *core.KillReport) core.SIEMResult {
	return s.result
}

func (s *stubSIEM) HealthCheck(ctx context.Context) error { return nil }

// faultStore simulates a degraded backend: while failErr is set, every
// lookup and write fails with it.
type faultStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	failErr error
}

func (f *faultStore) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failErr
}

func (f *faultStore) setFailErr(err error) {
	f.mu.Lock()
	f.failErr = err
	f.mu.Unlock()
}

func (f *faultStore) Put(ctx context.Context, rec *core.OutcomeRecord) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.MemoryStore.Put(ctx, rec)
}

func (f *faultStore) SeenKill(ctx context.Context, killID string, window time.Duration) (bool, error) {
	if err := f.fail(); err != nil {
		return false, err
	}
	return f.MemoryStore.SeenKill(ctx, killID, window)
}

// ----------------------------------------------------------------------------
// Harness
// ----------------------------------------------------------------------------

type harness struct {
	orc      *Orchestrator
	listener *fakeListener
	siem     *stubSIEM
	executor *fakeResurrector
	queue    *pending.Queue
	store    store.Store
	hub      *events.Hub
}

func newHarness(t *testing.T, cfg *config.Config, st store.Store) *harness {
	t.Helper()

	logger := logging.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	engine := risk.New(cfg, st, logger)
	queue := pending.NewQueue(logger, m)
	hub := events.NewHub()
	listener := newFakeListener()
	executor := &fakeResurrector{result: resurrect.Result{
		Status:               resurrect.StatusSuccess,
		ContainerID:          "c1",
		TimeToHealthySeconds: 2.5,
		HealthScoreAfter:     0.97,
		Attempts:             1,
	}}
	sm := &stubSIEM{result: core.NoopSIEMResult()}

	orc := New(cfg, Components{
		Listener:    listener,
		SIEM:        sm,
		Engine:      engine,
		Resurrector: executor,
		Queue:       queue,
		Store:       st,
		Calibrator:  risk.NewCalibrator(engine, st, cfg.Calibration, logger, m),
		Hub:         hub,
		Logger:      logger,
		Metrics:     m,
	})

	return &harness{
		orc:      orc,
		listener: listener,
		siem:     sm,
		executor: executor,
		queue:    queue,
		store:    st,
		hub:      hub,
	}
}

func memHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	return newHarness(t, cfg, store.NewMemory(logging.NewNop()))
}

func liveConfig() *config.Config {
	cfg := config.Default()
	cfg.Mode = "live"
	cfg.CriticalModules = []string{"billing", "auth-service"}
	return cfg
}

// autoApproveConfig relaxes the thresholds so a low-risk anomaly kill
// qualifies for automatic approval.
func autoApproveConfig() *config.Config {
	cfg := liveConfig()
	cfg.Decision.AutoApprove.MaxRisk = 0.5
	cfg.Decision.AutoApprove.MinConfidence = 0.25
	return cfg
}

func baseReport(killID, module string) *core.KillReport {
	return &core.KillReport{
		KillID:           killID,
		Timestamp:        time.Now().UTC(),
		TargetModule:     module,
		TargetInstanceID: module + "-1",
		SourceAgent:      "smith-01",
	}
}

// anomalyReport scores 0.38 against a SIEM result of {risk 0.2, fp 3}.
func anomalyReport(killID string) *core.KillReport {
	kr := baseReport(killID, "nginx-test")
	kr.KillReason = core.ReasonAnomalyBehavior
	kr.Severity = core.SeverityLow
	kr.ConfidenceScore = 0.4
	kr.Evidence = []string{"unusual_traffic"}
	return kr
}

// threatReport scores 0.972 against a SIEM result of {risk 0.9, fp 0}.
func threatReport(killID string) *core.KillReport {
	kr := baseReport(killID, "billing")
	kr.KillReason = core.ReasonThreatDetected
	kr.Severity = core.SeverityCritical
	kr.ConfidenceScore = 0.99
	kr.Evidence = []string{"c2_traffic", "crypto_mining"}
	return kr
}

// reviewReport lands between the auto-approve and deny bands.
func reviewReport(killID string) *core.KillReport {
	kr := baseReport(killID, "api-server")
	kr.KillReason = core.ReasonAnomalyBehavior
	kr.Severity = core.SeverityMedium
	kr.ConfidenceScore = 0.6
	kr.Evidence = []string{"memory_spike"}
	return kr
}

func message(t *testing.T, kr *core.KillReport) stream.Message {
	t.Helper()
	payload, err := core.EncodeKillReport(kr)
	require.NoError(t, err)
	return stream.Message{ID: "m-" + kr.KillID, Payload: payload}
}

func recentRecords(t *testing.T, st store.Store) []*core.OutcomeRecord {
	t.Helper()
	recs, err := st.ListRecent(context.Background(), 50)
	require.NoError(t, err)
	return recs
}

// ----------------------------------------------------------------------------
// Pipeline
// ----------------------------------------------------------------------------

func TestAutoApprovedKillIsRestartedAndRecorded(t *testing.T) {
	h := memHarness(t, autoApproveConfig())
	h.siem.result = core.SIEMResult{RiskScore: 0.2, FalsePositiveHistory: 3}

	msg := message(t, anomalyReport("k1"))
	require.NoError(t, h.orc.process(context.Background(), msg))

	assert.Equal(t, []string{"m-k1"}, h.listener.ackedIDs())
	assert.Equal(t, []string{"nginx-test"}, h.executor.calls)

	recs := recentRecords(t, h.store)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "k1", rec.KillID)
	assert.Equal(t, core.OutcomeSuccess, rec.OutcomeType)
	assert.Equal(t, core.OutcomeApproveAuto, rec.OriginalDecision)
	assert.True(t, rec.WasAutoApproved)
	assert.InDelta(t, 0.38, rec.OriginalRiskScore, 1e-9)
	require.NotNil(t, rec.TimeToHealthySeconds)
	assert.InDelta(t, 2.5, *rec.TimeToHealthySeconds, 1e-9)
	require.NotNil(t, rec.HealthScoreAfter)
	assert.InDelta(t, 0.97, *rec.HealthScoreAfter, 1e-9)
}

func TestCriticalThreatIsDeniedWithoutRestart(t *testing.T) {
	h := memHarness(t, liveConfig())
	h.siem.result = core.SIEMResult{RiskScore: 0.9, Recommendation: "block"}

	msg := message(t, threatReport("k2"))
	require.NoError(t, h.orc.process(context.Background(), msg))

	assert.Equal(t, []string{"m-k2"}, h.listener.ackedIDs())
	assert.Zero(t, h.executor.callCount())
	assert.Zero(t, h.queue.Len())

	recs := recentRecords(t, h.store)
	require.Len(t, recs, 1)
	assert.Equal(t, core.OutcomeUndetermined, recs[0].OutcomeType)
	assert.Equal(t, core.OutcomeDeny, recs[0].OriginalDecision)
	assert.False(t, recs[0].WasAutoApproved)
	assert.InDelta(t, 0.972, recs[0].OriginalRiskScore, 1e-9)
}

func TestPendingReviewParksDecisionUntilApproved(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, liveConfig())
	h.siem.result = core.SIEMResult{RiskScore: 0.5, FalsePositiveHistory: 1}

	require.NoError(t, h.orc.process(ctx, message(t, reviewReport("k3"))))

	assert.Equal(t, 1, h.queue.Len())
	assert.Zero(t, h.executor.callCount())

	recs := recentRecords(t, h.store)
	require.Len(t, recs, 1)
	parked := recs[0]
	assert.Equal(t, core.OutcomeUndetermined, parked.OutcomeType)
	assert.Equal(t, core.OutcomePendingReview, parked.OriginalDecision)

	rec, err := h.orc.Approve(ctx, "k3")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSuccess, rec.OutcomeType)
	assert.Equal(t, core.OutcomeApproveManual, rec.OriginalDecision)
	assert.False(t, rec.WasAutoApproved)
	assert.Equal(t, []string{"api-server"}, h.executor.calls)
	assert.Zero(t, h.queue.Len())

	// The enqueue-time record now carries the reviewer's feedback.
	annotated, err := h.store.GetOutcome(ctx, parked.OutcomeID)
	require.NoError(t, err)
	assert.Equal(t, "human", annotated.FeedbackSource)
	assert.Equal(t, "approved", annotated.HumanFeedback)
	assert.Equal(t, string(core.OutcomeApproveManual), annotated.CorrectedDecision)

	_, err = h.orc.Approve(ctx, "k3")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestExpiredReviewRecordsUndetermined(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, liveConfig())
	h.siem.result = core.SIEMResult{RiskScore: 0.5, FalsePositiveHistory: 1}

	require.NoError(t, h.orc.process(ctx, message(t, reviewReport("k4"))))
	require.Equal(t, 1, h.queue.Len())

	require.NoError(t, h.orc.expirePending(ctx, time.Now().UTC().Add(2*time.Hour)))
	assert.Zero(t, h.queue.Len())

	recs := recentRecords(t, h.store)
	require.Len(t, recs, 2)

	var expired *core.OutcomeRecord
	for _, rec := range recs {
		if rec.Metadata["reason"] == "review_timeout" {
			expired = rec
		}
	}
	require.NotNil(t, expired)
	assert.Equal(t, "k4", expired.KillID)
	assert.Equal(t, core.OutcomeUndetermined, expired.OutcomeType)
	assert.Zero(t, h.executor.callCount())

	_, err := h.orc.Approve(ctx, "k4")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestContainerNotFoundRecordsFailure(t *testing.T) {
	h := memHarness(t, autoApproveConfig())
	h.siem.result = core.SIEMResult{RiskScore: 0.2, FalsePositiveHistory: 3}
	h.executor.result = resurrect.Result{
		Status:  resurrect.StatusNotFound,
		Message: "no container labeled medic.module=nginx-test",
	}

	require.NoError(t, h.orc.process(context.Background(), message(t, anomalyReport("k5"))))

	recs := recentRecords(t, h.store)
	require.Len(t, recs, 1)
	assert.Equal(t, core.OutcomeFailure, recs[0].OutcomeType)
	assert.Nil(t, recs[0].TimeToHealthySeconds)
	assert.Nil(t, recs[0].HealthScoreAfter)
	assert.Len(t, h.listener.ackedIDs(), 1)
}

func TestRolledBackRestartRecordsRollback(t *testing.T) {
	h := memHarness(t, autoApproveConfig())
	h.siem.result = core.SIEMResult{RiskScore: 0.2, FalsePositiveHistory: 3}
	h.executor.result = resurrect.Result{
		Status:     resurrect.StatusUnhealthy,
		RolledBack: true,
		Attempts:   2,
	}

	require.NoError(t, h.orc.process(context.Background(), message(t, anomalyReport("k6"))))

	recs := recentRecords(t, h.store)
	require.Len(t, recs, 1)
	assert.Equal(t, core.OutcomeRollback, recs[0].OutcomeType)
	assert.True(t, recs[0].RequiredRollback)
}

func TestDuplicateKillIsAckedWithoutReprocessing(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, autoApproveConfig())
	h.siem.result = core.SIEMResult{RiskScore: 0.2, FalsePositiveHistory: 3}

	kr := anomalyReport("k7")
	require.NoError(t, h.orc.process(ctx, message(t, kr)))

	redelivery := message(t, kr)
	redelivery.ID = "m-k7-redelivered"
	require.NoError(t, h.orc.process(ctx, redelivery))

	assert.Equal(t, []string{"m-k7", "m-k7-redelivered"}, h.listener.ackedIDs())
	assert.Equal(t, 1, h.executor.callCount())
	assert.Len(t, recentRecords(t, h.store), 1)
}

func TestMalformedPayloadIsRecordedAndAcked(t *testing.T) {
	h := memHarness(t, liveConfig())

	msg := stream.Message{ID: "m-bad", Payload: []byte("{ not json")}
	require.NoError(t, h.orc.process(context.Background(), msg))

	assert.Equal(t, []string{"m-bad"}, h.listener.ackedIDs())

	recs := recentRecords(t, h.store)
	require.Len(t, recs, 1)
	assert.Equal(t, "invalid:m-bad", recs[0].KillID)
	assert.Equal(t, core.OutcomeUndetermined, recs[0].OutcomeType)
	assert.Equal(t, core.OutcomeDefer, recs[0].OriginalDecision)
	assert.Equal(t, "invalid_input", recs[0].Metadata["reason"])
}

func TestRejectedPayloadIsRecordedAndAcked(t *testing.T) {
	h := memHarness(t, liveConfig())

	kr := anomalyReport("k8")
	kr.TargetModule = "../../etc/passwd"
	payload, err := core.EncodeKillReport(kr)
	require.NoError(t, err)

	require.NoError(t, h.orc.process(context.Background(), stream.Message{ID: "m-evil", Payload: payload}))

	recs := recentRecords(t, h.store)
	require.Len(t, recs, 1)
	assert.Equal(t, "invalid:m-evil", recs[0].KillID)
	assert.Zero(t, h.executor.callCount())
}

func TestQueueOverflowDowngradesToDeny(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, liveConfig())
	h.siem.result = core.SIEMResult{RiskScore: 0.5, FalsePositiveHistory: 1}

	for i := 0; i < 1000; i++ {
		err := h.queue.Put(&pending.Entry{
			Report:   baseReport(fmt.Sprintf("fill-%d", i), "filler"),
			Decision: &core.Decision{Outcome: core.OutcomePendingReview, TimeoutMinutes: 60},
		})
		require.NoError(t, err)
	}

	require.NoError(t, h.orc.process(ctx, message(t, reviewReport("k9"))))

	assert.Equal(t, 1000, h.queue.Len())
	recs := recentRecords(t, h.store)
	require.Len(t, recs, 1)
	assert.Equal(t, core.OutcomeDeny, recs[0].OriginalDecision)
	assert.Equal(t, core.OutcomeUndetermined, recs[0].OutcomeType)
	assert.Len(t, h.listener.ackedIDs(), 1)
}

func TestObserverModeNeverRestarts(t *testing.T) {
	cfg := autoApproveConfig()
	cfg.Mode = "observer"
	h := memHarness(t, cfg)
	h.siem.result = core.SIEMResult{RiskScore: 0.2, FalsePositiveHistory: 3}

	require.NoError(t, h.orc.process(context.Background(), message(t, anomalyReport("k10"))))

	assert.Zero(t, h.executor.callCount())
	recs := recentRecords(t, h.store)
	require.Len(t, recs, 1)
	assert.Equal(t, core.OutcomeUndetermined, recs[0].OutcomeType)
	assert.Equal(t, core.OutcomeApproveAuto, recs[0].OriginalDecision)
	assert.True(t, recs[0].WasAutoApproved)
}

// ----------------------------------------------------------------------------
// Failure handling
// ----------------------------------------------------------------------------

func TestAckFailureRetriesThroughDedupe(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, autoApproveConfig())
	h.siem.result = core.SIEMResult{RiskScore: 0.2, FalsePositiveHistory: 3}
	h.listener.ackErrs = 1

	msg := message(t, anomalyReport("k11"))
	err := h.orc.process(ctx, msg)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStoreFatal)
	assert.Len(t, recentRecords(t, h.store), 1)

	// Redelivery finds the recorded kill and only acks.
	require.NoError(t, h.orc.process(ctx, msg))
	assert.Equal(t, []string{"m-k11"}, h.listener.ackedIDs())
	assert.Equal(t, 1, h.executor.callCount())
	assert.Len(t, recentRecords(t, h.store), 1)
}

func TestSchemaMismatchIsImmediatelyFatal(t *testing.T) {
	fs := &faultStore{MemoryStore: store.NewMemory(logging.NewNop())}
	fs.setFailErr(fmt.Errorf("outcomes: %w", store.ErrSchemaVersion))
	h := newHarness(t, liveConfig(), fs)

	err := h.orc.process(context.Background(), message(t, threatReport("k12")))
	assert.ErrorIs(t, err, ErrStoreFatal)
	assert.Empty(t, h.listener.ackedIDs())
}

func TestStoreOutageTurnsFatalAfterGracePeriod(t *testing.T) {
	ctx := context.Background()
	fs := &faultStore{MemoryStore: store.NewMemory(logging.NewNop())}
	h := newHarness(t, liveConfig(), fs)

	fs.setFailErr(errors.New("disk full"))
	msg := message(t, threatReport("k13"))

	err := h.orc.process(ctx, msg)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStoreFatal)

	// Still inside the grace period.
	err = h.orc.process(ctx, msg)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStoreFatal)

	h.orc.mu.Lock()
	h.orc.storeDownSince = time.Now().Add(-storeDownLimit)
	h.orc.mu.Unlock()

	err = h.orc.process(ctx, msg)
	assert.ErrorIs(t, err, ErrStoreFatal)
}

func TestStoreRecoveryResetsFatalTracker(t *testing.T) {
	ctx := context.Background()
	fs := &faultStore{MemoryStore: store.NewMemory(logging.NewNop())}
	h := newHarness(t, liveConfig(), fs)
	h.siem.result = core.SIEMResult{RiskScore: 0.9}

	fs.setFailErr(errors.New("disk full"))
	require.Error(t, h.orc.process(ctx, message(t, threatReport("k14"))))

	fs.setFailErr(nil)
	require.NoError(t, h.orc.process(ctx, message(t, threatReport("k14"))))

	h.orc.mu.Lock()
	reset := h.orc.storeDownSince.IsZero()
	h.orc.mu.Unlock()
	assert.True(t, reset)
}

// ----------------------------------------------------------------------------
// Loop
// ----------------------------------------------------------------------------

func TestRunDrainsStreamUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := memHarness(t, autoApproveConfig())
	h.siem.result = core.SIEMResult{RiskScore: 0.2, FalsePositiveHistory: 3}

	done := make(chan error, 1)
	go func() { done <- h.orc.Run(ctx) }()

	h.listener.ch <- message(t, anomalyReport("k15"))

	require.Eventually(t, func() bool {
		return len(h.listener.ackedIDs()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("orchestrator did not stop after cancel")
	}

	assert.Equal(t, 1, h.executor.callCount())
	assert.Len(t, recentRecords(t, h.store), 1)
}

func TestRunStopsWhenStreamCloses(t *testing.T) {
	h := memHarness(t, liveConfig())

	done := make(chan error, 1)
	go func() { done <- h.orc.Run(context.Background()) }()

	close(h.listener.ch)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("orchestrator did not stop after stream close")
	}
}

func TestConcurrentApprovalsOnlyRestartOnce(t *testing.T) {
	ctx := context.Background()
	h := memHarness(t, liveConfig())
	h.siem.result = core.SIEMResult{RiskScore: 0.5, FalsePositiveHistory: 1}

	require.NoError(t, h.orc.process(ctx, message(t, reviewReport("k16"))))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orc.Approve(ctx, "k16")
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, ErrInFlight) && !errors.Is(err, ErrNotPending) {
			t.Fatalf("unexpected approval error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, h.executor.callCount())
}
