package pending

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medic-agent/medic/internal/core"
	"github.com/medic-agent/medic/internal/logging"
	"github.com/medic-agent/medic/internal/metrics"
)

func newTestQueue() *Queue {
	return NewQueue(logging.NewNop(), metrics.New(prometheus.NewRegistry()))
}

func deferredEntry(killID string) *Entry {
	report := &core.KillReport{
		KillID:           killID,
		Timestamp:        time.Now().UTC(),
		TargetModule:     "web-frontend",
		TargetInstanceID: "web-frontend-0",
		KillReason:       core.ReasonAnomalyBehavior,
		Severity:         core.SeverityMedium,
		ConfidenceScore:  0.6,
		SourceAgent:      "killer-1",
	}
	decision := &core.Decision{
		DecisionID:          "dec-" + killID,
		KillID:              killID,
		TargetModule:        report.TargetModule,
		Timestamp:           time.Now().UTC(),
		Outcome:             core.OutcomePendingReview,
		RiskLevel:           core.RiskMedium,
		RiskScore:           0.55,
		Confidence:          0.4,
		RequiresHumanReview: true,
		TimeoutMinutes:      60,
	}
	return &Entry{Report: report, Decision: decision, OutcomeID: "out-" + killID}
}

func TestPutAndTake(t *testing.T) {
	q := newTestQueue()
	entry := deferredEntry("k1")
	require.NoError(t, q.Put(entry))
	assert.Equal(t, 1, q.Len())
	assert.False(t, entry.Expiry.IsZero(), "put stamps the review window")

	got, ok := q.Take("k1")
	require.True(t, ok)
	assert.Equal(t, "dec-k1", got.Decision.DecisionID)
	assert.Equal(t, "out-k1", got.OutcomeID)
	assert.Equal(t, 0, q.Len())

	_, ok = q.Take("k1")
	assert.False(t, ok, "second take must miss")
}

func TestTakeUnknownKill(t *testing.T) {
	q := newTestQueue()
	_, ok := q.Take("never-queued")
	assert.False(t, ok)
}

func TestPutReplacesExistingKill(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Put(deferredEntry("k1")))

	replacement := deferredEntry("k1")
	replacement.Decision.DecisionID = "dec-k1-redelivered"
	require.NoError(t, q.Put(replacement))

	assert.Equal(t, 1, q.Len())
	got, ok := q.Take("k1")
	require.True(t, ok)
	assert.Equal(t, "dec-k1-redelivered", got.Decision.DecisionID)
}

func TestPutAtCapacityReturnsErrFull(t *testing.T) {
	q := newTestQueue()
	q.capacity = 3
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Put(deferredEntry(fmt.Sprintf("k%d", i))))
	}

	assert.ErrorIs(t, q.Put(deferredEntry("k-overflow")), ErrFull)
	assert.Equal(t, 3, q.Len())

	// Replacing a queued kill does not count against capacity.
	assert.NoError(t, q.Put(deferredEntry("k1")))
}

func TestExpireDueRemovesOnlyPastEntries(t *testing.T) {
	q := newTestQueue()
	for _, id := range []string{"k-old", "k-fresh"} {
		require.NoError(t, q.Put(deferredEntry(id)))
	}
	q.entries["k-old"].Expiry = time.Now().UTC().Add(-time.Minute)

	due := q.ExpireDue(time.Now().UTC())
	require.Len(t, due, 1)
	assert.Equal(t, "k-old", due[0].Report.KillID)
	assert.Equal(t, 1, q.Len())

	assert.Nil(t, q.ExpireDue(time.Now().UTC()), "nothing further due")
}

func TestExpiredEntryIsNotTakable(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Put(deferredEntry("k1")))
	q.entries["k1"].Expiry = time.Now().UTC().Add(-time.Second)

	_, ok := q.Take("k1")
	assert.False(t, ok, "expired entries belong to the sweep")

	due := q.ExpireDue(time.Now().UTC())
	require.Len(t, due, 1)
	assert.Equal(t, "k1", due[0].Report.KillID)
}

func TestExpireDueReturnsOldestFirst(t *testing.T) {
	q := newTestQueue()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"k-b", "k-c", "k-a"} {
		require.NoError(t, q.Put(deferredEntry(id)))
		q.entries[id].EnqueuedAt = base.Add(time.Duration(i) * time.Minute)
		q.entries[id].Expiry = base.Add(30 * time.Minute)
	}

	due := q.ExpireDue(time.Now().UTC())
	require.Len(t, due, 3)
	assert.Equal(t, "k-b", due[0].Report.KillID)
	assert.Equal(t, "k-c", due[1].Report.KillID)
	assert.Equal(t, "k-a", due[2].Report.KillID)
}

func TestDefaultTimeoutAppliedWhenDecisionHasNone(t *testing.T) {
	q := newTestQueue()
	entry := deferredEntry("k1")
	entry.Decision.TimeoutMinutes = 0
	require.NoError(t, q.Put(entry))

	got := q.entries["k1"]
	assert.WithinDuration(t, got.EnqueuedAt.Add(defaultTimeout), got.Expiry, time.Second)
}
