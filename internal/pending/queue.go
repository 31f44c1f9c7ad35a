// Package pending holds decisions awaiting human review.
//
// The queue is a bounded in-memory map keyed by kill ID. Entries leave it
// exactly one of two ways: an approval takes the entry and resurrects, or
// the expiry sweep returns it so an undetermined outcome can be recorded.
package pending

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/core"
	"github.com/medic-agent/medic/internal/metrics"
)

const (
	// defaultCapacity bounds queue growth; decisions beyond it are
	// downgraded to deny by the caller.
	defaultCapacity = 1000

	// defaultTimeout applies when a decision carries no review window.
	defaultTimeout = 60 * time.Minute
)

// ErrFull reports that the queue is at capacity.
var ErrFull = errors.New("pending queue is full")

// Entry pairs a kill report with the decision deferring it. OutcomeID
// names the undetermined record written at enqueue time, so an approval
// can attach its feedback there.
type Entry struct {
	Report     *core.KillReport
	Decision   *core.Decision
	OutcomeID  string
	EnqueuedAt time.Time
	Expiry     time.Time
}

// Queue is the in-memory review queue. A single mutex guards it; it is
// mutated by the orchestrator (insert, expire) and the approve handler
// (take).
type Queue struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	capacity int
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewQueue returns an empty queue with the default capacity.
func NewQueue(logger *zap.Logger, m *metrics.Metrics) *Queue {
	return &Queue{
		entries:  make(map[string]*Entry),
		capacity: defaultCapacity,
		logger:   logger.Named("pending"),
		metrics:  m,
	}
}

// Put enqueues a deferred decision, stamping its review window. Returns
// ErrFull at capacity so the caller can downgrade the decision instead of
// dropping it silently. Re-enqueueing a kill ID replaces the previous
// entry.
func (q *Queue) Put(entry *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	killID := entry.Report.KillID
	if _, exists := q.entries[killID]; !exists && len(q.entries) >= q.capacity {
		return ErrFull
	}

	timeout := time.Duration(entry.Decision.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	now := time.Now().UTC()
	entry.EnqueuedAt = now
	entry.Expiry = now.Add(timeout)
	q.entries[killID] = entry
	q.metrics.SetPendingDepth(len(q.entries))

	q.logger.Info("decision queued for review",
		zap.String("kill_id", killID),
		zap.String("target_module", entry.Report.TargetModule),
		zap.Time("expires_at", entry.Expiry),
	)
	return nil
}

// Take removes and returns the entry for a kill ID. A second Take for the
// same ID misses. Entries past their expiry are reported as missing but
// left in place; the sweep still owes them an undetermined outcome.
func (q *Queue) Take(killID string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[killID]
	if !ok {
		return nil, false
	}
	if !entry.Expiry.After(time.Now().UTC()) {
		return nil, false
	}

	delete(q.entries, killID)
	q.metrics.SetPendingDepth(len(q.entries))
	return entry, true
}

// ExpireDue removes every entry whose review window has closed and returns
// them, oldest first, for outcome recording.
func (q *Queue) ExpireDue(now time.Time) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Entry
	for killID, entry := range q.entries {
		if entry.Expiry.After(now) {
			continue
		}
		due = append(due, entry)
		delete(q.entries, killID)
	}
	if len(due) == 0 {
		return nil
	}

	sort.Slice(due, func(i, j int) bool { return due[i].EnqueuedAt.Before(due[j].EnqueuedAt) })
	q.metrics.SetPendingDepth(len(q.entries))
	return due
}

// Len reports the number of decisions awaiting review.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
