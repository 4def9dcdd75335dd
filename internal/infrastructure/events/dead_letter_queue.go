package events

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/alert"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/clock"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
)

const DefaultDLQSize = 1000

// FailedAlert is an alert whose delivery was given up on.
type FailedAlert struct {
	Alert     alert.Alert
	Reason    string
	Attempts  int
	FirstFail time.Time
	LastFail  time.Time
}

// DLQStats summarises the queue.
type DLQStats struct {
	CurrentSize  int   `json:"current_size"`
	MaxSize      int   `json:"max_size"`
	TotalAdded   int64 `json:"total_added"`
	TotalRetried int64 `json:"total_retried"`
	TotalEvicted int64 `json:"total_evicted"`
}

// DeadLetterQueue is a bounded in-memory store of undeliverable alerts. When
// full, the entry that failed first is evicted.
type DeadLetterQueue struct {
	logger  *zap.Logger
	clock   clock.Clock
	maxSize int

	mu           sync.RWMutex
	failed       map[uuid.UUID]*FailedAlert
	totalAdded   int64
	totalRetried int64
	totalEvicted int64
}

func NewDeadLetterQueue(maxSize int, clk clock.Clock, logger *zap.Logger) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = DefaultDLQSize
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &DeadLetterQueue{
		logger:  logger,
		clock:   clk,
		maxSize: maxSize,
		failed:  make(map[uuid.UUID]*FailedAlert),
	}
}

// Add records a failed alert. A repeat failure of the same alert updates
// the existing entry.
func (q *DeadLetterQueue) Add(a alert.Alert, reason string, attempts int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	if existing, ok := q.failed[a.ID]; ok {
		existing.Reason = reason
		existing.Attempts += attempts
		existing.LastFail = now
		return
	}

	if len(q.failed) >= q.maxSize {
		q.evictOldest()
	}
	q.failed[a.ID] = &FailedAlert{
		Alert:     a,
		Reason:    reason,
		Attempts:  attempts,
		FirstFail: now,
		LastFail:  now,
	}
	q.totalAdded++

	q.logger.Warn("alert dead-lettered",
		zap.String("alert_id", a.ID.String()),
		zap.String("kind", string(a.Kind)),
		zap.String("reason", reason),
		zap.Int("attempts", attempts))
}

// Failed returns up to limit entries, oldest failure first. A limit of zero
// or less returns everything.
func (q *DeadLetterQueue) Failed(limit int) []FailedAlert {
	q.mu.RLock()
	out := make([]FailedAlert, 0, len(q.failed))
	for _, f := range q.failed {
		out = append(out, *f)
	}
	q.mu.RUnlock()

	slices.SortFunc(out, func(a, b FailedAlert) int {
		if c := a.FirstFail.Compare(b.FirstFail); c != 0 {
			return c
		}
		return a.Alert.OccurredAt.Compare(b.Alert.OccurredAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Retried removes an entry that has since been delivered.
func (q *DeadLetterQueue) Retried(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.failed[id]; !ok {
		return errors.NewNotFoundError("dead-lettered alert")
	}
	delete(q.failed, id)
	q.totalRetried++
	return nil
}

// Remove drops an entry without delivering it.
func (q *DeadLetterQueue) Remove(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.failed[id]; !ok {
		return errors.NewNotFoundError("dead-lettered alert")
	}
	delete(q.failed, id)
	return nil
}

func (q *DeadLetterQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.failed)
}

func (q *DeadLetterQueue) Stats() DLQStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return DLQStats{
		CurrentSize:  len(q.failed),
		MaxSize:      q.maxSize,
		TotalAdded:   q.totalAdded,
		TotalRetried: q.totalRetried,
		TotalEvicted: q.totalEvicted,
	}
}

// Cleanup drops entries that first failed more than maxAge ago.
func (q *DeadLetterQueue) Cleanup(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clock.Now().Add(-maxAge)
	removed := 0
	for id, f := range q.failed {
		if f.FirstFail.Before(cutoff) {
			delete(q.failed, id)
			removed++
		}
	}
	if removed > 0 {
		q.logger.Info("cleaned up dead-lettered alerts",
			zap.Int("removed", removed),
			zap.Duration("max_age", maxAge))
	}
	return removed
}

func (q *DeadLetterQueue) evictOldest() {
	var (
		oldestID uuid.UUID
		oldest   time.Time
		found    bool
	)
	for id, f := range q.failed {
		if !found || f.FirstFail.Before(oldest) {
			oldestID, oldest, found = id, f.FirstFail, true
		}
	}
	if !found {
		return
	}
	delete(q.failed, oldestID)
	q.totalEvicted++
	q.logger.Debug("evicted oldest dead-lettered alert", zap.String("alert_id", oldestID.String()))
}
