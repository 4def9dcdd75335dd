package eventstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/clock"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
)

// Config tunes the store.
type Config struct {
	ClockSkew   time.Duration
	PageSize    int
	LockStripes int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ClockSkew:   5 * time.Minute,
		PageSize:    500,
		LockStripes: 256,
	}
}

// Store is the append-only identity-update log. Appends for one subject are
// serialized through a striped mutex; unrelated subjects proceed in parallel.
type Store struct {
	repo   Repository
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger

	stripes []sync.Mutex
	seq     atomic.Uint64

	mu        sync.RWMutex
	listeners []Listener
	hold      HoldPolicy

	flight   sync.Mutex
	flights  uint64
	inflight map[uint64]time.Time
}

// Open creates a store over repo and resumes sequencing after the highest
// persisted sequence.
func Open(ctx context.Context, repo Repository, clk clock.Clock, cfg Config, logger *zap.Logger) (*Store, error) {
	defaults := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = defaults.LockStripes
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	last, err := repo.MaxSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read last sequence: %w", err)
	}

	s := &Store{
		repo:     repo,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
		stripes:  make([]sync.Mutex, cfg.LockStripes),
		inflight: make(map[uint64]time.Time),
	}
	s.seq.Store(last)

	logger.Info("event store opened",
		zap.Uint64("last_sequence", last),
		zap.Int("lock_stripes", cfg.LockStripes))
	return s, nil
}

// Subscribe registers l for every subsequent append.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// SetHoldPolicy installs the policy consulted on each append.
func (s *Store) SetHoldPolicy(p HoldPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = p
}

func (s *Store) stripe(subjectID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

// begin reads the ingestion time of an append and keeps it in flight until
// done is called.
func (s *Store) begin() (now time.Time, done func()) {
	s.flight.Lock()
	defer s.flight.Unlock()

	now = s.clock.Now()
	s.flights++
	id := s.flights
	s.inflight[id] = now.UTC().Truncate(time.Microsecond)
	return now, func() {
		s.flight.Lock()
		delete(s.inflight, id)
		s.flight.Unlock()
	}
}

// Watermark is the latest bucket end that may be closed: the clock, held
// back to the oldest append whose listeners have not yet run, less
// lateness. An append in flight is never overtaken by a close.
func (s *Store) Watermark(lateness time.Duration) time.Time {
	s.flight.Lock()
	defer s.flight.Unlock()

	w := s.clock.Now()
	for _, at := range s.inflight {
		if at.Before(w) {
			w = at
		}
	}
	return w.Add(-lateness)
}

// Append validates, persists and announces e. It returns the event as
// stored, with ID, Sequence, IngestedAt and Held filled in. Failures are
// never retried here.
func (s *Store) Append(ctx context.Context, e event.Event) (event.Event, error) {
	now, done := s.begin()
	defer done()
	if err := e.Validate(now, s.cfg.ClockSkew); err != nil {
		return event.Event{}, err
	}

	s.mu.RLock()
	listeners := s.listeners
	hold := s.hold
	s.mu.RUnlock()

	lock := s.stripe(e.SubjectID)
	lock.Lock()
	defer lock.Unlock()

	e.ID = uuid.New()
	e.Sequence = s.seq.Add(1)
	// Durable backends keep microseconds.
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.IngestedAt = now.UTC().Truncate(time.Microsecond)
	e.Held = hold != nil && hold.Holds(e, now)

	if err := s.repo.Insert(ctx, &e); err != nil {
		s.logger.Error("failed to persist event",
			zap.String("subject_id", e.SubjectID),
			zap.String("event_type", string(e.Type)),
			zap.Error(err))
		return event.Event{}, errors.NewInternalError("failed to persist event").WithCause(err)
	}

	for _, l := range listeners {
		l.OnAppend(ctx, e)
	}

	return e, nil
}

// Query returns a lazy sequence of events matching filter within tr, in
// (Timestamp, Sequence) order. Each range over the sequence starts from the
// beginning, so it can be restarted freely. A failure ends the sequence
// with a non-nil error.
func (s *Store) Query(ctx context.Context, filter event.Filter, tr event.TimeRange) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		var cursor Cursor
		for {
			if err := ctx.Err(); err != nil {
				yield(event.Event{}, err)
				return
			}
			page, err := s.repo.Page(ctx, filter, tr, cursor, s.cfg.PageSize)
			if err != nil {
				yield(event.Event{}, fmt.Errorf("failed to page events: %w", err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < s.cfg.PageSize {
				return
			}
			cursor = CursorOf(page[len(page)-1])
		}
	}
}

// LastSequence is the most recently assigned sequence.
func (s *Store) LastSequence() uint64 {
	return s.seq.Load()
}
