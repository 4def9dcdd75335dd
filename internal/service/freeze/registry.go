package freeze

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/clock"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	domain "github.com/aadhaar-prerana/prerana-core/internal/domain/freeze"
)

// DefaultDuration is how long a freeze holds new events for review.
const DefaultDuration = 72 * time.Hour

// Repository stores freeze tickets. Tickets are never updated or removed.
type Repository interface {
	Save(ctx context.Context, t *domain.Ticket) error
	List(ctx context.Context) ([]*domain.Ticket, error)
}

// Config for the registry. A zero Duration falls back to DefaultDuration;
// a negative one makes tickets open-ended.
type Config struct {
	Duration time.Duration
}

// Registry issues freeze tickets and answers whether an event falls under
// one. It implements the event store's hold policy.
type Registry struct {
	repo   Repository
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	byKey map[cohort.Key][]*domain.Ticket
}

// NewRegistry loads every stored ticket.
func NewRegistry(ctx context.Context, repo Repository, clk clock.Clock, cfg Config, logger *zap.Logger) (*Registry, error) {
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		repo:   repo,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
		byKey:  make(map[cohort.Key][]*domain.Ticket),
	}

	tickets, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load freeze tickets: %w", err)
	}
	for _, t := range tickets {
		r.byKey[t.Key] = append(r.byKey[t.Key], t)
	}
	logger.Info("freeze registry loaded", zap.Int("tickets", len(tickets)))
	return r, nil
}

// Freeze records an administrative freeze on key. It does not touch any
// stored event.
func (r *Registry) Freeze(ctx context.Context, key cohort.Key, authorizedBy, reason string) (*domain.Ticket, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	authorizedBy = strings.TrimSpace(authorizedBy)
	reason = strings.TrimSpace(reason)
	if authorizedBy == "" {
		return nil, errors.NewValidationError("MISSING_AUTHORIZER", "authorized_by is required")
	}
	if reason == "" {
		return nil, errors.NewValidationError("MISSING_REASON", "reason is required")
	}

	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if active := r.activeLocked(key, now); active != nil {
		return nil, errors.NewConflictError(fmt.Sprintf("cohort %s is already frozen", key)).
			WithDetails(map[string]interface{}{"ticket_id": active.ID.String()})
	}

	ticket := &domain.Ticket{
		ID:           uuid.New(),
		Key:          key,
		AuthorizedBy: authorizedBy,
		Reason:       reason,
		Status:       domain.StatusPendingReview,
		CreatedAt:    now,
	}
	if r.cfg.Duration > 0 {
		ticket.ExpiresAt = now.Add(r.cfg.Duration)
	}

	if err := r.repo.Save(ctx, ticket); err != nil {
		return nil, errors.NewInternalError("failed to save freeze ticket").WithCause(err)
	}
	r.byKey[key] = append(r.byKey[key], ticket)

	r.logger.Info("cohort frozen",
		zap.String("ticket_id", ticket.ID.String()),
		zap.String("cohort_key", key.String()),
		zap.String("authorized_by", authorizedBy),
		zap.Time("expires_at", ticket.ExpiresAt))
	return ticket, nil
}

func (r *Registry) activeLocked(key cohort.Key, at time.Time) *domain.Ticket {
	for _, t := range r.byKey[key] {
		if t.ActiveAt(at) {
			return t
		}
	}
	return nil
}

// Active returns the ticket holding key at time at, or nil.
func (r *Registry) Active(key cohort.Key, at time.Time) *domain.Ticket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked(key, at)
}

// Holds reports whether e, ingested at at, belongs to a frozen cohort.
func (r *Registry) Holds(e event.Event, at time.Time) bool {
	return r.Active(cohort.KeyFor(e), at) != nil
}

// Tickets lists the full history of key, oldest first.
func (r *Registry) Tickets(key cohort.Key) []*domain.Ticket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Clone(r.byKey[key])
	slices.SortFunc(out, func(a, b *domain.Ticket) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// MemoryRepository keeps tickets in process.
type MemoryRepository struct {
	mu      sync.Mutex
	tickets []*domain.Ticket
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Save(_ context.Context, t *domain.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *t
	m.tickets = append(m.tickets, &clone)
	return nil
}

func (m *MemoryRepository) List(_ context.Context) ([]*domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		clone := *t
		out = append(out, &clone)
	}
	return out, nil
}
