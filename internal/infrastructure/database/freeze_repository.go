package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	domain "github.com/aadhaar-prerana/prerana-core/internal/domain/freeze"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/querybuilder"
	"github.com/aadhaar-prerana/prerana-core/internal/service/freeze"
)

const freezeTable = "freeze_tickets"

// FreezeRepository stores freeze tickets. Tickets are immutable once saved.
type FreezeRepository struct {
	db *ConnectionPool
}

var _ freeze.Repository = (*FreezeRepository)(nil)

func NewFreezeRepository(db *ConnectionPool) *FreezeRepository {
	return &FreezeRepository{db: db}
}

func (r *FreezeRepository) Save(ctx context.Context, t *domain.Ticket) error {
	var expires *time.Time
	if !t.ExpiresAt.IsZero() {
		expires = &t.ExpiresAt
	}
	sql, args, err := querybuilder.New().Insert(freezeTable).
		Set("id", t.ID).
		Set("gender", string(t.Key.Gender)).
		Set("age_band", string(t.Key.AgeBand)).
		Set("pincode", t.Key.Pincode).
		Set("update_type", t.Key.UpdateType).
		Set("authorized_by", t.AuthorizedBy).
		Set("reason", t.Reason).
		Set("status", string(t.Status)).
		Set("created_at", t.CreatedAt).
		Set("expires_at", expires).
		OnConflict([]string{"id"}, querybuilder.DoNothing).
		ToSQL()
	if err != nil {
		return err
	}
	err = r.db.Do(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("save freeze ticket %s: %w", t.ID, err)
	}
	return nil
}

func (r *FreezeRepository) List(ctx context.Context) ([]*domain.Ticket, error) {
	sql, args, err := querybuilder.New().
		Select("id", "gender", "age_band", "pincode", "update_type", "authorized_by", "reason", "status", "created_at", "expires_at").
		From(freezeTable).
		OrderByAsc("created_at").OrderByAsc("id").
		ToSQL()
	if err != nil {
		return nil, err
	}

	var out []*domain.Ticket
	err = r.db.Do(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Ticket, error) {
			var (
				t                    domain.Ticket
				gender, band, status string
				expires              *time.Time
			)
			if err := row.Scan(&t.ID, &gender, &band, &t.Key.Pincode, &t.Key.UpdateType,
				&t.AuthorizedBy, &t.Reason, &status, &t.CreatedAt, &expires); err != nil {
				return nil, err
			}
			t.Key.Gender = event.Gender(gender)
			t.Key.AgeBand = cohort.AgeBand(band)
			t.Status = domain.Status(status)
			t.CreatedAt = t.CreatedAt.UTC()
			if expires != nil {
				t.ExpiresAt = expires.UTC()
			}
			return &t, nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list freeze tickets: %w", err)
	}
	return out, nil
}
