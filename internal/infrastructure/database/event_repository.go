package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/values"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/querybuilder"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/telemetry"
	"github.com/aadhaar-prerana/prerana-core/internal/service/eventstore"
)

const eventsTable = "events"

var eventColumns = []string{
	"sequence", "id", "subject_id", "event_type", "field_changed", "old_value", "new_value",
	"pincode", "district", "state", "gender", "age", "ts", "ingested_at", "held",
}

// EventRepository is the PostgreSQL event log.
type EventRepository struct {
	db     *ConnectionPool
	tracer *telemetry.Tracer
}

var _ eventstore.Repository = (*EventRepository)(nil)

func NewEventRepository(db *ConnectionPool) *EventRepository {
	return &EventRepository{db: db, tracer: telemetry.NewTracer("prerana/database")}
}

func (r *EventRepository) Insert(ctx context.Context, e *event.Event) error {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "INSERT", eventsTable)
	defer span.End()

	sql, args, err := insertEventQuery(e)
	if err != nil {
		return err
	}
	err = r.db.Do(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("insert event %d: %w", e.Sequence, err)
	}
	return nil
}

func insertEventQuery(e *event.Event) (string, []interface{}, error) {
	return querybuilder.New().Insert(eventsTable).
		Set("sequence", int64(e.Sequence)).
		Set("id", e.ID).
		Set("subject_id", e.SubjectID).
		Set("event_type", string(e.Type)).
		Set("field_changed", string(e.FieldChanged)).
		Set("old_value", e.OldValue).
		Set("new_value", e.NewValue).
		Set("pincode", e.Location.Pincode.String()).
		Set("district", e.Location.District).
		Set("state", e.Location.State).
		Set("gender", string(e.Gender)).
		Set("age", e.Age).
		Set("ts", e.Timestamp).
		Set("ingested_at", e.IngestedAt).
		Set("held", e.Held).
		ToSQL()
}

func (r *EventRepository) Page(ctx context.Context, filter event.Filter, tr event.TimeRange, after eventstore.Cursor, limit int) ([]event.Event, error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "SELECT", eventsTable)
	defer span.End()

	sql, args, err := pageQuery(filter, tr, after, limit)
	if err != nil {
		return nil, err
	}

	var out []event.Event
	err = r.db.Do(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanEvent)
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("page events: %w", err)
	}
	return out, nil
}

func pageQuery(filter event.Filter, tr event.TimeRange, after eventstore.Cursor, limit int) (string, []interface{}, error) {
	qb := querybuilder.New().Select(eventColumns...).From(eventsTable)
	if filter.SubjectID != "" {
		qb.WhereEqual("subject_id", filter.SubjectID)
	}
	if len(filter.Types) > 0 {
		types := make([]interface{}, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		qb.Where("event_type", querybuilder.In, types)
	}
	if filter.State != "" {
		qb.WhereEqual("state", filter.State)
	}
	if filter.District != "" {
		qb.WhereEqual("district", filter.District)
	}
	if !tr.From.IsZero() {
		qb.Where("ts", querybuilder.GreaterThanOrEqual, tr.From)
	}
	if !tr.To.IsZero() {
		qb.Where("ts", querybuilder.LessThan, tr.To)
	}
	if !after.IsZero() {
		qb.WhereRaw("(ts, sequence) > (?, ?)", after.Timestamp, int64(after.Sequence))
	}
	return qb.OrderByAsc("ts").OrderByAsc("sequence").Limit(limit).ToSQL()
}

func scanEvent(row pgx.CollectableRow) (event.Event, error) {
	var (
		e                           event.Event
		seq                         int64
		id                          uuid.UUID
		typ, field, pincode, gender string
		ts, ingested                time.Time
	)
	err := row.Scan(&seq, &id, &e.SubjectID, &typ, &field, &e.OldValue, &e.NewValue,
		&pincode, &e.Location.District, &e.Location.State, &gender, &e.Age, &ts, &ingested, &e.Held)
	if err != nil {
		return event.Event{}, err
	}
	if pincode != "" {
		if e.Location.Pincode, err = values.NewPincode(pincode); err != nil {
			return event.Event{}, fmt.Errorf("event %d: %w", seq, err)
		}
	}
	e.Sequence = uint64(seq)
	e.ID = id
	e.Type = event.Type(typ)
	e.FieldChanged = event.Field(field)
	e.Gender = event.Gender(gender)
	e.Timestamp = ts.UTC()
	e.IngestedAt = ingested.UTC()
	return e, nil
}

func (r *EventRepository) MaxSequence(ctx context.Context) (uint64, error) {
	var last int64
	err := r.db.Do(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pool.QueryRow(ctx, "SELECT COALESCE(MAX(sequence), 0) FROM "+eventsTable).Scan(&last)
	})
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return uint64(last), nil
}
