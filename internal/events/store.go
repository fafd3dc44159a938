package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore appends events to the domain_events table.
type PgStore struct {
	DB Querier
}

// InsertEvent implements EventStore.
func (s PgStore) InsertEvent(ctx context.Context, ev Event) (Event, error) {
	var occurred pgtype.Timestamptz
	err := s.DB.QueryRow(ctx, `INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1::uuid, $2, $3, $4, $5)
RETURNING occurred_at`, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt).Scan(&occurred)
	if err != nil {
		return Event{}, fmt.Errorf("insert domain event: %w", err)
	}
	ev.OccurredAt = occurred.Time
	return ev, nil
}
