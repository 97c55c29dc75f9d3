package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/events"
)

const (
	insertOutboxSQL = `INSERT INTO outbox (id, type, aggregate_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`

	pendingOutboxSQL = `SELECT id::text, type, aggregate_id, payload, occurred_at
		FROM outbox WHERE published_at IS NULL
		ORDER BY occurred_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	markPublishedSQL = `UPDATE outbox SET published_at = $2 WHERE id = ANY($1::uuid[])`

	markProcessedSQL = `INSERT INTO processed_events (event_id, event_type, processed_at)
		VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`

	isProcessedSQL = `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`
)

func appendOutbox(ctx context.Context, db DB, envs ...events.Envelope) error {
	for _, env := range envs {
		_, err := db.Exec(ctx, insertOutboxSQL, env.ID, string(env.Type), env.AggregateID, env.Payload, env.OccurredAt)
		if err != nil {
			return fmt.Errorf("recording %s event: %w", env.Type, err)
		}
	}
	return nil
}

var _ events.Outbox = (*OutboxRepository)(nil)

// OutboxRepository hands pending outbox rows to the relay and records which
// consumed events were processed.
type OutboxRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool, now: time.Now}
}

// Dispatch locks up to limit pending rows, skipping rows held by other
// relays, and marks the ones publish accepted. The first publish failure
// stops the batch; rows published before it are still marked.
func (r *OutboxRepository) Dispatch(ctx context.Context, limit int, publish func(context.Context, events.Envelope) error) (int, error) {
	var (
		published int
		pubErr    error
	)
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, pendingOutboxSQL, limit)
		if err != nil {
			return fmt.Errorf("selecting pending events: %w", err)
		}
		envs, err := pgx.CollectRows(rows, scanEnvelope)
		if err != nil {
			return fmt.Errorf("selecting pending events: %w", err)
		}

		ids := make([]string, 0, len(envs))
		for _, env := range envs {
			if pubErr = publish(ctx, env); pubErr != nil {
				break
			}
			ids = append(ids, env.ID)
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, markPublishedSQL, ids, r.now().UTC()); err != nil {
			return fmt.Errorf("marking events published: %w", err)
		}
		published = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, pubErr
}

// MarkProcessed records that the event with id was handled. It reports
// false when the event was already recorded.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, env events.Envelope) (bool, error) {
	tag, err := r.pool.Exec(ctx, markProcessedSQL, env.ID, string(env.Type), r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("marking event %q processed: %w", env.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// IsProcessed reports whether the event with id was handled.
func (r *OutboxRepository) IsProcessed(ctx context.Context, id string) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, isProcessedSQL, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking event %q: %w", id, err)
	}
	return ok, nil
}

func scanEnvelope(row pgx.CollectableRow) (events.Envelope, error) {
	var (
		env events.Envelope
		typ string
	)
	err := row.Scan(&env.ID, &typ, &env.AggregateID, &env.Payload, &env.OccurredAt)
	env.Type = events.Type(typ)
	env.OccurredAt = env.OccurredAt.UTC()
	return env, err
}
