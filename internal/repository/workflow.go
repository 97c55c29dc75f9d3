package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/workflow"
)

const (
	listActiveWorkflowsSQL = `SELECT id, name, event, conditions, actions, active
		FROM workflows WHERE event = $1 AND active = TRUE ORDER BY id`

	upsertWorkflowSQL = `INSERT INTO workflows (id, name, event, conditions, actions, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			event = EXCLUDED.event,
			conditions = EXCLUDED.conditions,
			actions = EXCLUDED.actions,
			active = EXCLUDED.active`
)

var _ workflow.Repository = (*WorkflowRepository)(nil)

// WorkflowRepository implements workflow.Repository backed by PostgreSQL.
type WorkflowRepository struct {
	pool *pgxpool.Pool
}

// NewWorkflowRepository returns a WorkflowRepository that uses the given pool.
func NewWorkflowRepository(pool *pgxpool.Pool) *WorkflowRepository {
	return &WorkflowRepository{pool: pool}
}

// ListActive returns the active workflows triggered by event.
func (r *WorkflowRepository) ListActive(ctx context.Context, event workflow.Event) ([]workflow.Workflow, error) {
	rows, err := r.pool.Query(ctx, listActiveWorkflowsSQL, string(event))
	if err != nil {
		return nil, fmt.Errorf("listing workflows for %s: %w", event, err)
	}
	wfs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (workflow.Workflow, error) {
		var (
			wf workflow.Workflow
			ev string
		)
		err := row.Scan(&wf.ID, &wf.Name, &ev, &wf.Conditions, &wf.Actions, &wf.Active)
		wf.Event = workflow.Event(ev)
		return wf, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing workflows for %s: %w", event, err)
	}
	return wfs, nil
}

// Upsert stores wf by id.
func (r *WorkflowRepository) Upsert(ctx context.Context, wf workflow.Workflow) error {
	if wf.Conditions == nil {
		wf.Conditions = []workflow.Condition{}
	}
	if wf.Actions == nil {
		wf.Actions = []workflow.Action{}
	}
	_, err := r.pool.Exec(ctx, upsertWorkflowSQL,
		wf.ID, wf.Name, string(wf.Event), wf.Conditions, wf.Actions, wf.Active,
	)
	if err != nil {
		return fmt.Errorf("upserting workflow %q: %w", wf.ID, err)
	}
	return nil
}
