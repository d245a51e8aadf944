package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mixplan/mixplan/internal/persistence"
)

// plansRepo implements persistence.PlansRepo.
type plansRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPlansRepo creates a PostgreSQL plans repository.
func NewPlansRepo(db *sqlx.DB, timeout time.Duration) persistence.PlansRepo {
	return &plansRepo{db: db, timeout: timeout}
}

// Save stores the plan header and all rows in one transaction.
func (r *plansRepo) Save(ctx context.Context, record persistence.PlanRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const headerQuery = `
		INSERT INTO plans (run_id, method, created_at)
		VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, headerQuery, record.RunID, record.Method, record.CreatedAt); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return fmt.Errorf("plan %s already recorded: %w", record.RunID, err)
		}
		return fmt.Errorf("failed to insert plan header: %w", err)
	}

	const rowQuery = `
		INSERT INTO plan_rows (run_id, period, channel, allocated_spend)
		VALUES ($1, $2, $3, $4)`
	for _, row := range record.Rows {
		if _, err := tx.ExecContext(ctx, rowQuery, record.RunID, row.Period, row.Channel, row.Spend); err != nil {
			return fmt.Errorf("failed to insert plan row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan %s: %w", record.RunID, err)
	}
	return nil
}

// Get loads a recorded plan with its rows in period/channel order.
func (r *plansRepo) Get(ctx context.Context, runID string) (persistence.PlanRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var record persistence.PlanRecord
	const headerQuery = `
		SELECT run_id, method, created_at
		FROM plans
		WHERE run_id = $1`
	if err := r.db.GetContext(ctx, &record, headerQuery, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.PlanRecord{}, fmt.Errorf("plan %s not found: %w", runID, err)
		}
		return persistence.PlanRecord{}, fmt.Errorf("failed to load plan %s: %w", runID, err)
	}

	const rowQuery = `
		SELECT period, channel, allocated_spend
		FROM plan_rows
		WHERE run_id = $1
		ORDER BY period, channel`
	if err := r.db.SelectContext(ctx, &record.Rows, rowQuery, runID); err != nil {
		return persistence.PlanRecord{}, fmt.Errorf("failed to load plan rows for %s: %w", runID, err)
	}
	return record, nil
}
