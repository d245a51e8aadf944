// Package postgres implements the persistence interfaces on PostgreSQL via
// sqlx. Schema: observations(period, channel, spend, revenue) with a unique
// (period, channel) key, plans(run_id, method, created_at) and
// plan_rows(run_id, period, channel, allocated_spend).
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mixplan/mixplan/internal/persistence"
)

const uniqueViolation = "23505"

// observationsRepo implements persistence.ObservationsRepo.
type observationsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewObservationsRepo creates a PostgreSQL observations repository.
func NewObservationsRepo(db *sqlx.DB, timeout time.Duration) persistence.ObservationsRepo {
	return &observationsRepo{db: db, timeout: timeout}
}

// Insert stores a batch of observations atomically.
func (r *observationsRepo) Insert(ctx context.Context, observations []persistence.Observation) error {
	if len(observations) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO observations (period, channel, spend, revenue)
		VALUES ($1, $2, $3, $4)`

	for _, obs := range observations {
		if _, err := tx.ExecContext(ctx, query, obs.Period, obs.Channel, obs.Spend, obs.Revenue); err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
				return fmt.Errorf("duplicate observation for channel %q period %d: %w", obs.Channel, obs.Period, err)
			}
			return fmt.Errorf("failed to insert observation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit observations: %w", err)
	}
	return nil
}

// List returns all observations ordered by period then channel.
func (r *observationsRepo) List(ctx context.Context) ([]persistence.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []persistence.Observation
	const query = `
		SELECT period, channel, spend, revenue
		FROM observations
		ORDER BY period, channel`
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	return out, nil
}

// ListByChannel returns one channel's observations in period order.
func (r *observationsRepo) ListByChannel(ctx context.Context, channel string) ([]persistence.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []persistence.Observation
	const query = `
		SELECT period, channel, spend, revenue
		FROM observations
		WHERE channel = $1
		ORDER BY period`
	if err := r.db.SelectContext(ctx, &out, query, channel); err != nil {
		return nil, fmt.Errorf("failed to list observations for channel %q: %w", channel, err)
	}
	return out, nil
}
