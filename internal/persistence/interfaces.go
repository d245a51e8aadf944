// Package persistence defines the storage interfaces for historical spend
// observations and emitted allocation plans. The engine itself never touches
// storage; the CLI and HTTP glue load observations before a run and record
// the plan afterwards.
package persistence

import (
	"context"
	"time"
)

// Observation is one historical (period, channel, spend, revenue) fact.
// Observations are loaded once per run and never mutated.
type Observation struct {
	Period  int     `db:"period" json:"period"`
	Channel string  `db:"channel" json:"channel"`
	Spend   float64 `db:"spend" json:"spend"`
	Revenue float64 `db:"revenue" json:"revenue"`
}

// PlanRow is one stored cell of an allocation plan.
type PlanRow struct {
	Period  int     `db:"period" json:"period"`
	Channel string  `db:"channel" json:"channel"`
	Spend   float64 `db:"allocated_spend" json:"allocated_spend"`
}

// PlanRecord is a persisted allocation run.
type PlanRecord struct {
	RunID     string    `db:"run_id" json:"run_id"`
	Method    string    `db:"method" json:"method"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Rows      []PlanRow `json:"rows"`
}

// ObservationsRepo stores and retrieves historical spend/revenue facts.
type ObservationsRepo interface {
	Insert(ctx context.Context, observations []Observation) error
	List(ctx context.Context) ([]Observation, error)
	ListByChannel(ctx context.Context, channel string) ([]Observation, error)
}

// PlansRepo records emitted allocation plans for the reporting layer.
type PlansRepo interface {
	Save(ctx context.Context, record PlanRecord) error
	Get(ctx context.Context, runID string) (PlanRecord, error)
}
