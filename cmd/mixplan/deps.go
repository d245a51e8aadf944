package main

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/mixplan/mixplan/internal/engine"
	"github.com/mixplan/mixplan/internal/infrastructure/cache"
	"github.com/mixplan/mixplan/internal/persistence"
	"github.com/mixplan/mixplan/internal/persistence/postgres"
	"github.com/mixplan/mixplan/internal/telemetry"
)

const dbTimeout = 10 * time.Second

// addStorageFlags registers the storage backends shared by optimize and
// serve.
func addStorageFlags(fs *pflag.FlagSet) {
	fs.String("pg-dsn", "", "PostgreSQL DSN for plan and history storage")
	fs.String("redis-addr", "", "Redis address for the curve cache")
}

// deps holds the optional infrastructure behind a run. Each member is nil
// when its backing service was not requested.
type deps struct {
	db           *sqlx.DB
	observations persistence.ObservationsRepo
	plans        persistence.PlansRepo
	cache        *cache.CurveCache
	metrics      *telemetry.MetricsRegistry
}

// buildDeps connects the services selected by CLI flags. An empty DSN or
// address skips that service.
func buildDeps(pgDSN, redisAddr string, logger zerolog.Logger) (*deps, error) {
	d := &deps{metrics: telemetry.NewMetricsRegistry()}

	if pgDSN != "" {
		db, err := sqlx.Connect("postgres", pgDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
		d.db = db
		d.observations = postgres.NewObservationsRepo(db, dbTimeout)
		d.plans = postgres.NewPlansRepo(db, dbTimeout)
		logger.Info().Msg("postgres storage attached")
	}

	if redisAddr != "" {
		d.cache = cache.New(cache.Options{Addr: redisAddr})
		logger.Info().Str("addr", redisAddr).Msg("redis curve cache attached")
	}

	return d, nil
}

// engineFor assembles an engine with whatever deps are present.
func (d *deps) engineFor(logger zerolog.Logger) *engine.Engine {
	eng := engine.New().WithLogger(logger).WithMetrics(d.metrics)
	if d.cache != nil {
		eng = eng.WithCache(d.cache)
	}
	return eng
}

// Close releases connections; safe on a partially built deps.
func (d *deps) Close() {
	if d.cache != nil {
		d.cache.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
}
