// Package sink is the single write path into the canonical PostgreSQL
// schema: idempotent upserts, bulk backfill, provenance audit and the alias
// table.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/interfaces"
)

// Postgres implements the sink over a pgxpool. The pool is sized to twice
// the coordinator's worker count so entity transactions never queue behind
// each other under normal load.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *common.Logger

	queryTimeout time.Duration

	tables   *tableStore
	universe *universeStore
	audit    *auditStore
	aliases  *aliasStore
}

var _ interfaces.Sink = (*Postgres)(nil)

// New connects to the canonical store and pings it.
func New(ctx context.Context, config *common.Config, logger *common.Logger) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(config.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	maxConns := config.Database.MaxConns
	if maxConns <= 0 {
		maxConns = 2 * config.Coordinator.GetWorkers()
	}
	poolConfig.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Postgres{
		pool:         pool,
		logger:       logger,
		queryTimeout: config.Database.GetQueryTimeout(),
	}
	p.tables = &tableStore{p}
	p.universe = &universeStore{p}
	p.audit = &auditStore{p}
	p.aliases = &aliasStore{p}
	return p, nil
}

// InitSchema runs the idempotent DDL and the one-time purge of rows with
// implausible fiscal years.
func (p *Postgres) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema init: %w", err)
		}
	}

	purged, err := p.purgeBadFiscalYears(ctx)
	if err != nil {
		return err
	}
	if purged > 0 {
		p.logger.Warn().Int64("rows", purged).Msg("purged rows with out-of-range fiscal years")
	}
	return nil
}

func (p *Postgres) Tables() interfaces.TableStore      { return p.tables }
func (p *Postgres) Universe() interfaces.UniverseStore { return p.universe }
func (p *Postgres) Audit() interfaces.AuditStore       { return p.audit }
func (p *Postgres) Aliases() interfaces.AliasStore     { return p.aliases }

// Ping verifies database connectivity, for the health endpoint.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.scoped(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Saturated reports pool exhaustion. The coordinator narrows per-source
// concurrency while true.
func (p *Postgres) Saturated() bool {
	stat := p.pool.Stat()
	return stat.AcquiredConns() >= stat.MaxConns()
}

// Close drains the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// scoped wraps a context with the per-query timeout.
func (p *Postgres) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.queryTimeout)
}
