package interfaces

import (
	"context"
	"time"

	"github.com/nilemarkets/sahm/internal/models"
)

// Sink is the single write path into the canonical schema. It owns schema
// evolution (startup only) and groups its operations into sub-stores the
// way the rest of the pipeline consumes them.
type Sink interface {
	// InitSchema runs the idempotent DDL (CREATE TABLE/INDEX IF NOT EXISTS,
	// ADD COLUMN IF NOT EXISTS) plus the one-time purge of out-of-range
	// fiscal years. Never called during ingestion.
	InitSchema(ctx context.Context) error

	Tables() TableStore
	Universe() UniverseStore
	Audit() AuditStore
	Aliases() AliasStore

	// Transact runs fn with every sink write on the derived context inside
	// one transaction, giving each entity all-or-nothing row visibility.
	// Nested calls join the outer transaction. Audit writes stay outside so
	// run history survives a rollback.
	Transact(ctx context.Context, fn func(ctx context.Context) error) error

	// Saturated reports whether the connection pool is currently exhausted;
	// the coordinator narrows per-source concurrency while it is.
	Saturated() bool

	// Ping verifies connectivity, for the health endpoint.
	Ping(ctx context.Context) error

	Close()
}

// TableStore performs idempotent writes to canonical tables. All writes for
// one entity happen inside a single transaction started by the caller's
// entity scope; writes for different entities never share a transaction.
type TableStore interface {
	// Upsert inserts the row if absent, otherwise updates only columns whose
	// supplied value is non-nil and whose stamp is newer than or equal to
	// the row's last_updated. Returns true if a row was written.
	Upsert(ctx context.Context, table string, key map[string]any, cols map[string]any, stamp time.Time) (bool, error)

	// AppendOrUpdate is the time-series flavour: collapse-safe, so replaying
	// the last N records is a no-op.
	AppendOrUpdate(ctx context.Context, table string, key map[string]any, cols map[string]any) (bool, error)

	// BulkCopy is the fast path for pure inserts such as OHLC backfill.
	// Conflicting rows are skipped, not updated.
	BulkCopy(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// GetRow reads the current column values and the per-field provenance
	// map for a row, for field-level merging. Missing rows return nil maps.
	GetRow(ctx context.Context, table string, key map[string]any) (map[string]any, map[string]string, error)
}

// UniverseStore enumerates and maintains the entity universe.
type UniverseStore interface {
	// EnsureTicker creates a ticker stub if absent. Every dependent-row
	// writer calls this first so the cross-entity invariant holds.
	EnsureTicker(ctx context.Context, symbol, market string) error

	// ListSymbols returns the symbols of a market, oldest-updated first.
	ListSymbols(ctx context.Context, market string) ([]string, error)

	// ListFundIDs returns all known fund IDs.
	ListFundIDs(ctx context.Context) ([]string, error)

	// LatestBarDate returns the most recent daily bar date for a market,
	// zero time when the market has no bars.
	LatestBarDate(ctx context.Context, market string) (time.Time, error)

	// Watermark returns when a source last successfully ingested an entity.
	Watermark(ctx context.Context, source, entity string) (time.Time, error)

	// SetWatermark records a successful ingestion for resume-from-last.
	SetWatermark(ctx context.Context, source, entity string, at time.Time) error
}

// AuditStore records provenance per upserted row and run outcomes.
type AuditStore interface {
	Record(ctx context.Context, entry models.AuditEntry) error

	// ResetRunning marks audit entries left in "running" by a crashed
	// process as "aborted". Returns the number reset.
	ResetRunning(ctx context.Context) (int, error)

	// Purge removes completed entries older than the cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int, error)

	// LastOutcome returns the most recent entry for a source, nil if none.
	LastOutcome(ctx context.Context, source string) (*models.AuditEntry, error)
}

// AliasStore loads and maintains the alias table backing symbol resolution.
type AliasStore interface {
	LoadAll(ctx context.Context) ([]models.Alias, error)
	Upsert(ctx context.Context, alias models.Alias) error
}
