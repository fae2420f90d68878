package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nilemarkets/sahm/internal/interfaces"
	"github.com/nilemarkets/sahm/internal/models"
)

// auditStore writes on the pool directly, never the entity transaction: a
// failed entity keeps its audit trail even though its rows roll back.
type auditStore struct {
	p *Postgres
}

var _ interfaces.AuditStore = (*auditStore)(nil)

// Record writes one provenance entry.
func (s *auditStore) Record(ctx context.Context, entry models.AuditEntry) error {
	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	_, err := s.p.pool.Exec(ctx,
		`INSERT INTO ingest_audit (run_id, source, entity, ingested_at, duration_ms, outcome)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.RunID, entry.Source, entry.Entity, entry.IngestedAt, entry.DurationMS, entry.Outcome)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ResetRunning marks entries orphaned by a crashed process as aborted.
// Called once at boot, before the scheduler starts.
func (s *auditStore) ResetRunning(ctx context.Context) (int, error) {
	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	tag, err := s.p.pool.Exec(ctx,
		`UPDATE ingest_audit SET outcome = 'aborted' WHERE outcome = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("reset running audit entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Purge removes completed entries older than the cutoff.
func (s *auditStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	tag, err := s.p.pool.Exec(ctx,
		`DELETE FROM ingest_audit WHERE ingested_at < $1 AND outcome <> 'running'`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LastOutcome returns the most recent entry for a source, nil when the
// source has never run.
func (s *auditStore) LastOutcome(ctx context.Context, source string) (*models.AuditEntry, error) {
	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	var entry models.AuditEntry
	err := s.p.pool.QueryRow(ctx,
		`SELECT run_id, source, entity, ingested_at, duration_ms, outcome
		 FROM ingest_audit WHERE source = $1 ORDER BY ingested_at DESC LIMIT 1`,
		source).Scan(&entry.RunID, &entry.Source, &entry.Entity, &entry.IngestedAt, &entry.DurationMS, &entry.Outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last outcome %s: %w", source, err)
	}
	return &entry, nil
}
