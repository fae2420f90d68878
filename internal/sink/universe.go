package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nilemarkets/sahm/internal/interfaces"
)

type universeStore struct {
	p *Postgres
}

var _ interfaces.UniverseStore = (*universeStore)(nil)

// EnsureTicker creates a ticker stub so dependent rows always join to a
// parent. The stub carries no data; the profile ingester fills it in later.
func (s *universeStore) EnsureTicker(ctx context.Context, symbol, market string) error {
	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	_, err := s.p.q(ctx).Exec(ctx,
		`INSERT INTO market_tickers (symbol, market_code) VALUES ($1, $2)
		 ON CONFLICT (symbol, market_code) DO NOTHING`,
		symbol, market)
	if err != nil {
		return fmt.Errorf("ensure ticker %s.%s: %w", symbol, market, err)
	}
	return nil
}

// ListSymbols returns a market's symbols, least recently updated first, so
// a limited or interrupted run always works on the stalest entities.
func (s *universeStore) ListSymbols(ctx context.Context, market string) ([]string, error) {
	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	rows, err := s.p.q(ctx).Query(ctx,
		`SELECT symbol FROM market_tickers WHERE market_code = $1 ORDER BY last_updated ASC, symbol ASC`,
		market)
	if err != nil {
		return nil, fmt.Errorf("list symbols %s: %w", market, err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

// ListFundIDs returns every known fund, least recently updated first.
func (s *universeStore) ListFundIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	rows, err := s.p.q(ctx).Query(ctx,
		`SELECT fund_id FROM mutual_funds ORDER BY last_updated ASC, fund_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list funds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LatestBarDate returns the newest daily bar date in a market, zero when
// the market has no bars yet.
func (s *universeStore) LatestBarDate(ctx context.Context, market string) (time.Time, error) {
	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	// max() over no rows yields NULL; scan through a pointer.
	var latest *time.Time
	err := s.p.q(ctx).QueryRow(ctx,
		`SELECT max(date) FROM ohlc_data WHERE market_code = $1`, market).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest bar date %s: %w", market, err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

// Watermark returns when the source last finished an entity, zero if never.
func (s *universeStore) Watermark(ctx context.Context, source, entity string) (time.Time, error) {
	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	var at time.Time
	err := s.p.q(ctx).QueryRow(ctx,
		`SELECT updated_at FROM ingest_watermarks WHERE source = $1 AND entity = $2`,
		source, entity).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("watermark %s/%s: %w", source, entity, err)
	}
	return at, nil
}

// SetWatermark records a successful entity ingestion.
func (s *universeStore) SetWatermark(ctx context.Context, source, entity string, at time.Time) error {
	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	_, err := s.p.q(ctx).Exec(ctx,
		`INSERT INTO ingest_watermarks (source, entity, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (source, entity) DO UPDATE SET updated_at = GREATEST(EXCLUDED.updated_at, ingest_watermarks.updated_at)`,
		source, entity, at)
	if err != nil {
		return fmt.Errorf("set watermark %s/%s: %w", source, entity, err)
	}
	return nil
}
