package sink

import (
	"context"
	"fmt"

	"github.com/nilemarkets/sahm/internal/interfaces"
	"github.com/nilemarkets/sahm/internal/models"
)

type aliasStore struct {
	p *Postgres
}

var _ interfaces.AliasStore = (*aliasStore)(nil)

// LoadAll reads the full alias table for the in-memory index.
func (s *aliasStore) LoadAll(ctx context.Context) ([]models.Alias, error) {
	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	rows, err := s.p.q(ctx).Query(ctx,
		`SELECT alias_text_norm, market_code, symbol, priority FROM ticker_aliases`)
	if err != nil {
		return nil, fmt.Errorf("load aliases: %w", err)
	}
	defer rows.Close()

	var aliases []models.Alias
	for rows.Next() {
		var a models.Alias
		if err := rows.Scan(&a.AliasTextNorm, &a.MarketCode, &a.Symbol, &a.Priority); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// Upsert writes one alias. An alias text maps to exactly one symbol per
// market: the higher priority wins the row, and a priority tie keeps the
// lexicographically smaller symbol so replays and arrival order cannot
// change the resolution.
func (s *aliasStore) Upsert(ctx context.Context, alias models.Alias) error {
	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	_, err := s.p.q(ctx).Exec(ctx,
		`INSERT INTO ticker_aliases (alias_text_norm, market_code, symbol, priority)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (alias_text_norm, market_code)
		 DO UPDATE SET
			symbol = CASE
				WHEN EXCLUDED.priority > ticker_aliases.priority THEN EXCLUDED.symbol
				WHEN EXCLUDED.priority = ticker_aliases.priority THEN LEAST(EXCLUDED.symbol, ticker_aliases.symbol)
				ELSE ticker_aliases.symbol
			END,
			priority = GREATEST(EXCLUDED.priority, ticker_aliases.priority)`,
		alias.AliasTextNorm, alias.MarketCode, alias.Symbol, alias.Priority)
	if err != nil {
		return fmt.Errorf("upsert alias: %w", err)
	}
	return nil
}
