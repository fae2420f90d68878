package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nilemarkets/sahm/internal/interfaces"
)

// tableKeys is the allowlist of writable tables and their business keys.
// Every dynamic statement is built from this map, so a bad table or column
// name fails before any SQL is sent.
var tableKeys = map[string][]string{
	"market_tickers":           {"symbol", "market_code"},
	"ohlc_data":                {"symbol", "market_code", "date"},
	"intraday_data":            {"symbol", "market_code", "ts", "interval"},
	"income_statements":        {"symbol", "market_code", "fiscal_year", "period_type"},
	"balance_sheets":           {"symbol", "market_code", "fiscal_year", "period_type"},
	"cashflow_statements":      {"symbol", "market_code", "fiscal_year", "period_type"},
	"financial_ratios_history": {"symbol", "market_code", "fiscal_year", "period_type"},
	"dividend_history":         {"symbol", "market_code", "ex_date"},
	"corporate_actions":        {"symbol", "market_code", "action_type", "ex_date"},
	"ownership_records":        {"symbol", "market_code", "holder_name", "as_of_date"},
	"analyst_estimates":        {"symbol", "market_code", "as_of_date"},
	"earnings_calendar":        {"symbol", "market_code", "event_date"},
	"mutual_funds":             {"fund_id"},
	"nav_history":              {"fund_id", "date"},
	"yahoo_cache":              {"symbol", "market_code"},
}

var columnNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type tableStore struct {
	p *Postgres
}

var _ interfaces.TableStore = (*tableStore)(nil)

func validTarget(table string, cols ...map[string]any) error {
	if _, ok := tableKeys[table]; !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	for _, m := range cols {
		for name := range m {
			if !columnNamePattern.MatchString(name) {
				return fmt.Errorf("invalid column name %q", name)
			}
		}
	}
	return nil
}

// sortedKeys gives a deterministic column order for statement building.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// buildUpsert renders the guarded upsert: insert, or update non-nil columns
// when the incoming stamp is not older than the stored last_updated.
func buildUpsert(table string, key, cols map[string]any) (string, []any) {
	keyNames := sortedKeys(key)
	colNames := sortedKeys(cols)

	var names []string
	var placeholders []string
	var args []any
	add := func(name string, value any) {
		names = append(names, name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)+1))
		args = append(args, value)
	}
	for _, k := range keyNames {
		add(k, key[k])
	}
	for _, c := range colNames {
		add(c, cols[c])
	}

	var sets []string
	for _, c := range colNames {
		if c == "last_updated" {
			sets = append(sets, fmt.Sprintf("last_updated = GREATEST(EXCLUDED.last_updated, %s.last_updated)", table))
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, %s.%s)", c, c, table, c))
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s WHERE %s.last_updated <= EXCLUDED.last_updated",
		table,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(tableKeys[table], ", "),
		strings.Join(sets, ", "),
		table,
	)
	return sql, args
}

// buildAppendOrUpdate renders the time-series upsert: replaying the same
// rows is a no-op, newer values for the same key replace in place.
func buildAppendOrUpdate(table string, key, cols map[string]any) (string, []any) {
	keyNames := sortedKeys(key)
	colNames := sortedKeys(cols)

	var names []string
	var placeholders []string
	var args []any
	add := func(name string, value any) {
		names = append(names, name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)+1))
		args = append(args, value)
	}
	for _, k := range keyNames {
		add(k, key[k])
	}
	for _, c := range colNames {
		add(c, cols[c])
	}

	var sets []string
	for _, c := range colNames {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(tableKeys[table], ", "),
		strings.Join(sets, ", "),
	)
	return sql, args
}

// Upsert writes one wide-table row. Nil column values never overwrite
// stored ones and a stale stamp never overwrites a fresher row, so replays
// and out-of-order runs are harmless.
func (s *tableStore) Upsert(ctx context.Context, table string, key, cols map[string]any, stamp time.Time) (bool, error) {
	if err := validTarget(table, key, cols); err != nil {
		return false, err
	}

	withStamp := make(map[string]any, len(cols)+1)
	for k, v := range cols {
		withStamp[k] = v
	}
	withStamp["last_updated"] = stamp

	sql, args := buildUpsert(table, key, withStamp)

	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	tag, err := s.p.q(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("upsert %s: %w", table, err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendOrUpdate writes one time-series row.
func (s *tableStore) AppendOrUpdate(ctx context.Context, table string, key, cols map[string]any) (bool, error) {
	if err := validTarget(table, key, cols); err != nil {
		return false, err
	}

	sql, args := buildAppendOrUpdate(table, key, cols)

	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	tag, err := s.p.q(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("append %s: %w", table, err)
	}
	return tag.RowsAffected() > 0, nil
}

// BulkCopy streams rows through COPY into a temp table, then inserts them
// skipping conflicts. This is the backfill path; a historical reload can
// carry years of bars per entity.
func (s *tableStore) BulkCopy(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if err := validTarget(table); err != nil {
		return 0, err
	}
	for _, c := range columns {
		if !columnNamePattern.MatchString(c) {
			return 0, fmt.Errorf("invalid column name %q", c)
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	// Join the entity transaction when one is open; otherwise the copy gets
	// its own, since COPY and the temp table must share a connection.
	tx := txFrom(ctx)
	own := tx == nil
	if own {
		var err error
		tx, err = s.p.pool.Begin(ctx)
		if err != nil {
			return 0, fmt.Errorf("begin bulk copy: %w", err)
		}
		defer tx.Rollback(ctx)
	}

	tempName := "bulk_" + table
	_, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", tempName, table))
	if err != nil {
		return 0, fmt.Errorf("create temp table: %w", err)
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{tempName}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", tempName, err)
	}

	colList := strings.Join(columns, ", ")
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
		table, colList, colList, tempName, strings.Join(tableKeys[table], ", ")))
	if err != nil {
		return 0, fmt.Errorf("bulk insert %s: %w", table, err)
	}

	if own {
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("commit bulk copy: %w", err)
		}
	} else if _, err := tx.Exec(ctx, "DROP TABLE "+tempName); err != nil {
		// A joined transaction commits later; drop now so a second copy into
		// the same table can recreate it.
		return 0, fmt.Errorf("drop temp table: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetRow reads the current row and its field provenance for merging.
// Missing rows return nil maps and no error.
func (s *tableStore) GetRow(ctx context.Context, table string, key map[string]any) (map[string]any, map[string]string, error) {
	if err := validTarget(table, key); err != nil {
		return nil, nil, err
	}

	keyNames := sortedKeys(key)
	var wheres []string
	var args []any
	for i, k := range keyNames {
		wheres = append(wheres, fmt.Sprintf("%s = $%d", k, i+1))
		args = append(args, key[k])
	}

	ctx, cancel := s.p.scoped(ctx)
	defer cancel()

	rows, err := s.p.q(ctx).Query(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s", table, strings.Join(wheres, " AND ")), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("get row %s: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil, rows.Err()
	}

	values, err := rows.Values()
	if err != nil {
		return nil, nil, fmt.Errorf("scan row %s: %w", table, err)
	}

	cols := make(map[string]any, len(values))
	prov := map[string]string{}
	for i, fd := range rows.FieldDescriptions() {
		name := string(fd.Name)
		if name == "field_sources" {
			prov = provenanceMap(values[i])
			continue
		}
		cols[name] = values[i]
	}
	return cols, prov, rows.Err()
}

// provenanceMap coerces the jsonb field_sources value into its map form.
func provenanceMap(v any) map[string]string {
	out := map[string]string{}
	switch t := v.(type) {
	case map[string]any:
		for field, source := range t {
			if s, ok := source.(string); ok {
				out[field] = s
			}
		}
	case []byte:
		_ = json.Unmarshal(t, &out)
	case string:
		_ = json.Unmarshal([]byte(t), &out)
	}
	return out
}
