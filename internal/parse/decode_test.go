package parse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const quoteTableHTML = `<html><body>
<table><tr><td>navigation junk</td></tr></table>
<table>
  <tr><th>Symbol</th><th>Last Price</th><th>Volume</th></tr>
  <tr><td>COMI.CA</td><td>82.50</td><td>1,204,300</td></tr>
  <tr><td>ETEL.CA</td><td>31.10</td><td>560,000</td></tr>
</table>
</body></html>`

func quoteLabels() *LabelTable {
	return NewLabelTable(map[string][]string{
		"symbol":     {"Symbol", "الرمز"},
		"last_price": {"Last Price", "آخر سعر"},
		"volume":     {"Volume", "حجم التداول"},
	})
}

func TestParseTablesAndFind(t *testing.T) {
	tables, err := ParseTables([]byte(quoteTableHTML))
	require.NoError(t, err)
	require.Len(t, tables, 2)

	table, err := FindTable(tables, quoteLabels(), "symbol", "last_price")
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)

	sym, ok := table.Cell(table.Rows[0], quoteLabels(), "symbol")
	require.True(t, ok)
	assert.Equal(t, "COMI.CA", sym)

	price, ok := table.Cell(table.Rows[0], quoteLabels(), "last_price")
	require.True(t, ok)
	assert.Equal(t, "82.50", price)
}

func TestFindTableDrift(t *testing.T) {
	tables, err := ParseTables([]byte(quoteTableHTML))
	require.NoError(t, err)

	_, err = FindTable(tables, quoteLabels(), "symbol", "market_cap")
	assert.ErrorIs(t, err, ErrSchemaDrift)
}

func TestParseTablesHeaderPromotion(t *testing.T) {
	html := `<table>
	  <tr><td>Date</td><td>Close</td></tr>
	  <tr><td>2024-03-15</td><td>82.50</td></tr>
	</table>`
	tables, err := ParseTables([]byte(html))
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, []string{"Date", "Close"}, tables[0].Headers)
	require.Len(t, tables[0].Rows, 1)
}

func TestExtractObject(t *testing.T) {
	html := []byte(`<script>
	var midata = midata || {};
	midata.financialStatement = {
	  currency: 'EGP',
	  years: [2022, 2023],
	  income: [
	    { label: "Net Income", values: [1200.5, 1450.0], pct: null },
	  ],
	};
	</script>`)

	value, err := ExtractObject(html, "midata.financialStatement")
	require.NoError(t, err)

	assert.Equal(t, "EGP", AsString(Walk(value, "currency")))

	year, err := AsFloat(Walk(value, "years.1"))
	require.NoError(t, err)
	assert.Equal(t, float64(2023), year)

	assert.Equal(t, "Net Income", AsString(Walk(value, "income.0.label")))

	v, err := AsFloat(Walk(value, "income.0.values.0"))
	require.NoError(t, err)
	assert.Equal(t, 1200.5, v)

	assert.Nil(t, Walk(value, "income.0.pct"))
	assert.Nil(t, Walk(value, "missing.path"))
}

func TestExtractObjectMissingAnchor(t *testing.T) {
	_, err := ExtractObject([]byte("<html></html>"), "midata.financialStatement")
	assert.ErrorIs(t, err, ErrSchemaDrift)
}

func TestParseFrameworkData(t *testing.T) {
	html := []byte(`<html><head>
	<script type="application/json">
	{"nodes":[{"data":[{"fund":1,"nav":4,"active":5,"missing":-1},{"name":2,"returns":3},"Delta Fund",[4,4],12.34,true]}]}
	</script></head></html>`)

	roots, err := ParseFrameworkData(html)
	require.NoError(t, err)
	require.Len(t, roots, 1)

	root, ok := roots[0].(map[string]any)
	require.True(t, ok)

	fund, ok := root["fund"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Delta Fund", fund["name"])
	assert.Equal(t, []any{12.34, 12.34}, fund["returns"])
	assert.Equal(t, 12.34, root["nav"])
	assert.Equal(t, true, root["active"])
	assert.Nil(t, root["missing"])
}

func TestParseFrameworkDataNoScript(t *testing.T) {
	_, err := ParseFrameworkData([]byte("<html><body>plain</body></html>"))
	assert.ErrorIs(t, err, ErrSchemaDrift)
}

func TestDetectTabular(t *testing.T) {
	assert.Equal(t, KindHTMLTable, DetectTabular("application/vnd.ms-excel", []byte("<html><table>")))
	assert.Equal(t, KindXLSX, DetectTabular("application/vnd.ms-excel", []byte("PK\x03\x04rest")))
	assert.Equal(t, KindCSV, DetectTabular("text/csv", []byte("Date,Close\n2024-03-15,82.5\n")))
	assert.Equal(t, KindHTMLTable, DetectTabular("text/html", []byte("Date,Close")))

	// A BOM before the markup must not hide the real shape.
	assert.Equal(t, KindHTMLTable, DetectTabular("application/vnd.ms-excel", []byte("\xEF\xBB\xBF<html><table>")))
	assert.Equal(t, KindCSV, DetectTabular("text/csv", []byte("\xEF\xBB\xBFDate,Close\n")))
}

func TestReadCSV(t *testing.T) {
	body := []byte("\xEF\xBB\xBFDate,Close,Volume\n2024-03-15,82.50,\"1,204,300\"\n")
	header, rows, err := ReadCSV(body)
	require.NoError(t, err)
	assert.Equal(t, []string{"Date", "Close", "Volume"}, header)
	require.Len(t, rows, 1)
	assert.Equal(t, "1,204,300", rows[0][2])
}

func TestUnmarshalCSV(t *testing.T) {
	type navRow struct {
		FundID string  `csv:"fund_id"`
		Date   string  `csv:"date"`
		NAV    float64 `csv:"nav"`
	}
	body := []byte("fund_id,date,nav\nEGX-F-014,2024-03-15,18.42\n")

	var rows []navRow
	require.NoError(t, UnmarshalCSV(body, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "EGX-F-014", rows[0].FundID)
	assert.Equal(t, 18.42, rows[0].NAV)
}

func TestReadTabularHTMLAsXLS(t *testing.T) {
	table, err := ReadTabular("application/vnd.ms-excel", []byte(quoteTableHTML), quoteLabels(), "symbol", "volume")
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
}

func TestReadXLSXRoundTrip(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Date", "NAV"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"2024-03-15", 18.42}))

	buf, werr := f.WriteToBuffer()
	require.NoError(t, werr)

	header, rows, rerr := ReadXLSX(buf.Bytes())
	require.NoError(t, rerr)
	assert.Equal(t, []string{"Date", "NAV"}, header)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-03-15", rows[0][0])
}

func TestCleanSeries(t *testing.T) {
	points, perr := ParseChartSeries([]byte(`[[1710460800000,18.42],[1710547200000,-1],[12345,9.1],[1710633600000,18.55]]`))
	require.NoError(t, perr)
	require.Len(t, points, 4)

	cleaned := CleanSeries(points, time.UTC)
	require.Len(t, cleaned, 2)
	assert.Equal(t, "2024-03-15", cleaned[0].Date.Format("2006-01-02"))
	assert.Equal(t, 18.42, cleaned[0].Value)
	assert.Equal(t, 18.55, cleaned[1].Value)
}
