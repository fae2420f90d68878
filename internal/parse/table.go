package parse

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrSchemaDrift is returned when a parser cannot locate its expected
// anchor, table or column in the payload. The coordinator counts
// consecutive drift errors per source and blocks the source past a
// threshold.
var ErrSchemaDrift = errors.New("schema drift")

// Table is one extracted HTML table: header labels plus body rows of cell
// text. Columns are addressed by label, never by position, so upstream
// reorderings don't break extraction.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Cell returns the named column of a row via the label table, second
// return false when the column is absent.
func (t *Table) Cell(row []string, labels *LabelTable, column string) (string, bool) {
	for i, h := range t.Headers {
		if i >= len(row) {
			break
		}
		if c, ok := labels.Lookup(h); ok && c == column {
			return strings.TrimSpace(row[i]), true
		}
	}
	return "", false
}

// ParseTables extracts all HTML tables from a document. The header row is
// the first <tr> containing <th> cells; when a table has none, the first
// row is treated as the header if every cell is non-numeric.
func ParseTables(html []byte) ([]Table, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var tables []Table
	doc.Find("table").Each(func(_ int, sel *goquery.Selection) {
		var t Table

		sel.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			isHeader := tr.Find("th").Length() > 0
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, strings.TrimSpace(cell.Text()))
			})
			if len(cells) == 0 {
				return
			}
			if isHeader && t.Headers == nil {
				t.Headers = cells
				return
			}
			t.Rows = append(t.Rows, cells)
		})

		// No <th> row: promote the first all-text row to header.
		if t.Headers == nil && len(t.Rows) > 0 && looksLikeHeader(t.Rows[0]) {
			t.Headers = t.Rows[0]
			t.Rows = t.Rows[1:]
		}

		if t.Headers != nil || len(t.Rows) > 0 {
			tables = append(tables, t)
		}
	})

	return tables, nil
}

// FindTable returns the first table whose headers resolve the given
// canonical columns through the label table.
func FindTable(tables []Table, labels *LabelTable, required ...string) (*Table, error) {
	for i := range tables {
		found := 0
		for _, h := range tables[i].Headers {
			if c, ok := labels.Lookup(h); ok {
				for _, want := range required {
					if c == want {
						found++
					}
				}
			}
		}
		if found == len(required) {
			return &tables[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no table with columns %v", ErrSchemaDrift, required)
}

func looksLikeHeader(row []string) bool {
	for _, cell := range row {
		if cell == "" {
			continue
		}
		if _, err := ParseNumber(cell); err == nil {
			return false
		}
	}
	return true
}
