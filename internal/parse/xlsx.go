package parse

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// ReadXLSX iterates the first sheet of a real XLSX workbook row-wise and
// returns header + body rows as text.
func ReadXLSX(body []byte) ([]string, [][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("%w: workbook has no sheets", ErrSchemaDrift)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: sheet %q is empty", ErrSchemaDrift, sheets[0])
	}

	return rows[0], rows[1:], nil
}
