package parse

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/gocarina/gocsv"
)

// TabularKind is the detected shape of a "CSV" download.
type TabularKind int

const (
	KindCSV TabularKind = iota
	KindHTMLTable // vendor claims XLS but serves an HTML table
	KindXLSX
)

// DetectTabular sniffs what a tabular export actually contains. One vendor
// serves HTML with an XLS content type, so the MIME header alone cannot be
// trusted; the first bytes decide.
func DetectTabular(contentType string, body []byte) TabularKind {
	head := bytes.TrimLeft(body[:min(len(body), 512)], " \t\r\n\ufeff")

	if bytes.HasPrefix(head, []byte("PK\x03\x04")) {
		return KindXLSX
	}
	lower := bytes.ToLower(head)
	if bytes.HasPrefix(lower, []byte("<!doctype")) || bytes.HasPrefix(lower, []byte("<html")) || bytes.HasPrefix(lower, []byte("<table")) {
		return KindHTMLTable
	}
	if strings.Contains(contentType, "text/html") {
		return KindHTMLTable
	}
	return KindCSV
}

// ReadCSV decodes comma-separated bytes into header + rows, skipping the
// UTF-8 BOM some exports prepend and tolerating ragged rows.
func ReadCSV(body []byte) ([]string, [][]string, error) {
	body = bytes.TrimPrefix(body, []byte{0xEF, 0xBB, 0xBF})

	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv: %w", err)
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("%w: empty csv", ErrSchemaDrift)
	}
	return all[0], all[1:], nil
}

// UnmarshalCSV decodes struct-tagged rows from comma-separated bytes.
// Used for the credentialed exports whose column set is vendor-agreed.
func UnmarshalCSV(body []byte, out any) error {
	body = bytes.TrimPrefix(body, []byte{0xEF, 0xBB, 0xBF})
	if err := gocsv.UnmarshalBytes(body, out); err != nil {
		return fmt.Errorf("%w: csv decode: %v", ErrSchemaDrift, err)
	}
	return nil
}

// ReadTabular routes a download through the right decoder based on the
// sniffed kind and returns a uniform header + rows view.
func ReadTabular(contentType string, body []byte, labels *LabelTable, required ...string) (*Table, error) {
	switch DetectTabular(contentType, body) {
	case KindHTMLTable:
		tables, err := ParseTables(body)
		if err != nil {
			return nil, err
		}
		return FindTable(tables, labels, required...)
	case KindXLSX:
		header, rows, err := ReadXLSX(body)
		if err != nil {
			return nil, err
		}
		return &Table{Headers: header, Rows: rows}, nil
	default:
		header, rows, err := ReadCSV(body)
		if err != nil {
			return nil, err
		}
		return &Table{Headers: header, Rows: rows}, nil
	}
}
