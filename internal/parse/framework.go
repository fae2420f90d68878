package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/PuerkitoBio/goquery"
)

// Framework-data payloads embed page data in a
// <script type="application/json"> blob shaped as {"nodes":[{"data":[…]}]}.
// Each node's data array is a shared value pool: containers hold integer
// offsets into the pool instead of values, and negative offsets encode
// special scalars. ParseFrameworkData resolves the indirection and returns
// the root value of each node that carries data.
func ParseFrameworkData(html []byte) ([]any, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var payload []byte
	doc.Find(`script[type="application/json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := sel.Text()
		if bytes.Contains([]byte(text), []byte(`"nodes"`)) {
			payload = []byte(text)
			return false
		}
		return true
	})
	if payload == nil {
		return nil, fmt.Errorf("%w: no framework data script found", ErrSchemaDrift)
	}

	var envelope struct {
		Nodes []struct {
			Data []json.RawMessage `json:"data"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: framework payload: %v", ErrSchemaDrift, err)
	}

	var roots []any
	for _, node := range envelope.Nodes {
		if len(node.Data) == 0 {
			continue
		}
		pool, err := decodePool(node.Data)
		if err != nil {
			return nil, err
		}
		root, err := resolveIndex(pool, 0, make(map[int]bool))
		if err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}

	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: framework data has no populated nodes", ErrSchemaDrift)
	}
	return roots, nil
}

type poolEntry struct {
	scalar any
	object map[string]int
	array  []int
	isObj  bool
	isArr  bool
}

func decodePool(raw []json.RawMessage) ([]poolEntry, error) {
	pool := make([]poolEntry, len(raw))
	for i, r := range raw {
		var obj map[string]int
		if err := json.Unmarshal(r, &obj); err == nil && len(r) > 0 && r[0] == '{' {
			pool[i] = poolEntry{object: obj, isObj: true}
			continue
		}
		var arr []int
		if err := json.Unmarshal(r, &arr); err == nil && len(r) > 0 && r[0] == '[' {
			pool[i] = poolEntry{array: arr, isArr: true}
			continue
		}
		var scalar any
		if err := json.Unmarshal(r, &scalar); err != nil {
			return nil, fmt.Errorf("%w: pool entry %d: %v", ErrSchemaDrift, i, err)
		}
		pool[i] = poolEntry{scalar: scalar}
	}
	return pool, nil
}

// resolveIndex follows one offset into the pool. Negative offsets encode
// special scalars (-1 undefined, -3 NaN, -4 +Inf, -5 -Inf, -6 -0).
func resolveIndex(pool []poolEntry, idx int, seen map[int]bool) (any, error) {
	switch idx {
	case -1:
		return nil, nil
	case -3:
		return math.NaN(), nil
	case -4:
		return math.Inf(1), nil
	case -5:
		return math.Inf(-1), nil
	case -6:
		return float64(0), nil
	}
	if idx < 0 || idx >= len(pool) {
		return nil, fmt.Errorf("%w: pool offset %d out of range", ErrSchemaDrift, idx)
	}
	if seen[idx] {
		return nil, fmt.Errorf("%w: cyclic pool reference at %d", ErrSchemaDrift, idx)
	}

	entry := pool[idx]
	switch {
	case entry.isObj:
		seen[idx] = true
		defer delete(seen, idx)
		out := make(map[string]any, len(entry.object))
		for key, ref := range entry.object {
			v, err := resolveIndex(pool, ref, seen)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	case entry.isArr:
		seen[idx] = true
		defer delete(seen, idx)
		out := make([]any, len(entry.array))
		for i, ref := range entry.array {
			v, err := resolveIndex(pool, ref, seen)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return entry.scalar, nil
	}
}
