package parse

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ExtractObject locates a JavaScript object literal assigned at a known
// anchor inside HTML (e.g. "midata.financialStatement = { … };") and
// decodes it into a neutral value tree: map[string]any, []any, string,
// float64, bool and nil.
func ExtractObject(html []byte, anchor string) (any, error) {
	idx := strings.Index(string(html), anchor)
	if idx < 0 {
		return nil, fmt.Errorf("%w: anchor %q not found", ErrSchemaDrift, anchor)
	}

	rest := string(html[idx+len(anchor):])
	start := strings.IndexAny(rest, "{[")
	if start < 0 {
		return nil, fmt.Errorf("%w: no object literal after anchor %q", ErrSchemaDrift, anchor)
	}

	d := &jsDecoder{src: rest[start:]}
	value, err := d.decodeValue()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaDrift, err)
	}
	return value, nil
}

// jsDecoder is a minimal decoder for the JavaScript literal subset that
// appears in embedded data blobs: unquoted or quoted keys, single- and
// double-quoted strings, trailing commas, numbers, true/false/null.
type jsDecoder struct {
	src string
	pos int
}

func (d *jsDecoder) decodeValue() (any, error) {
	d.skipSpace()
	if d.pos >= len(d.src) {
		return nil, fmt.Errorf("unexpected end of literal")
	}

	switch c := d.src[d.pos]; {
	case c == '{':
		return d.decodeObject()
	case c == '[':
		return d.decodeArray()
	case c == '"' || c == '\'':
		return d.decodeString(c)
	case c == '-' || c == '+' || (c >= '0' && c <= '9') || c == '.':
		return d.decodeNumber()
	default:
		return d.decodeWord()
	}
}

func (d *jsDecoder) decodeObject() (map[string]any, error) {
	d.pos++ // consume '{'
	obj := make(map[string]any)

	for {
		d.skipSpace()
		if d.pos >= len(d.src) {
			return nil, fmt.Errorf("unterminated object")
		}
		if d.src[d.pos] == '}' {
			d.pos++
			return obj, nil
		}
		if d.src[d.pos] == ',' {
			d.pos++
			continue
		}

		key, err := d.decodeKey()
		if err != nil {
			return nil, err
		}

		d.skipSpace()
		if d.pos >= len(d.src) || d.src[d.pos] != ':' {
			return nil, fmt.Errorf("expected ':' after key %q", key)
		}
		d.pos++

		value, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		obj[key] = value
	}
}

func (d *jsDecoder) decodeArray() ([]any, error) {
	d.pos++ // consume '['
	var arr []any

	for {
		d.skipSpace()
		if d.pos >= len(d.src) {
			return nil, fmt.Errorf("unterminated array")
		}
		if d.src[d.pos] == ']' {
			d.pos++
			return arr, nil
		}
		if d.src[d.pos] == ',' {
			d.pos++
			continue
		}

		value, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		arr = append(arr, value)
	}
}

func (d *jsDecoder) decodeKey() (string, error) {
	d.skipSpace()
	if d.pos < len(d.src) && (d.src[d.pos] == '"' || d.src[d.pos] == '\'') {
		return d.decodeString(d.src[d.pos])
	}

	start := d.pos
	for d.pos < len(d.src) {
		c := d.src[d.pos]
		if c == ':' || c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			break
		}
		d.pos++
	}
	if d.pos == start {
		return "", fmt.Errorf("empty object key at offset %d", d.pos)
	}
	return d.src[start:d.pos], nil
}

func (d *jsDecoder) decodeString(quote byte) (string, error) {
	d.pos++ // consume opening quote
	var b strings.Builder

	for d.pos < len(d.src) {
		c := d.src[d.pos]
		switch c {
		case quote:
			d.pos++
			return b.String(), nil
		case '\\':
			d.pos++
			if d.pos >= len(d.src) {
				return "", fmt.Errorf("unterminated escape")
			}
			switch e := d.src[d.pos]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case 'u':
				if d.pos+4 >= len(d.src) {
					return "", fmt.Errorf("truncated unicode escape")
				}
				code, err := strconv.ParseUint(d.src[d.pos+1:d.pos+5], 16, 32)
				if err != nil {
					return "", fmt.Errorf("bad unicode escape: %v", err)
				}
				b.WriteRune(rune(code))
				d.pos += 4
			default:
				b.WriteByte(e)
			}
			d.pos++
		default:
			r, size := utf8.DecodeRuneInString(d.src[d.pos:])
			b.WriteRune(r)
			d.pos += size
		}
	}
	return "", fmt.Errorf("unterminated string")
}

func (d *jsDecoder) decodeNumber() (float64, error) {
	start := d.pos
	for d.pos < len(d.src) {
		c := d.src[d.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E' {
			d.pos++
			continue
		}
		break
	}
	v, err := strconv.ParseFloat(d.src[start:d.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", d.src[start:d.pos])
	}
	return v, nil
}

// decodeWord handles the bare literals: null and undefined map to nil,
// true/false are preserved, NaN maps to nil (a missing value upstream).
func (d *jsDecoder) decodeWord() (any, error) {
	start := d.pos
	for d.pos < len(d.src) {
		c := d.src[d.pos]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			d.pos++
			continue
		}
		break
	}

	switch word := d.src[start:d.pos]; word {
	case "null", "undefined", "NaN":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return nil, fmt.Errorf("unexpected literal %q", word)
	}
}

func (d *jsDecoder) skipSpace() {
	for d.pos < len(d.src) {
		switch d.src[d.pos] {
		case ' ', '\t', '\n', '\r':
			d.pos++
		default:
			return
		}
	}
}

// Walk descends a value tree by object keys and array indices given as a
// dotted path ("financials.0.year"). Missing segments return nil.
func Walk(value any, path string) any {
	current := value
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			current = node[segment]
		case []any:
			i, err := strconv.Atoi(segment)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			current = node[i]
		default:
			return nil
		}
	}
	return current
}

// AsString converts a tree leaf to its string form.
func AsString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return FormatNumber(t)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// AsFloat converts a tree leaf to a float, parsing display strings.
func AsFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		return ParseNumber(t)
	case nil:
		return 0, ErrNoNumber
	default:
		return 0, ErrNoNumber
	}
}
