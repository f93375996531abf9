package record

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// NullLiteral is the text form of a NULL value.
const NullLiteral = "NULL"

// ParseValue converts the text form of a value to the Go type EncodeRow
// expects for t. Bytes are hex encoded.
func ParseValue(t ColumnType, s string) (any, error) {
	if s == NullLiteral {
		return nil, nil
	}
	var (
		v   any
		err error
	)
	switch t {
	case ColInt32:
		var n int64
		n, err = strconv.ParseInt(s, 10, 32)
		v = int32(n)
	case ColInt64:
		v, err = strconv.ParseInt(s, 10, 64)
	case ColBool:
		v, err = strconv.ParseBool(s)
	case ColFloat64:
		v, err = strconv.ParseFloat(s, 64)
	case ColText:
		v = s
	case ColBytes:
		v, err = hex.DecodeString(s)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("record: parse %s %q: %w", t, s, err)
	}
	return v, nil
}

// ParseRow parses one text value per column of s.
func ParseRow(s Schema, fields []string) ([]any, error) {
	if len(fields) != s.NumCols() {
		return nil, fmt.Errorf("%w: want %d values, got %d", ErrSchemaMismatch, s.NumCols(), len(fields))
	}
	out := make([]any, len(fields))
	for i, f := range fields {
		v, err := ParseValue(s.Cols[i].Type, strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", s.Cols[i].Name, err)
		}
		out[i] = v
	}
	return out, nil
}

// FormatValue is the inverse of ParseValue.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return NullLiteral
	case []byte:
		return hex.EncodeToString(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
