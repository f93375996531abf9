// Package record is the tuple value model: a schema of typed columns and the
// row codec that turns values into the opaque tuple bytes stored in pages.
package record

import (
	"errors"
	"fmt"
	"strings"
)

type ColumnType uint8

const (
	ColInt32 ColumnType = iota
	ColInt64
	ColBool
	ColFloat64
	ColText  // UTF-8
	ColBytes // opaque bytes
)

var ErrUnknownType = errors.New("record: unknown column type")

var typeNames = map[ColumnType]string{
	ColInt32:   "int32",
	ColInt64:   "int64",
	ColBool:    "bool",
	ColFloat64: "float64",
	ColText:    "text",
	ColBytes:   "bytes",
}

func (t ColumnType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", t)
}

func ParseColumnType(s string) (ColumnType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// width is the encoded size of a non-null value, 0 for variable length.
func (t ColumnType) width() int {
	switch t {
	case ColInt32:
		return 4
	case ColInt64, ColFloat64:
		return 8
	case ColBool:
		return 1
	default:
		return 0
	}
}

type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

type Schema struct {
	Cols []Column `json:"cols"`
}

func (s Schema) NumCols() int { return len(s.Cols) }

// FixedSize is the encoded row width when every column is fixed width.
// NULL columns still occupy their slot so every row has the same size.
func (s Schema) FixedSize() (int, bool) {
	size := (s.NumCols() + 7) / 8
	for _, c := range s.Cols {
		w := c.Type.width()
		if w == 0 {
			return 0, false
		}
		size += w
	}
	return size, true
}

// IndexOf returns the position of the named column or -1.
func (s Schema) IndexOf(name string) int {
	for i, c := range s.Cols {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (s Schema) Equal(o Schema) bool {
	if len(s.Cols) != len(o.Cols) {
		return false
	}
	for i := range s.Cols {
		if s.Cols[i].Type != o.Cols[i].Type || s.Cols[i].Nullable != o.Cols[i].Nullable {
			return false
		}
	}
	return true
}

// Merge concatenates the columns of a and b, as a join output would.
func Merge(a, b Schema) Schema {
	cols := make([]Column, 0, len(a.Cols)+len(b.Cols))
	cols = append(cols, a.Cols...)
	cols = append(cols, b.Cols...)
	return Schema{Cols: cols}
}

func (s Schema) String() string {
	parts := make([]string, len(s.Cols))
	for i, c := range s.Cols {
		parts[i] = fmt.Sprintf("%s(%s)", c.Type, c.Name)
		if c.Nullable {
			parts[i] += "?"
		}
	}
	return strings.Join(parts, ", ")
}

// ParseSchema parses "name:type[?],name:type" where a trailing ? marks the
// column nullable.
func ParseSchema(spec string) (Schema, error) {
	var s Schema
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, typ, ok := strings.Cut(part, ":")
		if !ok || name == "" {
			return Schema{}, fmt.Errorf("record: bad column %q, want name:type", part)
		}
		nullable := strings.HasSuffix(typ, "?")
		ct, err := ParseColumnType(strings.TrimSuffix(typ, "?"))
		if err != nil {
			return Schema{}, err
		}
		s.Cols = append(s.Cols, Column{Name: name, Type: ct, Nullable: nullable})
	}
	if s.NumCols() == 0 {
		return Schema{}, errors.New("record: empty schema")
	}
	return s, nil
}
