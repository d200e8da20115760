package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the only accepted calendar date format
const DateLayout = "2006-01-02"

// DateRange is an inclusive calendar date interval
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Bounds parses the range. An empty range means unbounded and returns zero times.
func (r DateRange) Bounds() (time.Time, time.Time, error) {
	if r.Start == "" && r.End == "" {
		return time.Time{}, time.Time{}, nil
	}
	start, err := time.Parse(DateLayout, r.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %q", ErrInvalidDateRange, r.Start)
	}
	end, err := time.Parse(DateLayout, r.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end %q", ErrInvalidDateRange, r.End)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidDateRange, r.End, r.Start)
	}
	return start, end, nil
}

// IsZero reports whether no bounds were requested
func (r DateRange) IsZero() bool {
	return r.Start == "" && r.End == ""
}

// Batch is a partition of rows sharing key-field values within a date range.
// Immutable once discovered. A key field listed in NullKeys groups the rows
// whose value is NULL; its KeyValues entry is empty.
type Batch struct {
	ID        string            `json:"id"`
	KeyValues map[string]string `json:"key_values"`
	NullKeys  []string          `json:"null_keys,omitempty"`
	RowCount  int               `json:"row_count"`
	DateRange DateRange         `json:"date_range"`
}

// NullLabel stands in for a NULL key value in labels
const NullLabel = "NULL"

// IsNull reports whether the batch groups rows with a NULL value for field
func (b Batch) IsNull(field string) bool {
	for _, f := range b.NullKeys {
		if f == field {
			return true
		}
	}
	return false
}

// NewBatchID hashes key values in key-field order so the id is stable across
// runs. A NULL key hashes differently from an empty string.
func NewBatchID(keyFields []string, keyValues map[string]string, nullKeys ...string) string {
	nulls := make(map[string]bool, len(nullKeys))
	for _, f := range nullKeys {
		nulls[f] = true
	}

	var b strings.Builder
	for _, field := range keyFields {
		b.WriteString(field)
		if nulls[field] {
			b.WriteByte(1)
		} else {
			b.WriteByte('=')
			b.WriteString(keyValues[field])
		}
		b.WriteByte(0)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Label renders key values as "region=west,store=12" for logs and file names
func (b Batch) Label(keyFields []string) string {
	parts := make([]string, 0, len(keyFields))
	for _, field := range keyFields {
		value := b.KeyValues[field]
		if b.IsNull(field) {
			value = NullLabel
		}
		parts = append(parts, field+"="+value)
	}
	return strings.Join(parts, ",")
}

// Rows is a tabular query result
type Rows struct {
	Columns []string `json:"columns"`
	Values  [][]any  `json:"values"`
}

// Len returns the number of rows
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Index returns the position of a column, or -1
func (r *Rows) Index(column string) int {
	for i, c := range r.Columns {
		if strings.EqualFold(c, column) {
			return i
		}
	}
	return -1
}

// Value returns row i's value for a column
func (r *Rows) Value(i int, column string) (any, bool) {
	idx := r.Index(column)
	if idx < 0 || i < 0 || i >= len(r.Values) || idx >= len(r.Values[i]) {
		return nil, false
	}
	return r.Values[i][idx], true
}
