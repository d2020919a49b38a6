package record

import (
	"errors"
	"sync"
)

// ErrFrozen is returned by Append once the result set has been finalized.
var ErrFrozen = errors.New("result set is frozen")

// ResultSet accumulates the records of one harvest. It is append-only and
// safe for concurrent use; Freeze finalizes it.
type ResultSet struct {
	mu      sync.Mutex
	records []Record
	frozen  bool
}

// NewResultSet returns an empty, open result set.
func NewResultSet() *ResultSet {
	return &ResultSet{}
}

// FromRecords returns a frozen result set holding records.
func FromRecords(records []Record) *ResultSet {
	rs := &ResultSet{records: make([]Record, len(records)), frozen: true}
	copy(rs.records, records)
	return rs
}

// Append adds records in order and returns the new length.
func (rs *ResultSet) Append(records ...Record) (int, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.frozen {
		return len(rs.records), ErrFrozen
	}
	rs.records = append(rs.records, records...)
	return len(rs.records), nil
}

// Len returns the number of records.
func (rs *ResultSet) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.records)
}

// Freeze finalizes the set. Freezing twice is a no-op.
func (rs *ResultSet) Freeze() {
	rs.mu.Lock()
	rs.frozen = true
	rs.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (rs *ResultSet) Frozen() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.frozen
}

// Records returns a copy of the records slice.
func (rs *ResultSet) Records() []Record {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make([]Record, len(rs.records))
	copy(out, rs.records)
	return out
}

// Filter returns a frozen result set with the records keep accepts.
func (rs *ResultSet) Filter(keep func(Record) bool) *ResultSet {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := &ResultSet{frozen: true}
	for _, r := range rs.records {
		if keep(r) {
			out.records = append(out.records, r)
		}
	}
	return out
}

// Columns returns the union of field names in first-seen order.
func (rs *ResultSet) Columns() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return Columns(rs.records)
}

// Columns returns the union of field names across records in first-seen order.
func Columns(records []Record) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, r := range records {
		for _, f := range r.fields {
			if _, ok := seen[f.Name]; ok {
				continue
			}
			seen[f.Name] = struct{}{}
			cols = append(cols, f.Name)
		}
	}
	return cols
}

// FieldEquals returns a predicate matching records whose field holds exactly
// the string want.
func FieldEquals(field, want string) func(Record) bool {
	return func(r Record) bool {
		got, ok := r.GetString(field)
		return ok && got == want
	}
}
