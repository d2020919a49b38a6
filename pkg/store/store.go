// Package store persists harvested result sets as named tables.
//
// A table is a flat list of rows sharing one ordered column list. Values are
// stored as text; a Null value is stored as SQL NULL and read back as Null.
// Every write of a table replaces it as a whole.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/venue-harvester/pkg/record"
)

// DefaultPreviewLimit is the number of rows Preview returns when limit <= 0.
const DefaultPreviewLimit = 5

var (
	// ErrTableNotFound indicates the named table does not exist
	ErrTableNotFound = errors.New("table not found")

	// ErrInvalidTableName indicates an empty or unusable table name
	ErrInvalidTableName = errors.New("invalid table name")
)

// TableStore is the persistence boundary of the harvester.
type TableStore interface {
	// Exists reports whether the named table exists.
	Exists(ctx context.Context, name string) (bool, error)

	// Create creates an empty table with the given columns if it does not exist.
	Create(ctx context.Context, name string, columns []string) error

	// Replace atomically replaces the table's columns and contents.
	Replace(ctx context.Context, name string, columns []string, rows []record.Record) error

	// FetchAll reads every row of the table in insertion order.
	FetchAll(ctx context.Context, name string) ([]record.Record, error)

	// ListTables returns all table names, sorted.
	ListTables(ctx context.Context) ([]string, error)

	// Preview returns up to limit rows of the table.
	Preview(ctx context.Context, name string, limit int) ([]record.Record, error)
}

// TableName derives the table for a partition label harvested on date:
// spaces in the label become underscores, followed by _YYYY_MM_DD.
//
// Example: TableName("Cell Reports", 2024-03-07) = "Cell_Reports_2024_03_07"
func TableName(label string, date time.Time) string {
	return strings.ReplaceAll(strings.TrimSpace(label), " ", "_") + "_" + date.Format("2006_01_02")
}

// ValidateTableName rejects names no backend can hold.
func ValidateTableName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTableName)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidTableName, name)
	}
	return nil
}

// Upload replaces table with the records of rs. The columns are the union of
// the record fields in first-seen order, followed by any of required that no
// record carries, so an empty result set still produces a table with a
// usable schema. It returns the number of rows written.
func Upload(ctx context.Context, s TableStore, rs *record.ResultSet, table string, required ...string) (int, error) {
	if err := ValidateTableName(table); err != nil {
		return 0, err
	}

	rows := rs.Records()
	columns := mergeColumns(record.Columns(rows), required)

	if err := s.Replace(ctx, table, columns, rows); err != nil {
		return 0, fmt.Errorf("upload %s: %w", table, err)
	}
	return len(rows), nil
}

func mergeColumns(columns, required []string) []string {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		seen[c] = true
	}
	out := append([]string(nil), columns...)
	for _, c := range required {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// Row projects r onto columns as nullable text, as stored by the backends.
// A missing field or a Null value yields nil.
func Row(r record.Record, columns []string) []*string {
	row := make([]*string, len(columns))
	for i, c := range columns {
		v, ok := r.Get(c)
		if !ok || v.IsNull() {
			continue
		}
		text := v.Text()
		row[i] = &text
	}
	return row
}

// FromRow builds a record from a stored row.
func FromRow(columns []string, row []*string) record.Record {
	fields := make([]record.Field, len(columns))
	for i, c := range columns {
		value := record.Null()
		if i < len(row) && row[i] != nil {
			value = record.String(*row[i])
		}
		fields[i] = record.Field{Name: c, Value: value}
	}
	return record.FromFields(fields...)
}
