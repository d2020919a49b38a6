package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Sternrassler/venue-harvester/pkg/record"
)

type memoryTable struct {
	columns []string
	rows    [][]*string
}

// MemoryStore is an in-process TableStore. Values round-trip through the
// same text representation as the SQL backend.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memoryTable
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memoryTable)}
}

var _ TableStore = (*MemoryStore)(nil)

func (s *MemoryStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[name]
	return ok, nil
}

func (s *MemoryStore) Create(ctx context.Context, name string, columns []string) error {
	if err := ValidateTableName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; ok {
		return nil
	}
	s.tables[name] = &memoryTable{columns: append([]string(nil), columns...)}
	return nil
}

func (s *MemoryStore) Replace(ctx context.Context, name string, columns []string, rows []record.Record) error {
	if err := ValidateTableName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	table := &memoryTable{
		columns: append([]string(nil), columns...),
		rows:    make([][]*string, len(rows)),
	}
	for i, r := range rows {
		table.rows[i] = Row(r, columns)
	}

	s.mu.Lock()
	s.tables[name] = table
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) FetchAll(ctx context.Context, name string) ([]record.Record, error) {
	return s.read(ctx, name, -1)
}

func (s *MemoryStore) Preview(ctx context.Context, name string, limit int) ([]record.Record, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	return s.read(ctx, name, limit)
}

func (s *MemoryStore) read(ctx context.Context, name string, limit int) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	n := len(table.rows)
	if limit >= 0 && limit < n {
		n = limit
	}
	out := make([]record.Record, n)
	for i := 0; i < n; i++ {
		out[i] = FromRow(table.columns, table.rows[i])
	}
	return out, nil
}

func (s *MemoryStore) ListTables(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Columns returns the column list of a table.
func (s *MemoryStore) Columns(name string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table, ok := s.tables[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), table.columns...), true
}
