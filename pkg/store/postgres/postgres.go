// Package postgres implements store.TableStore on PostgreSQL with pgx.
//
// Every harvested table lives in one schema. Columns are TEXT, plus a hidden
// row-order column so FetchAll returns rows in insertion order. Replace runs
// drop, create and insert inside one transaction, so readers see either the
// old table or the complete new one. Names beyond the server's 63-byte
// identifier limit are stored under a shortened name with a hash suffix.
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Sternrassler/venue-harvester/pkg/record"
	"github.com/Sternrassler/venue-harvester/pkg/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// rowColumn orders rows. It is never exposed as a record field.
const rowColumn = "_harvest_row"

// maxIdentifierLen is the longest identifier PostgreSQL stores without
// truncating it (NAMEDATALEN - 1 bytes).
const maxIdentifierLen = 63

var (
	storeOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_store_operations_total",
		Help: "Total table store operations by operation and result",
	}, []string{"operation", "result"})

	storeRowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_store_rows_written_total",
		Help: "Total rows written by table replacements",
	})
)

// Config holds connection settings.
type Config struct {
	// DSN is a libpq connection string or URL.
	DSN string

	// Schema holds the harvested tables (default "public").
	Schema string

	// MaxConns caps the pool (default 4).
	MaxConns int

	// BatchSize is the number of inserts per round trip (default 500).
	BatchSize int

	// SimpleProtocol disables prepared statements, for use behind PgBouncer.
	SimpleProtocol bool
}

// Store is a PostgreSQL TableStore.
type Store struct {
	pool      *pgxpool.Pool
	schema    string
	batchSize int
	logger    zerolog.Logger
}

var _ store.TableStore = (*Store)(nil)

// New opens a connection pool and verifies it with a ping.
func New(ctx context.Context, config Config, logger zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if config.MaxConns <= 0 {
		config.MaxConns = 4
	}
	cfg.MaxConns = int32(config.MaxConns)
	if config.SimpleProtocol {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return NewWithPool(pool, config.Schema, config.BatchSize, logger), nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool, schema string, batchSize int, logger zerolog.Logger) *Store {
	if schema == "" {
		schema = "public"
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Store{
		pool:      pool,
		schema:    schema,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ident(name string) string {
	return pgx.Identifier{s.schema, tableName(name)}.Sanitize()
}

// tableName maps name onto the identifier the server actually stores. Names
// that fit are kept; longer ones are cut and suffixed with a hash of the full
// name, so distinct long names stay distinct and lookups find them again.
func tableName(name string) string {
	if len(name) <= maxIdentifierLen {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := "_" + hex.EncodeToString(sum[:4])

	cut := maxIdentifierLen - len(suffix)
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut] + suffix
}

func observe(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	storeOperations.WithLabelValues(operation, result).Inc()
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM information_schema.tables
  WHERE table_schema = $1 AND table_name = $2
)`, s.schema, tableName(name)).Scan(&exists)
	observe("exists", err)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return exists, nil
}

func createStatement(table string, columns []string) string {
	defs := make([]string, 0, len(columns)+1)
	defs = append(defs, pgx.Identifier{rowColumn}.Sanitize()+" BIGINT NOT NULL")
	for _, c := range columns {
		defs = append(defs, pgx.Identifier{c}.Sanitize()+" TEXT")
	}
	return "CREATE TABLE IF NOT EXISTS " + table + " (" + strings.Join(defs, ", ") + ")"
}

func (s *Store) Create(ctx context.Context, name string, columns []string) error {
	if err := store.ValidateTableName(name); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, createStatement(s.ident(name), columns))
	observe("create", err)
	if err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}

func (s *Store) Replace(ctx context.Context, name string, columns []string, rows []record.Record) (err error) {
	if err := store.ValidateTableName(name); err != nil {
		return err
	}
	defer func() { observe("replace", err) }()

	table := s.ident(name)
	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, createStatement(table, columns)); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}

	insert := insertStatement(table, columns)
	for i := 0; i < len(rows); i += s.batchSize {
		j := i + s.batchSize
		if j > len(rows) {
			j = len(rows)
		}

		b := &pgx.Batch{}
		for k := i; k < j; k++ {
			args := make([]any, 0, len(columns)+1)
			args = append(args, int64(k))
			for _, v := range store.Row(rows[k], columns) {
				args = append(args, v)
			}
			b.Queue(insert, args...)
		}

		br := tx.SendBatch(ctx, b)
		for k := i; k < j; k++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert row %d into %s: %w", k, name, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("insert into %s: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}

	storeRowsWritten.Add(float64(len(rows)))
	s.logger.Debug().
		Str("table", name).
		Int("rows", len(rows)).
		Int("columns", len(columns)).
		Dur("duration", time.Since(start)).
		Msg("Table replaced")
	return nil
}

func insertStatement(table string, columns []string) string {
	names := make([]string, 0, len(columns)+1)
	params := make([]string, 0, len(columns)+1)
	names = append(names, pgx.Identifier{rowColumn}.Sanitize())
	params = append(params, "$1")
	for i, c := range columns {
		names = append(names, pgx.Identifier{c}.Sanitize())
		params = append(params, fmt.Sprintf("$%d", i+2))
	}
	return "INSERT INTO " + table + " (" + strings.Join(names, ", ") + ") VALUES (" + strings.Join(params, ", ") + ")"
}

// columns returns the visible columns of a table in definition order.
func (s *Store) columns(ctx context.Context, name string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT column_name FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`, s.schema, tableName(name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	found := false
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		found = true
		if c != rowColumn {
			out = append(out, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", store.ErrTableNotFound, name)
	}
	return out, nil
}

func (s *Store) FetchAll(ctx context.Context, name string) ([]record.Record, error) {
	out, err := s.read(ctx, name, 0)
	observe("fetch_all", err)
	return out, err
}

func (s *Store) Preview(ctx context.Context, name string, limit int) ([]record.Record, error) {
	if limit <= 0 {
		limit = store.DefaultPreviewLimit
	}
	out, err := s.read(ctx, name, limit)
	observe("preview", err)
	return out, err
}

// read selects rows in insertion order; limit 0 reads everything.
func (s *Store) read(ctx context.Context, name string, limit int) ([]record.Record, error) {
	columns, err := s.columns(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrTableNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("read columns of %s: %w", name, err)
	}

	selectList := make([]string, len(columns))
	for i, c := range columns {
		selectList[i] = pgx.Identifier{c}.Sanitize()
	}
	query := "SELECT " + strings.Join(selectList, ", ") + " FROM " + s.ident(name) +
		" ORDER BY " + pgx.Identifier{rowColumn}.Sanitize()
	if len(columns) == 0 {
		query = "SELECT FROM " + s.ident(name) + " ORDER BY " + pgx.Identifier{rowColumn}.Sanitize()
	}

	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", name, err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		values := make([]*string, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", name, err)
		}
		out = append(out, store.FromRow(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return out, nil
}

func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT table_name FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE'
ORDER BY table_name`, s.schema)
	if err != nil {
		observe("list_tables", err)
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	err = rows.Err()
	observe("list_tables", err)
	return names, err
}
