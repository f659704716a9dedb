/*
Package sqlite provides a SQL-backed implementation of fifo.Store.

PURPOSE:
  Implements fifo.Store, fifo.Tx and fifo.RunStore on database/sql. SQLite
  is the default (file or ":memory:"); the same queries run on PostgreSQL
  with only minor dialect differences: placeholders, BIGSERIAL sequences,
  BOOLEAN columns and row locks.

KEY TABLES:
  lots:                    FIFO inventory (seq = stable insertion order)
  purchases, sales:        operations; sales carry the explicit account_id
  allocations:             sale-to-lot links (tombstoned on reversal)
  accounts:                running balances
  ledger_entries:          append-only journal
  customers, settlements,
  settlement_applications: receivables
  profit_entries:          realized profit earned and withdrawn
  reconciliation_runs:     scheduler audit trail

AMOUNTS:
  Stored as TEXT decimal strings and parsed back with shopspring/decimal.
  Never REAL: float columns are how penny drift gets in.

CONCURRENCY:
  SQLite: one connection, _txlock=immediate and a store mutex, so a write
  transaction holds the database exclusively from BEGIN.
  PostgreSQL: every row read inside a write transaction takes
  SELECT ... FOR UPDATE, so two sales cannot read the same lot remaining.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/fxledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := fifo.NewService(store, fifo.Options{})

MIGRATION:
  Versioned migrations are embedded (migrations/<dialect>/*.sql) and applied
  by golang-migrate on New/Open.

SEE ALSO:
  - fifo/store.go: Interface definitions
  - fifo/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/fxledger/fifo"
)

// Dialect selects SQL flavour. Values are database/sql driver names.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

func (d Dialect) dir() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// timeLayout is fixed-width so TEXT ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements fifo.Store and fifo.RunStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
}

// sqliteParams are appended to every SQLite path passed to New.
const sqliteParams = "_foreign_keys=on&_journal_mode=WAL&_txlock=immediate"

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database. The path may already carry
// query parameters (e.g. "file:ledger.db?cache=shared").
func New(dbPath string) (*Store, error) {
	return Open(SQLite, sqliteDSN(dbPath))
}

func sqliteDSN(path string) string {
	sep := "?"
	switch {
	case strings.HasSuffix(path, "?") || strings.HasSuffix(path, "&"):
		sep = ""
	case strings.Contains(path, "?"):
		sep = "&"
	}
	return path + sep + sqliteParams
}

// Open connects with the given dialect and DSN and migrates the schema.
func Open(dialect Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// A single connection is the writer lock; ":memory:" also needs it
		// since every connection would otherwise get its own database.
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return NewWithDB(db, dialect), nil
}

// NewWithDB wraps an already-migrated database.
func NewWithDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// TRANSACTIONS (fifo.Store)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(fifo.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// View executes fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(fifo.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.dialect == Postgres})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	return fn(&txStore{tx: sqlTx, dialect: s.dialect, readOnly: true})
}

// =============================================================================
// RECONCILIATION RUNS (fifo.RunStore)
// =============================================================================

// SaveReconciliationRun saves a reconciliation run.
func (s *Store) SaveReconciliationRun(ctx context.Context, r fifo.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO reconciliation_runs (id, started_at, completed_at, status, mismatches, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, query),
		r.ID, formatTime(r.StartedAt), formatTime(r.CompletedAt), string(r.Status), r.Mismatches, r.Error)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

// ListReconciliationRuns returns the newest runs first.
func (s *Store) ListReconciliationRuns(ctx context.Context, limit int) ([]fifo.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, started_at, completed_at, status, mismatches, error
		FROM reconciliation_runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []fifo.ReconciliationRun
	for rows.Next() {
		var (
			r                  fifo.ReconciliationRun
			started, completed string
			status             string
		)
		if err := rows.Scan(&r.ID, &started, &completed, &status, &r.Mismatches, &r.Error); err != nil {
			return nil, err
		}
		r.Status = fifo.RunStatus(status)
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTime(completed); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// rebind turns ? placeholders into $n for PostgreSQL.
func rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

var (
	_ fifo.Store    = (*Store)(nil)
	_ fifo.RunStore = (*Store)(nil)
)
