package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver

	"github.com/platinummonkey/zenith/pkg/sandbox"
)

const schema = `CREATE TABLE IF NOT EXISTS zenith_plugins (
	name              VARCHAR(255) PRIMARY KEY,
	version           VARCHAR(255) NOT NULL,
	hash              CHAR(64)     NOT NULL,
	source            TEXT         NOT NULL,
	entrypoint        VARCHAR(255) NOT NULL,
	priority          VARCHAR(16)  NOT NULL,
	cpu_budget_ns     BIGINT       NOT NULL,
	wall_timeout_ns   BIGINT       NOT NULL,
	memory_ceiling    BIGINT       NOT NULL,
	max_host_calls    INTEGER      NOT NULL,
	host_call_ceiling INTEGER      NOT NULL,
	quota_policy      VARCHAR(16)  NOT NULL,
	loaded_at         BIGINT       NOT NULL
)`

const columns = `name, version, hash, source, entrypoint, priority, cpu_budget_ns, wall_timeout_ns,
	memory_ceiling, max_host_calls, host_call_ceiling, quota_policy, loaded_at`

// SQLStore is a StateStore on database/sql
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens and migrates a state store for the given driver and DSN
func OpenSQL(ctx context.Context, cfg Config) (*SQLStore, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s state store: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.Driver == DriverSQLite {
		// A single writer avoids SQLITE_BUSY on concurrent publishes.
		db.SetMaxOpenConns(1)
	}

	timeout := cfg.ConnTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s state store: %w", cfg.Driver, err)
	}

	s := NewSQLStore(db, cfg.Driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. The caller is responsible for Migrate.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// DB returns the underlying database handle
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Migrate creates the plugin table if it does not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate state store: %w", err)
	}
	return nil
}

// Put replaces the record for rec.Name in a single transaction
func (s *SQLStore) Put(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM zenith_plugins WHERE name = ?"), rec.Name); err != nil {
		return fmt.Errorf("failed to delete previous record for %s: %w", rec.Name, err)
	}

	_, err = tx.ExecContext(ctx,
		s.rebind("INSERT INTO zenith_plugins ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		rec.Name,
		rec.Version,
		rec.Hash,
		rec.Source,
		rec.Entrypoint,
		rec.Priority,
		int64(rec.Limits.CPUBudget),
		int64(rec.Limits.WallTimeout),
		int64(rec.Limits.MemoryCeiling),
		rec.Limits.MaxHostCalls,
		rec.Limits.HostCallCeiling,
		rec.Limits.QuotaPolicy.String(),
		rec.LoadedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record for %s: %w", rec.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record for %s: %w", rec.Name, err)
	}
	return nil
}

// Get returns the record for name or ErrNotFound
func (s *SQLStore) Get(ctx context.Context, name string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+columns+" FROM zenith_plugins WHERE name = ?"), name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plugin %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record for %s: %w", name, err)
	}
	return rec, nil
}

// List returns every record ordered by name
func (s *SQLStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+columns+" FROM zenith_plugins ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

// Delete removes the record for name. Deleting a missing record is not an error.
func (s *SQLStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM zenith_plugins WHERE name = ?"), name); err != nil {
		return fmt.Errorf("failed to delete record for %s: %w", name, err)
	}
	return nil
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                     Record
		cpuBudget, wallTimeout  int64
		memoryCeiling, loadedAt int64
		maxHostCalls, hostCeil  int
		quotaPolicy             string
	)
	err := row.Scan(
		&rec.Name,
		&rec.Version,
		&rec.Hash,
		&rec.Source,
		&rec.Entrypoint,
		&rec.Priority,
		&cpuBudget,
		&wallTimeout,
		&memoryCeiling,
		&maxHostCalls,
		&hostCeil,
		&quotaPolicy,
		&loadedAt,
	)
	if err != nil {
		return nil, err
	}

	policy, err := sandbox.ParseQuotaPolicy(quotaPolicy)
	if err != nil {
		return nil, err
	}
	rec.Limits = sandbox.Limits{
		CPUBudget:       time.Duration(cpuBudget),
		WallTimeout:     time.Duration(wallTimeout),
		MemoryCeiling:   uint64(memoryCeiling),
		MaxHostCalls:    maxHostCalls,
		HostCallCeiling: hostCeil,
		QuotaPolicy:     policy,
	}
	rec.LoadedAt = time.Unix(0, loadedAt).UTC()
	return &rec, nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
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
