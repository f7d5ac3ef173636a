// Package sqlite provides SQLite backed implementations of the command
// journal and the snapshot store, using the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/plaenen/atelier/pkg/sqlite/migrate"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "atelier_schema_migrations"

// config holds internal configuration for the database handle.
type config struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	// maxOpenConns sets the maximum number of open connections
	maxOpenConns int

	// walMode enables write-ahead logging
	walMode bool

	// autoMigrate runs pending migrations on open
	autoMigrate bool

	busyTimeout time.Duration
}

func defaultConfig() config {
	return config{
		dsn:          "atelier.db",
		maxOpenConns: 4,
		walMode:      true,
		autoMigrate:  true,
		busyTimeout:  5 * time.Second,
	}
}

// Option configures Open.
type Option func(*config)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase sets the database to an in-memory database.
func WithMemoryDatabase() Option {
	return func(c *config) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithWALMode enables write-ahead logging. Ignored for :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *config) {
		c.walMode = enabled
	}
}

// WithAutoMigrate enables automatic migration on open.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) {
		c.autoMigrate = enabled
	}
}

// WithBusyTimeout sets how long a connection waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *config) {
		c.busyTimeout = d
	}
}

func (c config) memory() bool {
	return c.dsn == ":memory:" || strings.Contains(c.dsn, "mode=memory")
}

// connString appends the pragmas every connection needs. synchronous=FULL
// makes a committed append survive power loss, which the journal relies on.
func (c config) connString() string {
	pragmas := []string{
		fmt.Sprintf("busy_timeout(%d)", c.busyTimeout.Milliseconds()),
		"synchronous(FULL)",
		"foreign_keys(ON)",
	}
	if c.walMode && !c.memory() {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}

	var b strings.Builder
	b.WriteString(c.dsn)
	sep := "?"
	if strings.Contains(c.dsn, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// Open opens the database and, unless disabled, applies the embedded schema.
//
// Example usage:
//
//	// In-memory database for testing
//	db, err := sqlite.Open(sqlite.WithMemoryDatabase())
//
//	// On disk
//	db, err := sqlite.Open(sqlite.WithDSN("/var/lib/atelier/journal.db"))
func Open(ctx context.Context, opts ...Option) (*sql.DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to :memory: gets its own database, so pin the pool
	// to a single connection.
	if cfg.memory() {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxOpenConns)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.autoMigrate {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Migrate applies all pending schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	m := migrate.New(db, migrationsTable)
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
