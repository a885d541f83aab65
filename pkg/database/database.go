// Package database owns the SQL handle shared by every store. It speaks two
// dialects: Postgres (lib/pq) for production and SQLite (modernc, cgo-free)
// for lite mode and tests. Stores write queries once with ? placeholders;
// the unit of work rebinds them for the active driver.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"
)

// Dialect identifies the active SQL flavor.
type Dialect string

// Supported dialects.
const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Config describes the database connection.
type Config struct {
	Driver   Dialect // postgres or sqlite
	Host     string
	Port     string
	Database string
	User     string
	Password string
	SSLMode  string
	Path     string // sqlite file path, or ":memory:"

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN builds the driver connection string.
func (c Config) DSN() string {
	if c.Driver == DialectSQLite {
		if c.Path == "" || c.Path == ":memory:" {
			return ":memory:"
		}
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", c.Path)
	}
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode)
}

// DB wraps the sqlx handle with its dialect.
type DB struct {
	*sqlx.DB
	dialect Dialect
}

// Open connects and tunes the pool. Callers ping separately when they need
// a liveness guarantee at startup.
func Open(cfg Config) (*DB, error) {
	dialect := cfg.Driver
	if dialect == "" {
		dialect = DialectPostgres
	}

	sdb, err := sqlx.Open(string(dialect), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	switch dialect {
	case DialectSQLite:
		// One writer: modernc serializes poorly across pooled connections,
		// and :memory: databases are per-connection.
		sdb.SetMaxOpenConns(1)
	default:
		maxOpen := cfg.MaxOpenConns
		if maxOpen == 0 {
			maxOpen = 10
		}
		maxIdle := cfg.MaxIdleConns
		if maxIdle == 0 {
			maxIdle = 5
		}
		lifetime := cfg.ConnMaxLifetime
		if lifetime == 0 {
			lifetime = 30 * time.Minute
		}
		sdb.SetMaxOpenConns(maxOpen)
		sdb.SetMaxIdleConns(maxIdle)
		sdb.SetConnMaxLifetime(lifetime)
	}

	return &DB{DB: sdb, dialect: dialect}, nil
}

// OpenSQLiteMemory returns an in-memory handle, the unit tests' database.
func OpenSQLiteMemory() (*DB, error) {
	return Open(Config{Driver: DialectSQLite, Path: ":memory:"})
}

// NewFromSQL wraps an existing handle, for tests that stub the driver.
func NewFromSQL(sdb *sql.DB, driverName string, dialect Dialect) *DB {
	return &DB{DB: sqlx.NewDb(sdb, driverName), dialect: dialect}
}

// Dialect returns the active dialect.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// JSONField returns the dialect's expression extracting a text value from a
// JSON column. key must be a trusted identifier (handler configuration, not
// request input).
func (d *DB) JSONField(column, key string) string {
	if d.dialect == DialectSQLite {
		return fmt.Sprintf("json_extract(%s, '$.%s')", column, key)
	}
	return fmt.Sprintf("%s ->> '%s'", column, key)
}

// IsUniqueViolation reports whether err is a unique-constraint failure on
// either driver. The event store uses this to resolve idempotency races.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		// SQLITE_CONSTRAINT_PRIMARYKEY, SQLITE_CONSTRAINT_UNIQUE
		return sqErr.Code() == 1555 || sqErr.Code() == 2067
	}
	return false
}

// FormatTime renders a timestamp the way every store binds it: RFC3339Nano
// in UTC. Postgres coerces the text into timestamptz; SQLite keeps it as
// sortable text.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NullableTime renders an optional timestamp for binding.
func NullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return FormatTime(*t)
}

// ScanTime coerces a scanned column back to a time.Time: Postgres hands back
// time.Time for timestamptz, SQLite hands back the stored text.
func ScanTime(v any) (time.Time, error) {
	switch tv := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return tv.UTC(), nil
	case []byte:
		return parseTimeText(string(tv))
	case string:
		return parseTimeText(tv)
	default:
		return time.Time{}, fmt.Errorf("cannot scan %T as time", v)
	}
}

func parseTimeText(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", value)
}
