// Package store persists inventory snapshots in a SQL database. SQLite is the
// default backend for local projects; PostgreSQL can be used to share
// snapshots between operators.
package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/metrics"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
	defaultSQLitePath      = "reconmap.db"
)

func init() {
	// sqlx only knows the cgo driver name.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config holds store configuration. For SQLite only Path is used; for
// PostgreSQL either DSN or the host fields are used.
type Config struct {
	Driver          string        `yaml:"driver" json:"driver" mapstructure:"driver"`
	Path            string        `yaml:"path" json:"path" mapstructure:"path"`
	DSN             string        `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	Host            string        `yaml:"host" json:"host" mapstructure:"host"`
	Port            int           `yaml:"port" json:"port" mapstructure:"port"`
	Database        string        `yaml:"database" json:"database" mapstructure:"database"`
	Username        string        `yaml:"username" json:"username" mapstructure:"username"`
	Password        string        `yaml:"password" json:"-" mapstructure:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// DefaultConfig returns a SQLite configuration writing to reconmap.db.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            defaultSQLitePath,
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// dataSource returns the driver name and connection string.
func (c *Config) dataSource() (driver, dsn string, err error) {
	switch c.Driver {
	case "", DriverSQLite:
		path := c.Path
		if path == "" {
			path = defaultSQLitePath
		}
		if !strings.Contains(path, "?") {
			// Sortable timestamps that round-trip through TIMESTAMP columns.
			path += "?_time_format=sqlite"
		}
		return DriverSQLite, path, nil
	case DriverPostgres:
		if c.DSN != "" {
			return DriverPostgres, c.DSN, nil
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.Username, c.Password),
			Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
			Path:     "/" + c.Database,
			RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
		}
		return DriverPostgres, u.String(), nil
	default:
		return "", "", errors.NewConfigFieldError(errors.CodeValidation, "unsupported store driver", "store.driver", c.Driver)
	}
}

// Store reads and writes inventory snapshots.
type Store struct {
	db      *sqlx.DB
	logger  *logging.Logger
	metrics metrics.Recorder
}

// Open connects to the configured database and applies pending migrations.
// Returned errors never contain the connection string.
func Open(ctx context.Context, cfg *Config, logger *logging.Logger, rec metrics.Recorder) (*Store, error) {
	driver, dsn, err := cfg.dataSource()
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to connect to store", err)
	}

	if driver == DriverSQLite {
		// SQLite serializes writers; a single connection also keeps
		// in-memory databases alive across calls.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to configure store", err)
		}
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	s := New(db, logger, rec)
	if err := NewMigrator(db, s.logger).Up(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.InfoStore("Store opened", "driver", driver)
	return s, nil
}

// New wraps an existing connection. Migrations are not applied.
func New(db *sqlx.DB, logger *logging.Logger, rec metrics.Recorder) *Store {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Store{
		db:      db,
		logger:  logger.WithComponent("store"),
		metrics: metrics.OrNop(rec),
	}
}

// DB returns the underlying connection.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return sanitizeDBError("ping", err)
	}
	return nil
}

// Close closes the connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// observe records the duration and outcome of a store operation.
func (s *Store) observe(op string, start time.Time, err error) {
	s.metrics.StoreOperation(op, time.Since(start), err == nil)
	if err != nil {
		s.logger.ErrorStore("Store operation failed", err, "operation", op)
	}
}

// sanitizeDBError converts raw database errors into errors that do not
// expose SQL details or credentials. The original error is kept as Cause.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.WrapDatabaseError(errors.CodeNotFound, "Resource not found", err).WithOperation(operation)
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.WrapDatabaseError(errors.CodeCanceled, "Database operation was canceled", err).WithOperation(operation)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.WrapDatabaseError(errors.CodeTimeout, "Database operation timed out", err).WithOperation(operation)
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		var dbErr *errors.DatabaseError
		switch pqErr.Code {
		case "23505": // unique_violation
			dbErr = errors.WrapDatabaseError(errors.CodeConflict, "Resource already exists", err)
		case "23503", "23502", "23514": // foreign key, not null, check
			dbErr = errors.WrapDatabaseError(errors.CodeValidation, "Data validation failed", err)
		case "57014": // query_canceled
			dbErr = errors.WrapDatabaseError(errors.CodeCanceled, "Database operation was canceled", err)
		case "57P01", "08000", "08003", "08006":
			dbErr = errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Database connection error", err)
		default:
			dbErr = errors.WrapDatabaseError(errors.CodeDatabaseQuery, "Database operation failed: "+operation, err)
		}
		return dbErr.WithOperation(operation)
	}

	// SQLite reports constraint failures only through the message text.
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errors.WrapDatabaseError(errors.CodeConflict, "Resource already exists", err).WithOperation(operation)
	}

	return errors.WrapDatabaseError(errors.CodeDatabaseQuery, "Database operation failed: "+operation, err).WithOperation(operation)
}
