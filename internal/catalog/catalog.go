// Package catalog is the authoritative record of drives and files.
//
// The backend is treated as a cache of what the catalog describes: existence,
// size and ownership checks always go through the catalog. PostgreSQL is the
// production store; SQLite serves development and tests.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Common errors
var (
	ErrNotFound          = errors.New("catalog: not found")
	ErrDriveFull         = errors.New("catalog: drive at file ceiling")
	ErrConflict          = errors.New("catalog: transaction conflict")
	ErrUnsupportedDriver = errors.New("catalog: unsupported driver")
)

// Config describes the catalog database.
type Config struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SlowThreshold   time.Duration `yaml:"slow_threshold"`
}

type options struct {
	clock  clockwork.Clock
	logger zerolog.Logger
}

// Option configures a Catalog.
type Option func(*options)

// WithClock sets the clock used for created and accessed timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger gorm statements are forwarded to.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Catalog stores Drive and File rows.
type Catalog struct {
	db     *gorm.DB
	driver string
	clock  clockwork.Clock
	log    zerolog.Logger
}

// Open connects to the database described by cfg. It does not migrate.
func Open(cfg Config, opts ...Option) (*Catalog, error) {
	o := options{clock: clockwork.NewRealClock(), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	slow := cfg.SlowThreshold
	if slow == 0 {
		slow = 200 * time.Millisecond
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(o.logger, slow),
		TranslateError: true,
		NowFunc:        func() time.Time { return o.clock.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		// one writer; every statement inside a transaction must use its tx
		sqlDB.SetMaxOpenConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 16
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &Catalog{db: db, driver: cfg.Driver, clock: o.clock, log: o.logger}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=1&_busy_timeout=5000"
}

// Driver returns the configured driver name.
func (c *Catalog) Driver() string { return c.driver }

// Migrate creates or updates the drives and files tables and their indexes.
func (c *Catalog) Migrate(ctx context.Context) error {
	if err := c.db.WithContext(ctx).AutoMigrate(&Drive{}, &File{}); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (c *Catalog) Ping(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (c *Catalog) now() time.Time {
	return c.clock.Now().UTC().Truncate(time.Microsecond)
}

// transaction runs fn in a read-committed transaction.
func (c *Catalog) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return mapError(c.db.WithContext(ctx).Transaction(fn))
}

// serializable runs fn in a serializable transaction where the driver
// supports isolation levels.
func (c *Catalog) serializable(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if c.driver != DriverPostgres {
		return c.transaction(ctx, fn)
	}
	return mapError(c.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelSerializable}))
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDriveFull), errors.Is(err, ErrConflict):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case isConflict(err):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("catalog: %w", err)
	}
}

// isConflict reports failures that succeed when the transaction is retried.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
