package store

import (
	"context"
	"fmt"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLServer = "sqlserver"
	DriverPostgres  = "postgres"
	DriverPgx       = "pgx"
	DriverSqlite    = "sqlite"
)

// PoolConfig describes how to reach the database and how the pool is bounded.
type PoolConfig struct {
	Driver   string
	DSN      string
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Params   map[string]string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// QueueLimit is how many callers may wait for a connection while MaxOpenConns are
	// in use. Further callers fail with ErrPoolQueueFull; waiting callers fail with
	// ErrPoolTimeout once QueueTimeout elapses.
	QueueLimit   int
	QueueTimeout time.Duration

	// StatementTimeout bounds every statement through the context handed to the driver.
	StatementTimeout time.Duration
}

const (
	defaultMaxOpenConns = 10
	defaultQueueLimit   = 100
	defaultQueueTimeout = 30 * time.Second
)

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 || c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.QueueLimit < 0 {
		c.QueueLimit = 0
	} else if c.QueueLimit == 0 {
		c.QueueLimit = defaultQueueLimit
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = defaultQueueTimeout
	}
	return c
}

// DataSourceName returns DSN when set, otherwise builds one for the configured driver.
func (c PoolConfig) DataSourceName() (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}

	switch c.Driver {
	case DriverSQLServer:
		u := &url.URL{
			Scheme: "sqlserver",
			User:   url.UserPassword(c.User, c.Password),
			Host:   hostPort(c.Host, c.Port),
		}
		q := url.Values{}
		if c.Database != "" {
			q.Set("database", c.Database)
		}
		for k, v := range c.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	case DriverPostgres, DriverPgx:
		u := &url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.User, c.Password),
			Host:   hostPort(c.Host, c.Port),
			Path:   "/" + c.Database,
		}
		q := url.Values{}
		q.Set("sslmode", "disable")
		for k, v := range c.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	case DriverSqlite:
		if c.Database == "" {
			return "", fmt.Errorf("%w: sqlite requires a database path", ErrConnection)
		}
		return c.Database, nil
	default:
		return "", fmt.Errorf("%w: unsupported driver %q", ErrConnection, c.Driver)
	}
}

func hostPort(host, port string) string {
	if port == "" {
		return host
	}
	return host + ":" + port
}

// Open constructs the pool, pings the database and returns a ready pool.
// Any failure is reported as ErrConnection; callers are expected to treat it as fatal.
func Open(ctx context.Context, config PoolConfig, options ...PoolOption) (*Pool, error) {
	config = config.withDefaults()

	dialect, err := DialectFor(config.Driver)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnection, err.Error())
	}

	dsn, err := config.DataSourceName()
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnection, err.Error())
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s", ErrConnection, err.Error())
	}

	pool := newPool(db, dialect, config, options...)
	pool.log.Info().
		Str("driver", config.Driver).
		Int("max_open", config.MaxOpenConns).
		Int("queue_limit", config.QueueLimit).
		Msg("connection pool ready")

	return pool, nil
}

// ConnectWith wraps an already opened *sqlx.DB. The handle is pinged before use.
func ConnectWith(ctx context.Context, db *sqlx.DB, config PoolConfig, options ...PoolOption) (*Pool, error) {
	config = config.withDefaults()
	if config.Driver == "" {
		config.Driver = db.DriverName()
	}

	dialect, err := DialectFor(config.Driver)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnection, err.Error())
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnection, err.Error())
	}

	return newPool(db, dialect, config, options...), nil
}

