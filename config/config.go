// Package config loads DocQuery settings from an optional config file, a .env file
// and DOCQUERY_ prefixed environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	store "github.com/likearthian/docstore"
)

const EnvPrefix = "DOCQUERY"

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver   string            `mapstructure:"driver"`
	DSN      string            `mapstructure:"dsn"`
	Host     string            `mapstructure:"host"`
	Port     string            `mapstructure:"port"`
	Name     string            `mapstructure:"name"`
	User     string            `mapstructure:"user"`
	Password string            `mapstructure:"password"`
	Params   map[string]string `mapstructure:"params"`

	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	QueueLimit       int           `mapstructure:"queue_limit"`
	QueueTimeout     time.Duration `mapstructure:"queue_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	BatchSize        int           `mapstructure:"batch_size"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", store.DriverSqlite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "")
	v.SetDefault("database.name", "docquery.db")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.conn_max_lifetime", time.Duration(0))
	v.SetDefault("database.queue_limit", 100)
	v.SetDefault("database.queue_timeout", 30*time.Second)
	v.SetDefault("database.statement_timeout", time.Duration(0))
	v.SetDefault("database.batch_size", 2000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
}

// Load reads configuration. path names an optional config file (yaml, json or toml);
// an empty path skips it. A .env file in the working directory is applied when present
// without overriding variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := store.DialectFor(c.Database.Driver); err != nil {
		return err
	}
	if c.Database.BatchSize <= 0 {
		return fmt.Errorf("database.batch_size must be positive, got %d", c.Database.BatchSize)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// PoolConfig converts the database section for store.Open.
func (c DatabaseConfig) PoolConfig() store.PoolConfig {
	return store.PoolConfig{
		Driver:           c.Driver,
		DSN:              c.DSN,
		Host:             c.Host,
		Port:             c.Port,
		Database:         c.Name,
		User:             c.User,
		Password:         c.Password,
		Params:           c.Params,
		MaxOpenConns:     c.MaxOpenConns,
		MaxIdleConns:     c.MaxIdleConns,
		ConnMaxLifetime:  c.ConnMaxLifetime,
		QueueLimit:       c.QueueLimit,
		QueueTimeout:     c.QueueTimeout,
		StatementTimeout: c.StatementTimeout,
	}
}

// Logger builds the process logger. Console output is human readable; otherwise
// zerolog writes JSON lines.
func (c LogConfig) Logger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if c.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
