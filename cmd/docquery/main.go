package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	store "github.com/likearthian/docstore"
	"github.com/likearthian/docstore/audit"
	"github.com/likearthian/docstore/config"
)

var (
	configPath string
	log        zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "docquery",
	Short:         "Document-style queries over a relational database",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file (yaml, json or toml)")
}

// app is what every command works on: a connected pool and the registered models.
type app struct {
	cfg   *config.Config
	pool  *store.Pool
	store *store.Store
	audit *audit.Service
}

func connect(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log = cfg.Log.Logger(os.Stderr)

	pool, err := store.Open(ctx, cfg.Database.PoolConfig(), store.WithLogger(log))
	if err != nil {
		return nil, err
	}

	st := store.New(pool, store.WithBatchSize(cfg.Database.BatchSize))
	svc, err := audit.Register(st)
	if err != nil {
		pool.Close(ctx)
		return nil, err
	}

	return &app{cfg: cfg, pool: pool, store: st, audit: svc}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.pool.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("pool did not drain")
	}
}

// run wires signal cancellation and the connection lifecycle around fn.
func run(fn func(ctx context.Context, a *app, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := connect(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		return fn(ctx, a, args)
	}
}

func main() {
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
