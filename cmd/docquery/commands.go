package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the database is reachable",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, _ []string) error {
		if err := a.pool.Ping(ctx); err != nil {
			return err
		}
		log.Info().Str("driver", a.cfg.Database.Driver).Msg("database reachable")
		return nil
	}),
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Create missing tables for the registered models",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, _ []string) error {
		return a.store.Sync(ctx)
	}),
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check tables and references of the registered models",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, _ []string) error {
		if err := a.store.Verify(ctx); err != nil {
			return err
		}
		log.Info().Msg("schema verified")
		return nil
	}),
}

var describeCmd = &cobra.Command{
	Use:   "describe <model>",
	Short: "Print the catalog columns of a model's table",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, a *app, args []string) error {
		cols, err := a.store.Describe(ctx, args[0])
		if err != nil {
			return err
		}
		for _, col := range cols {
			fmt.Printf("%-24s %-16s nullable=%t\n", col.ColumnName, col.DataType, col.Nullable)
		}
		return nil
	}),
}

var importHeader bool

var importCmd = &cobra.Command{
	Use:   "import <model> <file.csv>",
	Short: "Load CSV rows into a model's table",
	Args:  cobra.ExactArgs(2),
	RunE: run(func(ctx context.Context, a *app, args []string) error {
		m, err := a.store.Model(args[0])
		if err != nil {
			return err
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()

		n, err := m.ImportCSV(ctx, f, importHeader)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d rows into %s\n", n, m.Name())
		return nil
	}),
}

var (
	findLimit    int64
	findSort     string
	findSelect   string
	findPopulate []string
)

var findCmd = &cobra.Command{
	Use:   "find <model> [filter-json]",
	Short: "Run a find and print the documents as JSON",
	Args:  cobra.RangeArgs(1, 2),
	RunE: run(func(ctx context.Context, a *app, args []string) error {
		m, err := a.store.Model(args[0])
		if err != nil {
			return err
		}

		var filter map[string]any
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &filter); err != nil {
				return fmt.Errorf("filter is not a JSON object: %w", err)
			}
		}

		q := m.Find(filter).Limit(findLimit).Lean()
		if findSort != "" {
			q.Sort(findSort)
		}
		if findSelect != "" {
			q.Select(findSelect)
		}
		for _, p := range findPopulate {
			q.Populate(p)
		}

		docs, err := q.Docs(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	}),
}

func init() {
	importCmd.Flags().BoolVar(&importHeader, "header", true, "First line names the columns")

	findCmd.Flags().Int64VarP(&findLimit, "limit", "l", 20, "Maximum number of documents")
	findCmd.Flags().StringVarP(&findSort, "sort", "s", "", "Sort spec, e.g. \"-date name\"")
	findCmd.Flags().StringVar(&findSelect, "select", "", "Projection, e.g. \"name -notes\"")
	findCmd.Flags().StringSliceVarP(&findPopulate, "populate", "p", nil, "Reference paths to populate")

	rootCmd.AddCommand(pingCmd, syncCmd, verifyCmd, describeCmd, importCmd, findCmd)
}
