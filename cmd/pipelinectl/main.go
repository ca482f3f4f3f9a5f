// Command pipelinectl is the operator CLI: it manages continuous-query
// definitions directly against the catalog database, and reads the running
// daemon's observability views over HTTP.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/pipelinedb/cqengine/internal/catalog"
	"github.com/pipelinedb/cqengine/internal/catalogstore"
)

var (
	apiFlag      string
	dbDriverFlag string
	dbDSNFlag    string

	rootCmd = &cobra.Command{
		Use:   "pipelinectl",
		Short: "Operator CLI for the continuous-query daemon",
	}
)

func openCatalog(ctx context.Context) (catalogstore.Store, func() error, error) {
	driver := "pgx"
	if dbDriverFlag == "sqlite" {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dbDSNFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", dbDriverFlag, err)
	}
	var store catalogstore.Store
	if dbDriverFlag == "sqlite" {
		store = catalogstore.NewSQLite(db)
	} else {
		store = catalogstore.NewPostgres(db)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, db.Close, nil
}

func getJSON(path string, out any) error {
	resp, err := http.Get(apiFlag + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&apiFlag, "api", "a", "http://localhost:8080", "daemon HTTP base URL, for read commands")
	rootCmd.PersistentFlags().StringVar(&dbDriverFlag, "db-driver", "postgres", "catalog database driver: postgres or sqlite")
	rootCmd.PersistentFlags().StringVar(&dbDSNFlag, "db-dsn", "", "catalog database DSN (postgres connection string, or sqlite path)")

	rootCmd.AddCommand(newCQCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newSchedulerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCQCmd() *cobra.Command {
	cq := &cobra.Command{
		Use:   "cq",
		Short: "Manage continuous query definitions",
	}

	var (
		name, kind, groupCols, pkCol string
		sourceStreamID, outputStreamID, fillFactor int32
		ttlColumn string
		ttlSeconds int
		swIntervalSeconds, swStepFactorPct int
		distinctOnly, active bool
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a continuous query",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := openCatalog(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			cqs, err := store.List(ctx)
			if err != nil {
				return err
			}
			id, err := nextFreeCQID(cqs)
			if err != nil {
				return err
			}

			def := &catalog.CQ{
				ID:             id,
				Name:           name,
				Kind:           catalog.Kind(kind),
				SourceStreamID: sourceStreamID,
				OutputStreamID: outputStreamID,
				GroupColumns:   splitCSV(groupCols),
				PKColumn:       pkCol,
				FillFactor:     int(fillFactor),
				Active:         active,
				DistinctOnly:   distinctOnly,
			}
			if ttlColumn != "" {
				def.TTL = &catalog.TTL{Column: ttlColumn, Seconds: ttlSeconds}
			}
			if swIntervalSeconds > 0 {
				def.SW = &catalog.SW{IntervalSeconds: swIntervalSeconds, StepFactorPct: swStepFactorPct}
			}
			if err := def.Validate(); err != nil {
				return err
			}
			if err := store.Insert(ctx, def); err != nil {
				return err
			}
			fmt.Printf("created cq %d (%s)\n", def.ID, def.Name)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "CQ name (required)")
	create.Flags().StringVar(&kind, "kind", string(catalog.KindView), "view or transform")
	create.Flags().Int32Var(&sourceStreamID, "source-stream", 0, "source stream id (required)")
	create.Flags().Int32Var(&outputStreamID, "output-stream", 0, "output stream id, transforms only")
	create.Flags().StringVar(&groupCols, "group-by", "", "comma-separated group columns")
	create.Flags().StringVar(&pkCol, "pk-column", "", "user-designated pk column")
	create.Flags().Int32Var(&fillFactor, "fillfactor", 50, "matrel fillfactor percent")
	create.Flags().StringVar(&ttlColumn, "ttl-column", "", "TTL timestamp column")
	create.Flags().IntVar(&ttlSeconds, "ttl-seconds", 0, "TTL retention, seconds")
	create.Flags().IntVar(&swIntervalSeconds, "sw-interval-seconds", 0, "sliding window interval, seconds")
	create.Flags().IntVar(&swStepFactorPct, "sw-step-factor-pct", 20, "sliding window step factor percent")
	create.Flags().BoolVar(&distinctOnly, "distinct", false, "aggregate has an explicit DISTINCT")
	create.Flags().BoolVar(&active, "active", true, "create active immediately")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("source-stream")
	cq.AddCommand(create)

	var dropID int32
	drop := &cobra.Command{
		Use:   "drop",
		Short: "Drop a continuous query",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := openCatalog(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			if err := store.Delete(ctx, dropID); err != nil {
				return err
			}
			fmt.Printf("dropped cq %d\n", dropID)
			return nil
		},
	}
	drop.Flags().Int32Var(&dropID, "id", 0, "CQ id (required)")
	_ = drop.MarkFlagRequired("id")
	cq.AddCommand(drop)

	var activateID int32
	for _, spec := range []struct {
		use   string
		short string
		value bool
	}{
		{"activate", "Activate a continuous query", true},
		{"deactivate", "Deactivate a continuous query", false},
	} {
		spec := spec
		c := &cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				store, closeFn, err := openCatalog(ctx)
				if err != nil {
					return err
				}
				defer func() { _ = closeFn() }()
				if err := store.SetActive(ctx, activateID, spec.value); err != nil {
					return err
				}
				fmt.Printf("%s cq %d\n", spec.use, activateID)
				return nil
			},
		}
		c.Flags().Int32Var(&activateID, "id", 0, "CQ id (required)")
		_ = c.MarkFlagRequired("id")
		cq.AddCommand(c)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List continuous queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []*catalog.CQ
			if err := getJSON("/api/cqs", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cq.AddCommand(list)

	return cq
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-process observability counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := getJSON("/api/stats/processes", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Show the supervised process table",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := getJSON("/api/scheduler/processes", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

// nextFreeCQID returns the lowest unused id in [1, catalog.MaxCQs], matching
// the bounds of the daemon-side id pool without needing this process to know
// the installation's combiner count.
func nextFreeCQID(cqs []*catalog.CQ) (int32, error) {
	inUse := make(map[int32]bool, len(cqs))
	for _, c := range cqs {
		inUse[c.ID] = true
	}
	for id := int32(1); id <= catalog.MaxCQs; id++ {
		if !inUse[id] {
			return id, nil
		}
	}
	return 0, fmt.Errorf("pipelinectl: id pool exhausted (MAX_CQS=%d)", catalog.MaxCQs)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
