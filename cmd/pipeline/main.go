// 程序入口：Osmose 补丁流水线命令行（full | issues | patches | status | schedule | init-schema）
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"osmose-patches/internal/logger"
	"osmose-patches/internal/metrics"
	"osmose-patches/internal/migrate"
	"osmose-patches/internal/osmose"
	"osmose-patches/internal/patches"
	"osmose-patches/internal/pipeline"
	"osmose-patches/internal/runlock"
	"osmose-patches/internal/store"
	"osmose-patches/internal/utils"
)

// testLimit：--test 时的问题拉取上限
const testLimit = 100

type app struct {
	db    *sql.DB
	rdb   *redis.Client
	deps  pipeline.Deps
	opts  pipeline.Options
	close func()
}

var (
	flagLimit   int
	flagTest    bool
	flagCountry string
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "Fetch Osmose QA issues and group them into work patches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().IntVar(&flagLimit, "limit", 0, "maximum number of issues to fetch (0 = all)")
	root.PersistentFlags().BoolVar(&flagTest, "test", false, fmt.Sprintf("test mode: fetch at most %d issues", testLimit))
	root.PersistentFlags().StringVar(&flagCountry, "country", "", "country code override (default COUNTRY_CODE)")
	root.AddCommand(fullCmd(ctx), issuesCmd(ctx), patchesCmd(ctx), statusCmd(ctx), scheduleCmd(ctx), initSchemaCmd(ctx))

	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, runlock.ErrLockNotAcquired) {
			l.Warn("pipeline_locked", "err", err)
			os.Exit(2)
		}
		l.Error("pipeline_error", "err", err)
		os.Exit(1)
	}
}

// setup：打开数据库与 Redis，组装依赖与作业参数
func setup(ctx context.Context) (*app, error) {
	l := logger.L()
	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	l.Info("db_open_ok")
	if os.Getenv("AUTO_MIGRATE") != "false" {
		if err := migrate.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	rdb := utils.OpenRedisFromEnv()
	if rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			l.Warn("redis_unavailable", "err", err)
			rdb.Close()
			rdb = nil
		}
	}

	cfg := patches.ConfigFromEnv()
	if flagCountry != "" {
		cfg.CountryCode = flagCountry
	}
	st := store.AttachDB(db)
	limit := flagLimit
	if flagTest {
		limit = testLimit
	}
	a := &app{
		db:  db,
		rdb: rdb,
		deps: pipeline.Deps{
			Store:  st,
			Sink:   st,
			Source: osmose.NewClient(osmose.ConfigFromEnv(), nil),
			Redis:  rdb,
		},
		opts: pipeline.Options{
			Patch:       cfg,
			FetchLimit:  utils.EnvInt("PATCH_FETCH_LIMIT", 0),
			IssueLimit:  limit,
			CommitEvery: utils.EnvInt("INGEST_COMMIT_EVERY", 100),
			LockTTL:     utils.EnvDuration("RUN_LOCK_TTL_S", 600, time.Second),
		},
	}
	a.close = func() {
		if a.rdb != nil {
			a.rdb.Close()
		}
		a.db.Close()
	}
	return a, nil
}

// withApp：命令执行包装，结束时推送指标（PUSHGATEWAY_URL）
func withApp(ctx context.Context, job string, fn func(a *app) error) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	runErr := fn(a)
	pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metrics.Push(pctx, os.Getenv("PUSHGATEWAY_URL"), job); err != nil {
		logger.L().Warn("metrics_push_error", "err", err)
	}
	return runErr
}

func fullCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "full",
		Short: "Fetch issues, then build patches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, "osmose_full", func(a *app) error {
				_, _, err := pipeline.RunFull(ctx, a.deps, a.opts)
				return err
			})
		},
	}
}

func issuesCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "issues",
		Short: "Fetch Osmose issues into osmose_errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, "osmose_issues", func(a *app) error {
				_, err := pipeline.RunIssues(ctx, a.deps, a.opts)
				return err
			})
		},
	}
}

func patchesCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "patches",
		Short: "Group unassigned errors into patches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, "osmose_patches", func(a *app) error {
				_, err := pipeline.RunPatches(ctx, a.deps, a.opts)
				return err
			})
		},
	}
}

func statusCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print error, patch and batch counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			st, err := pipeline.Status(ctx, a.deps)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "errors:      %d (unassigned %d)\n", st.TotalErrors, st.UnassignedErrors)
			fmt.Fprintf(out, "patches:     %d (avg %.2f km², max %.2f km², avg %.1f errors)\n", st.TotalPatches, st.AvgAreaKm2, st.MaxAreaKm2, st.AvgErrors)
			for d, n := range st.ByDifficulty {
				fmt.Fprintf(out, "  %-8s %d\n", d, n)
			}
			for _, b := range st.RecentBatches {
				fmt.Fprintf(out, "batch %d  %s  %-20s %-10s patches=%d errors=%d\n",
					b.ID, b.ImportedAt.Format("2006-01-02 15:04"), b.ImportedBy, b.Status, b.NewPatches, b.ErrorsCount)
			}
			return nil
		},
	}
}

func scheduleCmd(ctx context.Context) *cobra.Command {
	var interval time.Duration
	var withIssues bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run periodically and expose /metrics, /healthz and /status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if addr := os.Getenv("METRICS_ADDR"); addr != "" {
				go func() {
					if err := pipeline.ServeOps(ctx, addr, a.deps, utils.EnvInt("OPS_RATE_LIMIT", 5)); err != nil {
						logger.L().Error("ops_serve_error", "err", err)
					}
				}()
			}
			err = pipeline.Schedule(ctx, a.deps, a.opts, interval, withIssues)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", utils.EnvDuration("SCHEDULE_INTERVAL_MIN", 60, time.Minute), "time between runs")
	cmd.Flags().BoolVar(&withIssues, "with-issues", true, "fetch issues before each patch run")
	return cmd
}

func initSchemaCmd(ctx context.Context) *cobra.Command {
	var drop bool
	cmd := &cobra.Command{
		Use:   "init-schema",
		Short: "Create tables and indexes (optionally dropping them first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := utils.OpenPostgresFromEnv()
			if err != nil {
				return err
			}
			defer db.Close()
			if drop {
				if err := migrate.DropSchema(ctx, db); err != nil {
					return err
				}
			}
			return migrate.EnsureSchema(ctx, db)
		},
	}
	cmd.Flags().BoolVar(&drop, "drop", false, "drop existing tables first")
	return cmd
}
