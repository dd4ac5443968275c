// 程序入口：数据库维护作业；MAINT_ACTION 逗号分隔（cleanup_old_batches, remove_orphaned_errors,
// reset_errors, delete_all_patches, vacuum, stats），MAINT_DAYS 为批次保留天数
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"osmose-patches/internal/logger"
	"osmose-patches/internal/maintenance"
	"osmose-patches/internal/utils"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	actions, err := maintenance.ParseActions(os.Getenv("MAINT_ACTION"))
	if err != nil {
		l.Error("maint_bad_action", "err", err)
		os.Exit(2)
	}
	days := utils.EnvInt("MAINT_DAYS", 30)

	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		l.Error("db_ping_error", "err", err)
		os.Exit(1)
	}

	if err := maintenance.New(db).Run(ctx, actions, days); err != nil {
		l.Error("maint_failed", "err", err)
		db.Close()
		os.Exit(1)
	}
	l.Info("maint_done", "actions", actions)
}
