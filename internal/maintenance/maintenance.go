// 包 maintenance：导入批次清理、孤立引用修复、分配重置、VACUUM 与数据库报告
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"osmose-patches/internal/logger"
	"osmose-patches/internal/store"
)

// 可通过 MAINT_ACTION（逗号分隔）选择的操作名
const (
	ActionCleanupOldBatches = "cleanup_old_batches"
	ActionRemoveOrphans     = "remove_orphaned_errors"
	ActionResetErrors       = "reset_errors"
	ActionDeleteAllPatches  = "delete_all_patches"
	ActionVacuum            = "vacuum"
	ActionStats             = "stats"
)

var vacuumTables = []string{"osmose_errors", "osmose_patches", "import_batches"}

// Manager：维护操作入口
type Manager struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Manager { return &Manager{db: db, now: time.Now} }

// CleanupOldBatches：删除早于 days 天的导入批次；补丁与错误点上的批次引用由外键置空
func (m *Manager) CleanupOldBatches(ctx context.Context, days int) (int64, error) {
	cutoff := m.now().AddDate(0, 0, -days)
	rows, err := m.db.QueryContext(ctx, `SELECT batch_id FROM import_batches WHERE imported_at < $1 ORDER BY imported_at`, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		logger.L().Info("maint_no_old_batches", "days", days)
		return 0, nil
	}
	r, err := m.db.ExecContext(ctx, `DELETE FROM import_batches WHERE batch_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	n, _ := r.RowsAffected()
	logger.L().Info("maint_batches_deleted", "count", n, "days", days)
	return n, nil
}

// RemoveOrphanedErrors：清除指向不存在补丁的 patch_id
func (m *Manager) RemoveOrphanedErrors(ctx context.Context) (int64, error) {
	r, err := m.db.ExecContext(ctx, `UPDATE osmose_errors SET patch_id = NULL, updated_at = CURRENT_TIMESTAMP
        WHERE patch_id IS NOT NULL AND NOT EXISTS (SELECT 1 FROM osmose_patches p WHERE p.patch_id = osmose_errors.patch_id)`)
	if err != nil {
		return 0, err
	}
	n, _ := r.RowsAffected()
	logger.L().Info("maint_orphans_cleared", "count", n)
	return n, nil
}

// ResetUnprocessed：把全部错误点恢复为未分配；补丁本身保留
func (m *Manager) ResetUnprocessed(ctx context.Context) (int64, error) {
	r, err := m.db.ExecContext(ctx, `UPDATE osmose_errors SET patch_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE patch_id IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	n, _ := r.RowsAffected()
	logger.L().Warn("maint_errors_reset", "count", n)
	return n, nil
}

// DeleteAllPatches：单事务内解除关联并删除全部补丁
func (m *Manager) DeleteAllPatches(ctx context.Context) (int64, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE osmose_errors SET patch_id = NULL WHERE patch_id IS NOT NULL`); err != nil {
		return 0, err
	}
	r, err := tx.ExecContext(ctx, `DELETE FROM osmose_patches`)
	if err != nil {
		return 0, err
	}
	n, _ := r.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	logger.L().Warn("maint_patches_deleted", "count", n)
	return n, nil
}

// Vacuum：VACUUM ANALYZE 三张表；VACUUM 不能在事务内执行，直接使用连接池
func (m *Manager) Vacuum(ctx context.Context) error {
	for _, t := range vacuumTables {
		logger.L().Info("maint_vacuum", "table", t)
		if _, err := m.db.ExecContext(ctx, "VACUUM ANALYZE "+t); err != nil {
			return fmt.Errorf("vacuum %s: %w", t, err)
		}
	}
	return nil
}

// TableSize：表名与 pg_size_pretty 文本
type TableSize struct {
	Table string
	Size  string
}

// Report：数据库报告
type Report struct {
	Tables []TableSize
	store.Status
}

// Stats：表大小与计数汇总
func (m *Manager) Stats(ctx context.Context) (Report, error) {
	var rep Report
	rows, err := m.db.QueryContext(ctx, `SELECT tablename, pg_size_pretty(pg_total_relation_size(schemaname||'.'||tablename))
        FROM pg_tables WHERE schemaname = 'public' AND tablename = ANY($1)
        ORDER BY pg_total_relation_size(schemaname||'.'||tablename) DESC`, pq.Array(vacuumTables))
	if err != nil {
		return rep, err
	}
	for rows.Next() {
		var ts TableSize
		if err := rows.Scan(&ts.Table, &ts.Size); err != nil {
			rows.Close()
			return rep, err
		}
		rep.Tables = append(rep.Tables, ts)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return rep, err
	}
	rep.Status, err = store.AttachDB(m.db).Status(ctx)
	return rep, err
}

// LogReport：以结构化日志输出报告
func LogReport(rep Report) {
	l := logger.L()
	for _, t := range rep.Tables {
		l.Info("maint_table_size", "table", t.Table, "size", t.Size)
	}
	l.Info("maint_counts",
		"errors", rep.TotalErrors,
		"unassigned", rep.UnassignedErrors,
		"patches", rep.TotalPatches,
		"avg_area_km2", rep.AvgAreaKm2,
		"max_area_km2", rep.MaxAreaKm2,
		"avg_errors", rep.AvgErrors,
	)
	for _, b := range rep.RecentBatches {
		l.Info("maint_recent_batch", "batch_id", b.ID, "imported_by", b.ImportedBy, "imported_at", b.ImportedAt, "new_patches", b.NewPatches, "errors", b.ErrorsCount)
	}
}

// ParseActions：解析逗号分隔的操作列表，未知操作返回错误
func ParseActions(s string) ([]string, error) {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		switch a {
		case ActionCleanupOldBatches, ActionRemoveOrphans, ActionResetErrors, ActionDeleteAllPatches, ActionVacuum, ActionStats:
			out = append(out, a)
		default:
			return nil, fmt.Errorf("unknown maintenance action %q", a)
		}
	}
	if len(out) == 0 {
		out = []string{ActionStats}
	}
	return out, nil
}

// Run：按顺序执行操作；任一失败立即返回
func (m *Manager) Run(ctx context.Context, actions []string, days int) error {
	for _, a := range actions {
		logger.L().Info("maint_action_start", "action", a)
		var err error
		switch a {
		case ActionCleanupOldBatches:
			_, err = m.CleanupOldBatches(ctx, days)
		case ActionRemoveOrphans:
			_, err = m.RemoveOrphanedErrors(ctx)
		case ActionResetErrors:
			_, err = m.ResetUnprocessed(ctx)
		case ActionDeleteAllPatches:
			_, err = m.DeleteAllPatches(ctx)
		case ActionVacuum:
			err = m.Vacuum(ctx)
		case ActionStats:
			var rep Report
			if rep, err = m.Stats(ctx); err == nil {
				LogReport(rep)
			}
		}
		if err != nil {
			return fmt.Errorf("%s: %w", a, err)
		}
	}
	return nil
}
