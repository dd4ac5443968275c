package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"osmose-patches/internal/logger"
)

// ErrorRecord：待写入 osmose_errors 的一条 Osmose 问题
type ErrorRecord struct {
	ID        string
	Lat       float64
	Lon       float64
	Item      int
	Class     int
	Title     string
	Subtitle  string
	Username  string
	Timestamp *time.Time
	URL       string
}

// InsertResult：导入统计
type InsertResult struct {
	Inserted   int
	Duplicates int
	Failed     int
}

// CreateBatch：登记一次导入/补丁批次，返回批次 ID
func (s *Store) CreateBatch(ctx context.Context, importedBy, country, sourceFile string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO import_batches (imported_by, country_code, source_file, status) VALUES ($1, $2, $3, 'running') RETURNING batch_id`,
		importedBy, country, sourceFile).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create batch: %w", err)
	}
	logger.L().Info("db_batch_created", "batch_id", id, "imported_by", importedBy, "country", country)
	return id, nil
}

// FinishBatch：更新批次最终状态（completed / failed）
func (s *Store) FinishBatch(ctx context.Context, batchID int64, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE import_batches SET status = $1 WHERE batch_id = $2`, status, batchID)
	return err
}

const insertErrorSQL = `INSERT INTO osmose_errors (
        error_id, batch_id, country_code, location, item, class, title, subtitle, username, error_timestamp, osmose_url
    ) VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326), $6, $7, $8, $9, $10, $11, $12)
    ON CONFLICT (error_id) DO NOTHING`

// 文档注释：批量写入错误点，每 commitEvery 行提交一次
// 背景：与上游分页拉取配合，降低长事务锁持有；已存在的 error_id 计为重复。
// 约束：调用方负责坐标校验；数据库错误直接返回，已提交的批次保留（重复导入由 ON CONFLICT 吸收）。
func (s *Store) InsertErrors(ctx context.Context, batchID int64, country string, recs []ErrorRecord, commitEvery int) (InsertResult, error) {
	var res InsertResult
	if commitEvery <= 0 {
		commitEvery = 100
	}
	var tx *sql.Tx
	pending := 0
	for _, rec := range recs {
		if tx == nil {
			var err error
			if tx, err = s.db.BeginTx(ctx, nil); err != nil {
				return res, err
			}
		}
		r, err := tx.ExecContext(ctx, insertErrorSQL,
			rec.ID, batchID, country, rec.Lon, rec.Lat, rec.Item, rec.Class, rec.Title, rec.Subtitle,
			sql.NullString{String: rec.Username, Valid: rec.Username != ""}, rec.Timestamp, rec.URL)
		if err != nil {
			_ = tx.Rollback()
			return res, fmt.Errorf("insert error %s: %w", rec.ID, err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			res.Duplicates++
		} else {
			res.Inserted++
		}
		pending++
		if pending == commitEvery {
			if err := tx.Commit(); err != nil {
				return res, err
			}
			logger.L().Info("ingest_progress", "inserted", res.Inserted, "duplicates", res.Duplicates)
			tx, pending = nil, 0
		}
	}
	if tx != nil {
		if err := tx.Commit(); err != nil {
			return res, err
		}
	}
	return res, nil
}

// UpdateBatchErrors：写入导入批次的错误点统计
func (s *Store) UpdateBatchErrors(ctx context.Context, batchID int64, r InsertResult) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE import_batches SET errors_count = $1, duplicate_patches = $2, failed_patches = $3, status = 'completed' WHERE batch_id = $4`,
		r.Inserted, r.Duplicates, r.Failed, batchID)
	return err
}

// BatchSummary：最近批次概要
type BatchSummary struct {
	ID          int64
	ImportedAt  time.Time
	ImportedBy  string
	Status      string
	NewPatches  int
	ErrorsCount int
}

// Status：status 命令使用的计数汇总
type Status struct {
	TotalErrors      int64
	UnassignedErrors int64
	TotalPatches     int64
	AvgAreaKm2       float64
	MaxAreaKm2       float64
	AvgErrors        float64
	ByDifficulty     map[string]int64
	RecentBatches    []BatchSummary
}

// Status：读取错误点/补丁/批次的汇总计数
func (s *Store) Status(ctx context.Context) (Status, error) {
	st := Status{ByDifficulty: map[string]int64{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE patch_id IS NULL) FROM osmose_errors`).
		Scan(&st.TotalErrors, &st.UnassignedErrors)
	if err != nil {
		return st, fmt.Errorf("status errors: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(area_km2), 0), COALESCE(MAX(area_km2), 0), COALESCE(AVG(error_count), 0) FROM osmose_patches`).
		Scan(&st.TotalPatches, &st.AvgAreaKm2, &st.MaxAreaKm2, &st.AvgErrors)
	if err != nil {
		return st, fmt.Errorf("status patches: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT difficulty, COUNT(*) FROM osmose_patches GROUP BY difficulty ORDER BY difficulty`)
	if err != nil {
		return st, fmt.Errorf("status difficulty: %w", err)
	}
	for rows.Next() {
		var d string
		var n int64
		if err := rows.Scan(&d, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.ByDifficulty[d] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}
	st.RecentBatches, err = s.RecentBatches(ctx, 5)
	return st, err
}

// RecentBatches：按导入时间倒序返回最近 n 个批次
func (s *Store) RecentBatches(ctx context.Context, n int) ([]BatchSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, imported_at, imported_by, COALESCE(status, ''), COALESCE(new_patches, 0), COALESCE(errors_count, 0)
        FROM import_batches ORDER BY imported_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("recent batches: %w", err)
	}
	defer rows.Close()
	var out []BatchSummary
	for rows.Next() {
		var b BatchSummary
		if err := rows.Scan(&b.ID, &b.ImportedAt, &b.ImportedBy, &b.Status, &b.NewPatches, &b.ErrorsCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
