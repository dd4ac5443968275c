// 包 store: PostgreSQL/PostGIS 数据访问层，负责错误点读取、补丁持久化与导入批次记录
package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/paulmach/orb/geojson"

	"osmose-patches/internal/geo"
	"osmose-patches/internal/logger"
	"osmose-patches/internal/patches"
)

// ErrConcurrentAssignment：提交时发现成员已被其他运行分配，整个事务回滚
var ErrConcurrentAssignment = errors.New("store: error points assigned concurrently")

const maxPatchIDLen = 100

// Store: 数据库访问入口，持有连接池
type Store struct {
	db *sql.DB
}

func AttachDB(db *sql.DB) *Store { return &Store{db: db} }

// Open: 使用 DSN 打开数据库连接
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// CommitResult：一次补丁提交的结果统计
type CommitResult struct {
	Inserted   int
	Duplicates int
	Assigned   int
	PatchIDs   []string
}

// MintPatchID：由排序后的成员 ID 确定性生成补丁 ID
// 约束：不超过 3 个成员时拼接（含 '-' 且超过 8 位的 ID 截断为前 8 位）；
// 其余情况或拼接结果超长时使用 CC_MERGED_<n>_<md5 前 12 位>
func MintPatchID(country string, members []string) string {
	ids := append([]string(nil), members...)
	sort.Strings(ids)
	if len(ids) <= 3 {
		short := make([]string, len(ids))
		for i, id := range ids {
			if len(id) > 8 && strings.Contains(id, "-") {
				id = id[:8]
			}
			short[i] = id
		}
		if id := country + "_" + strings.Join(short, "_"); len(id) <= maxPatchIDLen {
			return id
		}
	}
	sum := md5.Sum([]byte(strings.Join(ids, "_")))
	return fmt.Sprintf("%s_MERGED_%d_%s", country, len(ids), hex.EncodeToString(sum[:])[:12])
}

// FetchUnassigned：读取尚未分配的错误点，按 error_id 排序以保证可复现
// 参数：country 为空时不过滤国家；limit<=0 表示不限制
func (s *Store) FetchUnassigned(ctx context.Context, country string, limit int) ([]patches.ErrorPoint, error) {
	q := `SELECT error_id, ST_Y(location), ST_X(location), COALESCE(item, 0), COALESCE(class, 0),
        COALESCE(title, ''), COALESCE(subtitle, ''), COALESCE(batch_id, 0)
        FROM osmose_errors
        WHERE patch_id IS NULL AND ($1::text = '' OR country_code = $1)
        ORDER BY error_id`
	args := []any{country}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch unassigned: %w", err)
	}
	defer rows.Close()
	var out []patches.ErrorPoint
	for rows.Next() {
		var p patches.ErrorPoint
		if err := rows.Scan(&p.ID, &p.Lat, &p.Lon, &p.Item, &p.Class, &p.Title, &p.Subtitle, &p.BatchID); err != nil {
			return nil, fmt.Errorf("scan unassigned: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch unassigned: %w", err)
	}
	logger.L().Debug("db_fetch_unassigned", "country", country, "limit", limit, "rows", len(out))
	return out, nil
}

const insertPatchSQL = `INSERT INTO osmose_patches (
        patch_id, geometry, country_code, country_name, osmose_ids, area_km2, perimeter_km,
        error_count, source_file, import_batch, priority, difficulty, metadata, created_at
    ) VALUES ($1, ST_SetSRID(ST_GeomFromGeoJSON($2), 4326), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
    ON CONFLICT (patch_id) DO NOTHING`

const assignErrorsSQL = `UPDATE osmose_errors SET patch_id = $1, updated_at = CURRENT_TIMESTAMP
    WHERE error_id = ANY($2) AND patch_id IS NULL`

const batchStatsSQL = `UPDATE import_batches
    SET patches_count = $1, errors_count = $2, new_patches = $3, duplicate_patches = $4, failed_patches = 0
    WHERE batch_id = $5`

// patchMetadata：写入 metadata JSONB 的附加信息
type patchMetadata struct {
	CreatedDate string             `json:"created_date"`
	Centroid    map[string]float64 `json:"centroid"`
	Geohash     string             `json:"geohash"`
	Bound       [4]float64         `json:"bbox"`
	Source      string             `json:"source"`
}

// 文档注释：在单个事务内持久化补丁并分配成员
// 背景：引擎输出不含 ID；此处按成员生成确定性 ID，插入补丁后以 patch_id IS NULL 为条件更新错误点。
// 约束：
// - 已存在的补丁 ID 计为重复，不再插入，其成员重新关联到该补丁（例如错误点被重置后再次运行）；
// - 更新行数少于成员数说明成员已被其他运行占用，整个事务回滚并返回 ErrConcurrentAssignment；
// - 批次统计在同一事务内更新；任何失败都不会留下部分结果。
func (s *Store) CommitPatches(ctx context.Context, batchID int64, ps []patches.Patch, as []patches.Assignment) (CommitResult, error) {
	var res CommitResult
	if len(ps) == 0 {
		return res, nil
	}
	byPatch := make(map[int][]string, len(ps))
	for _, a := range as {
		if a.PatchIndex < 0 || a.PatchIndex >= len(ps) {
			return res, fmt.Errorf("commit patches: assignment %s points to patch %d of %d", a.ErrorID, a.PatchIndex, len(ps))
		}
		byPatch[a.PatchIndex] = append(byPatch[a.PatchIndex], a.ErrorID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	sourceFile := fmt.Sprintf("patches_batch_%d", batchID)
	for i, p := range ps {
		ids := byPatch[i]
		if len(ids) != len(p.Members) {
			return CommitResult{}, fmt.Errorf("commit patches: patch %d has %d members but %d assignments", i, len(p.Members), len(ids))
		}
		id := MintPatchID(p.CountryCode, p.Members)
		geom, err := geojson.NewGeometry(p.Geometry).MarshalJSON()
		if err != nil {
			return CommitResult{}, fmt.Errorf("encode geometry %s: %w", id, err)
		}
		meta, err := json.Marshal(patchMetadata{
			CreatedDate: p.CreatedAt.UTC().Format(time.RFC3339),
			Centroid:    map[string]float64{"lon": p.Centroid.Lon(), "lat": p.Centroid.Lat()},
			Geohash:     geo.Geohash(p.Centroid, 6),
			Bound:       [4]float64{p.Bound.Min.Lon(), p.Bound.Min.Lat(), p.Bound.Max.Lon(), p.Bound.Max.Lat()},
			Source:      "patches_builder",
		})
		if err != nil {
			return CommitResult{}, err
		}
		r, err := tx.ExecContext(ctx, insertPatchSQL,
			id, string(geom), p.CountryCode, p.CountryName, pq.Array(p.Members), p.AreaKm2, p.PerimeterKm,
			p.ErrorCount, sourceFile, batchID, p.Priority, p.Difficulty.String(), meta, p.CreatedAt)
		if err != nil {
			return CommitResult{}, fmt.Errorf("insert patch %s: %w", id, err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			res.Duplicates++
			logger.L().Warn("db_patch_duplicate", "patch_id", id)
		} else {
			res.Inserted++
		}
		r, err = tx.ExecContext(ctx, assignErrorsSQL, id, pq.Array(ids))
		if err != nil {
			return CommitResult{}, fmt.Errorf("assign errors %s: %w", id, err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return CommitResult{}, err
		}
		if int(n) != len(ids) {
			logger.L().Error("db_concurrent_assignment", "patch_id", id, "members", len(ids), "updated", n)
			return CommitResult{}, fmt.Errorf("patch %s: %d of %d members updated: %w", id, n, len(ids), ErrConcurrentAssignment)
		}
		res.Assigned += int(n)
		res.PatchIDs = append(res.PatchIDs, id)
	}
	if _, err := tx.ExecContext(ctx, batchStatsSQL, len(ps), res.Assigned, res.Inserted, res.Duplicates, batchID); err != nil {
		return CommitResult{}, fmt.Errorf("update batch %d: %w", batchID, err)
	}
	if err := tx.Commit(); err != nil {
		return CommitResult{}, err
	}
	logger.L().Info("db_patches_committed", "batch_id", batchID, "inserted", res.Inserted, "duplicates", res.Duplicates, "assigned", res.Assigned)
	return res, nil
}
