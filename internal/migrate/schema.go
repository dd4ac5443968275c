// 包 migrate：首次运行时创建导入批次、错误点与补丁三张表及其索引
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"osmose-patches/internal/logger"
)

// statements：按依赖顺序执行；均为幂等语句，可在每次作业启动时重复执行
var statements = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,
	`CREATE TABLE IF NOT EXISTS import_batches (
            batch_id SERIAL PRIMARY KEY,
            imported_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            imported_by VARCHAR(100) NOT NULL,
            country_code VARCHAR(5) NOT NULL,
            source_file VARCHAR(255),
            patches_count INTEGER DEFAULT 0,
            errors_count INTEGER DEFAULT 0,
            new_patches INTEGER DEFAULT 0,
            duplicate_patches INTEGER DEFAULT 0,
            failed_patches INTEGER DEFAULT 0,
            status VARCHAR(20) DEFAULT 'completed'
        )`,
	`CREATE TABLE IF NOT EXISTS osmose_patches (
            patch_id VARCHAR(100) PRIMARY KEY,
            geometry GEOMETRY(Polygon, 4326) NOT NULL,
            country_code VARCHAR(5) NOT NULL,
            country_name VARCHAR(100),
            osmose_ids TEXT[] NOT NULL,
            area_km2 DECIMAL(10,3) NOT NULL,
            perimeter_km DECIMAL(10,3) NOT NULL,
            error_count INTEGER NOT NULL DEFAULT 0,
            source_file VARCHAR(255),
            import_batch INTEGER REFERENCES import_batches(batch_id) ON DELETE SET NULL,
            priority INTEGER DEFAULT 5,
            difficulty VARCHAR(10) DEFAULT 'medium',
            status VARCHAR(20) DEFAULT 'open',
            assigned_to VARCHAR(100),
            completed_at TIMESTAMP,
            metadata JSONB,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,
	`CREATE TABLE IF NOT EXISTS osmose_errors (
            error_id VARCHAR(50) PRIMARY KEY,
            patch_id VARCHAR(100) REFERENCES osmose_patches(patch_id) ON DELETE SET NULL,
            batch_id INTEGER REFERENCES import_batches(batch_id) ON DELETE SET NULL,
            country_code VARCHAR(5),
            location GEOMETRY(Point, 4326) NOT NULL,
            item INTEGER,
            class INTEGER,
            title TEXT,
            subtitle TEXT,
            username VARCHAR(100),
            error_timestamp TIMESTAMP,
            osmose_url TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,
	`CREATE INDEX IF NOT EXISTS idx_osmose_errors_location ON osmose_errors USING GIST (location)`,
	`CREATE INDEX IF NOT EXISTS idx_osmose_errors_patch_id ON osmose_errors (patch_id)`,
	`CREATE INDEX IF NOT EXISTS idx_osmose_errors_unassigned ON osmose_errors (country_code, error_id) WHERE patch_id IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_osmose_patches_geometry ON osmose_patches USING GIST (geometry)`,
	`CREATE INDEX IF NOT EXISTS idx_osmose_patches_country ON osmose_patches (country_code)`,
	`CREATE INDEX IF NOT EXISTS idx_osmose_patches_priority ON osmose_patches (priority DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_osmose_patches_status ON osmose_patches (status)`,
}

// dropStatements：完全重置时使用，顺序与外键依赖相反
var dropStatements = []string{
	`DROP TABLE IF EXISTS osmose_errors CASCADE`,
	`DROP TABLE IF EXISTS osmose_patches CASCADE`,
	`DROP TABLE IF EXISTS import_batches CASCADE`,
}

// EnsureSchema：创建所需扩展、表与索引
// 约束：使用 IF NOT EXISTS 避免与既有结构冲突；任一语句失败立即返回并带上序号
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range statements {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	logger.L().Info("schema_ready", "statements", len(statements))
	return nil
}

// DropSchema：删除全部表，仅用于测试环境重建
func DropSchema(ctx context.Context, db *sql.DB) error {
	for _, s := range dropStatements {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	logger.L().Warn("schema_dropped")
	return nil
}
