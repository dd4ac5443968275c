// 包 pipeline：作业编排（运行锁 → 批次 → 读取未分配错误点 → 补丁引擎 → 事务提交 → 指标）
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"osmose-patches/internal/ingest"
	"osmose-patches/internal/logger"
	"osmose-patches/internal/metrics"
	"osmose-patches/internal/patches"
	"osmose-patches/internal/runlock"
	"osmose-patches/internal/store"
)

// ErrorStore：补丁生成所需的存储能力（store.Store 实现）
type ErrorStore interface {
	FetchUnassigned(ctx context.Context, country string, limit int) ([]patches.ErrorPoint, error)
	CommitPatches(ctx context.Context, batchID int64, ps []patches.Patch, as []patches.Assignment) (store.CommitResult, error)
	CreateBatch(ctx context.Context, importedBy, country, sourceFile string) (int64, error)
	FinishBatch(ctx context.Context, batchID int64, status string) error
	Status(ctx context.Context) (store.Status, error)
}

// Deps：外部依赖；Redis 为 nil 时不加运行锁（单实例部署）
type Deps struct {
	Store  ErrorStore
	Sink   ingest.ErrorSink
	Source ingest.IssueSource
	Redis  *redis.Client
}

// Options：一次作业的参数
type Options struct {
	Patch       patches.Config
	FetchLimit  int
	IssueLimit  int
	CommitEvery int
	LockTTL     time.Duration
}

// PatchRun：一次补丁生成的结果
type PatchRun struct {
	RunID   string
	BatchID int64
	Report  patches.Report
	Commit  store.CommitResult
}

func (o Options) lockTTL() time.Duration {
	if o.LockTTL > 0 {
		return o.LockTTL
	}
	return 10 * time.Minute
}

// 文档注释：执行一次补丁生成
// 背景：同一国家同一时刻只允许一个写入者；Redis 锁之外，存储层以 patch_id IS NULL 条件兜底并发分配。
// 约束：
// - 锁被占用时返回 runlock.ErrLockNotAcquired，不做任何写入；
// - 提交失败视为本次运行失败，事务回滚，批次标记 failed；
// - 无未分配错误点时正常结束（零补丁）。
func RunPatches(ctx context.Context, deps Deps, opts Options) (PatchRun, error) {
	run := PatchRun{RunID: uuid.NewString()}
	l := logger.WithRun(run.RunID)
	cfg := opts.Patch
	if err := cfg.Validate(); err != nil {
		return run, err
	}
	t0 := time.Now()
	defer func() {
		metrics.PipelineDurationSeconds.WithLabelValues("patches").Observe(time.Since(t0).Seconds())
	}()

	if deps.Redis != nil {
		lock, err := runlock.Acquire(ctx, deps.Redis, runlock.Key(cfg.CountryCode), opts.lockTTL())
		if err != nil {
			if errors.Is(err, runlock.ErrLockNotAcquired) {
				metrics.LockContendedTotal.Inc()
				metrics.PatchRunsTotal.WithLabelValues("skipped").Inc()
			}
			return run, fmt.Errorf("acquire run lock: %w", err)
		}
		lock.KeepAlive(opts.lockTTL() / 3)
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				l.Warn("pipeline_lock_release_error", "err", err)
			}
		}()
	}

	now := time.Now()
	if cfg.Now != nil {
		now = cfg.Now()
	}
	batchID, err := deps.Store.CreateBatch(ctx, "patches_builder", cfg.CountryCode, "patches_"+now.Format("20060102_150405"))
	if err != nil {
		metrics.PatchRunsTotal.WithLabelValues("failed").Inc()
		return run, err
	}
	run.BatchID = batchID
	cfg.BatchID = batchID
	l.Info("pipeline_patches_start", "batch_id", batchID, "country", cfg.CountryCode)

	fail := func(err error) (PatchRun, error) {
		metrics.PatchRunsTotal.WithLabelValues("failed").Inc()
		if ferr := deps.Store.FinishBatch(context.Background(), batchID, "failed"); ferr != nil {
			l.Warn("pipeline_batch_finish_error", "batch_id", batchID, "err", ferr)
		}
		l.Error("pipeline_patches_failed", "batch_id", batchID, "err", err)
		return run, err
	}

	points, err := deps.Store.FetchUnassigned(ctx, cfg.CountryCode, opts.FetchLimit)
	if err != nil {
		return fail(err)
	}
	res, err := patches.Run(points, cfg)
	if err != nil {
		return fail(err)
	}
	run.Report = res.Report
	commit, err := deps.Store.CommitPatches(ctx, batchID, res.Patches, res.Assignments)
	if err != nil {
		return fail(fmt.Errorf("commit batch %d: %w", batchID, err))
	}
	run.Commit = commit
	if err := deps.Store.FinishBatch(ctx, batchID, "completed"); err != nil {
		l.Warn("pipeline_batch_finish_error", "batch_id", batchID, "err", err)
	}

	observe(res, commit)
	l.Info("pipeline_patches_done",
		"batch_id", batchID,
		"points", res.Report.Input,
		"patches", len(res.Patches),
		"inserted", commit.Inserted,
		"duplicates", commit.Duplicates,
		"assigned", commit.Assigned,
		"deferred", res.Report.Deferred,
		"duration_ms", time.Since(t0).Milliseconds(),
	)
	return run, nil
}

func observe(res patches.Result, commit store.CommitResult) {
	metrics.PatchRunsTotal.WithLabelValues("ok").Inc()
	metrics.PatchesCreatedTotal.Add(float64(commit.Inserted))
	rep := res.Report
	metrics.PatchPointsTotal.WithLabelValues("assigned").Add(float64(rep.Assigned))
	metrics.PatchPointsTotal.WithLabelValues("deferred").Add(float64(rep.Deferred))
	metrics.PatchPointsTotal.WithLabelValues("invalid").Add(float64(rep.SkippedInvalid))
	metrics.PatchPointsTotal.WithLabelValues("anomaly").Add(float64(rep.SkippedAssigned + rep.Duplicates))
	for _, p := range res.Patches {
		metrics.PatchAreaKm2.Observe(p.AreaKm2)
		metrics.PatchErrorCount.Observe(float64(p.ErrorCount))
	}
}

// RunIssues：仅拉取并入库 Osmose 问题
func RunIssues(ctx context.Context, deps Deps, opts Options) (ingest.Result, error) {
	return ingest.Run(ctx, deps.Source, deps.Sink, ingest.Options{
		CountryCode: opts.Patch.CountryCode,
		Limit:       opts.IssueLimit,
		CommitEvery: opts.CommitEvery,
		Now:         opts.Patch.Now,
	})
}

// RunFull：先入库再生成补丁；入库失败时不生成补丁
func RunFull(ctx context.Context, deps Deps, opts Options) (ingest.Result, PatchRun, error) {
	ir, err := RunIssues(ctx, deps, opts)
	if err != nil {
		return ir, PatchRun{}, fmt.Errorf("issues: %w", err)
	}
	pr, err := RunPatches(ctx, deps, opts)
	if err != nil {
		return ir, pr, fmt.Errorf("patches: %w", err)
	}
	return ir, pr, nil
}

// Status：读取并记录汇总计数
func Status(ctx context.Context, deps Deps) (store.Status, error) {
	st, err := deps.Store.Status(ctx)
	if err != nil {
		return st, err
	}
	logger.L().Info("pipeline_status",
		"errors", st.TotalErrors,
		"unassigned", st.UnassignedErrors,
		"patches", st.TotalPatches,
		"avg_area_km2", st.AvgAreaKm2,
		"max_area_km2", st.MaxAreaKm2,
		"by_difficulty", st.ByDifficulty,
	)
	return st, nil
}
