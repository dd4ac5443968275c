// 包 ingest：Osmose 问题拉取与入库，作为补丁生成的上游数据通道
package ingest

import (
	"context"
	"fmt"
	"time"

	"osmose-patches/internal/geo"
	"osmose-patches/internal/logger"
	"osmose-patches/internal/metrics"
	"osmose-patches/internal/osmose"
	"osmose-patches/internal/store"
)

// IssueSource：问题来源（Osmose API 客户端）
type IssueSource interface {
	FetchIssues(ctx context.Context, limit int) ([]osmose.Issue, error)
	IssueURL(id string) string
}

// ErrorSink：错误点写入端（store.Store）
type ErrorSink interface {
	CreateBatch(ctx context.Context, importedBy, country, sourceFile string) (int64, error)
	InsertErrors(ctx context.Context, batchID int64, country string, recs []store.ErrorRecord, commitEvery int) (store.InsertResult, error)
	UpdateBatchErrors(ctx context.Context, batchID int64, r store.InsertResult) error
	FinishBatch(ctx context.Context, batchID int64, status string) error
}

// Options：一次导入的参数
type Options struct {
	CountryCode string
	Limit       int
	CommitEvery int
	Now         func() time.Time
}

// Result：导入统计；Partial 表示上游分页中途失败，仅部分结果入库
type Result struct {
	BatchID    int64
	Fetched    int
	Inserted   int
	Duplicates int
	Invalid    int
	Partial    bool
}

// toRecords：校验坐标与 ID，无效问题计数后跳过
func toRecords(src IssueSource, issues []osmose.Issue) ([]store.ErrorRecord, int) {
	recs := make([]store.ErrorRecord, 0, len(issues))
	invalid := 0
	for _, is := range issues {
		id := string(is.ID)
		if id == "" || is.Lat == nil || is.Lon == nil || !geo.Valid(*is.Lat, *is.Lon) {
			invalid++
			logger.L().Warn("ingest_invalid_issue", "error_id", id)
			continue
		}
		recs = append(recs, store.ErrorRecord{
			ID:        id,
			Lat:       *is.Lat,
			Lon:       *is.Lon,
			Item:      is.Item,
			Class:     is.Class,
			Title:     string(is.Title),
			Subtitle:  string(is.Subtitle),
			Username:  is.Username,
			Timestamp: is.Timestamp(),
			URL:       src.IssueURL(id),
		})
	}
	return recs, invalid
}

// 文档注释：登记批次 → 拉取问题 → 校验 → 分块提交入库 → 更新批次统计
// 背景：上游分页中途失败时保留已拉取部分继续入库（Partial=true），全部失败才返回错误。
// 约束：重复 error_id 由存储层 ON CONFLICT 吸收并计数；每 CommitEvery（默认 100）行提交一次。
func Run(ctx context.Context, src IssueSource, sink ErrorSink, opts Options) (Result, error) {
	l := logger.L()
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	if opts.CommitEvery <= 0 {
		opts.CommitEvery = 100
	}
	var res Result
	stop := timer("ingest")
	defer stop()

	batchID, err := sink.CreateBatch(ctx, "osmose_api_loader", opts.CountryCode, "osmose_api_"+now().Format("20060102_150405"))
	if err != nil {
		return res, err
	}
	res.BatchID = batchID

	issues, ferr := src.FetchIssues(ctx, opts.Limit)
	res.Fetched = len(issues)
	if ferr != nil {
		if len(issues) == 0 {
			_ = sink.FinishBatch(ctx, batchID, "failed")
			return res, fmt.Errorf("fetch issues: %w", ferr)
		}
		res.Partial = true
		l.Warn("ingest_partial_fetch", "fetched", len(issues), "err", ferr)
	}
	if len(issues) == 0 {
		l.Warn("ingest_no_issues", "batch_id", batchID)
	}

	recs, invalid := toRecords(src, issues)
	res.Invalid = invalid
	ins, err := sink.InsertErrors(ctx, batchID, opts.CountryCode, recs, opts.CommitEvery)
	res.Inserted, res.Duplicates = ins.Inserted, ins.Duplicates
	if err != nil {
		_ = sink.FinishBatch(ctx, batchID, "failed")
		return res, err
	}
	ins.Failed = invalid
	if err := sink.UpdateBatchErrors(ctx, batchID, ins); err != nil {
		return res, err
	}

	metrics.ErrorsIngestedTotal.WithLabelValues("inserted").Add(float64(res.Inserted))
	metrics.ErrorsIngestedTotal.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	metrics.ErrorsIngestedTotal.WithLabelValues("invalid").Add(float64(res.Invalid))
	l.Info("ingest_done",
		"batch_id", batchID,
		"fetched", res.Fetched,
		"inserted", res.Inserted,
		"duplicates", res.Duplicates,
		"invalid", res.Invalid,
		"partial", res.Partial,
	)
	return res, nil
}

func timer(stage string) func() {
	t0 := time.Now()
	return func() {
		metrics.PipelineDurationSeconds.WithLabelValues(stage).Observe(time.Since(t0).Seconds())
	}
}
