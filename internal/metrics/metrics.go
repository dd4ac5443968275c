// 包 metrics：批处理作业的 Prometheus 指标；常驻模式经 /metrics 暴露，单次作业结束时推送到 Pushgateway
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	OsmoseRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "osmose_api_requests_total",
		Help: "Total Osmose API page requests",
	})
	OsmoseFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "osmose_api_fail_total",
		Help: "Total Osmose API page failures (transport, status or decode)",
	})
	OsmoseDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "osmose_api_duration_ms",
		Help:    "Osmose API page request duration in milliseconds",
		Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
	})
	OsmoseIssuesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "osmose_api_issues_fetched_total",
		Help: "Total issues returned by the Osmose API",
	})
	ErrorsIngestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmose_errors_ingested_total",
		Help: "Ingested error points by outcome",
	}, []string{"outcome"})
	PatchRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmose_patch_runs_total",
		Help: "Patch generation runs by result",
	}, []string{"result"})
	PatchesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "osmose_patches_created_total",
		Help: "Total patches persisted",
	})
	PatchPointsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmose_patch_points_total",
		Help: "Error points seen by the patch engine by outcome",
	}, []string{"outcome"})
	PatchAreaKm2 = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "osmose_patch_area_km2",
		Help:    "Area of generated patches in square kilometres",
		Buckets: []float64{0.5, 1, 2, 5, 10, 15, 18, 30},
	})
	PatchErrorCount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "osmose_patch_error_count",
		Help:    "Member count of generated patches",
		Buckets: []float64{3, 5, 10, 20, 50, 100, 200},
	})
	PipelineDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "osmose_pipeline_duration_seconds",
		Help:    "Pipeline stage duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	LockContendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "osmose_run_lock_contended_total",
		Help: "Runs skipped because another run held the lock",
	})
	OpsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "osmose_ops_rate_limited_total",
		Help: "Ops endpoint requests rejected by the rate limiter",
	})
)

func init() {
	prometheus.MustRegister(OsmoseRequestsTotal)
	prometheus.MustRegister(OsmoseFailTotal)
	prometheus.MustRegister(OsmoseDurationMs)
	prometheus.MustRegister(OsmoseIssuesFetched)
	prometheus.MustRegister(ErrorsIngestedTotal)
	prometheus.MustRegister(PatchRunsTotal)
	prometheus.MustRegister(PatchesCreatedTotal)
	prometheus.MustRegister(PatchPointsTotal)
	prometheus.MustRegister(PatchAreaKm2)
	prometheus.MustRegister(PatchErrorCount)
	prometheus.MustRegister(PipelineDurationSeconds)
	prometheus.MustRegister(LockContendedTotal)
	prometheus.MustRegister(OpsRejectedTotal)
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：schedule 常驻模式下挂载到 METRICS_ADDR 的 /metrics 路径，供 Prometheus 抓取。
func Handler() http.Handler { return promhttp.Handler() }

// Push：将默认注册表推送到 Pushgateway；url 为空时不做任何事
// 约束：单次作业进程退出前调用；推送失败只返回错误，不影响作业结果
func Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx)
}
