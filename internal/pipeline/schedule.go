package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"osmose-patches/internal/logger"
	"osmose-patches/internal/metrics"
	"osmose-patches/internal/middleware"
	"osmose-patches/internal/runlock"
)

// Schedule：常驻模式，立即执行一次，然后每 interval 执行一次，直到 ctx 取消
// 约束：withIssues=true 时每轮先入库再生成补丁；单轮失败（含锁被占用）只记录日志，调度继续
func Schedule(ctx context.Context, deps Deps, opts Options, interval time.Duration, withIssues bool) error {
	l := logger.L()
	if interval <= 0 {
		return errors.New("schedule interval must be positive")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		l.Info("schedule_tick", "with_issues", withIssues)
		var err error
		if withIssues {
			_, _, err = RunFull(ctx, deps, opts)
		} else {
			_, err = RunPatches(ctx, deps, opts)
		}
		switch {
		case errors.Is(err, runlock.ErrLockNotAcquired):
			l.Warn("schedule_skipped_locked")
		case err != nil:
			l.Error("schedule_run_error", "err", err)
		}
		l.Info("schedule_next", "next", time.Now().Add(interval))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// OpsHandler：运维端点 /metrics、/healthz、/status
// 约束：statusPerSec>0 时 /status 按每秒令牌桶限流
func OpsHandler(deps Deps, statusPerSec int) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/status", middleware.RateLimit(statusPerSec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})))
	return logger.AccessMiddleware(logger.L())(mux)
}

// ServeOps：在 addr 上提供运维端点，ctx 取消后优雅关闭
func ServeOps(ctx context.Context, addr string, deps Deps, statusPerSec int) error {
	s := &http.Server{Addr: addr, Handler: OpsHandler(deps, statusPerSec), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(sctx)
	}()
	logger.L().Info("ops_listen", "addr", addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
