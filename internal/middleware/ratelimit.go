package middleware

import (
	"net/http"
	"sync"
	"time"

	"osmose-patches/internal/logger"
	"osmose-patches/internal/metrics"
)

// 文档注释：令牌桶限流中间件（每秒）
// 背景：/status 每次请求都会对 osmose_errors 与 osmose_patches 做聚合查询，抓取方过于频繁时会拖慢补丁提交事务。
// 约束：简化实现，不做队列排队，仅丢弃并返回 429；容量按秒整体重置。
type TokenBucket struct {
	capacity int
	tokens   int
	lastSec  int64
	now      func() time.Time
	mu       sync.Mutex
}

// NewTokenBucket：每秒最多放行 perSec 个请求
func NewTokenBucket(perSec int) *TokenBucket {
	return &TokenBucket{capacity: perSec, tokens: perSec, lastSec: time.Now().Unix(), now: time.Now}
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	nowSec := tb.now().Unix()
	if tb.lastSec != nowSec {
		tb.lastSec = nowSec
		tb.tokens = tb.capacity
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimit：perSec<=0 时不限流，直接返回 next
func RateLimit(perSec int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if perSec <= 0 {
			return next
		}
		tb := NewTokenBucket(perSec)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tb.Allow() {
				metrics.OpsRejectedTotal.Inc()
				logger.L().Debug("ops_rate_limited", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
