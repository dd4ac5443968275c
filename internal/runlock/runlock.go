// 包 runlock：基于 Redis 的单写入者运行锁，保证同一国家同一时刻只有一个补丁生成运行
package runlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"osmose-patches/internal/logger"
)

var (
	ErrLockNotAcquired = errors.New("runlock: lock held by another run")
	ErrLockNotHeld     = errors.New("runlock: lock not held by this owner")
)

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Key：补丁生成锁的键名
func Key(country string) string { return "osmose:lock:patches:" + country }

// Lock：一次成功获取的锁；token 为随机 UUID，只有持有者能续期与释放
type Lock struct {
	rdb    *redis.Client
	key    string
	token  string
	ttl    time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// Acquire：SET NX PX 获取锁，已被占用时返回 ErrLockNotAcquired（不重试）
func Acquire(ctx context.Context, rdb *redis.Client, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.L().Warn("runlock_contended", "key", key)
		return nil, ErrLockNotAcquired
	}
	logger.L().Debug("runlock_acquired", "key", key, "ttl", ttl)
	return &Lock{rdb: rdb, key: key, token: token, ttl: ttl}, nil
}

func (l *Lock) Token() string { return l.token }

// Extend：仅当仍由本持有者占有时把过期时间重置为 ttl
func (l *Lock) Extend(ctx context.Context) (bool, error) {
	res, err := extendScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// KeepAlive：后台按 interval 续期，直到 Release；续期失败只记录日志
func (l *Lock) KeepAlive(interval time.Duration) {
	if l.cancel != nil || interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				ok, err := l.Extend(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.L().Error("runlock_extend_error", "key", l.key, "err", err)
				} else if err == nil && !ok {
					logger.L().Error("runlock_lost", "key", l.key)
					return
				}
			}
		}
	}()
}

// Release：停止续期并以比较后删除的方式释放；锁已过期或被他人持有时返回 ErrLockNotHeld
func (l *Lock) Release(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
		l.cancel = nil
	}
	res, err := unlockScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockNotHeld
	}
	logger.L().Debug("runlock_released", "key", l.key)
	return nil
}
