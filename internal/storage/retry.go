package storage

import (
	"context"
	"sync/atomic"
	"time"

	"zonemonitor/internal/logger"
)

// RetryingStorage 为写操作增加有限次数重试的存储装饰器
// 重试耗尽后记录 ERROR 日志并计数，调用方可以据此暴露持久化降级
type RetryingStorage struct {
	Storage

	retries int
	delay   time.Duration
	ctx     context.Context

	failed *atomic.Int64
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrying 创建带重试的存储装饰器
func NewRetrying(inner Storage, retries int, delay time.Duration) *RetryingStorage {
	if retries < 0 {
		retries = 0
	}
	return &RetryingStorage{
		Storage: inner,
		retries: retries,
		delay:   delay,
		ctx:     context.Background(),
		failed:  new(atomic.Int64),
		sleep:   sleepCtx,
	}
}

// SetSleep 替换重试等待函数（测试用）
func (r *RetryingStorage) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	if fn != nil {
		r.sleep = fn
	}
}

// FailedWrites 返回重试耗尽的写操作数量
func (r *RetryingStorage) FailedWrites() int64 {
	return r.failed.Load()
}

// WithContext 返回绑定指定 context 的装饰器（共享失败计数）
func (r *RetryingStorage) WithContext(ctx context.Context) Storage {
	if ctx == nil {
		return r
	}
	cp := *r
	cp.Storage = r.Storage.WithContext(ctx)
	cp.ctx = ctx
	return &cp
}

// PutZoneState 写入区域状态（带重试）
func (r *RetryingStorage) PutZoneState(state *ZoneState) error {
	return r.do("put_zone_state", state.ZoneID, func() error {
		return r.Storage.PutZoneState(state)
	})
}

// AppendHistory 追加状态变化历史（带重试）
func (r *RetryingStorage) AppendHistory(evt *TransitionEvent) error {
	return r.do("append_history", evt.ZoneID, func() error {
		return r.Storage.AppendHistory(evt)
	})
}

// PutNotification 写入通知记录（带重试）
func (r *RetryingStorage) PutNotification(rec *NotificationRecord) error {
	return r.do("put_notification", rec.ZoneID, func() error {
		return r.Storage.PutNotification(rec)
	})
}

func (r *RetryingStorage) do(op, zoneID string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			// 线性递增等待
			wait := r.delay * time.Duration(attempt)
			if serr := r.sleep(r.ctx, wait); serr != nil {
				break
			}
		}
		if err = fn(); err == nil {
			if attempt > 0 {
				logger.Info("storage", "写入重试成功", "op", op, "zone_id", zoneID, "attempt", attempt+1)
			}
			return nil
		}
		logger.Warn("storage", "写入失败", "op", op, "zone_id", zoneID, "attempt", attempt+1, "error", err)
	}

	r.failed.Add(1)
	logger.Error("storage", "写入重试耗尽，数据未持久化",
		"op", op,
		"zone_id", zoneID,
		"retries", r.retries,
		"durability_compromised", true,
		"error", err)
	return err
}

// sleepCtx 可取消的等待
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
