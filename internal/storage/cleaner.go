package storage

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"zonemonitor/internal/config"
	"zonemonitor/internal/logger"
)

// Cleaner 历史数据清理任务调度器
// 定期删除超出保留期的 zone_history 与 notifications 记录
type Cleaner struct {
	storage  Storage
	config   *config.RetentionConfig
	nowFn    func() time.Time
	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleaner 创建清理任务调度器
func NewCleaner(storage Storage, cfg *config.RetentionConfig) *Cleaner {
	return &Cleaner{
		storage: storage,
		config:  cfg,
		nowFn:   time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start 启动清理任务（阻塞，应在 goroutine 中调用）
func (c *Cleaner) Start(ctx context.Context) {
	if !c.config.IsEnabled() {
		logger.Info("cleaner", "数据清理已禁用")
		return
	}

	// 启动延迟 + jitter
	delay := withJitter(c.config.StartupDelayDuration, c.config.Jitter)
	logger.Info("cleaner", "清理任务将在延迟后启动",
		"delay", delay,
		"retention_days", c.config.Days,
		"cleanup_interval", c.config.CleanupIntervalDuration)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	case <-c.stopCh:
		return
	}

	// 首次立即执行一次
	c.RunOnce(ctx)

	for {
		select {
		case <-time.After(withJitter(c.config.CleanupIntervalDuration, c.config.Jitter)):
			c.RunOnce(ctx)
		case <-ctx.Done():
			logger.Info("cleaner", "清理任务收到取消信号，正在退出")
			return
		case <-c.stopCh:
			logger.Info("cleaner", "清理任务收到停止信号，正在退出")
			return
		}
	}
}

// Stop 停止清理任务（幂等，可重复调用）
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// RunOnce 执行一轮清理，返回删除行数
func (c *Cleaner) RunOnce(ctx context.Context) int64 {
	// 防止重入
	if !c.running.CompareAndSwap(false, true) {
		logger.Info("cleaner", "清理任务仍在运行，跳过本轮")
		return 0
	}
	defer c.running.Store(false)

	cutoff := c.nowFn().UTC().AddDate(0, 0, -c.config.Days)
	startTime := time.Now()
	backoff := 50 * time.Millisecond

	for attempt := 0; attempt < 5; attempt++ {
		deleted, err := c.storage.PurgeOldRecords(ctx, cutoff)
		if err == nil {
			if deleted > 0 {
				logger.Info("cleaner", "历史数据清理完成",
					"deleted", deleted,
					"elapsed", time.Since(startTime),
					"cutoff", cutoff.Format(time.RFC3339))
			}
			return deleted
		}

		// 优雅关闭时 context 被取消，降级为 Info 避免噪声
		if ctx.Err() != nil {
			logger.Info("cleaner", "清理任务被取消")
			return 0
		}

		// SQLite 锁冲突时指数退避重试
		if strings.Contains(err.Error(), "database is locked") {
			logger.Warn("cleaner", "数据库锁冲突，等待重试", "backoff", backoff)
			time.Sleep(backoff)
			backoff = min(backoff*2, 5*time.Second)
			continue
		}

		logger.Error("cleaner", "清理任务失败", "error", err)
		return 0
	}
	return 0
}

func withJitter(d time.Duration, ratio float64) time.Duration {
	if ratio <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*ratio*(rand.Float64()*2-1))
}
