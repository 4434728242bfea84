// Package ratelimit 管理上游查询的令牌预算与自适应并发上限
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"zonemonitor/internal/clock"
	"zonemonitor/internal/logger"
)

// Config 预算配置
type Config struct {
	Capacity             int           // 令牌桶容量
	RefillPerSecond      float64       // 每秒补充令牌数
	InitialCeiling       int           // 初始并发上限
	MaxCeiling           int           // 并发上限的上界
	GrowAfterCleanCycles int           // 连续多少个无限流周期后上调一级
	Backoff              time.Duration // 触发限流后的退避窗口
}

// OutcomeKind 上游调用结果类型
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeRateLimited
)

// Outcome 一次上游调用的结果
type Outcome struct {
	Kind OutcomeKind
	// 以下字段仅在限流时有意义（0 表示上游未给出）
	Cost       int
	Available  int
	RetryAfter time.Duration
}

// Snapshot 预算状态快照（只读，供健康检查展示）
type Snapshot struct {
	Ceiling      int       `json:"ceiling"`
	InFlight     int       `json:"in_flight"`
	Tokens       float64   `json:"tokens"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
	CleanCycles  int       `json:"clean_cycles"`
	RateLimited  int64     `json:"rate_limited_total"`
}

// Budget 令牌预算 + 自适应并发上限
// 所有检查 goroutine 共享同一实例，状态变更均在 mu 保护下完成
type Budget struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock

	bucket       *rate.Limiter
	ceiling      int
	inFlight     int
	backoffUntil time.Time
	cleanCycles  int
	limitedCycle bool // 当前周期是否遇到过限流
	limitedTotal int64
	slotFreed    chan struct{} // 槽位释放/上限变化时关闭，用于唤醒等待者
}

// New 创建预算
func New(cfg Config, clk clock.Clock) (*Budget, error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("capacity 必须 >= 1，当前值: %d", cfg.Capacity)
	}
	if cfg.RefillPerSecond <= 0 {
		return nil, fmt.Errorf("refill_per_second 必须 > 0，当前值: %v", cfg.RefillPerSecond)
	}
	if cfg.MaxCeiling < 1 {
		return nil, fmt.Errorf("max_ceiling 必须 >= 1，当前值: %d", cfg.MaxCeiling)
	}
	if cfg.InitialCeiling < 1 || cfg.InitialCeiling > cfg.MaxCeiling {
		cfg.InitialCeiling = cfg.MaxCeiling
	}
	if cfg.GrowAfterCleanCycles < 1 {
		cfg.GrowAfterCleanCycles = 1
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Budget{
		cfg:       cfg,
		clock:     clk,
		bucket:    rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity),
		ceiling:   cfg.InitialCeiling,
		slotFreed: make(chan struct{}),
	}, nil
}

// Acquire 尝试消费 cost 个令牌
// 返回 granted=false 时 wait 为建议的等待时长
func (b *Budget) Acquire(cost int) (bool, time.Duration) {
	if cost < 1 {
		cost = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if now.Before(b.backoffUntil) {
		return false, b.backoffUntil.Sub(now)
	}

	// 单次成本超过容量时按容量计，否则永远无法获得
	if cost > b.cfg.Capacity {
		cost = b.cfg.Capacity
	}

	r := b.bucket.ReserveN(now, cost)
	if !r.OK() {
		return false, b.cfg.Backoff
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Wait 阻塞直到获得 cost 个令牌或 ctx 结束
func (b *Budget) Wait(ctx context.Context, cost int) error {
	for {
		granted, wait := b.Acquire(cost)
		if granted {
			return nil
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if err := b.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Observe 反馈一次上游调用结果
func (b *Budget) Observe(o Outcome) {
	if o.Kind != OutcomeRateLimited {
		return
	}

	b.mu.Lock()
	now := b.clock.Now()
	prev := b.ceiling
	b.ceiling = max(1, b.ceiling/2)
	b.cleanCycles = 0
	b.limitedCycle = true
	b.limitedTotal++

	backoff := b.cfg.Backoff
	if o.RetryAfter > backoff {
		backoff = o.RetryAfter
	}
	if until := now.Add(backoff); until.After(b.backoffUntil) {
		b.backoffUntil = until
	}

	// 上游报告的剩余额度比本地估计少时，同步消耗本地令牌
	if o.Cost > 0 && o.Available >= 0 {
		if drain := int(b.bucket.TokensAt(now)) - o.Available; drain > 0 {
			b.bucket.ReserveN(now, min(drain, b.cfg.Capacity))
		}
	}
	ceiling := b.ceiling
	until := b.backoffUntil
	b.wakeLocked()
	b.mu.Unlock()

	logger.Warn("ratelimit", "上游限流，降低并发上限",
		"prev_ceiling", prev, "ceiling", ceiling,
		"backoff_until", until.Format(time.RFC3339),
		"cost", o.Cost, "available", o.Available)
}

// EndCycle 标记一个周期（一次巡检）结束
// 连续 GrowAfterCleanCycles 个无限流周期后，并发上限上调一级
func (b *Budget) EndCycle() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limitedCycle {
		b.limitedCycle = false
		b.cleanCycles = 0
		return b.ceiling
	}

	b.cleanCycles++
	if b.cleanCycles >= b.cfg.GrowAfterCleanCycles && b.ceiling < b.cfg.MaxCeiling {
		b.ceiling++
		b.cleanCycles = 0
		b.wakeLocked()
		logger.Info("ratelimit", "连续无限流，提升并发上限", "ceiling", b.ceiling)
	}
	return b.ceiling
}

// AcquireSlot 获取一个并发槽位，受当前上限约束（上限可在运行中变化）
func (b *Budget) AcquireSlot(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.inFlight < b.ceiling {
			b.inFlight++
			b.mu.Unlock()
			return nil
		}
		ch := b.slotFreed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// ReleaseSlot 释放并发槽位
func (b *Budget) ReleaseSlot() {
	b.mu.Lock()
	if b.inFlight > 0 {
		b.inFlight--
	}
	b.wakeLocked()
	b.mu.Unlock()
}

// Ceiling 返回当前并发上限
func (b *Budget) Ceiling() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ceiling
}

// Snapshot 返回状态快照
func (b *Budget) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Ceiling:      b.ceiling,
		InFlight:     b.inFlight,
		Tokens:       b.bucket.TokensAt(b.clock.Now()),
		BackoffUntil: b.backoffUntil,
		CleanCycles:  b.cleanCycles,
		RateLimited:  b.limitedTotal,
	}
}

// wakeLocked 唤醒所有等待槽位的 goroutine（需持有 b.mu）
func (b *Budget) wakeLocked() {
	close(b.slotFreed)
	b.slotFreed = make(chan struct{})
}
