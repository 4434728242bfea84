// Package scheduler 驱动全量巡检：每一轮（sweep）对名册中的每个区域检查一次
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"zonemonitor/internal/clock"
	"zonemonitor/internal/config"
	"zonemonitor/internal/directory"
	"zonemonitor/internal/events"
	"zonemonitor/internal/logger"
	"zonemonitor/internal/ratelimit"
	"zonemonitor/internal/source"
	"zonemonitor/internal/storage"
	"zonemonitor/internal/zone"
)

// 名册为空时两次检查之间的等待时长
const idleWait = 30 * time.Second

// Notifier 接收状态变化并周期性重评估告警（notify.Dispatcher 实现）
type Notifier interface {
	HandleTransition(ctx context.Context, evt *storage.TransitionEvent)
	Tick(ctx context.Context) int
}

// Deps 调度器依赖
type Deps struct {
	Source    source.Source
	Directory directory.Directory
	Events    *events.Service
	Notifier  Notifier // 可选
	Budget    *ratelimit.Budget
	Clock     clock.Clock
}

// settings 从配置提取的调度参数（热更新时整体替换）
type settings struct {
	retryCount   int
	retryBase    time.Duration
	retryMax     time.Duration
	retryJitter  float64
	checkTimeout time.Duration
	queryCost    int
	sweepTarget  time.Duration
	minSweepGap  time.Duration
	reevaluate   time.Duration
	historySize  int
}

func settingsFrom(cfg *config.AppConfig) settings {
	st := settings{
		retryCount:   cfg.Scheduler.RetryCount,
		retryBase:    cfg.Scheduler.RetryBaseDelayDuration,
		retryMax:     cfg.Scheduler.RetryMaxDelayDuration,
		retryJitter:  cfg.Scheduler.RetryJitterValue,
		checkTimeout: cfg.Upstream.TimeoutDuration,
		queryCost:    cfg.Upstream.QueryCost,
		sweepTarget:  cfg.Scheduler.SweepTargetDuration,
		minSweepGap:  cfg.Scheduler.MinSweepGapDuration,
		reevaluate:   cfg.Scheduler.ReevaluateIntervalDuration,
		historySize:  cfg.Scheduler.HistorySize,
	}
	if st.retryCount < 0 {
		st.retryCount = 0
	}
	if st.retryBase <= 0 {
		st.retryBase = 500 * time.Millisecond
	}
	if st.retryMax < st.retryBase {
		st.retryMax = st.retryBase
	}
	if st.checkTimeout <= 0 {
		st.checkTimeout = 10 * time.Second
	}
	if st.queryCost < 1 {
		st.queryCost = 1
	}
	if st.reevaluate <= 0 {
		st.reevaluate = 30 * time.Second
	}
	if st.historySize < 1 {
		st.historySize = 50
	}
	return st
}

// SweepStats 单轮巡检统计
type SweepStats struct {
	Seq         int64         `json:"seq"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"-"`
	DurationMs  int64         `json:"duration_ms"`
	Zones       int           `json:"zones"`
	Checked     int           `json:"checked"`
	Failed      int           `json:"failed"`
	RateLimited int           `json:"rate_limited"`
	Unknown     int           `json:"unknown"`
	Ceiling     int           `json:"ceiling"`
	OverTarget  bool          `json:"over_target"`
	Aborted     bool          `json:"aborted"` // 因停止而未完成全部区域
}

// checkOutcome 单个区域的检查结果
type checkOutcome int

const (
	outcomeChecked checkOutcome = iota
	outcomeUnknown
	outcomeFailed
	outcomeRateLimited
	outcomeSkipped
)

// Scheduler 巡检调度器
// 一轮巡检内区域以随机顺序、在预算给出的并发上限内并行检查；
// 名册只在轮次边界刷新，单个区域失败不影响其他区域
type Scheduler struct {
	source    source.Source
	directory directory.Directory
	events    *events.Service
	notifier  Notifier
	budget    *ratelimit.Budget
	clk       clock.Clock

	cfgMu sync.RWMutex
	set   settings

	mu      sync.Mutex
	running bool
	wakeCh  chan struct{} // 唤醒信号（TriggerNow / 配置变更）
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	histMu  sync.RWMutex
	history []SweepStats // 环形缓冲，最新在末尾
	seq     atomic.Int64

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewScheduler 创建调度器
func NewScheduler(deps Deps, cfg *config.AppConfig) *Scheduler {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		source:    deps.Source,
		directory: deps.Directory,
		events:    deps.Events,
		notifier:  deps.Notifier,
		budget:    deps.Budget,
		clk:       clk,
		set:       settingsFrom(cfg),
		wakeCh:    make(chan struct{}, 1),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start 启动巡检循环与告警重评估循环
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	loopCtx := s.ctx
	s.wg.Add(1)
	go s.loop(loopCtx)
	if s.notifier != nil {
		s.wg.Add(1)
		go s.reevaluateLoop(loopCtx)
	}
	s.mu.Unlock()

	logger.Info("scheduler", "调度器已启动", "query_cost", s.settings().queryCost)
}

// UpdateConfig 更新调度参数（热更新时调用），名册变化在下一轮生效
func (s *Scheduler) UpdateConfig(cfg *config.AppConfig) {
	if cfg == nil {
		return
	}
	st := settingsFrom(cfg)
	s.cfgMu.Lock()
	s.set = st
	s.cfgMu.Unlock()

	s.histMu.Lock()
	if over := len(s.history) - st.historySize; over > 0 {
		s.history = append([]SweepStats(nil), s.history[over:]...)
	}
	s.histMu.Unlock()

	s.mu.Lock()
	s.notifyWakeLocked()
	s.mu.Unlock()
	logger.Info("scheduler", "调度配置已更新",
		"retry", st.retryCount, "check_timeout", st.checkTimeout,
		"sweep_target", st.sweepTarget, "min_sweep_gap", st.minSweepGap)
}

// TriggerNow 跳过轮次间隔，立即开始下一轮巡检（当前轮次不受影响）
func (s *Scheduler) TriggerNow() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.notifyWakeLocked()
	s.mu.Unlock()

	logger.Info("scheduler", "已触发即时巡检")
}

// Stop 停止接收新的检查并等待进行中的检查结束
// 进行中的上游查询受各自超时约束，结果仍会写入存储
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.notifyWakeLocked()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("scheduler", "调度器已停止")
		return nil
	case <-ctx.Done():
		logger.Warn("scheduler", "等待进行中的检查超时", "error", ctx.Err())
		return ctx.Err()
	}
}

// Sweeps 返回最近的巡检统计（最新在前）
func (s *Scheduler) Sweeps() []SweepStats {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	out := make([]SweepStats, len(s.history))
	for i, st := range s.history {
		out[len(s.history)-1-i] = st
	}
	return out
}

// LastSweep 返回最近一轮巡检统计
func (s *Scheduler) LastSweep() (SweepStats, bool) {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	if len(s.history) == 0 {
		return SweepStats{}, false
	}
	return s.history[len(s.history)-1], true
}

func (s *Scheduler) settings() settings {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.set
}

// notifyWakeLocked 非阻塞写入唤醒信号（需持有 s.mu）
func (s *Scheduler) notifyWakeLocked() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// loop 巡检主循环：轮次背靠背执行，仅在配置了 min_sweep_gap 或名册为空时等待
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		// 清掉本轮开始前积累的唤醒信号
		select {
		case <-s.wakeCh:
		default:
		}

		stats := s.RunSweep(ctx)

		wait := s.nextWait(stats)
		if wait <= 0 {
			continue
		}
		if !s.waitGap(ctx, wait) {
			return
		}
	}
}

// nextWait 本轮结束后到下一轮开始的等待时长
func (s *Scheduler) nextWait(stats SweepStats) time.Duration {
	wait := s.settings().minSweepGap
	if stats.Zones == 0 && wait < idleWait {
		wait = idleWait
	}
	return wait
}

// waitGap 通过时钟等待 d，TriggerNow 可提前结束等待；ctx 结束时返回 false
func (s *Scheduler) waitGap(ctx context.Context, d time.Duration) bool {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.wakeCh:
			cancel()
		case <-done:
		}
	}()

	_ = s.clk.Sleep(waitCtx, d)
	return ctx.Err() == nil
}

// reevaluateLoop 周期性重评估：区域可能仅因持续降级而变得需要告警
func (s *Scheduler) reevaluateLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if err := s.clk.Sleep(ctx, s.settings().reevaluate); err != nil {
			return
		}
		if n := s.notifier.Tick(context.WithoutCancel(ctx)); n > 0 {
			logger.Debug("scheduler", "重评估触发告警", "zones", n)
		}
	}
}

// RunSweep 执行一轮巡检并返回统计
// ctx 取消后不再接收新的区域检查，已开始的检查继续直到结束
func (s *Scheduler) RunSweep(ctx context.Context) SweepStats {
	set := s.settings()
	stats := SweepStats{Seq: s.seq.Add(1), StartedAt: s.clk.Now()}

	roster, err := s.directory.CurrentRoster(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("scheduler", "获取区域名册失败，跳过本轮", "error", err)
		}
		stats.Aborted = true
		return s.finishSweep(stats, set)
	}

	keep := make(map[string]struct{}, len(roster))
	for _, e := range roster {
		keep[e.ZoneID] = struct{}{}
	}
	s.events.Retain(keep)

	// 每轮随机顺序，避免总是饿死名册尾部的区域
	s.randMu.Lock()
	s.rnd.Shuffle(len(roster), func(i, j int) { roster[i], roster[j] = roster[j], roster[i] })
	s.randMu.Unlock()
	stats.Zones = len(roster)

	var checked, unknown, failed, limited atomic.Int64
	var g errgroup.Group
	for _, entry := range roster {
		entry := entry
		if ctx.Err() != nil {
			stats.Aborted = true
			break
		}
		if err := s.budget.AcquireSlot(ctx); err != nil {
			stats.Aborted = true
			break
		}
		g.Go(func() error {
			defer s.budget.ReleaseSlot()
			switch s.checkZone(ctx, entry, set) {
			case outcomeChecked:
				checked.Add(1)
			case outcomeUnknown:
				checked.Add(1)
				unknown.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomeRateLimited:
				limited.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Checked = int(checked.Load())
	stats.Unknown = int(unknown.Load())
	stats.Failed = int(failed.Load())
	stats.RateLimited = int(limited.Load())
	if ctx.Err() != nil {
		stats.Aborted = true
	}
	return s.finishSweep(stats, set)
}

// finishSweep 汇总本轮结果、推进预算周期并写入环形缓冲
func (s *Scheduler) finishSweep(stats SweepStats, set settings) SweepStats {
	stats.FinishedAt = s.clk.Now()
	stats.Duration = stats.FinishedAt.Sub(stats.StartedAt)
	stats.DurationMs = stats.Duration.Milliseconds()
	stats.Ceiling = s.budget.EndCycle()
	stats.OverTarget = set.sweepTarget > 0 && stats.Duration > set.sweepTarget

	s.histMu.Lock()
	s.history = append(s.history, stats)
	if over := len(s.history) - set.historySize; over > 0 {
		s.history = append([]SweepStats(nil), s.history[over:]...)
	}
	s.histMu.Unlock()

	if stats.OverTarget {
		logger.Warn("scheduler", "巡检耗时超过目标",
			"seq", stats.Seq, "duration", stats.Duration, "target", set.sweepTarget,
			"zones", stats.Zones, "rate_limited", stats.RateLimited, "ceiling", stats.Ceiling)
	}
	logger.Info("scheduler", "巡检完成",
		"seq", stats.Seq,
		"zones", stats.Zones,
		"checked", stats.Checked,
		"unknown", stats.Unknown,
		"failed", stats.Failed,
		"rate_limited", stats.RateLimited,
		"ceiling", stats.Ceiling,
		"duration_ms", stats.DurationMs,
		"aborted", stats.Aborted)
	return stats
}

// checkZone 检查单个区域：暂时性错误按指数退避重试，限流不重试
func (s *Scheduler) checkZone(ctx context.Context, entry directory.Entry, set settings) checkOutcome {
	// 结果写入与通知不随停止信号取消
	persistCtx := context.WithoutCancel(ctx)

	var lastErr error
retryLoop:
	for attempt := 0; attempt <= set.retryCount; attempt++ {
		if err := s.budget.Wait(ctx, set.queryCost); err != nil {
			lastErr = err
			break
		}

		res, err := s.fetch(ctx, entry.ZoneID, set.checkTimeout)
		if err == nil {
			s.budget.Observe(ratelimit.Outcome{Kind: ratelimit.OutcomeSuccess})
			s.observe(persistCtx, entry, res.Name, zone.Classify(res.Signals), res.Signals)
			return outcomeChecked
		}
		lastErr = err

		switch source.CodeOf(err) {
		case source.ErrCodeRateLimited:
			s.observeRateLimit(err)
			logger.Warn("scheduler", "上游限流，本轮跳过该区域",
				"zone_id", entry.ZoneID, "error", err)
			s.recordFailure(persistCtx, entry, err)
			return outcomeRateLimited
		case source.ErrCodeNotFound, source.ErrCodeMalformed:
			// 不做断言：状态与 status_since 保持不变
			logger.Info("scheduler", "区域数据不可用，本轮视为 unknown",
				"zone_id", entry.ZoneID, "code", source.CodeOf(err), "error", err)
			s.observe(persistCtx, entry, "", zone.StatusUnknown, zone.Signals{})
			return outcomeUnknown
		}

		s.budget.Observe(ratelimit.Outcome{Kind: ratelimit.OutcomeFailure})
		if attempt < set.retryCount && ctx.Err() == nil {
			delay := computeRetryDelay(attempt, set.retryBase, set.retryMax, set.retryJitter)
			logger.Info("scheduler", "检查失败，准备重试",
				"zone_id", entry.ZoneID, "attempt", attempt+1, "next_attempt", attempt+2,
				"delay_ms", delay.Milliseconds(), "error", err)
			if err := s.clk.Sleep(ctx, delay); err != nil {
				break retryLoop
			}
		}
	}

	// 停止时尚未发出查询的区域不记为失败
	if ctx.Err() != nil && errors.Is(lastErr, ctx.Err()) {
		return outcomeSkipped
	}
	logger.Warn("scheduler", "区域检查最终失败，保持原状态",
		"zone_id", entry.ZoneID, "account_id", entry.AccountID, "error", lastErr)
	s.recordFailure(persistCtx, entry, lastErr)
	return outcomeFailed
}

// fetch 带单次超时的上游查询
// 超时独立于调度器生命周期：停止时已发出的查询等到自身超时为止
func (s *Scheduler) fetch(ctx context.Context, zoneID string, timeout time.Duration) (*source.Result, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	res, err := s.source.Fetch(fctx, zoneID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &source.Error{Code: source.ErrCodeMalformed, Message: "上游返回空结果"}
	}
	return res, nil
}

func (s *Scheduler) observeRateLimit(err error) {
	o := ratelimit.Outcome{Kind: ratelimit.OutcomeRateLimited}
	if se, ok := source.AsError(err); ok {
		o.Cost = se.Cost
		o.Available = se.Available
		o.RetryAfter = se.RetryAfter
	}
	s.budget.Observe(o)
}

// observe 推进状态机，产生状态变化时交给通知模块
func (s *Scheduler) observe(ctx context.Context, entry directory.Entry, name string, status zone.Status, signals zone.Signals) {
	if name == "" {
		name = entry.ZoneName
	}
	evt := s.events.Observe(ctx, events.Observation{
		ZoneID:     entry.ZoneID,
		ZoneName:   name,
		AccountID:  entry.AccountID,
		Status:     status,
		Signals:    signals,
		ObservedAt: s.clk.Now(),
	})
	if evt != nil && s.notifier != nil {
		s.notifier.HandleTransition(ctx, evt)
	}
}

func (s *Scheduler) recordFailure(ctx context.Context, entry directory.Entry, err error) {
	s.events.RecordFailure(ctx, events.Observation{
		ZoneID:     entry.ZoneID,
		ZoneName:   entry.ZoneName,
		AccountID:  entry.AccountID,
		Status:     zone.StatusUnknown,
		ObservedAt: s.clk.Now(),
		Err:        err,
	})
}
