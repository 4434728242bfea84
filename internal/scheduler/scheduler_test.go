package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zonemonitor/internal/clock"
	"zonemonitor/internal/config"
	"zonemonitor/internal/directory"
	"zonemonitor/internal/events"
	"zonemonitor/internal/ratelimit"
	"zonemonitor/internal/source"
	"zonemonitor/internal/storage"
	"zonemonitor/internal/zone"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeSource 按区域返回预设结果序列，最后一个结果重复使用
type fakeSource struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   map[string]int
}

type reply struct {
	signals zone.Signals
	err     error
}

func newFakeSource() *fakeSource {
	return &fakeSource{replies: make(map[string][]reply), calls: make(map[string]int)}
}

func (f *fakeSource) set(zoneID string, rs ...reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[zoneID] = rs
}

func (f *fakeSource) count(zoneID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[zoneID]
}

func (f *fakeSource) Fetch(_ context.Context, zoneID string) (*source.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls[zoneID]
	f.calls[zoneID]++

	rs := f.replies[zoneID]
	if len(rs) == 0 {
		return nil, &source.Error{Code: source.ErrCodeNotFound, Message: "zone not found"}
	}
	if idx >= len(rs) {
		idx = len(rs) - 1
	}
	r := rs[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &source.Result{ZoneID: zoneID, Name: "Zone " + zoneID, Signals: r.signals}, nil
}

// fakeDirectory 可在测试中替换名册
type fakeDirectory struct {
	mu     sync.Mutex
	roster []directory.Entry
}

func (d *fakeDirectory) setRoster(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roster = d.roster[:0]
	for _, id := range ids {
		d.roster = append(d.roster, directory.Entry{ZoneID: id, ZoneName: id, AccountID: "acc-1"})
	}
}

func (d *fakeDirectory) CurrentRoster(context.Context) ([]directory.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]directory.Entry(nil), d.roster...), nil
}

func (d *fakeDirectory) Account(string) (*directory.Account, bool) { return nil, false }

func (d *fakeDirectory) Zone(id string) (directory.Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.roster {
		if e.ZoneID == id {
			return e, true
		}
	}
	return directory.Entry{}, false
}

// fakeNotifier 记录收到的状态变化
type fakeNotifier struct {
	mu     sync.Mutex
	events []*storage.TransitionEvent
	ticks  int
	onTick func(n int)
}

func (n *fakeNotifier) HandleTransition(_ context.Context, evt *storage.TransitionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *fakeNotifier) Tick(context.Context) int {
	n.mu.Lock()
	n.ticks++
	ticks, hook := n.ticks, n.onTick
	n.mu.Unlock()
	if hook != nil {
		hook(ticks)
	}
	return 0
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fixture struct {
	sched    *Scheduler
	src      *fakeSource
	dir      *fakeDirectory
	svc      *events.Service
	notifier *fakeNotifier
	budget   *ratelimit.Budget
	clk      *clock.Fake
}

func testConfig() *config.AppConfig {
	cfg := &config.AppConfig{}
	cfg.Upstream.TimeoutDuration = 5 * time.Second
	cfg.Upstream.QueryCost = 1
	cfg.Scheduler.RetryCount = 2
	cfg.Scheduler.RetryBaseDelayDuration = 100 * time.Millisecond
	cfg.Scheduler.RetryMaxDelayDuration = time.Second
	cfg.Scheduler.RetryJitterValue = 0
	cfg.Scheduler.SweepTargetDuration = 7 * time.Minute
	cfg.Scheduler.HistorySize = 3
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "zones.db"))
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	if err := store.Init(); err != nil {
		t.Fatalf("初始化存储失败: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewFake(t0)
	budget, err := ratelimit.New(ratelimit.Config{
		Capacity:             100,
		RefillPerSecond:      100,
		InitialCeiling:       4,
		MaxCeiling:           8,
		GrowAfterCleanCycles: 1,
		Backoff:              time.Second,
	}, clk)
	if err != nil {
		t.Fatalf("创建预算失败: %v", err)
	}

	f := &fixture{
		src:      newFakeSource(),
		dir:      &fakeDirectory{},
		svc:      events.NewService(store),
		notifier: &fakeNotifier{},
		budget:   budget,
		clk:      clk,
	}
	f.sched = NewScheduler(Deps{
		Source:    f.src,
		Directory: f.dir,
		Events:    f.svc,
		Notifier:  f.notifier,
		Budget:    budget,
		Clock:     clk,
	}, testConfig())
	return f
}

func onlineSignals() zone.Signals {
	return zone.Signals{
		Paired:             zone.Bool(true),
		DevicePresent:      zone.Bool(true),
		SubscriptionActive: zone.Bool(true),
		Online:             zone.Bool(true),
	}
}

func offlineSignals() zone.Signals {
	s := onlineSignals()
	s.Online = zone.Bool(false)
	return s
}

func transientErr() error {
	return &source.Error{Code: source.ErrCodeTransient, Message: "connection reset"}
}

func TestRunSweep_ChecksEveryZoneOnce(t *testing.T) {
	f := newFixture(t)
	f.dir.setRoster("z1", "z2", "z3")
	f.src.set("z1", reply{signals: onlineSignals()})
	f.src.set("z2", reply{signals: offlineSignals()})
	f.src.set("z3", reply{signals: onlineSignals()})

	stats := f.sched.RunSweep(context.Background())

	if stats.Zones != 3 || stats.Checked != 3 || stats.Failed != 0 {
		t.Fatalf("统计不符: %+v", stats)
	}
	for _, id := range []string{"z1", "z2", "z3"} {
		if got := f.src.count(id); got != 1 {
			t.Errorf("%s 查询次数 = %d, 期望 1", id, got)
		}
	}
	if st := f.svc.Get("z2"); st == nil || st.Status != zone.StatusOffline {
		t.Fatalf("z2 状态应为 offline: %+v", st)
	}
	// 首次观测均为 Initial 事件
	if got := f.notifier.count(); got != 3 {
		t.Errorf("通知模块收到 %d 个事件, 期望 3", got)
	}
}

func TestRunSweep_RetriesTransientWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.dir.setRoster("z1")
	f.src.set("z1",
		reply{err: transientErr()},
		reply{err: transientErr()},
		reply{signals: onlineSignals()},
	)

	stats := f.sched.RunSweep(context.Background())

	if stats.Checked != 1 || stats.Failed != 0 {
		t.Fatalf("重试后应成功: %+v", stats)
	}
	if got := f.src.count("z1"); got != 3 {
		t.Fatalf("查询次数 = %d, 期望 3", got)
	}
	sleeps := f.clk.Sleeps()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(sleeps) != len(want) {
		t.Fatalf("退避次数 = %v, 期望 %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("第 %d 次退避 = %v, 期望 %v", i+1, sleeps[i], want[i])
		}
	}
}

func TestRunSweep_ExhaustedRetriesKeepStatus(t *testing.T) {
	f := newFixture(t)
	f.dir.setRoster("z1")
	f.src.set("z1", reply{signals: offlineSignals()})
	f.sched.RunSweep(context.Background())

	before := f.svc.Get("z1")
	f.clk.Advance(time.Minute)
	f.src.set("z1", reply{err: transientErr()})
	stats := f.sched.RunSweep(context.Background())

	if stats.Failed != 1 {
		t.Fatalf("应记为失败: %+v", stats)
	}
	if got := f.src.count("z1"); got != 1+3 {
		t.Fatalf("查询次数 = %d, 期望 4（首轮 1 + 本轮 3）", got)
	}
	after := f.svc.Get("z1")
	if after.Status != zone.StatusOffline || !after.StatusSince.Equal(before.StatusSince) {
		t.Fatalf("失败后状态不应改变: before=%+v after=%+v", before, after)
	}
	if after.LastError == "" {
		t.Error("应记录最后一次错误")
	}
}

func TestRunSweep_FirstFailureRecordsUnknown(t *testing.T) {
	f := newFixture(t)
	f.dir.setRoster("z1")
	f.src.set("z1", reply{err: transientErr()})

	f.sched.RunSweep(context.Background())

	st := f.svc.Get("z1")
	if st == nil || st.Status != zone.StatusUnknown {
		t.Fatalf("无历史状态时应记为 unknown: %+v", st)
	}
	if f.notifier.count() != 0 {
		t.Error("失败不应产生状态变化事件")
	}
}

func TestRunSweep_RateLimitedNotRetried(t *testing.T) {
	f := newFixture(t)
	f.dir.setRoster("z1", "z2")
	f.src.set("z1", reply{err: &source.Error{
		Code:      source.ErrCodeRateLimited,
		Message:   "Query costs 16 tokens but you only have 3 available",
		Cost:      16,
		Available: 3,
	}})
	f.src.set("z2", reply{signals: onlineSignals()})

	stats := f.sched.RunSweep(context.Background())

	if got := f.src.count("z1"); got != 1 {
		t.Fatalf("限流不应立即重试，查询次数 = %d", got)
	}
	if stats.RateLimited != 1 || stats.Checked != 1 {
		t.Fatalf("统计不符: %+v", stats)
	}
	if stats.Ceiling != 2 {
		t.Fatalf("限流后并发上限 = %d, 期望 2", stats.Ceiling)
	}
	if snap := f.budget.Snapshot(); snap.RateLimited != 1 {
		t.Fatalf("预算应记录 1 次限流, 实际 %d", snap.RateLimited)
	}
}

func TestRunSweep_NotFoundIsUnknown(t *testing.T) {
	f := newFixture(t)
	f.dir.setRoster("z1")
	f.src.set("z1", reply{signals: offlineSignals()})
	f.sched.RunSweep(context.Background())
	before := f.svc.Get("z1")

	f.clk.Advance(time.Minute)
	f.src.set("z1", reply{err: &source.Error{Code: source.ErrCodeNotFound, Message: "not found"}})
	stats := f.sched.RunSweep(context.Background())

	if stats.Unknown != 1 || stats.Failed != 0 {
		t.Fatalf("not_found 应视为 unknown: %+v", stats)
	}
	if got := f.src.count("z1"); got != 2 {
		t.Fatalf("not_found 不应重试，查询次数 = %d", got)
	}
	after := f.svc.Get("z1")
	if after.Status != zone.StatusOffline || !after.StatusSince.Equal(before.StatusSince) {
		t.Fatalf("unknown 不应覆盖已有状态: %+v", after)
	}
	if !after.LastCheckedAt.After(before.LastCheckedAt) {
		t.Error("last_checked_at 应更新")
	}
}

func TestRunSweep_FailureIsolated(t *testing.T) {
	f := newFixture(t)
	ids := []string{"z1", "z2", "z3", "z4", "z5", "z6"}
	f.dir.setRoster(ids...)
	for _, id := range ids {
		f.src.set(id, reply{signals: onlineSignals()})
	}
	f.src.set("z3", reply{err: transientErr()})

	stats := f.sched.RunSweep(context.Background())

	if stats.Failed != 1 || stats.Checked != 5 {
		t.Fatalf("单个区域失败不应影响其他区域: %+v", stats)
	}
	for _, id := range ids {
		if id == "z3" {
			continue
		}
		if st := f.svc.Get(id); st == nil || st.Status != zone.StatusOnline {
			t.Errorf("%s 应为 online: %+v", id, st)
		}
	}
}

func TestRunSweep_RosterRefreshedAtBoundary(t *testing.T) {
	f := newFixture(t)
	f.dir.setRoster("z1", "z2")
	f.src.set("z1", reply{signals: onlineSignals()})
	f.src.set("z2", reply{signals: onlineSignals()})
	f.sched.RunSweep(context.Background())

	f.dir.setRoster("z1")
	f.clk.Advance(time.Minute)
	stats := f.sched.RunSweep(context.Background())

	if stats.Zones != 1 {
		t.Fatalf("新名册应在下一轮生效: %+v", stats)
	}
	if f.src.count("z2") != 1 {
		t.Error("已移除的区域不应再被查询")
	}
	if f.svc.Get("z2") != nil {
		t.Error("已移除的区域应从内存状态中清除")
	}
}

func TestRunSweep_HistoryRing(t *testing.T) {
	f := newFixture(t)
	f.dir.setRoster("z1")
	f.src.set("z1", reply{signals: onlineSignals()})

	for i := 0; i < 5; i++ {
		f.sched.RunSweep(context.Background())
	}

	sweeps := f.sched.Sweeps()
	if len(sweeps) != 3 {
		t.Fatalf("环形缓冲长度 = %d, 期望 3", len(sweeps))
	}
	if sweeps[0].Seq != 5 || sweeps[2].Seq != 3 {
		t.Fatalf("应按最新在前排列: %d..%d", sweeps[0].Seq, sweeps[2].Seq)
	}
	last, ok := f.sched.LastSweep()
	if !ok || last.Seq != 5 {
		t.Fatalf("LastSweep = %+v", last)
	}
}

func TestRunSweep_CancelledStopsAdmission(t *testing.T) {
	f := newFixture(t)
	f.dir.setRoster("z1", "z2")
	f.src.set("z1", reply{signals: onlineSignals()})
	f.src.set("z2", reply{signals: onlineSignals()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats := f.sched.RunSweep(ctx)

	if !stats.Aborted {
		t.Fatal("取消后本轮应标记为中止")
	}
	if f.src.count("z1")+f.src.count("z2") != 0 {
		t.Fatal("取消后不应发出新的查询")
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.dir.setRoster()

	// 测试时钟的 Sleep 不阻塞，主循环会空转，这里使用系统时钟
	sched := NewScheduler(Deps{
		Source:    f.src,
		Directory: f.dir,
		Events:    f.svc,
		Notifier:  f.notifier,
		Budget:    f.budget,
		Clock:     clock.Real{},
	}, testConfig())
	f.sched = sched

	f.sched.Start(context.Background())
	f.sched.TriggerNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.sched.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// 重复停止无副作用
	if err := f.sched.Stop(ctx); err != nil {
		t.Fatalf("重复 Stop() error = %v", err)
	}
}

func TestReevaluateLoop_UsesClock(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.ReevaluateIntervalDuration = 45 * time.Second
	f := newFixture(t)
	f.sched.UpdateConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.notifier.onTick = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	f.sched.wg.Add(1)
	f.sched.reevaluateLoop(ctx)

	if f.notifier.ticks != 3 {
		t.Fatalf("期望重评估 3 次，实际 %d", f.notifier.ticks)
	}
	sleeps := f.clk.Sleeps()
	if len(sleeps) != 3 {
		t.Fatalf("期望 3 次等待，实际 %v", sleeps)
	}
	for _, d := range sleeps {
		if d != 45*time.Second {
			t.Errorf("等待时长 = %v, 期望 45s", d)
		}
	}
	if got := f.clk.Now().Sub(t0); got != 135*time.Second {
		t.Errorf("时钟推进 %v, 期望 135s", got)
	}
}

func TestSweepGap_UsesClock(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.MinSweepGapDuration = 2 * time.Minute
	f := newFixture(t)
	f.sched.UpdateConfig(cfg)
	// UpdateConfig 会留下唤醒信号
	select {
	case <-f.sched.wakeCh:
	default:
	}

	if got := f.sched.nextWait(SweepStats{Zones: 5}); got != 2*time.Minute {
		t.Errorf("nextWait() = %v, 期望 2m", got)
	}
	if got := f.sched.nextWait(SweepStats{Zones: 0}); got != idleWait {
		t.Errorf("名册为空时 nextWait() = %v, 期望 %v", got, idleWait)
	}

	if !f.sched.waitGap(context.Background(), 2*time.Minute) {
		t.Fatal("waitGap() 未被取消时应返回 true")
	}
	if got := f.clk.Now().Sub(t0); got != 2*time.Minute {
		t.Errorf("时钟推进 %v, 期望 2m", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if f.sched.waitGap(ctx, time.Minute) {
		t.Error("ctx 已取消时 waitGap() 应返回 false")
	}
}

func TestComputeRetryDelay(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 500 * time.Millisecond

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{10, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := computeRetryDelay(tt.retry, base, maxDelay, 0); got != tt.want {
			t.Errorf("computeRetryDelay(%d) = %v, 期望 %v", tt.retry, got, tt.want)
		}
	}

	for i := 0; i < 100; i++ {
		got := computeRetryDelay(1, base, maxDelay, 0.5)
		if got < 100*time.Millisecond || got > 300*time.Millisecond {
			t.Fatalf("抖动超出范围: %v", got)
		}
	}
}
