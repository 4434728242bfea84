package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"zonemonitor/internal/clock"
)

func newTestBudget(t *testing.T, cfg Config) (*Budget, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	b, err := New(cfg, clk)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b, clk
}

func defaultTestConfig() Config {
	return Config{
		Capacity:             10,
		RefillPerSecond:      1,
		InitialCeiling:       16,
		MaxCeiling:           16,
		GrowAfterCleanCycles: 2,
		Backoff:              30 * time.Second,
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"capacity zero", Config{Capacity: 0, RefillPerSecond: 1, MaxCeiling: 1}},
		{"refill zero", Config{Capacity: 1, RefillPerSecond: 0, MaxCeiling: 1}},
		{"max ceiling zero", Config{Capacity: 1, RefillPerSecond: 1, MaxCeiling: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, nil); err == nil {
				t.Fatal("期望返回错误")
			}
		})
	}
}

func TestAcquire_ConsumesAndRefills(t *testing.T) {
	b, clk := newTestBudget(t, defaultTestConfig())

	for i := 0; i < 10; i++ {
		if ok, _ := b.Acquire(1); !ok {
			t.Fatalf("第 %d 次 Acquire 应成功", i+1)
		}
	}

	ok, wait := b.Acquire(1)
	if ok {
		t.Fatal("令牌耗尽后 Acquire 应被推迟")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("wait = %v, want (0, 1s]", wait)
	}

	clk.Advance(time.Second)
	if ok, _ := b.Acquire(1); !ok {
		t.Fatal("补充 1 秒后应有 1 个令牌")
	}
}

func TestAcquire_CostAboveCapacityIsClamped(t *testing.T) {
	b, _ := newTestBudget(t, defaultTestConfig())
	if ok, _ := b.Acquire(50); !ok {
		t.Fatal("成本超过容量时应按容量计算")
	}
}

func TestWait_AdvancesFakeClock(t *testing.T) {
	b, clk := newTestBudget(t, defaultTestConfig())
	start := clk.Now()

	for i := 0; i < 12; i++ {
		if err := b.Wait(context.Background(), 1); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if elapsed := clk.Now().Sub(start); elapsed < 2*time.Second {
		t.Fatalf("12 个令牌应至少等待 2 秒补充，实际 %v", elapsed)
	}
}

// 连续 3 次限流：并发上限严格递减且不低于 1
func TestObserve_RateLimitedHalvesCeiling(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.InitialCeiling = 8
	b, _ := newTestBudget(t, cfg)

	prev := b.Ceiling()
	for i := 0; i < 3; i++ {
		b.Observe(Outcome{Kind: OutcomeRateLimited})
		cur := b.Ceiling()
		if cur >= prev {
			t.Fatalf("第 %d 次限流后上限未下降: %d -> %d", i+1, prev, cur)
		}
		if cur < 1 {
			t.Fatalf("上限低于 1: %d", cur)
		}
		prev = cur
	}
	if got := b.Ceiling(); got != 1 {
		t.Fatalf("8 -> 4 -> 2 -> 1，实际 %d", got)
	}

	b.Observe(Outcome{Kind: OutcomeRateLimited})
	if got := b.Ceiling(); got != 1 {
		t.Fatalf("上限不应低于 1，实际 %d", got)
	}
}

func TestObserve_BackoffWindow(t *testing.T) {
	b, clk := newTestBudget(t, defaultTestConfig())

	b.Observe(Outcome{Kind: OutcomeRateLimited})
	ok, wait := b.Acquire(1)
	if ok {
		t.Fatal("退避窗口内不应授予令牌")
	}
	if wait != 30*time.Second {
		t.Fatalf("wait = %v, want 30s", wait)
	}

	clk.Advance(30 * time.Second)
	if ok, _ := b.Acquire(1); !ok {
		t.Fatal("退避结束后应授予令牌")
	}
}

func TestObserve_RetryAfterExtendsBackoff(t *testing.T) {
	b, _ := newTestBudget(t, defaultTestConfig())
	b.Observe(Outcome{Kind: OutcomeRateLimited, RetryAfter: time.Minute})
	if _, wait := b.Acquire(1); wait != time.Minute {
		t.Fatalf("wait = %v, want 1m", wait)
	}
}

func TestObserve_AlignsWithUpstreamAvailable(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Backoff = 0
	b, _ := newTestBudget(t, cfg)

	b.Observe(Outcome{Kind: OutcomeRateLimited, Cost: 16, Available: 2})
	if tokens := b.Snapshot().Tokens; tokens > 2.01 {
		t.Fatalf("本地令牌应与上游剩余额度对齐，tokens = %v", tokens)
	}
}

func TestObserve_SuccessDoesNothing(t *testing.T) {
	b, _ := newTestBudget(t, defaultTestConfig())
	b.Observe(Outcome{Kind: OutcomeSuccess})
	b.Observe(Outcome{Kind: OutcomeFailure})
	if b.Ceiling() != 16 {
		t.Fatalf("非限流结果不应改变上限，实际 %d", b.Ceiling())
	}
}

func TestEndCycle_GrowsOneStep(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.InitialCeiling = 8
	cfg.MaxCeiling = 10
	b, _ := newTestBudget(t, cfg)

	b.Observe(Outcome{Kind: OutcomeRateLimited}) // 8 -> 4
	if got := b.EndCycle(); got != 4 {
		t.Fatalf("限流周期结束后不应上调，got %d", got)
	}

	if got := b.EndCycle(); got != 4 {
		t.Fatalf("第 1 个干净周期不应上调，got %d", got)
	}
	if got := b.EndCycle(); got != 5 {
		t.Fatalf("第 2 个干净周期应上调一级，got %d", got)
	}

	for i := 0; i < 20; i++ {
		b.EndCycle()
	}
	if got := b.Ceiling(); got != 10 {
		t.Fatalf("上限不应超过 MaxCeiling，got %d", got)
	}
}

func TestAcquireSlot_RespectsCeiling(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.InitialCeiling = 2
	b, _ := newTestBudget(t, cfg)
	ctx := context.Background()

	if err := b.AcquireSlot(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.AcquireSlot(ctx); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		_ = b.AcquireSlot(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("超过上限时不应获得槽位")
	case <-time.After(50 * time.Millisecond):
	}

	b.ReleaseSlot()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("释放后等待者应获得槽位")
	}
}

func TestAcquireSlot_ContextCancel(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.InitialCeiling = 1
	b, _ := newTestBudget(t, cfg)

	if err := b.AcquireSlot(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.AcquireSlot(ctx); err == nil {
		t.Fatal("ctx 取消后应返回错误")
	}
}

func TestAcquireSlot_Concurrent(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.InitialCeiling = 3
	b, _ := newTestBudget(t, cfg)

	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.AcquireSlot(context.Background()); err != nil {
				return
			}
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
			b.ReleaseSlot()
		}()
	}
	wg.Wait()

	if peak > 3 {
		t.Fatalf("并发峰值 %d 超过上限 3", peak)
	}
}
