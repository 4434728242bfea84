package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

// flakyStorage 前 failures 次写入失败
type flakyStorage struct {
	Storage
	failures int
	calls    int
}

func (f *flakyStorage) PutZoneState(*ZoneState) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("disk I/O error")
	}
	return nil
}

func (f *flakyStorage) WithContext(context.Context) Storage { return f }

func TestRetrying_RecoversWithinBudget(t *testing.T) {
	inner := &flakyStorage{failures: 2}
	r := NewRetrying(inner, 3, 100*time.Millisecond)
	var waits []time.Duration
	r.SetSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	})

	if err := r.PutZoneState(&ZoneState{ZoneID: "z1"}); err != nil {
		t.Fatalf("期望重试后成功: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("期望调用 3 次，实际 %d", inner.calls)
	}
	if len(waits) != 2 || waits[0] != 100*time.Millisecond || waits[1] != 200*time.Millisecond {
		t.Errorf("等待间隔应线性递增，实际 %v", waits)
	}
	if r.FailedWrites() != 0 {
		t.Errorf("成功写入不应计入失败，实际 %d", r.FailedWrites())
	}
}

func TestRetrying_ExhaustedCountsFailure(t *testing.T) {
	inner := &flakyStorage{failures: 10}
	r := NewRetrying(inner, 2, time.Millisecond)
	r.SetSleep(func(context.Context, time.Duration) error { return nil })

	if err := r.PutZoneState(&ZoneState{ZoneID: "z1"}); err == nil {
		t.Fatal("重试耗尽应返回错误")
	}
	if inner.calls != 3 {
		t.Errorf("期望调用 3 次（1 次 + 2 次重试），实际 %d", inner.calls)
	}
	if r.FailedWrites() != 1 {
		t.Errorf("期望失败计数 1，实际 %d", r.FailedWrites())
	}

	// WithContext 共享失败计数
	scoped := r.WithContext(context.Background()).(*RetryingStorage)
	_ = scoped.PutZoneState(&ZoneState{ZoneID: "z1"})
	if r.FailedWrites() != 2 {
		t.Errorf("期望共享失败计数 2，实际 %d", r.FailedWrites())
	}
}
