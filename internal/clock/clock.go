// Package clock 提供可注入的时钟，便于在测试中模拟时间流逝而不真实 sleep
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock 时间源
type Clock interface {
	Now() time.Time
	// Sleep 等待 d 或 ctx 结束，返回 ctx.Err()（正常等待完成返回 nil）
	Sleep(ctx context.Context, d time.Duration) error
}

// Real 系统时钟
type Real struct{}

// Now 返回当前时间
func (Real) Now() time.Time { return time.Now() }

// Sleep 等待 d，支持 ctx 取消
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fake 测试用时钟：Sleep 立即推进时间并记录等待时长
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFake 创建起始于 start 的测试时钟
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now 返回当前模拟时间
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance 推进模拟时间
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set 直接设置模拟时间
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Sleep 推进模拟时间，不阻塞
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	f.sleeps = append(f.sleeps, d)
	f.mu.Unlock()
	return nil
}

// Sleeps 返回所有 Sleep 调用的时长（副本）
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}
