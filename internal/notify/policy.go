// Package notify 决定何时告警并按通道顺序发送
package notify

import (
	"time"

	"zonemonitor/internal/directory"
	"zonemonitor/internal/events"
	"zonemonitor/internal/storage"
)

// Eligibility 区域/账户的告警资格
type Eligibility string

const (
	Quiet       Eligibility = "quiet"        // 未降级或未达到阈值
	Eligible    Eligibility = "eligible"     // 可以告警
	CoolingDown Eligibility = "cooling_down" // 同一降级事件内处于冷却期
)

// Decision 一次评估的结果
type Decision struct {
	State   Eligibility
	Episode int64 // 降级事件起点（毫秒）
	Elapsed time.Duration

	// NextEligibleAt 冷却期结束时间（仅 CoolingDown 时有效）
	NextEligibleAt time.Time
}

// EpisodeOf 返回区域当前降级事件的标识（毫秒时间戳），非降级时为 0
func EpisodeOf(state *storage.ZoneState) int64 {
	if state == nil || !state.Status.IsDegraded() {
		return 0
	}
	start := state.EpisodeStart
	if start.IsZero() {
		start = state.StatusSince
	}
	if start.IsZero() {
		return 0
	}
	return start.UnixMilli()
}

// Evaluate 评估区域是否应当告警
//
//   - 未降级：Quiet
//   - 降级时长未达到账户阈值：Quiet
//   - 同一降级事件内，距上次通知不足冷却时间：CoolingDown
//   - 其他：Eligible
//
// 不同降级事件之间的冷却互不影响
func Evaluate(state *storage.ZoneState, acc *directory.Account, last *storage.NotificationRecord, now time.Time) Decision {
	if state == nil || !state.Status.IsDegraded() {
		return Decision{State: Quiet}
	}

	d := Decision{
		Episode: EpisodeOf(state),
		Elapsed: events.ElapsedDegraded(state, now),
	}
	if d.Elapsed < acc.OfflineThreshold {
		d.State = Quiet
		return d
	}

	if last != nil && last.Episode == d.Episode {
		next := last.SentAt.Add(acc.Cooldown)
		if now.Before(next) {
			d.State = CoolingDown
			d.NextEligibleAt = next
			return d
		}
	}

	d.State = Eligible
	return d
}
