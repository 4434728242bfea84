package events

import (
	"time"

	"zonemonitor/internal/zone"
)

// Apply 将一次观测应用到区域状态
//
// 规则：
//   - prev 为 nil 视为 unknown
//   - 观测时间早于已记录的 last_checked_at 时忽略（按完成时间后写者胜）
//   - unknown 观测不覆盖已知状态，只更新 last_checked_at
//   - 状态相同：只更新 last_checked_at，status_since 不变
//   - 状态不同：生成事件并重置 status_since；从 unknown 出发的事件标记为 Initial
//   - 从非降级进入降级时记录 EpisodeStart，降级之间切换时保留，回到 online 时清零
//
// 返回新状态（始终非 nil，除非观测被忽略）与事件（无变化时为 nil）
func Apply(prev *ZoneState, obs Observation) (*ZoneState, *TransitionEvent) {
	at := obs.ObservedAt

	if prev == nil {
		prev = &ZoneState{
			ZoneID:      obs.ZoneID,
			Status:      zone.StatusUnknown,
			StatusSince: at,
		}
	}
	if !prev.LastCheckedAt.IsZero() && at.Before(prev.LastCheckedAt) {
		return nil, nil
	}

	next := prev.Clone()
	next.ZoneID = obs.ZoneID
	if obs.ZoneName != "" {
		next.ZoneName = obs.ZoneName
	}
	if obs.AccountID != "" {
		next.AccountID = obs.AccountID
	}
	next.LastCheckedAt = at
	next.LastError = ""
	if obs.Status != zone.StatusUnknown {
		next.Signals = obs.Signals
	}

	if obs.Status == zone.StatusUnknown || obs.Status == prev.Status {
		return next, nil
	}

	evt := &TransitionEvent{
		ZoneID:    obs.ZoneID,
		AccountID: next.AccountID,
		From:      prev.Status,
		To:        obs.Status,
		ChangedAt: at,
		Initial:   prev.Status == zone.StatusUnknown,
	}

	switch {
	case obs.Status.IsDegraded() && !prev.Status.IsDegraded():
		next.EpisodeStart = at
	case !obs.Status.IsDegraded():
		if prev.Status.IsDegraded() && !prev.EpisodeStart.IsZero() {
			evt.DegradedSeconds = int64(at.Sub(prev.EpisodeStart) / time.Second)
		}
		next.EpisodeStart = time.Time{}
	}

	next.Status = obs.Status
	next.StatusSince = at
	return next, evt
}

// ApplyFailure 记录一次失败的检查：状态与 status_since 保持不变
func ApplyFailure(prev *ZoneState, obs Observation) *ZoneState {
	if prev == nil {
		prev = &ZoneState{
			ZoneID:      obs.ZoneID,
			Status:      zone.StatusUnknown,
			StatusSince: obs.ObservedAt,
		}
	}
	if !prev.LastCheckedAt.IsZero() && obs.ObservedAt.Before(prev.LastCheckedAt) {
		return nil
	}
	next := prev.Clone()
	if obs.ZoneName != "" {
		next.ZoneName = obs.ZoneName
	}
	if obs.AccountID != "" {
		next.AccountID = obs.AccountID
	}
	next.LastCheckedAt = obs.ObservedAt
	if obs.Err != nil {
		next.LastError = obs.Err.Error()
	}
	return next
}

// ElapsedDegraded 返回区域在当前降级状态持续的时间
// 非降级状态（online/unknown）返回 0
func ElapsedDegraded(state *ZoneState, now time.Time) time.Duration {
	if state == nil || !state.Status.IsDegraded() || state.StatusSince.IsZero() {
		return 0
	}
	d := now.Sub(state.StatusSince)
	if d < 0 {
		return 0
	}
	return d
}
