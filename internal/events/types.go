// Package events 跟踪区域状态变化
// 维护每个区域的 status_since 与降级事件起点，并在状态变化时生成事件
package events

import (
	"time"

	"zonemonitor/internal/storage"
	"zonemonitor/internal/zone"
)

// ZoneState 区域状态（复用 storage 定义）
type ZoneState = storage.ZoneState

// TransitionEvent 状态变化事件（复用 storage 定义）
type TransitionEvent = storage.TransitionEvent

// Observation 一次检查的结果
type Observation struct {
	ZoneID     string
	ZoneName   string
	AccountID  string
	Status     zone.Status
	Signals    zone.Signals
	ObservedAt time.Time

	// Err 检查失败原因（非空时 Status 不参与状态机）
	Err error
}
