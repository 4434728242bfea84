package storage

import (
	"context"
	"time"

	"zonemonitor/internal/zone"
)

// ZoneState 区域当前状态（每个区域一行）
type ZoneState struct {
	ZoneID    string
	ZoneName  string
	AccountID string
	Status    zone.Status

	// StatusSince 最近一次状态变化的时间（仅在状态变化时重置）
	StatusSince time.Time
	// EpisodeStart 当前降级事件的起点（从 online/unknown 进入降级时设置，恢复 online 后清零）
	EpisodeStart time.Time
	// LastCheckedAt 最近一次完成检查的时间（含失败的检查）
	LastCheckedAt time.Time
	// LastError 最近一次检查的错误（成功时为空）
	LastError string

	// Signals 最近一次成功查询的原始信号
	Signals zone.Signals
}

// Clone 返回副本
func (s *ZoneState) Clone() *ZoneState {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// TransitionEvent 状态变化事件（同时作为 zone_history 的一行）
type TransitionEvent struct {
	ID        int64
	ZoneID    string
	AccountID string
	From      zone.Status
	To        zone.Status
	ChangedAt time.Time

	// Initial 首次观测（from=unknown），本身不触发告警
	Initial bool

	// DegradedSeconds 离开降级状态时，本次降级事件持续的秒数
	DegradedSeconds int64
}

// NotificationOutcome 通知结果
type NotificationOutcome string

const (
	OutcomeDelivered  NotificationOutcome = "delivered"
	OutcomeFailed     NotificationOutcome = "failed"
	OutcomeSuppressed NotificationOutcome = "suppressed"
)

// NotificationRecord 单次通知尝试
type NotificationRecord struct {
	ID        int64
	ZoneID    string
	AccountID string
	Status    zone.Status
	// Episode 所属降级事件的起点（毫秒时间戳），冷却期只在同一事件内生效
	Episode int64
	Channel string
	Outcome NotificationOutcome
	Reason  string
	Manual  bool
	SentAt  time.Time
}

// Storage 持久化接口
// 所有写操作必须幂等：相同输入重复写入不会产生重复数据
type Storage interface {
	// Init 初始化存储（建表、索引）
	Init() error

	// Close 关闭存储
	Close() error

	// WithContext 返回绑定指定 context 的存储实例（用于请求取消/超时控制）
	WithContext(ctx context.Context) Storage

	// GetZoneState 获取区域状态，不存在时返回 (nil, nil)
	GetZoneState(zoneID string) (*ZoneState, error)

	// PutZoneState 写入区域状态（按 last_checked_at 后写者胜）
	PutZoneState(state *ZoneState) error

	// ListZoneStates 获取全部区域状态（启动时恢复内存状态）
	ListZoneStates() ([]*ZoneState, error)

	// AppendHistory 追加状态变化历史
	AppendHistory(evt *TransitionEvent) error

	// GetHistory 获取区域状态变化历史（changed_at 倒序）
	// zoneID 为空时返回全部区域
	GetHistory(zoneID string, since time.Time, limit int) ([]*TransitionEvent, error)

	// GetLastNotification 获取 (zone, account) 最近一次非 suppressed 的通知记录
	// 不存在时返回 (nil, nil)
	GetLastNotification(zoneID, accountID string) (*NotificationRecord, error)

	// PutNotification 写入通知记录
	PutNotification(rec *NotificationRecord) error

	// ListNotifications 获取通知记录（sent_at 倒序）
	ListNotifications(since time.Time, limit int) ([]*NotificationRecord, error)

	// PurgeOldRecords 删除 before 之前的历史与通知记录，返回删除行数
	PurgeOldRecords(ctx context.Context, before time.Time) (int64, error)
}

// toMillis 时间转毫秒时间戳（零值为 0）
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis 毫秒时间戳转时间（0 为零值）
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
