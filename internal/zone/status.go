package zone

// Status 区域状态（封闭枚举）
type Status string

const (
	StatusUnknown        Status = "unknown"         // 尚未观测到有效信号
	StatusOnline         Status = "online"          // 在线
	StatusOffline        Status = "offline"         // 离线
	StatusUnpaired       Status = "unpaired"        // 未配对设备
	StatusExpired        Status = "expired"         // 订阅已失效
	StatusNoSubscription Status = "no_subscription" // 无订阅
)

// AllStatuses 返回全部状态（按展示顺序）
func AllStatuses() []Status {
	return []Status{
		StatusUnknown,
		StatusOnline,
		StatusOffline,
		StatusUnpaired,
		StatusExpired,
		StatusNoSubscription,
	}
}

// IsValid 检查状态值是否合法
func (s Status) IsValid() bool {
	switch s {
	case StatusUnknown, StatusOnline, StatusOffline, StatusUnpaired, StatusExpired, StatusNoSubscription:
		return true
	}
	return false
}

// IsDegraded 是否处于降级状态（离线计时、告警只针对降级状态）
func (s Status) IsDegraded() bool {
	switch s {
	case StatusOffline, StatusUnpaired, StatusExpired, StatusNoSubscription:
		return true
	}
	return false
}

// Label 返回面向用户的状态文案
func (s Status) Label() string {
	switch s {
	case StatusOnline:
		return "Online"
	case StatusOffline:
		return "Offline"
	case StatusUnpaired:
		return "No Device Paired"
	case StatusExpired:
		return "Subscription Expired"
	case StatusNoSubscription:
		return "No Subscription"
	default:
		return "Unknown"
	}
}

// ParseStatus 解析存储层中的状态字符串，非法值回退为 unknown
func ParseStatus(s string) Status {
	st := Status(s)
	if !st.IsValid() {
		return StatusUnknown
	}
	return st
}
