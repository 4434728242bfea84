// Package zone 定义区域状态枚举以及从上游原始信号到状态的分类规则
package zone

import "strings"

// SubscriptionStateNone 上游表示"没有订阅"的哨兵值（区别于订阅失效）
const SubscriptionStateNone = "NO_SUBSCRIPTION"

// 上游订阅状态中表示已失效的取值，isActive 为 true 时同样视为 expired
var expiredSubscriptionStates = []string{"EXPIRED", "CANCELLED"}

// Signals 上游返回的原始信号
// 所有字段均为指针：nil 表示字段缺失，不能当作 false 处理
type Signals struct {
	Paired             *bool   `json:"paired,omitempty"`
	Online             *bool   `json:"online,omitempty"`
	DevicePresent      *bool   `json:"device_present,omitempty"`
	SubscriptionActive *bool   `json:"subscription_active,omitempty"`
	SubscriptionState  *string `json:"subscription_state,omitempty"`
}

// Classify 将原始信号映射为唯一状态
// 纯函数：无 I/O、无状态，相同输入必然得到相同输出
//
// 规则按固定顺序匹配，先命中者生效：
//  1. 无已配对设备 -> unpaired
//  2. 有设备且订阅明确失效（isActive=false 或状态为 EXPIRED/CANCELLED）-> expired（忽略在线标记）
//  3. 有设备、订阅未失效，但订阅状态为哨兵值 -> no_subscription
//  4. 有设备、订阅有效、在线 -> online
//  5. 有设备、订阅有效、离线 -> offline
//  6. 其余（必需字段缺失）-> unknown
func Classify(s Signals) Status {
	present, known := devicePresence(s)
	if !known {
		return StatusUnknown
	}
	if !present {
		return StatusUnpaired
	}

	if (s.SubscriptionActive != nil && !*s.SubscriptionActive) || isExpiredState(s.SubscriptionState) {
		return StatusExpired
	}
	if isNoSubscription(s.SubscriptionState) {
		return StatusNoSubscription
	}

	if s.SubscriptionActive == nil || s.Online == nil {
		return StatusUnknown
	}
	if *s.Online {
		return StatusOnline
	}
	return StatusOffline
}

// devicePresence 判断是否存在已配对设备
// 返回 (present, known)，known=false 表示信号不足以判断
func devicePresence(s Signals) (bool, bool) {
	// 明确未配对优先
	if s.Paired != nil && !*s.Paired {
		return false, true
	}
	if s.DevicePresent != nil {
		return *s.DevicePresent, true
	}
	if s.Paired != nil {
		return *s.Paired, true
	}
	return false, false
}

func isExpiredState(state *string) bool {
	if state == nil {
		return false
	}
	v := strings.TrimSpace(*state)
	for _, e := range expiredSubscriptionStates {
		if strings.EqualFold(v, e) {
			return true
		}
	}
	return false
}

func isNoSubscription(state *string) bool {
	if state == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(*state), SubscriptionStateNone)
}

// Bool 返回 bool 指针（构造 Signals 用）
func Bool(v bool) *bool { return &v }

// String 返回 string 指针（构造 Signals 用）
func String(v string) *string { return &v }
