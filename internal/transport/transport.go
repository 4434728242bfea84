// Package transport 实现各类通知通道
// 每个通道只负责把已渲染好的消息送达收件人，并报告成功或失败
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zonemonitor/internal/zone"
)

// Message 通知消息（结构化字段 + 渲染后的文本）
type Message struct {
	ZoneID      string        `json:"zone_id"`
	ZoneName    string        `json:"zone_name"`
	AccountID   string        `json:"account_id"`
	AccountName string        `json:"account_name"`
	Status      zone.Status   `json:"status"`
	Since       time.Time     `json:"since"`
	Elapsed     time.Duration `json:"-"`
	ElapsedSec  int64         `json:"elapsed_seconds"`
	Manual      bool          `json:"manual"`

	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// Transport 通知通道
type Transport interface {
	// Name 通道名（与账户 channels 配置对应）
	Name() string

	// Send 发送消息；返回 nil 表示已送达
	Send(ctx context.Context, msg Message, recipients []string) error
}

// ErrNoRecipients 账户未配置该通道的收件人
var ErrNoRecipients = errors.New("未配置收件人")

// ErrQuietHours 静默时段内跳过发送
var ErrQuietHours = errors.New("静默时段内不发送")

// SendError 通道返回的发送失败
type SendError struct {
	Channel    string
	StatusCode int
	Message    string
	Err        error
}

func (e *SendError) Error() string {
	msg := e.Message
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s 发送失败: %s: %v", e.Channel, msg, e.Err)
	}
	return fmt.Sprintf("%s 发送失败: %s", e.Channel, msg)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// sendAll 逐个收件人发送，至少一个成功即视为送达
func sendAll(channel string, recipients []string, fn func(recipient string) error) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	var errs []error
	delivered := 0
	for _, r := range recipients {
		if err := fn(r); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		return nil
	}
	return fmt.Errorf("%s 全部收件人发送失败: %w", channel, errors.Join(errs...))
}

// truncate 按字符截断，超长时以 "..." 结尾
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// bodyExcerpt 截取响应体用于错误信息
func bodyExcerpt(b []byte) string {
	return truncate(string(b), 200)
}
