package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"zonemonitor/internal/config"
)

// smsMaxLength 单条短信（含拼接）最大字符数
const smsMaxLength = 1600

// SMS Twilio 短信通道
// 静默时段内只发送紧急告警（降级时长超过 critical_threshold）或手动告警
type SMS struct {
	client      *resty.Client
	apiURL      string
	accountSID  string
	from        string
	countryCode string

	quietStart int
	quietEnd   int
	loc        *time.Location
	critical   time.Duration
	nowFn      func() time.Time
}

// NewSMS 创建短信通道
func NewSMS(cfg config.SMSConfig) *SMS {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &SMS{
		client:      resty.New().SetRetryCount(0).SetBasicAuth(cfg.AccountSID, cfg.AuthToken),
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		accountSID:  cfg.AccountSID,
		from:        cfg.From,
		countryCode: cfg.DefaultCountryCode,
		quietStart:  cfg.QuietStartHour,
		quietEnd:    cfg.QuietEndHour,
		loc:         loc,
		critical:    cfg.CriticalThresholdDuration,
		nowFn:       time.Now,
	}
}

func (s *SMS) Name() string { return string(config.ChannelSMS) }

// Send 发送短信
func (s *SMS) Send(ctx context.Context, msg Message, recipients []string) error {
	if !msg.Manual && s.inQuietHours(s.nowFn()) && msg.Elapsed < s.critical {
		return ErrQuietHours
	}

	body := truncate(msg.Body, smsMaxLength)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.apiURL, s.accountSID)

	return sendAll(s.Name(), recipients, func(phone string) error {
		resp, err := s.client.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"To":   NormalizePhone(phone, s.countryCode),
				"From": s.from,
				"Body": body,
			}).
			Post(endpoint)
		if err != nil {
			return &SendError{Channel: s.Name(), Message: "请求失败", Err: err}
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			return &SendError{Channel: s.Name(), StatusCode: resp.StatusCode(), Message: bodyExcerpt(resp.Body())}
		}
		return nil
	})
}

// inQuietHours 判断是否处于静默时段 [start, end)，支持跨午夜
func (s *SMS) inQuietHours(now time.Time) bool {
	if s.quietStart == s.quietEnd {
		return false
	}
	h := now.In(s.loc).Hour()
	if s.quietStart > s.quietEnd {
		return h >= s.quietStart || h < s.quietEnd
	}
	return h >= s.quietStart && h < s.quietEnd
}

// NormalizePhone 规范化为 E.164 格式
// 已带 + 前缀的号码只去除分隔符；否则以默认国家区号补全
func NormalizePhone(phone, countryCode string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "+") {
		return digits
	}
	if countryCode == "" {
		countryCode = "1"
	}
	if strings.HasPrefix(digits, countryCode) && len(digits) > 10 {
		return "+" + digits
	}
	return "+" + countryCode + digits
}
