// Package source 查询上游 GraphQL API 获取区域原始信号
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"zonemonitor/internal/zone"
)

// Result 单个区域的查询结果
type Result struct {
	ZoneID  string
	Name    string
	Signals zone.Signals
}

// Source 区域状态数据源
type Source interface {
	Fetch(ctx context.Context, zoneID string) (*Result, error)
}

const zoneQuery = `query ZoneStatus($id: ID!) {
  soundZone(id: $id) {
    id
    name
    isPaired
    online
    device { id }
    subscription { isActive state }
  }
}`

// Options GraphQL 数据源配置
type Options struct {
	Endpoint   string
	Token      string
	AuthScheme string // 默认 "Basic"
	UserAgent  string
}

// GraphQLSource 基于 resty 的 GraphQL 数据源
// 不设置客户端级超时与重试：超时由调用方 context 控制，重试由调度器负责
type GraphQLSource struct {
	client   *resty.Client
	endpoint string
}

// NewGraphQLSource 创建数据源
func NewGraphQLSource(opts Options) (*GraphQLSource, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("upstream endpoint 不能为空")
	}
	scheme := opts.AuthScheme
	if scheme == "" {
		scheme = "Basic"
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "zone-monitor"
	}

	client := resty.New().
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", ua)
	if opts.Token != "" {
		client.SetHeader("Authorization", scheme+" "+opts.Token)
	}

	return &GraphQLSource{client: client, endpoint: opts.Endpoint}, nil
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type gqlResponse struct {
	Data struct {
		SoundZone json.RawMessage `json:"soundZone"`
	} `json:"data"`
	Errors []gqlError `json:"errors"`
}

// zonePayload 使用 RawMessage 区分"字段缺失"与"字段为 null"
type zonePayload struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	IsPaired     *bool           `json:"isPaired"`
	Online       *bool           `json:"online"`
	Device       json.RawMessage `json:"device"`
	Subscription json.RawMessage `json:"subscription"`
}

type subscriptionPayload struct {
	IsActive *bool   `json:"isActive"`
	State    *string `json:"state"`
}

// Fetch 查询单个区域
func (s *GraphQLSource) Fetch(ctx context.Context, zoneID string) (*Result, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(gqlRequest{Query: zoneQuery, Variables: map[string]any{"id": zoneID}}).
		Post(s.endpoint)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Code: ErrCodeTransient, Message: "上游请求超时", Err: err}
		}
		return nil, &Error{Code: ErrCodeTransient, Message: "上游请求失败: " + err.Error(), Err: err}
	}

	if err := classifyHTTPStatus(resp.StatusCode(), resp.Header(), resp.Body()); err != nil {
		return nil, err
	}

	return decodeZone(zoneID, resp.Body())
}

// classifyHTTPStatus 将非 2xx 响应映射为错误
func classifyHTTPStatus(code int, header http.Header, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		e := &Error{Code: ErrCodeRateLimited, Message: fmt.Sprintf("上游限流 (HTTP %d)", code)}
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
		if cost, available, ok := ParseRateLimitMessage(string(body)); ok {
			e.Cost, e.Available = cost, available
		}
		return e
	case code == http.StatusNotFound:
		return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("上游返回 HTTP %d", code)}
	case code >= 500, code == http.StatusRequestTimeout:
		return &Error{Code: ErrCodeTransient, Message: fmt.Sprintf("上游返回 HTTP %d", code)}
	default:
		return &Error{Code: ErrCodeMalformed, Message: fmt.Sprintf("上游拒绝请求 (HTTP %d)", code)}
	}
}

// decodeZone 解析 GraphQL 响应
func decodeZone(zoneID string, body []byte) (*Result, error) {
	var out gqlResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{Code: ErrCodeMalformed, Message: "解析上游响应失败", Err: err}
	}

	if len(out.Errors) > 0 {
		return nil, classifyGraphQLErrors(out.Errors)
	}

	raw := bytes.TrimSpace(out.Data.SoundZone)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, &Error{Code: ErrCodeNotFound, Message: "区域不存在: " + zoneID}
	}

	var p zonePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &Error{Code: ErrCodeMalformed, Message: "解析区域数据失败", Err: err}
	}

	result := &Result{
		ZoneID: zoneID,
		Name:   p.Name,
		Signals: zone.Signals{
			Paired: p.IsPaired,
			Online: p.Online,
		},
	}
	if p.ID != "" {
		result.ZoneID = p.ID
	}

	// device: 缺失 -> 未知；null -> 无设备；对象 -> 有设备
	if dev := bytes.TrimSpace(p.Device); len(dev) > 0 {
		result.Signals.DevicePresent = zone.Bool(!bytes.Equal(dev, []byte("null")))
	}

	// subscription: 缺失 -> 未知；null 或 state 为 null -> 无订阅哨兵
	if sub := bytes.TrimSpace(p.Subscription); len(sub) > 0 {
		if bytes.Equal(sub, []byte("null")) {
			result.Signals.SubscriptionState = zone.String(zone.SubscriptionStateNone)
		} else {
			var sp subscriptionPayload
			if err := json.Unmarshal(sub, &sp); err != nil {
				return nil, &Error{Code: ErrCodeMalformed, Message: "解析订阅数据失败", Err: err}
			}
			result.Signals.SubscriptionActive = sp.IsActive
			if sp.State == nil {
				result.Signals.SubscriptionState = zone.String(zone.SubscriptionStateNone)
			} else {
				result.Signals.SubscriptionState = sp.State
			}
		}
	}

	return result, nil
}

// classifyGraphQLErrors 根据 errors 数组判断错误类型
func classifyGraphQLErrors(errs []gqlError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	joined := strings.Join(msgs, "; ")

	if cost, available, ok := ParseRateLimitMessage(joined); ok {
		return &Error{
			Code:      ErrCodeRateLimited,
			Message:   "上游令牌不足: " + joined,
			Cost:      cost,
			Available: available,
		}
	}
	lower := strings.ToLower(joined)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "throttl"):
		return &Error{Code: ErrCodeRateLimited, Message: "上游限流: " + joined}
	case strings.Contains(lower, "not found"):
		return &Error{Code: ErrCodeNotFound, Message: "区域不存在: " + joined}
	default:
		return &Error{Code: ErrCodeTransient, Message: "上游返回错误: " + joined}
	}
}

// parseRetryAfter 解析 Retry-After（仅支持秒数）
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
