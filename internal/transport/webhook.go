package transport

import (
	"context"

	"github.com/go-resty/resty/v2"

	"zonemonitor/internal/config"
)

// Webhook 通用 HTTP 回调通道，消息以 JSON 形式 POST
type Webhook struct {
	client *resty.Client
	url    string
}

// NewWebhook 创建 Webhook 通道
func NewWebhook(cfg config.WebhookConfig) *Webhook {
	client := resty.New().
		SetRetryCount(0).
		SetTimeout(cfg.TimeoutDuration).
		SetHeader("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}
	return &Webhook{client: client, url: cfg.URL}
}

func (w *Webhook) Name() string { return string(config.ChannelWebhook) }

type webhookPayload struct {
	Message
	Recipients []string `json:"recipients,omitempty"`
}

// Send 发送回调（收件人随负载一起发送，可为空）
func (w *Webhook) Send(ctx context.Context, msg Message, recipients []string) error {
	msg.ElapsedSec = int64(msg.Elapsed.Seconds())
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(webhookPayload{Message: msg, Recipients: recipients}).
		Post(w.url)
	if err != nil {
		return &SendError{Channel: w.Name(), Message: "请求失败", Err: err}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return &SendError{Channel: w.Name(), StatusCode: resp.StatusCode(), Message: bodyExcerpt(resp.Body())}
	}
	return nil
}
