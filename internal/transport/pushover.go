package transport

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/go-resty/resty/v2"

	"zonemonitor/internal/config"
)

// Pushover Pushover 推送通道，收件人为用户/群组 key
type Pushover struct {
	client   *resty.Client
	apiURL   string
	token    string
	priority int
	sound    string
}

// NewPushover 创建 Pushover 通道
func NewPushover(cfg config.PushoverConfig) *Pushover {
	return &Pushover{
		client:   resty.New().SetRetryCount(0),
		apiURL:   cfg.APIURL,
		token:    cfg.AppToken,
		priority: cfg.Priority,
		sound:    cfg.Sound,
	}
}

func (p *Pushover) Name() string { return string(config.ChannelPushover) }

type pushoverResponse struct {
	Status int      `json:"status"`
	Errors []string `json:"errors"`
}

// Send 发送推送
func (p *Pushover) Send(ctx context.Context, msg Message, recipients []string) error {
	return sendAll(p.Name(), recipients, func(user string) error {
		form := map[string]string{
			"token":    p.token,
			"user":     user,
			"title":    msg.Title,
			"message":  truncate(msg.Body, 1024),
			"priority": strconv.Itoa(p.priority),
		}
		if p.sound != "" {
			form["sound"] = p.sound
		}
		if msg.URL != "" {
			form["url"] = msg.URL
		}

		resp, err := p.client.R().
			SetContext(ctx).
			SetFormData(form).
			Post(p.apiURL)
		if err != nil {
			return &SendError{Channel: p.Name(), Message: "请求失败", Err: err}
		}

		var body pushoverResponse
		_ = json.Unmarshal(resp.Body(), &body)
		if resp.StatusCode() != 200 || body.Status != 1 {
			return &SendError{Channel: p.Name(), StatusCode: resp.StatusCode(), Message: bodyExcerpt(resp.Body())}
		}
		return nil
	})
}
