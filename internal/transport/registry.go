package transport

import (
	"context"
	"io"
	"sort"
	"sync"

	"zonemonitor/internal/config"
	"zonemonitor/internal/logger"
)

// Registry 按名称管理已启用的通道
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

// Register 注册通道（同名覆盖）
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
}

// Get 按名称获取通道
func (r *Registry) Get(name string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// Names 返回已注册的通道名（排序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 关闭持有连接的通道
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, t := range r.transports {
		if c, ok := t.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("transport", "关闭通道失败", "channel", name, "error", err)
			}
		}
	}
}

// BuildRegistry 根据配置创建全部启用的通道
// 单个通道初始化失败只记录日志，不影响其他通道
func BuildRegistry(ctx context.Context, cfg *config.TransportsConfig) *Registry {
	r := NewRegistry()

	type builder struct {
		name    config.ChannelName
		enabled bool
		build   func() (Transport, error)
	}
	builders := []builder{
		{config.ChannelPushover, cfg.Pushover.Enabled, func() (Transport, error) { return NewPushover(cfg.Pushover), nil }},
		{config.ChannelEmail, cfg.Email.Enabled, func() (Transport, error) { return NewEmail(cfg.Email), nil }},
		{config.ChannelSMS, cfg.SMS.Enabled, func() (Transport, error) { return NewSMS(cfg.SMS), nil }},
		{config.ChannelWebhook, cfg.Webhook.Enabled, func() (Transport, error) { return NewWebhook(cfg.Webhook), nil }},
		{config.ChannelTelegram, cfg.Telegram.Enabled, func() (Transport, error) { return NewTelegram(cfg.Telegram) }},
		{config.ChannelFCM, cfg.FCM.Enabled, func() (Transport, error) { return NewFCM(ctx, cfg.FCM) }},
		{config.ChannelAMQP, cfg.AMQP.Enabled, func() (Transport, error) { return NewAMQP(cfg.AMQP) }},
		{config.ChannelMQTT, cfg.MQTT.Enabled, func() (Transport, error) { return NewMQTT(cfg.MQTT) }},
	}

	for _, b := range builders {
		if !b.enabled {
			continue
		}
		t, err := b.build()
		if err != nil {
			logger.Error("transport", "通道初始化失败，已跳过", "channel", b.name, "error", err)
			continue
		}
		r.Register(t)
		logger.Info("transport", "通道已启用", "channel", b.name)
	}

	if len(r.transports) == 0 {
		logger.Warn("transport", "未启用任何通知通道")
	}
	return r
}
