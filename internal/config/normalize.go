package config

import (
	"fmt"
	"strings"
	"time"

	"zonemonitor/internal/logger"
)

// 默认值（与旧版 Python 服务保持一致的部分：阈值 10 分钟、冷却 30 分钟）
const (
	defaultUpstreamTimeout    = 10 * time.Second
	defaultRetryCount         = 3
	defaultRetryBaseDelay     = 500 * time.Millisecond
	defaultRetryMaxDelay      = 8 * time.Second
	defaultRetryJitter        = 0.2
	defaultSweepTarget        = 7 * time.Minute
	defaultReevaluateInterval = 30 * time.Second
	defaultHistorySize        = 50
	defaultOfflineThreshold   = 10 * time.Minute
	defaultCooldown           = 30 * time.Minute
)

// Normalize 规范化配置（填充默认值、解析 duration、账户继承全局策略）
func (c *AppConfig) Normalize() error {
	// 1. 上游与调度
	if err := c.normalizeUpstream(); err != nil {
		return err
	}
	if err := c.normalizeScheduler(); err != nil {
		return err
	}
	if err := c.normalizeRateLimit(); err != nil {
		return err
	}

	// 2. 告警默认策略
	if err := c.normalizeNotify(); err != nil {
		return err
	}

	// 3. 账户（继承 notify 默认值）
	if err := c.normalizeAccounts(); err != nil {
		return err
	}

	// 4. 通道、存储、缓存、API
	if err := c.normalizeTransports(); err != nil {
		return err
	}
	if err := c.Storage.Normalize(); err != nil {
		return err
	}
	if err := c.normalizeCache(); err != nil {
		return err
	}
	if strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = ":8080"
	}

	return nil
}

func (c *AppConfig) normalizeUpstream() error {
	c.Upstream.Endpoint = strings.TrimSpace(c.Upstream.Endpoint)
	if c.Upstream.AuthScheme == "" {
		c.Upstream.AuthScheme = "Basic"
	}
	d, err := parseDurationDefault(c.Upstream.Timeout, defaultUpstreamTimeout, "upstream.timeout")
	if err != nil {
		return err
	}
	if d == 0 {
		return fmt.Errorf("upstream.timeout 必须大于 0")
	}
	c.Upstream.TimeoutDuration = d

	if c.Upstream.QueryCost == 0 {
		c.Upstream.QueryCost = 1
	}
	if c.Upstream.QueryCost < 0 {
		return fmt.Errorf("upstream.query_cost 必须 >= 1，当前值: %d", c.Upstream.QueryCost)
	}
	return nil
}

func (c *AppConfig) normalizeScheduler() error {
	s := &c.Scheduler

	// 重试次数（nil 表示未配置，使用默认值）
	if s.Retry == nil {
		s.RetryCount = defaultRetryCount
	} else {
		if *s.Retry < 0 {
			return fmt.Errorf("scheduler.retry 必须 >= 0，当前值: %d", *s.Retry)
		}
		s.RetryCount = *s.Retry
	}

	var err error
	if s.RetryBaseDelayDuration, err = parseDurationDefault(s.RetryBaseDelay, defaultRetryBaseDelay, "scheduler.retry_base_delay"); err != nil {
		return err
	}
	if s.RetryMaxDelayDuration, err = parseDurationDefault(s.RetryMaxDelay, defaultRetryMaxDelay, "scheduler.retry_max_delay"); err != nil {
		return err
	}
	if s.RetryMaxDelayDuration < s.RetryBaseDelayDuration {
		logger.Warn("config", "retry_max_delay 小于 retry_base_delay，已对齐",
			"retry_base_delay", s.RetryBaseDelayDuration, "retry_max_delay", s.RetryMaxDelayDuration)
		s.RetryMaxDelayDuration = s.RetryBaseDelayDuration
	}

	if s.RetryJitter == nil {
		s.RetryJitterValue = defaultRetryJitter
	} else {
		if *s.RetryJitter < 0 || *s.RetryJitter > 1 {
			return fmt.Errorf("scheduler.retry_jitter 必须在 [0,1] 范围内，当前值: %g", *s.RetryJitter)
		}
		s.RetryJitterValue = *s.RetryJitter
	}

	if s.SweepTargetDuration, err = parseDurationDefault(s.SweepTarget, defaultSweepTarget, "scheduler.sweep_target"); err != nil {
		return err
	}
	if s.MinSweepGapDuration, err = parseDurationDefault(s.MinSweepGap, 0, "scheduler.min_sweep_gap"); err != nil {
		return err
	}
	if s.ReevaluateIntervalDuration, err = parseDurationDefault(s.ReevaluateInterval, defaultReevaluateInterval, "scheduler.reevaluate_interval"); err != nil {
		return err
	}
	if s.ReevaluateIntervalDuration == 0 {
		return fmt.Errorf("scheduler.reevaluate_interval 必须大于 0")
	}

	if s.HistorySize == 0 {
		s.HistorySize = defaultHistorySize
	}
	if s.HistorySize < 1 {
		return fmt.Errorf("scheduler.history_size 必须 >= 1，当前值: %d", s.HistorySize)
	}
	return nil
}

func (c *AppConfig) normalizeRateLimit() error {
	r := &c.RateLimit
	if r.Capacity == 0 {
		r.Capacity = 100
	}
	if r.RefillPerSecond == 0 {
		r.RefillPerSecond = 6
	}
	if r.MaxConcurrency == 0 {
		r.MaxConcurrency = 100
	}
	if r.InitialConcurrency == 0 {
		r.InitialConcurrency = min(20, r.MaxConcurrency)
	}
	if r.GrowAfterCleanSweeps == 0 {
		r.GrowAfterCleanSweeps = 3
	}

	if r.Capacity < 1 {
		return fmt.Errorf("rate_limit.capacity 必须 >= 1，当前值: %d", r.Capacity)
	}
	if r.RefillPerSecond < 0 {
		return fmt.Errorf("rate_limit.refill_per_second 必须 > 0，当前值: %g", r.RefillPerSecond)
	}
	if r.MaxConcurrency < 1 {
		return fmt.Errorf("rate_limit.max_concurrency 必须 >= 1，当前值: %d", r.MaxConcurrency)
	}
	if r.InitialConcurrency < 1 || r.InitialConcurrency > r.MaxConcurrency {
		return fmt.Errorf("rate_limit.initial_concurrency 必须在 [1,%d] 范围内，当前值: %d",
			r.MaxConcurrency, r.InitialConcurrency)
	}
	if r.GrowAfterCleanSweeps < 1 {
		return fmt.Errorf("rate_limit.grow_after_clean_sweeps 必须 >= 1，当前值: %d", r.GrowAfterCleanSweeps)
	}
	if c.Upstream.QueryCost > r.Capacity {
		return fmt.Errorf("upstream.query_cost(%d) 不能大于 rate_limit.capacity(%d)", c.Upstream.QueryCost, r.Capacity)
	}

	d, err := parseDurationDefault(r.Backoff, time.Minute, "rate_limit.backoff")
	if err != nil {
		return err
	}
	r.BackoffDuration = d
	return nil
}

func (c *AppConfig) normalizeNotify() error {
	n := &c.Notify
	var err error
	if n.OfflineThresholdDuration, err = parseDurationDefault(n.OfflineThreshold, defaultOfflineThreshold, "notify.offline_threshold"); err != nil {
		return err
	}
	if n.CooldownDuration, err = parseDurationDefault(n.Cooldown, defaultCooldown, "notify.cooldown"); err != nil {
		return err
	}
	n.Channels = normalizeChannelList(n.Channels)
	return nil
}

// normalizeAccounts 账户未配置的字段继承 notify 全局值
func (c *AppConfig) normalizeAccounts() error {
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.ID = strings.TrimSpace(a.ID)
		if a.Name == "" {
			a.Name = a.ID
		}

		field := fmt.Sprintf("accounts[%s]", a.ID)
		var err error
		if a.OfflineThresholdDuration, err = parseDurationDefault(a.OfflineThreshold, c.Notify.OfflineThresholdDuration, field+".offline_threshold"); err != nil {
			return err
		}
		if a.CooldownDuration, err = parseDurationDefault(a.Cooldown, c.Notify.CooldownDuration, field+".cooldown"); err != nil {
			return err
		}

		a.Channels = normalizeChannelList(a.Channels)
		if len(a.Channels) == 0 {
			a.Channels = append([]string(nil), c.Notify.Channels...)
		}

		if len(a.Recipients) > 0 {
			recipients := make(map[string][]string, len(a.Recipients))
			for ch, list := range a.Recipients {
				key := strings.ToLower(strings.TrimSpace(ch))
				for _, r := range list {
					if r = strings.TrimSpace(r); r != "" {
						recipients[key] = append(recipients[key], r)
					}
				}
			}
			a.Recipients = recipients
		}

		a.ParallelValue = c.Notify.Parallel
		if a.Parallel != nil {
			a.ParallelValue = *a.Parallel
		}

		for j := range a.Zones {
			z := &a.Zones[j]
			z.ID = strings.TrimSpace(z.ID)
			if z.Name == "" {
				z.Name = z.ID
			}
		}
	}
	return nil
}

func (c *AppConfig) normalizeTransports() error {
	t := &c.Transports

	if t.Pushover.APIURL == "" {
		t.Pushover.APIURL = "https://api.pushover.net/1/messages.json"
	}
	if t.Email.Port == 0 {
		t.Email.Port = 587
	}

	sms := &t.SMS
	if sms.APIURL == "" {
		sms.APIURL = "https://api.twilio.com"
	}
	if sms.DefaultCountryCode == "" {
		sms.DefaultCountryCode = "1"
	}
	sms.QuietStartHour, sms.QuietEndHour = 22, 7
	if sms.QuietHoursStart != nil {
		sms.QuietStartHour = *sms.QuietHoursStart
	}
	if sms.QuietHoursEnd != nil {
		sms.QuietEndHour = *sms.QuietHoursEnd
	}
	if sms.QuietStartHour < 0 || sms.QuietStartHour > 23 || sms.QuietEndHour < 0 || sms.QuietEndHour > 23 {
		return fmt.Errorf("transports.sms 静默时段必须在 [0,23] 范围内")
	}
	var err error
	if sms.CriticalThresholdDuration, err = parseDurationDefault(sms.CriticalThreshold, 30*time.Minute, "transports.sms.critical_threshold"); err != nil {
		return err
	}
	sms.Location = time.Local
	if tz := strings.TrimSpace(sms.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("transports.sms.timezone 无效: %w", err)
		}
		sms.Location = loc
	}

	if t.Webhook.TimeoutDuration, err = parseDurationDefault(t.Webhook.Timeout, 10*time.Second, "transports.webhook.timeout"); err != nil {
		return err
	}

	if t.AMQP.Exchange == "" {
		t.AMQP.Exchange = "zone.alerts"
	}
	if t.AMQP.RoutingKey == "" {
		t.AMQP.RoutingKey = "zone.degraded"
	}
	if t.MQTT.Topic == "" {
		t.MQTT.Topic = "zones/alerts"
	}
	if t.MQTT.ClientID == "" {
		t.MQTT.ClientID = "zone-monitor"
	}
	if t.MQTT.QoS > 2 {
		return fmt.Errorf("transports.mqtt.qos 必须在 [0,2] 范围内，当前值: %d", t.MQTT.QoS)
	}
	return nil
}

func (c *AppConfig) normalizeCache() error {
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "zonemonitor:"
	}
	d, err := parseDurationDefault(c.Cache.TTL, 10*time.Minute, "cache.ttl")
	if err != nil {
		return err
	}
	c.Cache.TTLDuration = d
	return nil
}

// normalizeChannelList 小写、去空白、去重（保持顺序）
func normalizeChannelList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, ch := range in {
		name := strings.ToLower(strings.TrimSpace(ch))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
