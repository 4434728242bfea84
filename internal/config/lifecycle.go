package config

import (
	"fmt"
	"os"
	"strings"
)

// ApplyEnvOverrides 应用环境变量覆盖（密钥类配置优先从环境变量读取）
// 格式：MONITOR_<SECTION>_<FIELD>，例如 MONITOR_UPSTREAM_TOKEN、MONITOR_POSTGRES_PASSWORD
func (c *AppConfig) ApplyEnvOverrides() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// 上游
	setString(&c.Upstream.Endpoint, "MONITOR_UPSTREAM_ENDPOINT")
	setString(&c.Upstream.Token, "MONITOR_UPSTREAM_TOKEN")
	setString(&c.DashboardURL, "MONITOR_DASHBOARD_URL")
	setString(&c.LogLevel, "MONITOR_LOG_LEVEL")

	// 存储配置环境变量覆盖
	if envType := os.Getenv("MONITOR_STORAGE_TYPE"); envType != "" {
		c.Storage.Type = StorageType(envType)
	}
	setString(&c.Storage.Postgres.Host, "MONITOR_POSTGRES_HOST")
	if envPort := os.Getenv("MONITOR_POSTGRES_PORT"); envPort != "" {
		var port int
		if _, err := fmt.Sscanf(envPort, "%d", &port); err == nil && port > 0 {
			c.Storage.Postgres.Port = port
		}
	}
	setString(&c.Storage.Postgres.User, "MONITOR_POSTGRES_USER")
	setString(&c.Storage.Postgres.Password, "MONITOR_POSTGRES_PASSWORD")
	setString(&c.Storage.Postgres.Database, "MONITOR_POSTGRES_DATABASE")
	setString(&c.Storage.Postgres.SSLMode, "MONITOR_POSTGRES_SSLMODE")
	setString(&c.Storage.SQLite.Path, "MONITOR_SQLITE_PATH")

	// 缓存
	setString(&c.Cache.Addr, "MONITOR_REDIS_ADDR")
	setString(&c.Cache.Password, "MONITOR_REDIS_PASSWORD")

	// 通知通道密钥
	t := &c.Transports
	setString(&t.Pushover.AppToken, "MONITOR_PUSHOVER_APP_TOKEN")
	setString(&t.Email.Username, "MONITOR_SMTP_USERNAME")
	setString(&t.Email.Password, "MONITOR_SMTP_PASSWORD")
	setString(&t.SMS.AccountSID, "MONITOR_TWILIO_ACCOUNT_SID")
	setString(&t.SMS.AuthToken, "MONITOR_TWILIO_AUTH_TOKEN")
	setString(&t.SMS.From, "MONITOR_TWILIO_FROM")
	setString(&t.Telegram.BotToken, "MONITOR_TELEGRAM_BOT_TOKEN")
	setString(&t.FCM.CredentialsJSON, "MONITOR_FCM_CREDENTIALS_JSON")
	setString(&t.AMQP.URL, "MONITOR_AMQP_URL")
	setString(&t.MQTT.Password, "MONITOR_MQTT_PASSWORD")

	// 手动告警口令哈希
	setString(&c.API.ManualTokenHash, "MONITOR_MANUAL_TOKEN_HASH")
}

// Clone 深拷贝配置（热更新时避免并发读写同一份切片/map）
func (c *AppConfig) Clone() *AppConfig {
	if c == nil {
		return nil
	}
	cp := *c

	cp.Scheduler.Retry = cloneIntPtr(c.Scheduler.Retry)
	cp.Scheduler.RetryJitter = cloneFloat64Ptr(c.Scheduler.RetryJitter)
	cp.Notify.Channels = cloneStrings(c.Notify.Channels)

	if c.Accounts != nil {
		cp.Accounts = make([]AccountConfig, len(c.Accounts))
		for i, a := range c.Accounts {
			na := a
			na.Channels = cloneStrings(a.Channels)
			na.Zones = append([]ZoneConfig(nil), a.Zones...)
			if a.Parallel != nil {
				v := *a.Parallel
				na.Parallel = &v
			}
			if a.Recipients != nil {
				na.Recipients = make(map[string][]string, len(a.Recipients))
				for k, v := range a.Recipients {
					na.Recipients[k] = cloneStrings(v)
				}
			}
			cp.Accounts[i] = na
		}
	}

	cp.Transports.SMS.QuietHoursStart = cloneIntPtr(c.Transports.SMS.QuietHoursStart)
	cp.Transports.SMS.QuietHoursEnd = cloneIntPtr(c.Transports.SMS.QuietHoursEnd)
	if c.Transports.Webhook.Headers != nil {
		cp.Transports.Webhook.Headers = make(map[string]string, len(c.Transports.Webhook.Headers))
		for k, v := range c.Transports.Webhook.Headers {
			cp.Transports.Webhook.Headers[k] = v
		}
	}
	cp.API.CORSOrigins = cloneStrings(c.API.CORSOrigins)
	if c.Storage.Retention.Enabled != nil {
		v := *c.Storage.Retention.Enabled
		cp.Storage.Retention.Enabled = &v
	}

	return &cp
}

// RecipientsFor 返回账户在指定通道的收件人
func (a *AccountConfig) RecipientsFor(channel string) []string {
	if a == nil || a.Recipients == nil {
		return nil
	}
	return a.Recipients[strings.ToLower(channel)]
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat64Ptr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
