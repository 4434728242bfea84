package config

import (
	"fmt"
	"strings"

	"zonemonitor/internal/logger"
)

// Validate 验证配置合法性（需在 Normalize 之后调用）
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Upstream.Endpoint) == "" {
		return fmt.Errorf("upstream.endpoint 不能为空")
	}
	if err := validateURL(c.Upstream.Endpoint, "upstream.endpoint"); err != nil {
		return err
	}
	if err := validateURL(c.DashboardURL, "dashboard_url"); err != nil {
		return err
	}

	if err := c.validateAccounts(); err != nil {
		return err
	}
	if err := c.validateTransports(); err != nil {
		return err
	}

	if c.Cache.Enabled && strings.TrimSpace(c.Cache.Addr) == "" {
		return fmt.Errorf("cache.enabled=true 时 cache.addr 不能为空")
	}
	if c.Storage.Type == StorageTypePostgres {
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.Database == "" {
			return fmt.Errorf("postgres 存储需要配置 host 与 database")
		}
	}

	return nil
}

// validateAccounts 账户 ID 唯一、区域 ID 全局唯一、通道名称合法
func (c *AppConfig) validateAccounts() error {
	if len(c.Accounts) == 0 {
		logger.Warn("config", "未配置任何账户，巡检将空转")
		return nil
	}

	accountIDs := make(map[string]struct{}, len(c.Accounts))
	zoneOwner := make(map[string]string)

	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts: id 不能为空")
		}
		if _, dup := accountIDs[a.ID]; dup {
			return fmt.Errorf("accounts: id '%s' 重复", a.ID)
		}
		accountIDs[a.ID] = struct{}{}

		for _, ch := range a.Channels {
			name := ChannelName(ch)
			if !name.IsValid() {
				return fmt.Errorf("accounts[%s].channels: 未知通道 '%s'", a.ID, ch)
			}
			if !c.Transports.IsEnabled(name) {
				logger.Warn("config", "账户引用了未启用的通道，发送时将跳过",
					"account", a.ID, "channel", ch)
			}
		}
		if len(a.Channels) == 0 {
			logger.Warn("config", "账户未配置任何通知通道，降级告警只记录不发送", "account", a.ID)
		}

		for name := range a.Recipients {
			if !ChannelName(strings.ToLower(name)).IsValid() {
				return fmt.Errorf("accounts[%s].recipients: 未知通道 '%s'", a.ID, name)
			}
		}

		for _, z := range a.Zones {
			if z.ID == "" {
				return fmt.Errorf("accounts[%s].zones: id 不能为空", a.ID)
			}
			if owner, dup := zoneOwner[z.ID]; dup {
				return fmt.Errorf("zone '%s' 同时属于账户 '%s' 和 '%s'", z.ID, owner, a.ID)
			}
			zoneOwner[z.ID] = a.ID
		}
	}
	return nil
}

// validateTransports 已启用通道的必填项
func (c *AppConfig) validateTransports() error {
	t := &c.Transports
	if t.Pushover.Enabled && t.Pushover.AppToken == "" {
		return fmt.Errorf("transports.pushover.app_token 不能为空")
	}
	if t.Email.Enabled && (t.Email.Host == "" || t.Email.From == "") {
		return fmt.Errorf("transports.email 需要配置 host 与 from")
	}
	if t.SMS.Enabled && (t.SMS.AccountSID == "" || t.SMS.AuthToken == "" || t.SMS.From == "") {
		return fmt.Errorf("transports.sms 需要配置 account_sid、auth_token 与 from")
	}
	if t.Telegram.Enabled && t.Telegram.BotToken == "" {
		return fmt.Errorf("transports.telegram.bot_token 不能为空")
	}
	if t.Webhook.Enabled {
		if t.Webhook.URL == "" {
			return fmt.Errorf("transports.webhook.url 不能为空")
		}
		if err := validateURL(t.Webhook.URL, "transports.webhook.url"); err != nil {
			return err
		}
	}
	if t.FCM.Enabled && t.FCM.CredentialsFile == "" && t.FCM.CredentialsJSON == "" {
		return fmt.Errorf("transports.fcm 需要配置 credentials_file 或 credentials_json")
	}
	if t.AMQP.Enabled && t.AMQP.URL == "" {
		return fmt.Errorf("transports.amqp.url 不能为空")
	}
	if t.MQTT.Enabled && t.MQTT.Broker == "" {
		return fmt.Errorf("transports.mqtt.broker 不能为空")
	}
	return nil
}
