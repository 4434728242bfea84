package config

import "time"

// TransportsConfig 通知通道配置（未启用的通道不会注册）
type TransportsConfig struct {
	Pushover PushoverConfig `yaml:"pushover" json:"pushover"`
	Email    EmailConfig    `yaml:"email" json:"email"`
	SMS      SMSConfig      `yaml:"sms" json:"sms"`
	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook" json:"webhook"`
	FCM      FCMConfig      `yaml:"fcm" json:"fcm"`
	AMQP     AMQPConfig     `yaml:"amqp" json:"amqp"`
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
}

// PushoverConfig Pushover 推送
type PushoverConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	AppToken string `yaml:"app_token" json:"-"`
	APIURL   string `yaml:"api_url" json:"api_url"` // 默认官方地址
	Priority int    `yaml:"priority" json:"priority"`
	Sound    string `yaml:"sound" json:"sound"`
}

// EmailConfig SMTP 邮件
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"` // 默认 587
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	From     string `yaml:"from" json:"from"`
}

// SMSConfig Twilio 短信
type SMSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	AccountSID string `yaml:"account_sid" json:"account_sid"`
	AuthToken  string `yaml:"auth_token" json:"-"`
	From       string `yaml:"from" json:"from"`
	APIURL     string `yaml:"api_url" json:"api_url"` // 默认 https://api.twilio.com

	// 默认国家区号（号码无 + 前缀时补全，默认 "1"）
	DefaultCountryCode string `yaml:"default_country_code" json:"default_country_code"`

	// 静默时段 [start, end)，小时制，默认 22 -> 7
	QuietHoursStart *int `yaml:"quiet_hours_start,omitempty" json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   *int `yaml:"quiet_hours_end,omitempty" json:"quiet_hours_end,omitempty"`
	// 静默时段所用时区（默认本地时区）
	Timezone string `yaml:"timezone" json:"timezone"`

	// 超过该降级时长视为紧急，静默时段也发送（默认 "30m"）
	CriticalThreshold         string        `yaml:"critical_threshold" json:"critical_threshold"`
	CriticalThresholdDuration time.Duration `yaml:"-" json:"-"`

	QuietStartHour int            `yaml:"-" json:"-"`
	QuietEndHour   int            `yaml:"-" json:"-"`
	Location       *time.Location `yaml:"-" json:"-"`
}

// TelegramConfig Telegram Bot
type TelegramConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	BotToken    string `yaml:"bot_token" json:"-"`
	APIEndpoint string `yaml:"api_endpoint" json:"api_endpoint"` // 可选，自建 Bot API 代理
}

// WebhookConfig 通用 Webhook
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled" json:"enabled"`
	URL             string            `yaml:"url" json:"url"`
	Headers         map[string]string `yaml:"headers" json:"-"`
	Timeout         string            `yaml:"timeout" json:"timeout"`
	TimeoutDuration time.Duration     `yaml:"-" json:"-"`
}

// FCMConfig Firebase Cloud Messaging
type FCMConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	ProjectID       string `yaml:"project_id" json:"project_id"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	CredentialsJSON string `yaml:"credentials_json" json:"-"`
}

// AMQPConfig RabbitMQ 事件广播
type AMQPConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	URL        string `yaml:"url" json:"-"`
	Exchange   string `yaml:"exchange" json:"exchange"`       // 默认 "zone.alerts"
	RoutingKey string `yaml:"routing_key" json:"routing_key"` // 默认 "zone.degraded"
}

// MQTTConfig MQTT 事件广播
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"client_id"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	Topic    string `yaml:"topic" json:"topic"` // 默认 "zones/alerts"
	QoS      byte   `yaml:"qos" json:"qos"`
}
