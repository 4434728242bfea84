package config

// StorageType 存储后端类型
type StorageType string

const (
	StorageTypeSQLite   StorageType = "sqlite"
	StorageTypePostgres StorageType = "postgres"
)

// IsValid 检查存储类型是否有效
func (s StorageType) IsValid() bool {
	switch s {
	case StorageTypeSQLite, StorageTypePostgres:
		return true
	default:
		return false
	}
}

// ChannelName 通知通道名称
type ChannelName string

const (
	ChannelPushover ChannelName = "pushover"
	ChannelEmail    ChannelName = "email"
	ChannelSMS      ChannelName = "sms"
	ChannelTelegram ChannelName = "telegram"
	ChannelWebhook  ChannelName = "webhook"
	ChannelFCM      ChannelName = "fcm"
	ChannelAMQP     ChannelName = "amqp"
	ChannelMQTT     ChannelName = "mqtt"
)

// IsValid 检查通道名称是否有效
func (c ChannelName) IsValid() bool {
	switch c {
	case ChannelPushover, ChannelEmail, ChannelSMS, ChannelTelegram,
		ChannelWebhook, ChannelFCM, ChannelAMQP, ChannelMQTT:
		return true
	default:
		return false
	}
}

// IsEnabled 返回通道在 transports 中是否启用
func (t *TransportsConfig) IsEnabled(name ChannelName) bool {
	switch name {
	case ChannelPushover:
		return t.Pushover.Enabled
	case ChannelEmail:
		return t.Email.Enabled
	case ChannelSMS:
		return t.SMS.Enabled
	case ChannelTelegram:
		return t.Telegram.Enabled
	case ChannelWebhook:
		return t.Webhook.Enabled
	case ChannelFCM:
		return t.FCM.Enabled
	case ChannelAMQP:
		return t.AMQP.Enabled
	case ChannelMQTT:
		return t.MQTT.Enabled
	default:
		return false
	}
}
