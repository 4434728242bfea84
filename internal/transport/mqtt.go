package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"zonemonitor/internal/config"
)

// mqttPublishTimeout 单次发布等待确认的超时
const mqttPublishTimeout = 10 * time.Second

// MQTT MQTT 事件广播通道
// 收件人作为主题使用，未配置收件人时使用默认主题
type MQTT struct {
	client  mqtt.Client
	topic   string
	qos     byte
	publish func(ctx context.Context, topic string, payload []byte) error
}

// NewMQTT 创建 MQTT 通道并连接 broker
func NewMQTT(cfg config.MQTTConfig) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("连接 MQTT broker 失败: %w", token.Error())
	}

	m := &MQTT{client: client, topic: cfg.Topic, qos: cfg.QoS}
	m.publish = m.publishToBroker
	return m, nil
}

func (m *MQTT) publishToBroker(ctx context.Context, topic string, payload []byte) error {
	token := m.client.Publish(topic, m.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttPublishTimeout):
		return fmt.Errorf("发布超时")
	}
}

func (m *MQTT) Name() string { return string(config.ChannelMQTT) }

// Send 发布告警事件
func (m *MQTT) Send(ctx context.Context, msg Message, recipients []string) error {
	msg.ElapsedSec = int64(msg.Elapsed.Seconds())
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	topics := recipients
	if len(topics) == 0 {
		topics = []string{m.topic}
	}
	return sendAll(m.Name(), topics, func(topic string) error {
		if err := m.publish(ctx, topic, payload); err != nil {
			return &SendError{Channel: m.Name(), Message: "发布到 " + topic + " 失败", Err: err}
		}
		return nil
	})
}

// Close 断开连接
func (m *MQTT) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}
