package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"zonemonitor/internal/config"
	"zonemonitor/internal/logger"
)

// amqpPublisher 发布接口（*amqp.Channel 实现）
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP RabbitMQ 事件广播通道
// 收件人作为 routing key 使用，未配置收件人时使用默认 routing key
type AMQP struct {
	cfg config.AMQPConfig

	mu      sync.Mutex
	conn    *amqp.Connection
	channel amqpPublisher
	dial    func() (amqpPublisher, error)
}

// NewAMQP 创建 AMQP 通道并声明 exchange
func NewAMQP(cfg config.AMQPConfig) (*AMQP, error) {
	a := &AMQP{cfg: cfg}
	a.dial = a.connect
	ch, err := a.dial()
	if err != nil {
		return nil, err
	}
	a.channel = ch
	return a, nil
}

func (a *AMQP) connect() (amqpPublisher, error) {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("打开 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(
		a.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("声明 exchange 失败: %w", err)
	}
	a.conn = conn
	return ch, nil
}

func (a *AMQP) Name() string { return string(config.ChannelAMQP) }

// Send 发布告警事件
func (a *AMQP) Send(ctx context.Context, msg Message, recipients []string) error {
	msg.ElapsedSec = int64(msg.Elapsed.Seconds())
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	keys := recipients
	if len(keys) == 0 {
		keys = []string{a.cfg.RoutingKey}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.channel == nil || (a.conn != nil && a.conn.IsClosed()) {
		logger.Warn("transport", "RabbitMQ 连接已断开，正在重连")
		ch, err := a.dial()
		if err != nil {
			return &SendError{Channel: a.Name(), Message: "重连失败", Err: err}
		}
		a.channel = ch
	}

	return sendAll(a.Name(), keys, func(key string) error {
		err := a.channel.PublishWithContext(ctx,
			a.cfg.Exchange, // exchange
			key,            // routing key
			false,          // mandatory
			false,          // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Body:         body,
			})
		if err != nil {
			return &SendError{Channel: a.Name(), Message: "发布失败", Err: err}
		}
		return nil
	})
}

// Close 关闭连接
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil && !a.conn.IsClosed() {
		return a.conn.Close()
	}
	return nil
}
