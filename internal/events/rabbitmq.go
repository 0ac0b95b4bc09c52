package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// RabbitMQPublisher 将事件发布到 topic 交换机，routing key 为事件类型。
type RabbitMQPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQPublisher 建立连接并声明持久化的 topic 交换机。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "plugin.lifecycle"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish 实现 Publisher。
func (p *RabbitMQPublisher) Publish(ctx context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	msg, err := encode(evt)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, evt.Type, false, false, msg)
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		if errors.Is(err, amqp.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

func encode(evt Event) (amqp.Publishing, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("编码事件失败: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Timestamp:    evt.OccurredAt,
		Type:         evt.Type,
		AppId:        evt.Source,
		Body:         body,
	}, nil
}

// LogPublisher 将事件写入日志，未配置消息队列时使用。
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish 实现 Publisher。
func (p LogPublisher) Publish(_ context.Context, evt Event) error {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("plugin lifecycle event", "id", evt.ID, "type", evt.Type, "plugin", evt.Plugin, "args", evt.Args)
	return nil
}

// Close 实现 Publisher。
func (LogPublisher) Close() error { return nil }
