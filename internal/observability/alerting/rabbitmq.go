package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述事件交换机的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Publisher 抽象 amqp.Channel 的发布能力，便于测试替换。
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQNotifier 将事件以 JSON 发布到 topic 交换机，供外部扩缩容组件消费。
// 路由键为 RoutingKey.Kind，例如 pool.scaling.up。
type RabbitMQNotifier struct {
	pub        Publisher
	exchange   string
	routingKey string
	closers    []func() error
}

// NewRabbitMQNotifier 建立连接并声明交换机。
func NewRabbitMQNotifier(cfg RabbitMQConfig) (*RabbitMQNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "trustproof.events"
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
	n := NewRabbitMQNotifierWithPublisher(ch, exchange, cfg.RoutingKey)
	n.closers = []func() error{ch.Close, conn.Close}
	return n, nil
}

// NewRabbitMQNotifierWithPublisher 使用已有的发布通道创建通知器。
func NewRabbitMQNotifierWithPublisher(pub Publisher, exchange, routingKey string) *RabbitMQNotifier {
	if routingKey == "" {
		routingKey = "pool"
	}
	return &RabbitMQNotifier{pub: pub, exchange: exchange, routingKey: routingKey}
}

// Channel 返回 RabbitMQ 渠道。
func (n *RabbitMQNotifier) Channel() Channel { return ChannelRabbitMQ }

// Notify 发布事件。
func (n *RabbitMQNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.pub == nil {
		return errors.New("RabbitMQ 通知器未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	return n.pub.PublishWithContext(ctx, n.exchange, n.routingKey+"."+string(event.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Kind),
		Body:         body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (n *RabbitMQNotifier) Close() error {
	if n == nil {
		return nil
	}
	var errs []error
	for _, c := range n.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
