package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Publisher delivers an event to other gateway instances or local
// consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisPublisher publishes JSON events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}

// AMQPPublisher publishes JSON events to an AMQP exchange.
type AMQPPublisher struct {
	exchange   string
	routingKey string

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// NewAMQPPublisher dials url and opens a channel.
func NewAMQPPublisher(url, exchange, routingKey string) (*AMQPPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("amqp: url is required")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: connect failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: channel failed: %w", err)
	}
	return &AMQPPublisher{exchange: exchange, routingKey: routingKey, conn: conn, ch: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return fmt.Errorf("amqp: publisher closed")
	}
	return p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp091.Publishing{
		ContentType: "application/json",
		MessageId:   ev.EventID,
		Timestamp:   ev.Timestamp,
		Type:        string(ev.EventType),
		Body:        payload,
	})
}

// Close shuts down the AMQP connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
