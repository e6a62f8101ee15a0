/**
 * @description
 * This file provides the consumer side of the RabbitMQ integration: queue
 * declaration, topic bindings, and a delivery loop that dispatches messages
 * to a handler. The KYC tier consumer in internal/app is built on top of it.
 *
 * @dependencies
 * - context, log: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */

package rabbitmq

import (
	"context"
	"log"

	"github.com/rabbitmq/amqp091-go"
)

// HandlerFunc processes a single delivery. A non-nil error causes the
// message to be nacked without requeue.
type HandlerFunc func(ctx context.Context, body []byte) error

// Consumer holds the RabbitMQ connection and channel for consuming.
type Consumer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// NewConsumer connects to RabbitMQ and opens a channel.
func NewConsumer(url string) (*Consumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, channel: channel}, nil
}

// ConsumeWithBindings declares a durable queue, binds it to the exchange for
// each routing key, and runs the handler for every delivery until the context
// is cancelled. It blocks, so callers run it in its own goroutine.
func (c *Consumer) ConsumeWithBindings(ctx context.Context, exchange, queue string, routingKeys []string, handler HandlerFunc) error {
	if err := c.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.channel.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return err
	}

	for _, key := range routingKeys {
		if err := c.channel.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return err
		}
	}

	deliveries, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	log.Printf("level=info component=rabbitmq_consumer msg=\"consuming\" queue=%s exchange=%s", q.Name, exchange)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
				return nil
			}
			if err := handler(ctx, delivery.Body); err != nil {
				log.Printf("level=error component=rabbitmq_consumer msg=\"handler failed\" queue=%s routing_key=%s error=%q", q.Name, delivery.RoutingKey, err)
				delivery.Nack(false, false)
				continue
			}
			delivery.Ack(false)
		}
	}
}

// Close tears down the channel and connection.
func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
