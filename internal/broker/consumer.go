package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const ReviewQueue = "pos.review.pending"

// ErrPermanent marks deliveries that can never succeed. They are dropped, not requeued
var ErrPermanent = errors.New("permanent delivery failure")

// DeliveryHandler processes a single message body
type DeliveryHandler interface {
	Handle(ctx context.Context, body []byte) error
}

// RabbitMQConsumer manages the connection and message flow from the broker
type RabbitMQConsumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	handler  DeliveryHandler
	logger   *slog.Logger
	throttle time.Duration
}

func NewRabbitMQConsumer(url string, handler DeliveryHandler, logger *slog.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Prefetch 1 keeps review entries in arrival order
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &RabbitMQConsumer{
		conn:     conn,
		channel:  ch,
		handler:  handler,
		logger:   logger,
		throttle: 5 * time.Second,
	}, nil
}

// Listen declares the review queue, binds it and consumes until ctx is done or the channel closes
func (c *RabbitMQConsumer) Listen(ctx context.Context) error {
	if err := c.channel.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Durable to survive broker restarts
	q, err := c.channel.QueueDeclare(ReviewQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := c.channel.QueueBind(q.Name, RoutingReviewPending, Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer is online and waiting for messages", "queue", q.Name, "routing_key", RoutingReviewPending)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			c.dispatch(ctx, d)
		}
	}
}

func (c *RabbitMQConsumer) dispatch(ctx context.Context, d amqp.Delivery) {
	l := c.logger.With("correlation_id", d.CorrelationId)

	err := c.handler.Handle(ctx, d.Body)
	switch {
	case err == nil:
		// Manual Ack: only after the entry is stored
		if err := d.Ack(false); err != nil {
			l.Error("Failed to Ack message", "error", err)
		}
	case errors.Is(err, ErrPermanent):
		l.Error("Dropping undeliverable message", "error", err)
		d.Nack(false, false)
	default:
		l.Error("Processing failed, requeueing", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(c.throttle):
		}
		d.Nack(false, true)
	}
}

// Close gracefully terminates RabbitMQ resources
func (c *RabbitMQConsumer) Close() {
	c.logger.Info("Shutting down RabbitMQ consumer")
	c.channel.Close()
	c.conn.Close()
}
