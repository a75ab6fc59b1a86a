package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/platinummonkey/zenith/pkg/observability"
)

// AMQPConfig describes the queue an AMQPSource consumes.
type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Durable  bool
}

// amqpChannel is the part of *amqp.Channel the source uses.
type amqpChannel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPSource consumes JSON events from a queue with manual acknowledgement.
type AMQPSource struct {
	conn   *amqp.Connection
	ch     amqpChannel
	queue  string
	logger *observability.Logger
}

// DialAMQP connects, sets the prefetch window and declares the queue.
func DialAMQP(cfg AMQPConfig, logger *observability.Logger) (*AMQPSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp URL is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "zenith.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to set amqp prefetch: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare amqp queue %s: %w", queue, err)
	}
	s := newAMQPSource(ch, queue, logger)
	s.conn = conn
	return s, nil
}

func newAMQPSource(ch amqpChannel, queue string, logger *observability.Logger) *AMQPSource {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &AMQPSource{
		ch:     ch,
		queue:  queue,
		logger: logger.WithFields(map[string]interface{}{"source": "amqp", "queue": queue}),
	}
}

func (s *AMQPSource) Name() string { return "amqp" }

// Run consumes until ctx ends or the broker closes the delivery channel.
// Undecodable messages are rejected without requeue; messages refused by a
// full scheduler are nacked for redelivery.
func (s *AMQPSource) Run(ctx context.Context, sink Sink) error {
	msgs, err := s.ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume amqp queue %s: %w", s.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			s.handle(ctx, msg, sink)
		}
	}
}

func (s *AMQPSource) handle(ctx context.Context, msg amqp.Delivery, sink Sink) {
	e, err := Decode(msg.Body)
	if err != nil {
		s.logger.WithError(err).Warn("Rejecting undecodable event")
		if rerr := msg.Reject(false); rerr != nil {
			s.logger.WithError(rerr).Error("Failed to reject message")
		}
		return
	}

	err = sink(ctx, e)
	switch {
	case err == nil:
		err = msg.Ack(false)
	case retryable(err):
		err = msg.Nack(false, true)
	default:
		s.logger.WithError(err).Warn("Event rejected")
		err = msg.Ack(false)
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to settle message")
	}
}

// Close closes the channel and the connection.
func (s *AMQPSource) Close() error {
	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
