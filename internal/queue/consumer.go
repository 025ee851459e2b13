package queue

import (
	"context"
	"errors"
	"time"

	"github.com/elonfeng/storepulse/internal/metrics"
	"go.uber.org/zap"
)

// Handler processes one message body. Returning nil acknowledges the message,
// ErrDrop discards it, and any other error leaves it for redelivery.
type Handler func(ctx context.Context, body []byte) error

// Broker is the subset of SQLQueue a consumer needs.
type Broker interface {
	Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]Message, error)
	Delete(ctx context.Context, msg Message) error
	DeadLetter(ctx context.Context, msg Message) error
}

// ConsumerConfig tunes polling and redrive.
type ConsumerConfig struct {
	BatchSize    int
	Visibility   time.Duration
	MaxReceives  int
	PollInterval time.Duration
}

// Consumer polls one queue and dispatches messages to a handler.
type Consumer struct {
	broker  Broker
	queue   string
	handler Handler
	logger  *zap.Logger
	cfg     ConsumerConfig
}

// NewConsumer creates a consumer with defaults for unset config fields.
func NewConsumer(broker Broker, queue string, handler Handler, logger *zap.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 5 * time.Minute
	}
	if cfg.MaxReceives <= 0 {
		cfg.MaxReceives = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Consumer{
		broker:  broker,
		queue:   queue,
		handler: handler,
		logger:  logger.With(zap.String("queue", queue)),
		cfg:     cfg,
	}
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer.start", zap.Duration("poll_interval", c.cfg.PollInterval))
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := c.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("consumer.receive.error", zap.Error(err))
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			c.logger.Info("consumer.stop")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce receives one batch and handles every message in it. It returns
// the number of messages received.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	msgs, err := c.broker.Receive(ctx, c.queue, c.cfg.BatchSize, c.cfg.Visibility)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		c.handle(ctx, msg)
	}
	return len(msgs), nil
}

func (c *Consumer) handle(ctx context.Context, msg Message) {
	log := c.logger.With(zap.String("message_id", msg.ID), zap.Int("receive_count", msg.ReceiveCount))

	err := c.handler(ctx, []byte(msg.Body))
	switch {
	case err == nil:
		c.ack(ctx, log, msg, "ack")
	case errors.Is(err, ErrDrop):
		log.Warn("consumer.drop", zap.Error(err))
		c.ack(ctx, log, msg, "drop")
	case msg.ReceiveCount >= c.cfg.MaxReceives:
		log.Error("consumer.dead_letter", zap.Error(err))
		if dlqErr := c.broker.DeadLetter(ctx, msg); dlqErr != nil {
			log.Error("consumer.dead_letter.error", zap.Error(dlqErr))
			return
		}
		metrics.QueueDeliveries.WithLabelValues(c.queue, "dead_letter").Inc()
	default:
		log.Warn("consumer.retry", zap.Error(err))
		metrics.QueueDeliveries.WithLabelValues(c.queue, "retry").Inc()
	}
}

func (c *Consumer) ack(ctx context.Context, log *zap.Logger, msg Message, outcome string) {
	if err := c.broker.Delete(ctx, msg); err != nil {
		log.Error("consumer.delete.error", zap.Error(err))
		return
	}
	metrics.QueueDeliveries.WithLabelValues(c.queue, outcome).Inc()
}
