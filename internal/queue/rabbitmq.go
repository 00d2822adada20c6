package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/models"
)

const (
	dialAttempts = 5
	dialDelay    = time.Second
	heartbeat    = 300 * time.Second
)

// Dial connects to RabbitMQ, retrying while the broker is still starting
func Dial(ctx context.Context, url string, logger *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	err := retry(ctx, dialAttempts, dialDelay, func() error {
		c, err := amqp.DialConfig(url, amqp.Config{Heartbeat: heartbeat, Locale: "en_US"})
		if err != nil {
			logger.Info("waiting for RabbitMQ...", zap.Error(err))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect after %d retries: %w", dialAttempts, err)
	}
	return conn, nil
}

// retry calls fn until it succeeds, attempts are exhausted or ctx is done
func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// Consumer reads detection messages from a durable queue
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	buffer int
	logger *zap.Logger
}

// NewConsumer opens a channel on conn and declares queue
func NewConsumer(conn *amqp.Connection, queue string, buffer int, logger *zap.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if buffer < 1 {
		buffer = 64
	}
	return &Consumer{
		conn:   conn,
		ch:     ch,
		queue:  queue,
		buffer: buffer,
		logger: logger.Named("od-consumer"),
	}, nil
}

// Start begins consuming with auto-ack. The returned channel is closed when ctx
// is done or the broker connection goes away.
func (c *Consumer) Start(ctx context.Context) (<-chan models.DetectionMessage, error) {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}
	out := make(chan models.DetectionMessage, c.buffer)
	go forwardDeliveries(ctx, deliveries, out, c.logger)
	c.logger.Info("consuming object detection messages", zap.String("queue", c.queue))
	return out, nil
}

// Close closes the channel; the connection is owned by the caller
func (c *Consumer) Close() error {
	return c.ch.Close()
}

func forwardDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- models.DetectionMessage, logger *zap.Logger) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			msg, err := DecodeDetection(d.Body)
			if err != nil {
				logger.Warn("dropping undecodable message", zap.Error(err), zap.ByteString("body", truncate(d.Body, 200)))
				continue
			}
			logger.Info("received object_detection message",
				zap.String("msg_type", msg.MsgType),
				zap.String("timestamp", msg.Timestamp))
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// DecodeDetection parses one queue message body
func DecodeDetection(body []byte) (models.DetectionMessage, error) {
	var msg models.DetectionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return models.DetectionMessage{}, fmt.Errorf("invalid detection message: %w", err)
	}
	if msg.MsgType == "" {
		return models.DetectionMessage{}, fmt.Errorf("invalid detection message: missing msg_type")
	}
	return msg, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// amqpPublisher is the publishing side of *amqp.Channel
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends detection messages to the default exchange
type Publisher struct {
	ch     amqpPublisher
	queue  string
	now    func() time.Time
	logger *zap.Logger
}

// NewPublisher opens a channel on conn and declares queue
func NewPublisher(conn *amqp.Connection, queue string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return newPublisher(ch, queue, logger), nil
}

func newPublisher(ch amqpPublisher, queue string, logger *zap.Logger) *Publisher {
	return &Publisher{ch: ch, queue: queue, now: time.Now, logger: logger.Named("od-publisher")}
}

// Publish sends msg as a persistent JSON message
func (p *Publisher) Publish(ctx context.Context, msg models.DetectionMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.queue, err)
	}
	return nil
}

// PublishStreamEnd tells the pipeline that no more detections will follow
func (p *Publisher) PublishStreamEnd(ctx context.Context) error {
	if err := p.Publish(ctx, models.NewStreamEndMessage(p.now())); err != nil {
		return err
	}
	p.logger.Info("📢 End message sent successfully!")
	return nil
}

// Close closes the channel
func (p *Publisher) Close() error {
	return p.ch.Close()
}
