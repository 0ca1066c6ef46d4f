// internal/messaging/rabbit.go
package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/metrics"
)

// confirmTimeout bounds the wait for the broker to confirm a publish.
const confirmTimeout = 5 * time.Second

var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// RabbitClient owns one connection and a publishing channel in confirm mode.
// Consumers open their own channels from GetConnection.
type RabbitClient struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	confirms chan amqp.Confirmation
	// published is the delivery tag of the last publish; confirm mode numbers
	// publishes on the channel from 1.
	published uint64
	URL       string

	// amqp channels are not safe for concurrent publishes
	mu  sync.Mutex
	log *slog.Logger
}

func NewRabbitClient(url string) (*RabbitClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &RabbitClient{
		conn:     conn,
		channel:  ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 16)),
		URL:      url,
		log:      slog.Default().With(logger.Component("rabbit")),
	}, nil
}

func (r *RabbitClient) GetChannel() *amqp.Channel {
	return r.channel
}

func (r *RabbitClient) GetConnection() *amqp.Connection {
	return r.conn
}

// DeadLetterQueue is the queue rejected deliveries of queue are routed to.
func DeadLetterQueue(queue string) string {
	return queue + "_dlq"
}

// DeclareQueue creates a durable queue whose rejected deliveries go to a
// durable dead-letter queue.
func (r *RabbitClient) DeclareQueue(queue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dlq := DeadLetterQueue(queue)
	if _, err := r.channel.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", dlq, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := r.channel.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	r.log.Info("queues declared", slog.String("queue", queue), slog.String("dlq", dlq))
	return nil
}

// Publish sends a persistent JSON message to queue on the default exchange and
// waits for the broker's confirmation.
func (r *RabbitClient) Publish(queue string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := r.channel.Publish("", queue, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", queue, err)
	}
	r.published++
	return r.awaitConfirm(queue, r.published)
}

// awaitConfirm waits for the confirmation of tag. Confirmations of earlier
// publishes that arrive late, after their own wait gave up, are skipped.
func (r *RabbitClient) awaitConfirm(queue string, tag uint64) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()
	for {
		select {
		case c, ok := <-r.confirms:
			if !ok {
				return fmt.Errorf("queue %s: %w: channel closed", queue, ErrNotConfirmed)
			}
			if c.DeliveryTag < tag {
				continue
			}
			if !c.Ack {
				return fmt.Errorf("queue %s: %w", queue, ErrNotConfirmed)
			}
			return nil
		case <-timeout.C:
			return fmt.Errorf("queue %s: %w after %s", queue, ErrNotConfirmed, confirmTimeout)
		}
	}
}

func (r *RabbitClient) Close() error {
	return errors.Join(r.channel.Close(), r.conn.Close())
}

// UpdateQueueDepth records the ready message count of queue.
func (r *RabbitClient) UpdateQueueDepth(queue string) {
	r.mu.Lock()
	q, err := r.channel.QueueInspect(queue)
	r.mu.Unlock()
	if err != nil {
		r.log.Warn("failed to inspect queue", slog.String("queue", queue), logger.Error(err))
		return
	}

	metrics.QueueDepth.WithLabelValues(queue).Set(float64(q.Messages))
}
