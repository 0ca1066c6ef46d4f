// internal/consumer/consumer.go
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/worker"
)

// Consumer holds control channels and metadata for a running queue consumer
type Consumer struct {
	QueueName   string
	Channel     *amqp.Channel
	StopChan    chan struct{}
	DoneChan    chan struct{}
	ConsumerTag string
	Pool        *worker.WorkerPool
	log         *slog.Logger

	closed <-chan *amqp.Error
	err    error
}

// ErrDeliveriesClosed means the broker ended the delivery stream without Stop
// being called, for example after a consumer timeout or a lost connection.
var ErrDeliveriesClosed = errors.New("delivery channel closed by broker")

// StartConsumer starts a goroutine that feeds deliveries from queue into pool.
// prefetch bounds the unacknowledged deliveries held by this process.
func StartConsumer(conn *amqp.Connection, queue string, prefetch int, pool *worker.WorkerPool) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue %s: failed to open channel: %w", queue, err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("queue %s: failed to set prefetch: %w", queue, err)
		}
	}

	consumerTag := fmt.Sprintf("consumer-%s", queue)
	msgs, err := ch.Consume(
		queue,
		consumerTag,
		false, // autoAck: false to handle manually
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue %s: failed to start consuming: %w", queue, err)
	}

	c := newConsumer(queue, consumerTag, ch, pool)
	c.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	go c.consumeLoop(msgs)

	c.log.Info("started consumer")
	return c, nil
}

func newConsumer(queue, tag string, ch *amqp.Channel, pool *worker.WorkerPool) *Consumer {
	return &Consumer{
		QueueName:   queue,
		Channel:     ch,
		StopChan:    make(chan struct{}),
		DoneChan:    make(chan struct{}),
		ConsumerTag: tag,
		Pool:        pool,
		log:         slog.Default().With(logger.Component("consumer"), slog.String("queue", queue)),
	}
}

// consumeLoop hands deliveries to the pool until StopChan is closed or the
// broker ends the stream. Err tells the two apart once DoneChan is closed.
func (c *Consumer) consumeLoop(msgs <-chan amqp.Delivery) {
	defer close(c.DoneChan)

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				c.err = c.closeReason()
				c.log.Error("delivery channel closed", logger.Error(c.err))
				return
			}
			if !c.Pool.Submit(c.StopChan, msg) {
				// not taken; return it to the queue for another consumer
				_ = msg.Nack(false, true)
				c.cancel()
				return
			}

		case <-c.StopChan:
			c.cancel()
			return
		}
	}
}

func (c *Consumer) closeReason() error {
	select {
	case <-c.StopChan:
		return nil
	default:
	}
	select {
	case reason, ok := <-c.closed:
		if ok && reason != nil {
			return fmt.Errorf("%w: %v", ErrDeliveriesClosed, reason)
		}
	default:
	}
	return ErrDeliveriesClosed
}

// Err is nil after Stop and ErrDeliveriesClosed when the broker ended the
// stream. It is only meaningful once DoneChan is closed.
func (c *Consumer) Err() error {
	select {
	case <-c.DoneChan:
		return c.err
	default:
		return nil
	}
}

func (c *Consumer) cancel() {
	c.log.Info("stopping consumer")
	if c.Channel != nil {
		_ = c.Channel.Cancel(c.ConsumerTag, false)
	}
}

// Stop signals the consumer to stop and waits for cleanup
func (c *Consumer) Stop() {
	close(c.StopChan)
	<-c.DoneChan
	c.Pool.Stop()
	if c.Channel != nil {
		_ = c.Channel.Close()
	}
	c.log.Info("stopped consumer")
}

func (c *Consumer) SetWorkerCount(n int) {
	c.Pool.SetWorkerCount(n)
}

// Runner is implemented by workflow.Orchestrator.
type Runner interface {
	Run(ctx context.Context, req model.Request) error
}

// WorkflowHandler decodes execution requests and runs them. Undecodable bodies
// and runs that could not record their outcome go to the DLQ.
func WorkflowHandler(r Runner) worker.Handler {
	return func(ctx context.Context, msg amqp.Delivery) error {
		req, err := model.UnmarshalRequest(msg.Body)
		if err != nil {
			return err
		}
		return r.Run(ctx, *req)
	}
}
