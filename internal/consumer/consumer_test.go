package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/worker"
)

type settle struct {
	mu       sync.Mutex
	outcomes map[uint64]string
}

func (s *settle) set(tag uint64, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[tag] = v
	return nil
}

func (s *settle) get(tag uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[tag]
}

func (s *settle) Ack(tag uint64, _ bool) error { return s.set(tag, "ack") }
func (s *settle) Nack(tag uint64, _, requeue bool) error {
	if requeue {
		return s.set(tag, "requeue")
	}
	return s.set(tag, "nack")
}
func (s *settle) Reject(tag uint64, _ bool) error { return s.set(tag, "reject") }

type runnerFunc func(ctx context.Context, req model.Request) error

func (f runnerFunc) Run(ctx context.Context, req model.Request) error { return f(ctx, req) }

func TestConsumerFeedsWorkflow(t *testing.T) {
	var (
		mu  sync.Mutex
		ran []string
	)
	runner := runnerFunc(func(ctx context.Context, req model.Request) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, req.TenantID)
		return nil
	})
	pool := worker.NewWorkerPool("q", 2, WorkflowHandler(runner))
	pool.Start(context.Background())

	msgs := make(chan amqp.Delivery)
	c := newConsumer("q", "consumer-q", nil, pool)
	go c.consumeLoop(msgs)

	ack := &settle{outcomes: map[uint64]string{}}
	body, err := model.Request{Operation: model.OperationCreate, TenantID: "a", ExecutionArn: "h"}.Marshal()
	require.NoError(t, err)
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("not json")}

	assert.Eventually(t, func() bool {
		return ack.get(1) == "ack" && ack.get(2) == "reject"
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, ran)
}

func TestConsumerStopsWhenDeliveriesClose(t *testing.T) {
	pool := worker.NewWorkerPool("q", 1, func(context.Context, amqp.Delivery) error { return nil })
	pool.Start(context.Background())
	defer pool.Stop()

	msgs := make(chan amqp.Delivery)
	c := newConsumer("q", "consumer-q", nil, pool)
	go c.consumeLoop(msgs)
	close(msgs)

	select {
	case <-c.DoneChan:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after the delivery channel closed")
	}
	assert.ErrorIs(t, c.Err(), ErrDeliveriesClosed)
}

func TestConsumerErrCarriesCloseReason(t *testing.T) {
	pool := worker.NewWorkerPool("q", 1, func(context.Context, amqp.Delivery) error { return nil })
	pool.Start(context.Background())
	defer pool.Stop()

	closed := make(chan *amqp.Error, 1)
	closed <- &amqp.Error{Code: amqp.PreconditionFailed, Reason: "delivery acknowledgement timed out"}
	msgs := make(chan amqp.Delivery)
	c := newConsumer("q", "consumer-q", nil, pool)
	c.closed = closed

	assert.NoError(t, c.Err(), "still running")
	go c.consumeLoop(msgs)
	close(msgs)
	<-c.DoneChan

	assert.ErrorIs(t, c.Err(), ErrDeliveriesClosed)
	assert.Contains(t, c.Err().Error(), "acknowledgement timed out")
}

func TestConsumerErrNilAfterStop(t *testing.T) {
	pool := worker.NewWorkerPool("q", 1, func(context.Context, amqp.Delivery) error { return nil })
	pool.Start(context.Background())

	c := newConsumer("q", "consumer-q", nil, pool)
	go c.consumeLoop(make(chan amqp.Delivery))
	c.Stop()

	assert.NoError(t, c.Err())
}
