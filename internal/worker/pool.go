package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/metrics"
)

// Handler processes one delivery. A returned error rejects the delivery to the DLQ.
type Handler func(ctx context.Context, msg amqp.Delivery) error

// WorkerPool runs a bounded number of handlers over deliveries handed in by a consumer.
type WorkerPool struct {
	queue   string
	handler Handler
	jobs    chan amqp.Delivery
	log     *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	stopCh  chan struct{}
	wg      sync.WaitGroup
	workers int
}

func NewWorkerPool(queue string, workerCount int, handler Handler) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &WorkerPool{
		queue:   queue,
		handler: handler,
		jobs:    make(chan amqp.Delivery),
		log:     slog.Default().With(logger.Component("worker"), slog.String("queue", queue)),
		stopCh:  make(chan struct{}),
		workers: workerCount,
	}
}

// Start launches the workers. ctx is passed to every handler call.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	wp.ctx = ctx
	wp.spawn()
}

func (wp *WorkerPool) spawn() {
	wp.log.Info("starting pool", slog.Int("workers", wp.workers))
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.run(wp.stopCh)
	}
}

func (wp *WorkerPool) run(stop <-chan struct{}) {
	defer wp.wg.Done()
	metrics.WorkerActive.WithLabelValues(wp.queue).Add(1)
	defer metrics.WorkerActive.WithLabelValues(wp.queue).Sub(1)

	for {
		select {
		case <-stop:
			return
		case msg := <-wp.jobs:
			wp.handle(msg)
		}
	}
}

func (wp *WorkerPool) handle(msg amqp.Delivery) {
	err := wp.handler(wp.ctx, msg)
	if err != nil && wp.ctx.Err() != nil && errors.Is(err, wp.ctx.Err()) {
		// shutting down; hand the message back for another consumer
		wp.settle(msg, "requeued", msg.Nack(false, true))
		return
	}
	if err != nil {
		wp.log.Error("failed to process message", slog.String("message_id", msg.MessageId), logger.Error(err))
		wp.settle(msg, "rejected", msg.Reject(false)) // send to DLQ
		return
	}
	wp.settle(msg, "acked", msg.Ack(false))
}

// settle records the outcome of an ack, nack or reject. A failed settle means the
// channel is gone and the broker will redeliver the message.
func (wp *WorkerPool) settle(msg amqp.Delivery, outcome string, err error) {
	if err != nil {
		wp.log.Error("failed to settle message",
			slog.String("outcome", outcome),
			slog.Uint64("delivery_tag", msg.DeliveryTag),
			logger.Error(err))
		metrics.WorkerProcessed.WithLabelValues(wp.queue, "settle_failed").Inc()
		return
	}
	metrics.WorkerProcessed.WithLabelValues(wp.queue, outcome).Inc()
}

// Submit blocks until a worker takes msg or stop is closed. It reports whether msg
// was taken.
func (wp *WorkerPool) Submit(stop <-chan struct{}, msg amqp.Delivery) bool {
	select {
	case wp.jobs <- msg:
		return true
	case <-stop:
		return false
	}
}

// Stop waits for running handlers to return.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	close(wp.stopCh)
	wp.wg.Wait()
	wp.stopCh = make(chan struct{})
}

func (wp *WorkerPool) Workers() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.workers
}

// SetWorkerCount updates the worker pool to use a new concurrency level
func (wp *WorkerPool) SetWorkerCount(n int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if n <= 0 || n == wp.workers {
		return
	}

	wp.log.Info("rescaling worker pool", slog.Int("from", wp.workers), slog.Int("to", n))

	// Stop existing workers; in-flight handlers finish first
	close(wp.stopCh)
	wp.wg.Wait()

	// Update count and restart
	wp.workers = n
	wp.stopCh = make(chan struct{})
	if wp.ctx != nil {
		wp.spawn()
	}
}
