package messaging

import (
	"context"
	"fmt"

	"tenant-provisioner/internal/model"
)

// Publisher is implemented by RabbitClient.
type Publisher interface {
	Publish(queue string, body []byte) error
}

// Dispatcher publishes workflow requests to the execution queue.
type Dispatcher struct {
	publisher Publisher
	queue     string
}

func NewDispatcher(p Publisher, queue string) *Dispatcher {
	return &Dispatcher{publisher: p, queue: queue}
}

func (d *Dispatcher) Dispatch(ctx context.Context, req model.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode request for %s: %w", req.TenantID, err)
	}
	return d.publisher.Publish(d.queue, body)
}
