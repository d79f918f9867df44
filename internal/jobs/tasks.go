package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/commerce-core/internal/events"
)

// Task type names routed through asynq.
const (
	TypeReservationExpired = "ledger:reservation_expired"
	TypeStockInsufficient  = "ledger:stock_insufficient"
	TypeLowStock           = "ledger:stock_low"
	TypeDiscountApplied    = "pricing:discount_applied"
)

// typeForTopic maps bus topics onto asynq task types.
func typeForTopic(topic string) (string, bool) {
	switch topic {
	case events.TopicReservationExpired:
		return TypeReservationExpired, true
	case events.TopicStockInsufficient:
		return TypeStockInsufficient, true
	case events.TopicLowStockCrossed:
		return TypeLowStock, true
	case events.TopicDiscountApplied:
		return TypeDiscountApplied, true
	default:
		return "", false
	}
}

// Enqueuer forwards domain events onto the task queue. It implements
// events.Sink so it can be registered on the bus next to in-process sinks.
type Enqueuer struct {
	Client *asynq.Client
}

// Publish serializes the event and enqueues the matching task type. Events
// without a task mapping are dropped silently.
func (e Enqueuer) Publish(_ context.Context, evt events.Event) error {
	if e.Client == nil {
		return nil
	}
	taskType, ok := typeForTopic(evt.Topic())
	if !ok {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", taskType, err)
	}
	_, err = e.Client.Enqueue(asynq.NewTask(taskType, payload))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
