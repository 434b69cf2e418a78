package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"steward/pkg/eventclass"
)

// EventHandler disposes of one decoded event delivery.
type EventHandler func(ctx context.Context, ev eventclass.Event) error

// Ingest reads event deliveries off the bus and hands them to the handler
// until the context is cancelled or the consumer fails. Undecodable payloads
// and handler errors are logged and skipped; the loop only stops for
// transport-level failures.
func Ingest(ctx context.Context, c Consumer, handler EventHandler, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return err
		}
		var ev eventclass.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logger.Printf("statebus: drop undecodable delivery key=%q: %v", msg.Key, err)
			continue
		}
		if ev.DeliveryID == "" && len(msg.Key) > 0 {
			ev.DeliveryID = string(msg.Key)
		}
		if err := handler(ctx, ev); err != nil {
			logger.Printf("statebus: handler for delivery %s: %v", ev.DeliveryID, err)
		}
	}
}
