package statebus

import "context"

// Message is one event delivery read off the bus. Key carries the delivery
// ID when the producer set one.
type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
