package mqtt

import (
	"context"
)

// MessageHandler processes one received message. Handlers run on their own
// goroutine and must not block for long.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client abstracts the paho connection manager.
type Client interface {
	// Start connects in the background and returns immediately.
	Start(ctx context.Context) error
	Disconnect(ctx context.Context)
	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error
	// Subscribe registers handler for a topic filter. Subscriptions are
	// re-sent after every reconnect.
	Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	AwaitConnection(ctx context.Context) error
	IsConnected() bool
}
