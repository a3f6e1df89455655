// Package broker adapts publish/subscribe transports (MQTT, Redis pub/sub)
// to the small surface the job agent needs.
package broker

import "context"

// Handler receives one inbound message. Implementations deliver messages one
// at a time per subscription.
type Handler func(ctx context.Context, topic string, payload []byte)

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers h for an MQTT-style filter ("+" and "#" wildcards).
	Subscribe(ctx context.Context, filter string, h Handler) error
	IsConnected() bool
	Close() error
}
