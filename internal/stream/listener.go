// Package stream delivers kill notifications from the upstream killer.
// Three listeners share one contract: a durable Redis Streams consumer
// group (default), a Pub/Sub subscription, and a mock generator for
// development. The orchestrator acknowledges a message only after its
// outcome is durably stored; everything un-acked redelivers.
package stream

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/metrics"
)

// Message is one kill notification as read off the wire. Payload is the
// canonical JSON body; ID is broker-assigned and used for acks.
type Message struct {
	ID      string
	Payload []byte
}

// Listener yields kill notifications and confirms their processing.
type Listener interface {
	// Listen returns a channel of inbound messages. The channel closes
	// when ctx is canceled. Reconnection is the listener's problem, not
	// the caller's.
	Listen(ctx context.Context) <-chan Message

	// Ack confirms end-to-end processing of one message. Call it only
	// after the outcome record is durable.
	Ack(ctx context.Context, messageID string) error

	Close() error
}

// New picks the listener named by stream.kind.
func New(cfg config.StreamConfig, logger *zap.Logger, m *metrics.Metrics) (Listener, error) {
	switch cfg.Kind {
	case "durable":
		return NewRedis(cfg, logger, m)
	case "pubsub":
		return NewPubSub(cfg.PubSub, logger, m)
	case "mock":
		return NewMock(cfg.Mock, logger), nil
	}
	return nil, fmt.Errorf("unknown stream kind %q", cfg.Kind)
}
