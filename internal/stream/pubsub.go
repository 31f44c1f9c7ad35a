package stream

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/metrics"
)

// PubSubListener consumes kill notifications from a Pub/Sub
// subscription. Flow control is pinned to one outstanding message so
// the orchestrator's single-writer pacing carries through the broker.
type PubSubListener struct {
	client  *pubsub.Client
	sub     *pubsub.Subscription
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*pubsub.Message
}

func NewPubSub(cfg config.PubSubConfig, logger *zap.Logger, m *metrics.Metrics) (*PubSubListener, error) {
	ctx := context.Background()
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	sub := client.Subscription(cfg.Subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.NumGoroutines = 1

	return &PubSubListener{
		client:  client,
		sub:     sub,
		logger:  logger,
		metrics: m,
		pending: make(map[string]*pubsub.Message),
	}, nil
}

func (l *PubSubListener) Listen(ctx context.Context) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		err := l.sub.Receive(ctx, func(cctx context.Context, m *pubsub.Message) {
			l.mu.Lock()
			l.pending[m.ID] = m
			l.mu.Unlock()

			select {
			case out <- Message{ID: m.ID, Payload: m.Data}:
			case <-cctx.Done():
				l.mu.Lock()
				delete(l.pending, m.ID)
				l.mu.Unlock()
				m.Nack()
			}
		})
		if err != nil && ctx.Err() == nil {
			l.logger.Error("pubsub receive ended", zap.Error(err))
			if l.metrics != nil {
				l.metrics.RecordReconnect()
			}
		}
	}()
	return out
}

// Ack acknowledges the broker-side message. Unknown IDs mean the
// message already expired back to the broker; the redelivery will be
// deduplicated by kill_id downstream.
func (l *PubSubListener) Ack(ctx context.Context, messageID string) error {
	l.mu.Lock()
	m, ok := l.pending[messageID]
	delete(l.pending, messageID)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending pubsub message %s", messageID)
	}
	m.Ack()
	return nil
}

func (l *PubSubListener) Close() error {
	return l.client.Close()
}
