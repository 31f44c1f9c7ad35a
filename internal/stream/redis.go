package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/metrics"
)

const (
	// payloadField is the stream entry field carrying the kill report
	// JSON. Fixed by the killer's publishing contract.
	payloadField = "payload"

	// blockInterval bounds each XREADGROUP so the loop can observe
	// cancellation between reads.
	blockInterval = 5 * time.Second

	readBatchSize  = 16
	claimBatchSize = 64

	reconnectBase = 500 * time.Millisecond
	reconnectMax  = 30 * time.Second
)

// RedisListener consumes a Redis stream through a named consumer group.
// Un-acked entries stay in the group's pending list and are reclaimed on
// the next startup once they have idled past the configured threshold.
type RedisListener struct {
	client    *redis.Client
	topic     string
	group     string
	consumer  string
	claimIdle time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewRedis connects to the endpoint and verifies it answers. The
// consumer name is unique per process so a crashed predecessor's
// pending entries are claimable.
func NewRedis(cfg config.StreamConfig, logger *zap.Logger, m *metrics.Metrics) (*RedisListener, error) {
	opts, err := redis.ParseURL(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse stream endpoint: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.PoolSize = 10

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("stream broker unreachable: %w", err)
	}

	claimIdle := time.Duration(cfg.ClaimIdleMs) * time.Millisecond
	if claimIdle <= 0 {
		claimIdle = 5 * time.Minute
	}

	l := &RedisListener{
		client:    client,
		topic:     cfg.Topic,
		group:     cfg.ConsumerGroup,
		consumer:  "medic-" + uuid.NewString()[:8],
		claimIdle: claimIdle,
		logger:    logger,
		metrics:   m,
	}

	logger.Info("stream listener connected",
		zap.String("topic", l.topic),
		zap.String("group", l.group),
		zap.String("consumer", l.consumer),
	)
	return l, nil
}

func (l *RedisListener) Listen(ctx context.Context) <-chan Message {
	out := make(chan Message)
	go l.run(ctx, out)
	return out
}

func (l *RedisListener) Ack(ctx context.Context, messageID string) error {
	return l.client.XAck(ctx, l.topic, l.group, messageID).Err()
}

func (l *RedisListener) Close() error {
	return l.client.Close()
}

// run owns the read loop: group setup, one startup reclaim of stale
// pending entries, then blocking reads with exponential backoff across
// broker outages.
func (l *RedisListener) run(ctx context.Context, out chan<- Message) {
	defer close(out)

	backoff := reconnectBase
	claimed := false

	for {
		if ctx.Err() != nil {
			return
		}

		if err := l.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("consumer group setup failed",
				zap.String("topic", l.topic),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if !claimed {
			l.claimStale(ctx, out)
			claimed = true
		}

		if err := l.readLoop(ctx, out, func() { backoff = reconnectBase }); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("stream read failed, reconnecting",
				zap.String("topic", l.topic),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			if l.metrics != nil {
				l.metrics.RecordReconnect()
			}
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		return
	}
}

// ensureGroup creates the consumer group if this is the first consumer
// ever. An already-existing group is fine.
func (l *RedisListener) ensureGroup(ctx context.Context) error {
	err := l.client.XGroupCreateMkStream(ctx, l.topic, l.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// claimStale takes over pending entries whose consumer died mid-process.
// Runs once per process start.
func (l *RedisListener) claimStale(ctx context.Context, out chan<- Message) {
	start := "0-0"
	total := 0
	for {
		msgs, next, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   l.topic,
			Group:    l.group,
			Consumer: l.consumer,
			MinIdle:  l.claimIdle,
			Start:    start,
			Count:    claimBatchSize,
		}).Result()
		if err != nil {
			l.logger.Warn("pending reclaim failed", zap.Error(err))
			return
		}

		for _, msg := range msgs {
			if !deliver(ctx, out, msg) {
				return
			}
			total++
		}

		if next == "0-0" || len(msgs) == 0 {
			break
		}
		start = next
	}
	if total > 0 {
		l.logger.Info("reclaimed stale pending messages",
			zap.Int("count", total),
			zap.Duration("min_idle", l.claimIdle),
		)
	}
}

// readLoop blocks on the stream until the context ends or the broker
// errors. A nil return means the context ended. onHealthy fires after
// every successful read so the caller can reset its reconnect backoff.
func (l *RedisListener) readLoop(ctx context.Context, out chan<- Message, onHealthy func()) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    l.group,
			Consumer: l.consumer,
			Streams:  []string{l.topic, ">"},
			Count:    readBatchSize,
			Block:    blockInterval,
		}).Result()
		if errors.Is(err, redis.Nil) {
			onHealthy()
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		onHealthy()

		for _, str := range res {
			for _, msg := range str.Messages {
				if !deliver(ctx, out, msg) {
					return nil
				}
			}
		}
	}
}

// deliver hands one stream entry to the orchestrator. Entries without a
// payload field are delivered empty so validation records and acks them
// instead of letting them redeliver forever.
func deliver(ctx context.Context, out chan<- Message, msg redis.XMessage) bool {
	payload, _ := msg.Values[payloadField].(string)
	select {
	case out <- Message{ID: msg.ID, Payload: []byte(payload)}:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		return reconnectMax
	}
	return d
}
