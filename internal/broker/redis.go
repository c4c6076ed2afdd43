package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nirmalarya/autograph/pkg/config"
)

// Redis fans out over Redis pub/sub. One channel per room under a shared
// prefix; the subscriber listens on the wildcard pattern covering all rooms.
type Redis struct {
	logger   *slog.Logger
	client   *redis.Client
	origin   string
	prefix   string
	retry    time.Duration
	cancel   context.CancelFunc

	mu      sync.RWMutex
	handler Handler
}

// NewRedis connects and starts the subscriber loop immediately; the loop
// survives medium outages by resubscribing on a fixed backoff.
func NewRedis(ctx context.Context, cfg config.BrokerConfig, instanceID string, logger *slog.Logger) *Redis {
	runCtx, cancel := context.WithCancel(ctx)
	r := &Redis{
		logger: logger.With(slog.String("component", "broker"), slog.String("driver", "redis")),
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}),
		origin: instanceID,
		prefix: cfg.ChannelPrefix,
		retry:  cfg.RetryInterval,
		cancel: cancel,
	}
	go r.run(runCtx)
	return r
}

func (r *Redis) channel(room string) string {
	return r.prefix + "." + room
}

// Publish sends one frame. Failures are returned for the caller to log; the
// frame is not queued.
func (r *Redis) Publish(ctx context.Context, room string, frame []byte) error {
	payload, err := json.Marshal(Message{Origin: r.origin, Room: room, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to marshal broker message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(room), payload).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", r.channel(room), err)
	}
	return nil
}

func (r *Redis) Subscribe(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// run is the subscriber loop: subscribe to the wildcard pattern, drain
// messages, and on any receive error tear the subscription down, wait the
// retry interval, and subscribe again.
func (r *Redis) run(ctx context.Context) {
	pattern := r.prefix + ".*"
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := r.client.PSubscribe(ctx, pattern)
		r.logger.Info("subscribed", slog.String("pattern", pattern))

		if err := r.receive(ctx, pubsub); err != nil && ctx.Err() == nil {
			r.logger.Warn("subscription lost, retrying",
				slog.Any("error", err),
				slog.Duration("backoff", r.retry),
			)
		}
		pubsub.Close()
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retry):
		}
	}
}

func (r *Redis) receive(ctx context.Context, pubsub *redis.PubSub) error {
	for {
		raw, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			r.logger.Warn("discarding undecodable broker message", slog.Any("error", err))
			continue
		}
		if msg.Room == "" {
			msg.Room = strings.TrimPrefix(raw.Channel, r.prefix+".")
		}

		r.mu.RLock()
		h := r.handler
		r.mu.RUnlock()
		if h != nil {
			h(msg)
		}
	}
}

func (r *Redis) Close() error {
	r.cancel()
	return r.client.Close()
}
