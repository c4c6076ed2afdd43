package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/nirmalarya/autograph/pkg/config"
)

// NATS fans out over NATS subjects, one per room under a shared prefix. The
// client reconnects forever on the configured interval; the reconnect buffer
// is disabled so publishes during an outage fail fast instead of queueing.
type NATS struct {
	logger *slog.Logger
	conn   *nats.Conn
	origin string
	prefix string

	mu      sync.RWMutex
	handler Handler
	sub     *nats.Subscription
}

// NewNATS connects and installs the wildcard subscription.
func NewNATS(cfg config.BrokerConfig, instanceID string, logger *slog.Logger) (*NATS, error) {
	log := logger.With(slog.String("component", "broker"), slog.String("driver", "nats"))

	conn, err := nats.Connect(cfg.NATSURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.RetryInterval),
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected from medium", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to medium", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	n := &NATS{
		logger: log,
		conn:   conn,
		origin: instanceID,
		prefix: cfg.ChannelPrefix,
	}

	sub, err := conn.Subscribe(n.prefix+".>", n.receive)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	n.sub = sub
	return n, nil
}

func (n *NATS) subject(room string) string {
	return n.prefix + "." + room
}

func (n *NATS) Publish(_ context.Context, room string, frame []byte) error {
	payload, err := json.Marshal(Message{Origin: n.origin, Room: room, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to marshal broker message: %w", err)
	}
	if err := n.conn.Publish(n.subject(room), payload); err != nil {
		return fmt.Errorf("nats publish to %s: %w", n.subject(room), err)
	}
	return nil
}

func (n *NATS) Subscribe(h Handler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

func (n *NATS) receive(raw *nats.Msg) {
	var msg Message
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		n.logger.Warn("discarding undecodable broker message", slog.Any("error", err))
		return
	}
	if msg.Room == "" {
		msg.Room = strings.TrimPrefix(raw.Subject, n.prefix+".")
	}

	n.mu.RLock()
	h := n.handler
	n.mu.RUnlock()
	if h != nil {
		h(msg)
	}
}

func (n *NATS) Close() error {
	if n.sub != nil {
		n.sub.Unsubscribe()
	}
	n.conn.Close()
	return nil
}
