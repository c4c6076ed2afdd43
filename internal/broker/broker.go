// Package broker fans room events out across server instances through a
// shared pub/sub medium. Delivery is best-effort and at-most-once: frames
// published while the medium is unreachable are dropped, and subscribers
// reconnect on a fixed backoff.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nirmalarya/autograph/pkg/config"
)

// Message is the cross-instance envelope. Origin lets a subscriber skip the
// frames it published itself, which is what prevents re-broadcast loops.
type Message struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Frame  json.RawMessage `json:"frame"`
}

// Handler receives every message seen on the shared channel, including this
// instance's own publishes; filtering by Origin is the caller's job.
type Handler func(msg Message)

// Broker is the cross-instance fan-out contract.
type Broker interface {
	// Publish sends a frame for a room. A returned error means the frame was
	// dropped; it is never queued for retry.
	Publish(ctx context.Context, room string, frame []byte) error
	// Subscribe installs the receive handler. Must be called before traffic
	// flows; only one handler is supported.
	Subscribe(h Handler)
	Close() error
}

// New builds a broker from config. The memory driver needs no external
// medium and is the single-node default.
func New(ctx context.Context, cfg config.BrokerConfig, instanceID string, logger *slog.Logger) (Broker, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedis(ctx, cfg, instanceID, logger), nil
	case "nats":
		return NewNATS(cfg, instanceID, logger)
	case "memory":
		return NewMemoryBus().Attach(instanceID), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
