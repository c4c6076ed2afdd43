// Package gateway owns the per-connection message loop: it decodes inbound
// events, routes them to the presence, conflict, annotation, undo and follow
// components, and fans the resulting events out to local sockets and to peer
// instances through the broker.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/nirmalarya/autograph/internal/activity"
	"github.com/nirmalarya/autograph/internal/annotation"
	"github.com/nirmalarya/autograph/internal/auth"
	"github.com/nirmalarya/autograph/internal/broker"
	"github.com/nirmalarya/autograph/internal/conflict"
	"github.com/nirmalarya/autograph/internal/follow"
	"github.com/nirmalarya/autograph/internal/presence"
	"github.com/nirmalarya/autograph/internal/protocol"
	"github.com/nirmalarya/autograph/internal/undo"
)

// Socket is the slice of a transport connection the gateway needs. Send must
// be safe from any goroutine.
type Socket interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
}

// client is one connected socket with its verified identity and room
// memberships.
type client struct {
	socket   Socket
	identity *auth.Identity
	joinedAt time.Time

	mu    sync.Mutex
	rooms map[string]bool
}

func (c *client) joinRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
}

func (c *client) leaveRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rooms[room] {
		return false
	}
	delete(c.rooms, room)
	return true
}

func (c *client) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room]
}

func (c *client) roomList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// Deps are the components the gateway dispatches into.
type Deps struct {
	Presence    *presence.Registry
	Feed        *activity.Feed
	Conflicts   *conflict.Engine
	Undo        *undo.Manager
	Annotations *annotation.Service
	Follows     *follow.Tracker
	Broker      broker.Broker
}

// Gateway routes events between sockets, components and the broker.
type Gateway struct {
	logger     *slog.Logger
	instanceID string
	deps       Deps

	mu    sync.RWMutex
	conns map[uuid.UUID]*client
	// users indexes a user's sockets in accept order, oldest first.
	users map[string][]*client
	// rooms indexes the local sockets joined to each room.
	rooms map[string]map[uuid.UUID]*client

	dispatched metric.Int64Counter
	published  metric.Int64Counter
	received   metric.Int64Counter
}

// New creates the gateway and wires itself into the component callbacks and
// the broker subscription.
func New(instanceID string, deps Deps, logger *slog.Logger) *Gateway {
	meter := otel.Meter("autograph/gateway")
	dispatched, _ := meter.Int64Counter("autograph.events.dispatched",
		metric.WithDescription("Inbound events dispatched, by event name."),
	)
	published, _ := meter.Int64Counter("autograph.broker.published",
		metric.WithDescription("Frames published to the cross-instance channel."),
	)
	received, _ := meter.Int64Counter("autograph.broker.received",
		metric.WithDescription("Frames received from peer instances."),
	)

	g := &Gateway{
		logger:     logger.With(slog.String("component", "gateway")),
		instanceID: instanceID,
		deps:       deps,
		conns:      make(map[uuid.UUID]*client),
		users:      make(map[string][]*client),
		rooms:      make(map[string]map[uuid.UUID]*client),
		dispatched: dispatched,
		published:  published,
		received:   received,
	}

	deps.Presence.SetHooks(presence.Hooks{
		OnAway:  g.onAway,
		OnPurge: g.onPurge,
	})
	deps.Annotations.SetOnExpire(g.onAnnotationExpired)
	deps.Broker.Subscribe(g.onBrokerMessage)
	return g
}

// Register tracks a freshly accepted socket under its verified identity.
func (g *Gateway) Register(socket Socket, identity *auth.Identity) {
	c := &client{
		socket:   socket,
		identity: identity,
		joinedAt: time.Now(),
		rooms:    make(map[string]bool),
	}
	g.mu.Lock()
	g.conns[socket.ID()] = c
	g.users[identity.UserID] = append(g.users[identity.UserID], c)
	g.mu.Unlock()

	g.logger.Info("connection registered",
		slog.String("connID", socket.ID().String()),
		slog.String("userID", identity.UserID),
	)
}

// Deregister runs the disconnect sequence for a closed socket: clear the
// user's ephemeral presence, release their locks, drop follow relationships,
// and tell every room they left. The presence seat itself survives into the
// grace period for a quick reconnect.
func (g *Gateway) Deregister(connID uuid.UUID, reason error) {
	g.mu.Lock()
	c := g.conns[connID]
	if c == nil {
		g.mu.Unlock()
		return
	}
	delete(g.conns, connID)
	socks := g.users[c.identity.UserID]
	for i, s := range socks {
		if s == c {
			socks = append(socks[:i], socks[i+1:]...)
			break
		}
	}
	if len(socks) == 0 {
		delete(g.users, c.identity.UserID)
	} else {
		g.users[c.identity.UserID] = socks
	}
	for _, room := range c.roomList() {
		if members := g.rooms[room]; members != nil {
			delete(members, connID)
			if len(members) == 0 {
				delete(g.rooms, room)
			}
		}
	}
	g.mu.Unlock()

	userID := c.identity.UserID
	ctx := context.Background()
	for _, room := range c.roomList() {
		released, ok := g.deps.Presence.Disconnect(room, userID)
		if !ok {
			continue
		}
		for _, elementID := range released {
			g.broadcast(ctx, room, protocol.EventElementReleased, map[string]any{
				"room":       room,
				"user_id":    userID,
				"element_id": elementID,
			}, connID)
		}
		g.deps.Follows.DropUser(room, userID)
		g.broadcast(ctx, room, protocol.EventUserLeft, map[string]any{
			"room":    room,
			"user_id": userID,
		}, connID)
	}

	g.logger.Info("connection deregistered",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
		slog.Any("reason", reason),
	)
}

// UserConnectionCount reports how many sockets a user currently holds. Feeds
// the connection limiter.
func (g *Gateway) UserConnectionCount(userID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.users[userID])
}

// CloseOldestUserConnection cycles out a user's longest-lived socket.
func (g *Gateway) CloseOldestUserConnection(userID string) {
	g.mu.RLock()
	socks := g.users[userID]
	var oldest *client
	if len(socks) > 0 {
		oldest = socks[0]
	}
	g.mu.RUnlock()

	if oldest != nil {
		g.logger.Info("cycling oldest connection",
			slog.String("userID", userID),
			slog.String("connID", oldest.socket.ID().String()),
		)
		oldest.socket.Close(errConnectionCycled)
	}
}

// CloseAll terminates every socket; used during shutdown.
func (g *Gateway) CloseAll(reason error) {
	g.mu.RLock()
	clients := make([]*client, 0, len(g.conns))
	for _, c := range g.conns {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	for _, c := range clients {
		c.socket.Close(reason)
	}
}

// RoomConnectionCount reports the local sockets joined to a room.
func (g *Gateway) RoomConnectionCount(room string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[room])
}

func (g *Gateway) lookup(connID uuid.UUID) *client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conns[connID]
}

func (g *Gateway) addToRoom(room string, c *client) {
	g.mu.Lock()
	members := g.rooms[room]
	if members == nil {
		members = make(map[uuid.UUID]*client)
		g.rooms[room] = members
	}
	members[c.socket.ID()] = c
	g.mu.Unlock()
	c.joinRoom(room)
}

func (g *Gateway) removeFromRoom(room string, c *client) {
	g.mu.Lock()
	if members := g.rooms[room]; members != nil {
		delete(members, c.socket.ID())
		if len(members) == 0 {
			delete(g.rooms, room)
		}
	}
	g.mu.Unlock()
	c.leaveRoom(room)
}

// deliverLocal sends a frame to every local socket in a room except the
// excluded one. uuid.Nil excludes nobody.
func (g *Gateway) deliverLocal(room string, frame []byte, exclude uuid.UUID) {
	g.mu.RLock()
	members := make([]*client, 0, len(g.rooms[room]))
	for id, c := range g.rooms[room] {
		if id == exclude {
			continue
		}
		members = append(members, c)
	}
	g.mu.RUnlock()

	for _, c := range members {
		c.socket.Send(frame)
	}
}

// broadcast fans an event out to the local room and to peer instances. A
// broker failure is logged and the frame dropped; local delivery never waits
// on the medium.
func (g *Gateway) broadcast(ctx context.Context, room string, event protocol.EventType, payload any, exclude uuid.UUID) {
	frame, err := protocol.Encode(event, 0, payload)
	if err != nil {
		g.logger.Error("failed to encode broadcast",
			slog.String("event", string(event)),
			slog.Any("error", err),
		)
		return
	}
	g.deliverLocal(room, frame, exclude)

	if err := g.deps.Broker.Publish(ctx, room, frame); err != nil {
		g.logger.Warn("cross-instance publish dropped",
			slog.String("room", room),
			slog.Any("error", err),
		)
		return
	}
	g.published.Add(ctx, 1)
}

// onBrokerMessage re-broadcasts a peer instance's frame to local sockets
// only. Never re-published, which is what keeps the fleet loop-free.
func (g *Gateway) onBrokerMessage(msg broker.Message) {
	if msg.Origin == g.instanceID {
		return
	}
	g.received.Add(context.Background(), 1)
	g.deliverLocal(msg.Room, msg.Frame, uuid.Nil)
}

// onAway relays the sweeper's away transitions to the room.
func (g *Gateway) onAway(room string, p presence.Presence) {
	g.broadcast(context.Background(), room, protocol.EventPresenceUpdate, map[string]any{
		"room": room,
		"user": p,
	}, uuid.Nil)
}

// onPurge finishes a lapsed grace period: the user's per-room histories go
// away, and an emptied room is torn down entirely.
func (g *Gateway) onPurge(room, userID string, roomEmpty bool) {
	g.deps.Undo.DropUser(room, userID)
	g.deps.Follows.DropUser(room, userID)
	if roomEmpty {
		g.maybeDestroyRoom(room)
	}
}

func (g *Gateway) onAnnotationExpired(a annotation.Annotation) {
	g.broadcast(context.Background(), a.Room, protocol.EventAnnotationExpired, map[string]any{
		"room":          a.Room,
		"annotation_id": a.ID,
		"user_id":       a.UserID,
	}, uuid.Nil)
}

// maybeDestroyRoom drops all component state for a room once no local socket
// is joined and no presence seat remains.
func (g *Gateway) maybeDestroyRoom(room string) {
	g.mu.RLock()
	hasSockets := len(g.rooms[room]) > 0
	g.mu.RUnlock()
	if hasSockets {
		return
	}
	if len(g.deps.Presence.AllUsers(room)) > 0 {
		return
	}

	g.deps.Presence.DropRoom(room)
	g.deps.Conflicts.DropRoom(room)
	g.deps.Undo.DropRoom(room)
	g.deps.Annotations.DropRoom(room)
	g.deps.Follows.DropRoom(room)
	g.deps.Feed.DropRoom(room)
	g.logger.Info("room destroyed", slog.String("room", room))
}
