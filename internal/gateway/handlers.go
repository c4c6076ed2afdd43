package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nirmalarya/autograph/internal/annotation"
	"github.com/nirmalarya/autograph/internal/follow"
	"github.com/nirmalarya/autograph/internal/presence"
	"github.com/nirmalarya/autograph/internal/protocol"
	"github.com/nirmalarya/autograph/internal/undo"
)

var (
	errConnectionCycled = errors.New("connection cycled by new connection")
	errNotInRoom        = errors.New("not in room")
	errUnknownEvent     = errors.New("unknown event")
)

// HandleMessage is the transport's inbound callback: decode, dispatch,
// answer. Panics inside a handler are caught here and converted into an
// error ack instead of tearing the connection down.
func (g *Gateway) HandleMessage(ctx context.Context, connID uuid.UUID, raw []byte) {
	c := g.lookup(connID)
	if c == nil {
		return
	}

	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		g.nack(c, 0, err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("handler panicked",
				slog.String("event", string(env.Event)),
				slog.String("connID", connID.String()),
				slog.Any("panic", r),
			)
			g.nack(c, env.Seq, fmt.Errorf("internal error handling %s", env.Event))
		}
	}()

	g.dispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", string(env.Event)),
	))

	if err := g.dispatch(ctx, c, env); err != nil {
		g.nack(c, env.Seq, err)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *client, env *protocol.Envelope) error {
	switch env.Event {
	case protocol.EventJoinRoom:
		return g.handleJoinRoom(ctx, c, env)
	case protocol.EventLeaveRoom:
		return g.handleLeaveRoom(ctx, c, env)
	case protocol.EventCursorMove:
		return g.handleCursorMove(ctx, c, env)
	case protocol.EventSelectionChange:
		return g.handleSelectionChange(ctx, c, env)
	case protocol.EventElementEdit:
		return g.handleElementEdit(ctx, c, env)
	case protocol.EventElementRelease:
		return g.handleElementRelease(ctx, c, env)
	case protocol.EventTypingStatus:
		return g.handleTypingStatus(ctx, c, env)
	case protocol.EventOperation:
		return g.handleOperation(ctx, c, env)
	case protocol.EventAnnotationDraw:
		return g.handleAnnotationDraw(ctx, c, env)
	case protocol.EventFollowUser:
		return g.handleFollowUser(ctx, c, env)
	case protocol.EventUnfollowUser:
		return g.handleUnfollowUser(ctx, c, env)
	case protocol.EventViewportUpdate:
		return g.handleViewportUpdate(ctx, c, env)
	case protocol.EventActionPerformed:
		return g.handleActionPerformed(ctx, c, env)
	case protocol.EventUndoAction:
		return g.handleUndoAction(ctx, c, env)
	case protocol.EventRedoAction:
		return g.handleRedoAction(ctx, c, env)
	case protocol.EventHeartbeat:
		return g.handleHeartbeat(ctx, c, env)
	default:
		return fmt.Errorf("%w: %s", errUnknownEvent, env.Event)
	}
}

// ack sends a success reply to the origin only.
func (g *Gateway) ack(c *client, seq int64, fields map[string]any) {
	payload := map[string]any{"success": true}
	for k, v := range fields {
		payload[k] = v
	}
	frame, err := protocol.Encode(protocol.EventAck, seq, payload)
	if err != nil {
		g.logger.Error("failed to encode ack", slog.Any("error", err))
		return
	}
	c.socket.Send(frame)
}

// nack sends a failure reply to the origin only.
func (g *Gateway) nack(c *client, seq int64, cause error) {
	frame, err := protocol.Encode(protocol.EventAck, seq, map[string]any{
		"success": false,
		"error":   cause.Error(),
	})
	if err != nil {
		g.logger.Error("failed to encode error ack", slog.Any("error", err))
		return
	}
	c.socket.Send(frame)
}

// wake broadcasts a presence refresh when activity pulled a user out of away.
func (g *Gateway) wake(ctx context.Context, room, userID string) {
	p, ok := g.deps.Presence.Get(room, userID)
	if !ok {
		return
	}
	g.broadcast(ctx, room, protocol.EventPresenceUpdate, map[string]any{
		"room": room,
		"user": p,
	}, uuid.Nil)
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.JoinRoom
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}
	role, err := presence.ParseRole(p.Role)
	if err != nil {
		return err
	}

	userID := c.identity.UserID
	username := c.identity.Username
	// Anonymous connections may pick a display name; verified ones may not.
	if c.identity.Anonymous && p.Username != "" {
		username = p.Username
	}

	seat, fresh := g.deps.Presence.Join(p.Room, userID, username, role)
	g.addToRoom(p.Room, c)
	g.deps.Feed.Record(p.Room, userID, username, "joined", nil)

	g.ack(c, env.Seq, map[string]any{
		"color": seat.Color,
		"role":  seat.Role,
		"users": g.deps.Presence.ActiveUsers(p.Room),
	})

	if fresh {
		g.broadcast(ctx, p.Room, protocol.EventUserJoined, map[string]any{
			"room": p.Room,
			"user": seat,
		}, c.socket.ID())
	} else {
		// Reconnect inside the grace period: the room never saw this user
		// leave, so a presence refresh is enough.
		g.broadcast(ctx, p.Room, protocol.EventPresenceUpdate, map[string]any{
			"room": p.Room,
			"user": seat,
		}, c.socket.ID())
	}
	return nil
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.LeaveRoom
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}
	if !c.inRoom(p.Room) {
		return errNotInRoom
	}

	userID := c.identity.UserID
	released, empty, ok := g.deps.Presence.Leave(p.Room, userID)
	g.removeFromRoom(p.Room, c)
	if ok {
		for _, elementID := range released {
			g.broadcast(ctx, p.Room, protocol.EventElementReleased, map[string]any{
				"room":       p.Room,
				"user_id":    userID,
				"element_id": elementID,
			}, c.socket.ID())
		}
	}
	g.deps.Follows.DropUser(p.Room, userID)
	g.deps.Feed.Record(p.Room, userID, c.identity.Username, "left", nil)

	g.broadcast(ctx, p.Room, protocol.EventUserLeft, map[string]any{
		"room":    p.Room,
		"user_id": userID,
	}, c.socket.ID())
	g.ack(c, env.Seq, nil)

	if empty {
		g.maybeDestroyRoom(p.Room)
	}
	return nil
}

func (g *Gateway) handleCursorMove(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.CursorMove
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}

	// Presence updates for users the registry does not know are dropped, not
	// errors.
	woke, ok := g.deps.Presence.UpdateCursor(p.Room, c.identity.UserID, p.X, p.Y)
	if !ok {
		return nil
	}
	g.broadcast(ctx, p.Room, protocol.EventCursorMoved, map[string]any{
		"room":    p.Room,
		"user_id": c.identity.UserID,
		"x":       p.X,
		"y":       p.Y,
	}, c.socket.ID())
	if woke {
		g.wake(ctx, p.Room, c.identity.UserID)
	}
	return nil
}

func (g *Gateway) handleSelectionChange(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.SelectionChange
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}

	woke, ok := g.deps.Presence.UpdateSelection(p.Room, c.identity.UserID, p.Selected)
	if !ok {
		return nil
	}
	g.broadcast(ctx, p.Room, protocol.EventSelectionChanged, map[string]any{
		"room":              p.Room,
		"user_id":           c.identity.UserID,
		"selected_elements": p.Selected,
	}, c.socket.ID())
	if woke {
		g.wake(ctx, p.Room, c.identity.UserID)
	}
	return nil
}

func (g *Gateway) handleElementEdit(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.ElementEdit
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}

	holder, woke, ok := g.deps.Presence.LockElement(p.Room, c.identity.UserID, p.ElementID)
	if !ok {
		return errNotInRoom
	}
	if holder != c.identity.UserID {
		// Never silently steal a lock: the collision names the current
		// editor so the client can surface it.
		frame, err := protocol.Encode(protocol.EventAck, env.Seq, map[string]any{
			"success":      false,
			"error":        "collision",
			"editing_user": holder,
		})
		if err == nil {
			c.socket.Send(frame)
		}
		return nil
	}

	g.ack(c, env.Seq, map[string]any{"element_id": p.ElementID})
	g.broadcast(ctx, p.Room, protocol.EventElementLocked, map[string]any{
		"room":       p.Room,
		"user_id":    c.identity.UserID,
		"element_id": p.ElementID,
	}, c.socket.ID())
	if woke {
		g.wake(ctx, p.Room, c.identity.UserID)
	}
	return nil
}

func (g *Gateway) handleElementRelease(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.ElementRelease
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}

	released, _, ok := g.deps.Presence.ReleaseElement(p.Room, c.identity.UserID, p.ElementID)
	if !ok {
		return errNotInRoom
	}
	if !released {
		return errors.New("lock not held")
	}

	g.ack(c, env.Seq, map[string]any{"element_id": p.ElementID})
	g.broadcast(ctx, p.Room, protocol.EventElementReleased, map[string]any{
		"room":       p.Room,
		"user_id":    c.identity.UserID,
		"element_id": p.ElementID,
	}, c.socket.ID())
	return nil
}

func (g *Gateway) handleTypingStatus(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.TypingStatus
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}

	woke, ok := g.deps.Presence.SetTyping(p.Room, c.identity.UserID, p.IsTyping)
	if !ok {
		return nil
	}
	g.broadcast(ctx, p.Room, protocol.EventTypingChanged, map[string]any{
		"room":      p.Room,
		"user_id":   c.identity.UserID,
		"is_typing": p.IsTyping,
	}, c.socket.ID())
	if woke {
		g.wake(ctx, p.Room, c.identity.UserID)
	}
	return nil
}

func (g *Gateway) handleOperation(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.OperationSubmit
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}
	if !c.inRoom(p.Room) {
		return errNotInRoom
	}

	resolved, records, err := g.deps.Conflicts.Submit(ctx, p.Room, c.identity.UserID,
		p.ElementID, p.OperationType, p.OldValue, p.NewValue)
	if err != nil {
		return err
	}

	if woke, ok := g.deps.Presence.Touch(p.Room, c.identity.UserID); ok && woke {
		g.wake(ctx, p.Room, c.identity.UserID)
	}
	if len(records) > 0 {
		g.deps.Feed.Record(p.Room, c.identity.UserID, c.identity.Username, "conflict_resolved",
			map[string]any{
				"element_id": p.ElementID,
				"resolution": records[len(records)-1].Resolution,
			})
	}

	g.ack(c, env.Seq, map[string]any{
		"operation_id": resolved.ID,
		"transformed":  resolved.Transformed,
	})
	// Everyone, the submitter included, applies the same resolved operation.
	g.broadcast(ctx, p.Room, protocol.EventOperationApplied, map[string]any{
		"room":      p.Room,
		"operation": resolved,
		"conflicts": len(records),
	}, uuid.Nil)
	return nil
}

func (g *Gateway) handleAnnotationDraw(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.AnnotationDraw
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}
	typ, err := annotation.ParseType(p.AnnotationType)
	if err != nil {
		return err
	}
	if !c.inRoom(p.Room) {
		return errNotInRoom
	}

	color := p.Color
	if color == "" {
		if seat, ok := g.deps.Presence.Get(p.Room, c.identity.UserID); ok {
			color = seat.Color
		}
	}
	a := g.deps.Annotations.Draw(p.Room, c.identity.UserID, c.identity.Username, color, typ, p.Coordinates)
	g.deps.Feed.Record(p.Room, c.identity.UserID, c.identity.Username, "annotated",
		map[string]any{"annotation_type": string(typ)})

	g.ack(c, env.Seq, map[string]any{
		"annotation_id": a.ID,
		"expires_at":    a.ExpiresAt,
	})
	g.broadcast(ctx, p.Room, protocol.EventAnnotationCreated, map[string]any{
		"room":       p.Room,
		"annotation": a,
	}, c.socket.ID())
	return nil
}

func (g *Gateway) handleFollowUser(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.FollowUser
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}
	if p.FolloweeID == c.identity.UserID {
		return errors.New("cannot follow yourself")
	}
	followee, ok := g.deps.Presence.Get(p.Room, p.FolloweeID)
	if !ok {
		return fmt.Errorf("user %s not in room", p.FolloweeID)
	}

	vp, known := g.deps.Follows.Follow(p.Room, c.identity.UserID, p.FolloweeID)
	g.ack(c, env.Seq, map[string]any{
		"followee_id":   p.FolloweeID,
		"followee_name": followee.Username,
	})
	g.broadcast(ctx, p.Room, protocol.EventFollowStarted, map[string]any{
		"room":        p.Room,
		"follower_id": c.identity.UserID,
		"followee_id": p.FolloweeID,
	}, c.socket.ID())

	// Sync the new follower to wherever the followee already is.
	if known {
		frame, err := protocol.Encode(protocol.EventViewportChanged, 0, map[string]any{
			"room":      p.Room,
			"user_id":   p.FolloweeID,
			"pan_x":     vp.PanX,
			"pan_y":     vp.PanY,
			"zoom":      vp.Zoom,
			"followers": []string{c.identity.UserID},
		})
		if err == nil {
			c.socket.Send(frame)
		}
	}
	return nil
}

func (g *Gateway) handleUnfollowUser(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.UnfollowUser
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}

	followeeID, ok := g.deps.Follows.Unfollow(p.Room, c.identity.UserID)
	if !ok {
		return errors.New("No active follow relationship")
	}

	g.ack(c, env.Seq, map[string]any{"followee_id": followeeID})
	g.broadcast(ctx, p.Room, protocol.EventFollowStopped, map[string]any{
		"room":        p.Room,
		"follower_id": c.identity.UserID,
		"followee_id": followeeID,
	}, c.socket.ID())
	return nil
}

func (g *Gateway) handleViewportUpdate(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.ViewportUpdate
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}

	followers := g.deps.Follows.UpdateViewport(p.Room, c.identity.UserID,
		follow.Viewport{PanX: p.PanX, PanY: p.PanY, Zoom: p.Zoom})
	if len(followers) == 0 {
		return nil
	}
	g.broadcast(ctx, p.Room, protocol.EventViewportChanged, map[string]any{
		"room":      p.Room,
		"user_id":   c.identity.UserID,
		"pan_x":     p.PanX,
		"pan_y":     p.PanY,
		"zoom":      p.Zoom,
		"followers": followers,
	}, c.socket.ID())
	return nil
}

func (g *Gateway) handleActionPerformed(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.ActionPerformed
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}
	if !c.inRoom(p.Room) {
		return errNotInRoom
	}

	action := g.deps.Undo.Record(p.Room, c.identity.UserID, undo.Action{
		ID:          p.ActionID,
		Type:        p.ActionType,
		ElementID:   p.ElementID,
		ElementType: p.ElementType,
		BeforeState: p.BeforeState,
		AfterState:  p.AfterState,
	})

	g.ack(c, env.Seq, map[string]any{"action_id": action.ID})
	g.broadcast(ctx, p.Room, protocol.EventActionRecorded, map[string]any{
		"room":    p.Room,
		"user_id": c.identity.UserID,
		"action":  action,
	}, c.socket.ID())
	return nil
}

func (g *Gateway) handleUndoAction(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.UndoAction
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}

	action, err := g.deps.Undo.Undo(p.Room, c.identity.UserID)
	if err != nil {
		return err
	}
	g.deps.Feed.Record(p.Room, c.identity.UserID, c.identity.Username, "undo",
		map[string]any{"action_type": action.Type})

	g.ack(c, env.Seq, map[string]any{"action": action})
	g.broadcast(ctx, p.Room, protocol.EventActionUndone, map[string]any{
		"room":    p.Room,
		"user_id": c.identity.UserID,
		"action":  action,
	}, c.socket.ID())
	return nil
}

func (g *Gateway) handleRedoAction(ctx context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.RedoAction
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}

	action, err := g.deps.Undo.Redo(p.Room, c.identity.UserID)
	if err != nil {
		return err
	}
	g.deps.Feed.Record(p.Room, c.identity.UserID, c.identity.Username, "redo",
		map[string]any{"action_type": action.Type})

	g.ack(c, env.Seq, map[string]any{"action": action})
	g.broadcast(ctx, p.Room, protocol.EventActionRedone, map[string]any{
		"room":    p.Room,
		"user_id": c.identity.UserID,
		"action":  action,
	}, c.socket.ID())
	return nil
}

func (g *Gateway) handleHeartbeat(_ context.Context, c *client, env *protocol.Envelope) error {
	var p protocol.Heartbeat
	if err := protocol.Unmarshal(env, &p); err != nil {
		return err
	}

	latency := time.Now().UnixMilli() - p.Timestamp
	if latency < 0 {
		latency = 0
	}
	seat, ok := g.deps.Presence.Heartbeat(p.Room, c.identity.UserID, latency)
	if !ok {
		return errNotInRoom
	}

	g.ack(c, env.Seq, map[string]any{
		"latency_ms": latency,
		"quality":    seat.Quality,
	})
	return nil
}
