package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/roomnet"
	"github.com/luciancaetano/roomnet/internal/protocol"
)

const defaultDeliveryTimeout = 5 * time.Second

type RouterConfig struct {
	// DeliveryTimeout bounds the hand-off of one frame to one member.
	DeliveryTimeout time.Duration
	// ExcludeSender skips the author when fanning out an inbound message.
	ExcludeSender bool
	Now           func() time.Time
}

// Router validates inbound envelopes and fans them out to rooms.
type Router struct {
	registry *Registry
	cfg      RouterConfig
	log      *slog.Logger
}

func NewRouter(registry *Registry, cfg RouterConfig, log *slog.Logger) *Router {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{registry: registry, cfg: cfg, log: log}
}

// HandleInbound processes one frame received from connID.
//
// A rejected frame is logged and answered with an error notice; the connection stays open.
// The returned error is informational.
func (r *Router) HandleInbound(ctx context.Context, connID string, raw []byte) error {
	conn, ok := r.registry.Get(connID)
	if !ok {
		return fmt.Errorf("inbound frame: %w: %s", roomnet.ErrConnectionNotFound, connID)
	}
	r.registry.Touch(connID)

	env, err := protocol.Decode(raw)
	if err != nil {
		r.reject(ctx, conn, err)
		return err
	}

	switch env.Type {
	case roomnet.JoinRoom:
		return r.registry.Join(env.Room, connID)
	case roomnet.LeaveRoom:
		r.registry.Leave(env.Room, connID)
		return nil
	}

	room, err := protocol.Route(env)
	if err != nil {
		r.reject(ctx, conn, err)
		return err
	}

	env.Timestamp = r.cfg.Now().UTC()
	env.UserID = conn.Principal()

	var exclude string
	if r.cfg.ExcludeSender {
		exclude = connID
	}
	_, err = r.deliver(ctx, r.registry.Members(room), env, exclude)
	return err
}

// BroadcastToRoom is the entry point for application code.
func (r *Router) BroadcastToRoom(ctx context.Context, room roomnet.RoomID, env roomnet.Envelope, opts ...roomnet.BroadcastOption) (int, error) {
	if err := r.prepare(&env); err != nil {
		return 0, err
	}
	return r.deliver(ctx, r.registry.Members(room), env, options(opts).Exclude)
}

// BroadcastToAll delivers to every registered connection.
func (r *Router) BroadcastToAll(ctx context.Context, env roomnet.Envelope, opts ...roomnet.BroadcastOption) (int, error) {
	if err := r.prepare(&env); err != nil {
		return 0, err
	}
	return r.deliver(ctx, r.registry.All(), env, options(opts).Exclude)
}

func (r *Router) prepare(env *roomnet.Envelope) error {
	if !env.Type.Routable() {
		return roomnet.NewProtocolError(roomnet.CodeUnknownType,
			fmt.Sprintf("type %q is not routable", env.Type), nil)
	}
	env.Timestamp = r.cfg.Now().UTC()
	return nil
}

func options(opts []roomnet.BroadcastOption) roomnet.BroadcastOptions {
	var o roomnet.BroadcastOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// deliver hands the encoded frame to every member concurrently. A member whose transport
// fails is evicted; the others are unaffected.
func (r *Router) deliver(ctx context.Context, members []*Connection, env roomnet.Envelope, exclude string) (int, error) {
	frame, err := protocol.Encode(env)
	if err != nil {
		return 0, err
	}

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, member := range members {
		if member.ID() == exclude {
			continue
		}
		wg.Go(func() {
			sendCtx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
			defer cancel()

			if err := member.Transport().Send(sendCtx, frame); err != nil {
				if ctx.Err() != nil {
					// The broadcast itself was cancelled, the peer is not at fault.
					return
				}
				r.registry.Evict(member.ID(), roomnet.CloseGoingAway, "write failed", err)
				return
			}
			delivered.Add(1)
		})
	}
	wg.Wait()

	r.log.Debug("envelope delivered",
		"type", env.Type,
		"members", len(members),
		"delivered", delivered.Load())
	return int(delivered.Load()), nil
}

func (r *Router) reject(ctx context.Context, conn *Connection, err error) {
	r.log.Warn("inbound envelope rejected",
		"conn_id", conn.ID(),
		"principal", conn.Principal(),
		"error", err)

	frame, encErr := protocol.Encode(protocol.ErrorFrame(err))
	if encErr != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
	defer cancel()
	if sendErr := conn.Transport().Send(sendCtx, frame); sendErr != nil && !errors.Is(sendErr, context.Canceled) {
		r.registry.Evict(conn.ID(), roomnet.CloseGoingAway, "write failed", sendErr)
	}
}
