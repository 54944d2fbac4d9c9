package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/luciancaetano/roomnet"
	"github.com/luciancaetano/roomnet/internal/protocol"
)

// maxPendingEvents bounds the envelopes a reader may queue ahead of the subscribers.
const maxPendingEvents = 256

type Config struct {
	URL   string      `validate:"required,url"`
	Token TokenSource `validate:"required"`
	// Dialer opens the transport. Defaults to a WebsocketDialer built from the timeouts below.
	Dialer Dialer `validate:"-"`

	BackoffBase time.Duration `validate:"gt=0"`
	BackoffMax  time.Duration `validate:"gtefield=BackoffBase"`
	MaxAttempts int           `validate:"gt=0"`

	// HandshakeTimeout bounds the dial and the wait for the welcome frame.
	HandshakeTimeout time.Duration `validate:"gt=0"`
	ReadTimeout      time.Duration `validate:"gt=0"`
	WriteTimeout     time.Duration `validate:"gt=0"`

	Logger *slog.Logger `validate:"-"`
}

// DefaultConfig returns a configuration with a 1s..30s backoff and 10 attempts.
func DefaultConfig(url string, token TokenSource) Config {
	return Config{
		URL:              url,
		Token:            token,
		BackoffBase:      time.Second,
		BackoffMax:       30 * time.Second,
		MaxAttempts:      10,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      90 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	return nil
}

// Controller owns the client transport and drives the connection state machine:
//
//	Disconnected -> Connecting -> Connected
//	Connecting|Connected -(failure)-> Reconnecting -(backoff)-> Connecting
//	Connecting|Connected -(failure, no attempts left)-> Disconnected
//	any -(Disconnect)-> Disconnected
//
// Each Connect from Disconnected starts a lifecycle goroutine. Disconnect cancels it and bumps
// the generation so that a lifecycle still unwinding can no longer change the state or queue
// events. Every state change is queued under the same lock that applies it, and the queue is
// drained by at most one goroutine at a time, so handlers never run concurrently and the last
// state event always matches State.
type Controller struct {
	cfg Config
	log *slog.Logger
	mux *Multiplexer

	// joinMu serializes room set changes with the join/leave frames they produce, so a
	// rejoin after reconnect never interleaves with a concurrent Join or Leave. It is
	// acquired before mu.
	joinMu sync.Mutex

	mu        sync.Mutex
	state     roomnet.State
	rooms     map[roomnet.RoomID]struct{}
	transport Transport
	connID    string
	gen       uint64
	cancel    context.CancelFunc
	waiters   []chan error

	queue    []roomnet.Envelope
	draining bool
	// space is signalled when the queue shrinks or the generation changes.
	space *sync.Cond
}

// New validates cfg and returns a disconnected controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{ReadTimeout: cfg.ReadTimeout, WriteTimeout: cfg.WriteTimeout}
	}
	c := &Controller{
		cfg:   cfg,
		log:   cfg.Logger,
		mux:   NewMultiplexer(cfg.Logger),
		state: roomnet.StateDisconnected,
		rooms: make(map[roomnet.RoomID]struct{}),
	}
	c.space = sync.NewCond(&c.mu)
	return c, nil
}

func (c *Controller) Subscribe(filter roomnet.Filter, handler roomnet.Handler) roomnet.Subscription {
	return c.mux.Subscribe(filter, handler)
}

func (c *Controller) State() roomnet.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the id assigned by the server to the current connection.
func (c *Controller) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Controller) Rooms() []roomnet.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := lo.Keys(c.rooms)
	slices.Sort(rooms)
	return rooms
}

func (c *Controller) Connect(ctx context.Context, rooms ...roomnet.RoomID) error {
	for _, room := range rooms {
		if _, err := roomnet.ParseRoomID(string(room)); err != nil {
			return err
		}
	}

	c.joinMu.Lock()
	c.mu.Lock()
	switch {
	case c.state == roomnet.StateDisconnected:
		c.rooms = lo.SliceToMap(rooms, func(r roomnet.RoomID) (roomnet.RoomID, struct{}) {
			return r, struct{}{}
		})
		c.startLocked()
	case c.state == roomnet.StateConnected && c.transport != nil:
		added := c.addRoomsLocked(rooms)
		transport := c.transport
		c.mu.Unlock()
		defer c.joinMu.Unlock()
		return c.joinAll(ctx, transport, added)
	default:
		c.addRoomsLocked(rooms)
	}

	wait := make(chan error, 1)
	c.waiters = append(c.waiters, wait)
	c.mu.Unlock()
	c.joinMu.Unlock()

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) addRoomsLocked(rooms []roomnet.RoomID) []roomnet.RoomID {
	var added []roomnet.RoomID
	for _, room := range rooms {
		if _, ok := c.rooms[room]; !ok {
			c.rooms[room] = struct{}{}
			added = append(added, room)
		}
	}
	return added
}

func (c *Controller) startLocked() {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = roomnet.StateConnecting
	c.enqueueLocked(stateEvent(roomnet.StateChange{State: roomnet.StateConnecting}))

	go c.run(ctx, c.gen)
}

// Disconnect is legal in every state and idempotent. It abandons an in-flight dial, cancels a
// pending backoff wait and closes the transport.
func (c *Controller) Disconnect(context.Context) error {
	c.mu.Lock()
	c.state = roomnet.StateDisconnected
	if c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	cancel := c.cancel
	c.cancel = nil
	transport := c.transport
	c.transport = nil
	c.connID = ""
	c.notifyLocked(roomnet.ErrClientClosed)
	c.enqueueLocked(stateEvent(roomnet.StateChange{State: roomnet.StateDisconnected}))
	c.space.Broadcast()
	c.mu.Unlock()

	cancel()
	if transport != nil {
		_ = transport.Close()
	}
	c.log.Info("client disconnected")
	return nil
}

func (c *Controller) Join(ctx context.Context, room roomnet.RoomID) error {
	if _, err := roomnet.ParseRoomID(string(room)); err != nil {
		return err
	}
	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	c.mu.Lock()
	c.rooms[room] = struct{}{}
	transport := c.transport
	c.mu.Unlock()

	if transport == nil {
		return nil
	}
	return c.write(ctx, transport, roomnet.Envelope{Type: roomnet.JoinRoom, Room: room})
}

func (c *Controller) Leave(ctx context.Context, room roomnet.RoomID) error {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	c.mu.Lock()
	delete(c.rooms, room)
	transport := c.transport
	c.mu.Unlock()

	if transport == nil {
		return nil
	}
	return c.write(ctx, transport, roomnet.Envelope{Type: roomnet.LeaveRoom, Room: room})
}

func (c *Controller) Send(ctx context.Context, env roomnet.Envelope) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()

	if transport == nil {
		return roomnet.ErrConnectionClosed
	}
	return c.write(ctx, transport, env)
}

func (c *Controller) write(ctx context.Context, transport Transport, env roomnet.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := transport.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (c *Controller) joinAll(ctx context.Context, transport Transport, rooms []roomnet.RoomID) error {
	for _, room := range rooms {
		if err := c.write(ctx, transport, roomnet.Envelope{Type: roomnet.JoinRoom, Room: room}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) notifyLocked(err error) {
	for _, wait := range c.waiters {
		wait <- err
	}
	c.waiters = nil
}

// enqueueLocked queues env for the subscribers and starts a drainer if none is running.
func (c *Controller) enqueueLocked(env roomnet.Envelope) {
	c.queue = append(c.queue, env)
	if !c.draining {
		c.draining = true
		go c.drain()
	}
}

func (c *Controller) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		env := c.queue[0]
		c.queue[0] = roomnet.Envelope{}
		c.queue = c.queue[1:]
		c.space.Broadcast()
		c.mu.Unlock()

		c.mux.Dispatch(env)
	}
}

// deliver queues an inbound envelope of lifecycle gen, waiting while the queue is full.
// It reports false once gen is no longer current.
func (c *Controller) deliver(gen uint64, env roomnet.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.gen == gen && len(c.queue) >= maxPendingEvents {
		c.space.Wait()
	}
	if c.gen != gen {
		return false
	}
	c.enqueueLocked(env)
	return true
}

// run is the lifecycle of one Connect. Once Disconnect has replaced gen, it only unwinds.
func (c *Controller) run(ctx context.Context, gen uint64) {
	failures := 0

	for {
		if failures > 0 && !c.transition(gen, roomnet.StateChange{State: roomnet.StateConnecting, Attempt: failures}) {
			return
		}

		transport, welcome, err := c.establish(ctx)
		if ctx.Err() != nil {
			if transport != nil {
				_ = transport.Close()
			}
			return
		}

		if err == nil {
			if !c.attach(gen, transport, welcome.ConnectionID) {
				_ = transport.Close()
				return
			}
			failures = 0
			c.log.Info("client connected", "conn_id", welcome.ConnectionID)

			if err = c.rejoin(ctx, transport); err == nil {
				err = c.read(gen, transport)
			}
			c.detach(gen, transport)
			_ = transport.Close()
			if ctx.Err() != nil {
				return
			}
		}

		failures++
		if failures > c.cfg.MaxAttempts {
			exhausted := &roomnet.ReconnectExhaustedError{Attempts: c.cfg.MaxAttempts, Last: err}
			c.log.Error("reconnect attempts exhausted", "attempts", c.cfg.MaxAttempts, "error", err)
			c.finish(gen, exhausted)
			return
		}

		delay := Backoff(failures, c.cfg.BackoffBase, c.cfg.BackoffMax)
		c.log.Warn("connection failed, reconnecting", "attempt", failures, "delay", delay, "error", err)
		if !c.transition(gen, roomnet.StateChange{
			State:   roomnet.StateReconnecting,
			Attempt: failures,
			Delay:   delay,
			Error:   err.Error(),
		}) {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// establish dials and waits for the welcome frame, both bounded by the handshake timeout.
func (c *Controller) establish(ctx context.Context) (Transport, roomnet.WelcomeData, error) {
	var welcome roomnet.WelcomeData

	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	token, err := c.cfg.Token(hsCtx)
	if err != nil {
		return nil, welcome, fmt.Errorf("%w: token: %w", roomnet.ErrAuthentication, err)
	}

	transport, err := c.cfg.Dialer.Dial(hsCtx, c.cfg.URL, token)
	if err != nil {
		return nil, welcome, err
	}

	// Closing the transport is the only way to interrupt ReadFrame.
	stop := context.AfterFunc(hsCtx, func() { _ = transport.Close() })
	frame, err := transport.ReadFrame()
	if !stop() {
		if ctx.Err() != nil {
			return nil, welcome, ctx.Err()
		}
		return nil, welcome, fmt.Errorf("handshake: %w", context.DeadlineExceeded)
	}
	if err != nil {
		_ = transport.Close()
		return nil, welcome, fmt.Errorf("handshake: %w", err)
	}

	env, err := protocol.DecodeServer(frame)
	if err == nil && env.Type != roomnet.Welcome {
		err = fmt.Errorf("expected %q frame, got %q", roomnet.Welcome, env.Type)
	}
	if err == nil {
		err = json.Unmarshal(env.Data, &welcome)
	}
	if err != nil {
		_ = transport.Close()
		return nil, welcome, fmt.Errorf("handshake: %w", err)
	}
	return transport, welcome, nil
}

func (c *Controller) read(gen uint64, transport Transport) error {
	for {
		frame, err := transport.ReadFrame()
		if err != nil {
			return err
		}
		env, err := protocol.DecodeServer(frame)
		if err != nil {
			c.log.Warn("dropping server frame", "error", err)
			continue
		}
		if !c.deliver(gen, env) {
			return roomnet.ErrClientClosed
		}
	}
}

// transition applies change and queues its event if gen is still the current lifecycle.
func (c *Controller) transition(gen uint64, change roomnet.StateChange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.state = change.State
	c.enqueueLocked(stateEvent(change))
	return true
}

// attach publishes a freshly established transport.
func (c *Controller) attach(gen uint64, transport Transport, connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.state = roomnet.StateConnected
	c.transport = transport
	c.connID = connID
	c.notifyLocked(nil)
	c.enqueueLocked(stateEvent(roomnet.StateChange{State: roomnet.StateConnected}))
	return true
}

// rejoin joins the current room set on a new transport.
func (c *Controller) rejoin(ctx context.Context, transport Transport) error {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()
	return c.joinAll(ctx, transport, c.Rooms())
}

func (c *Controller) detach(gen uint64, transport Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.transport != transport {
		return
	}
	c.transport = nil
	c.connID = ""
}

// finish ends a lifecycle that gave up.
func (c *Controller) finish(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.state = roomnet.StateDisconnected
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.notifyLocked(err)
	c.enqueueLocked(stateEvent(roomnet.StateChange{
		State:    roomnet.StateDisconnected,
		Error:    err.Error(),
		Terminal: true,
	}))
}

func stateEvent(change roomnet.StateChange) roomnet.Envelope {
	data, _ := json.Marshal(change)
	return roomnet.Envelope{
		Type:      roomnet.ConnectionState,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

var _ roomnet.Client = (*Controller)(nil)
