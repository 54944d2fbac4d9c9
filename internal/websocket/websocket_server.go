package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/roomnet"
	"github.com/luciancaetano/roomnet/internal/hub"
	"github.com/luciancaetano/roomnet/internal/protocol"
)

const (
	DefaultPath         = "/ws"
	DefaultWriteTimeout = 10 * time.Second
)

var errRateLimited = errors.New("inbound rate limit exceeded")

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
// Use this to implement CORS policies for your WebSocket server.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called after a connection is authenticated, registered and welcomed, and
// after its auto-join rooms were joined. It runs on the connection goroutine before the read
// loop starts, so it should return quickly.
type OnConnectFn = func(info roomnet.ConnInfo)

// OnDisconnectFn is called once per connection after it left the registry and every room.
// evicted is true when the server closed the connection (heartbeat timeout, write failure,
// rate limit, Disconnect or shutdown) and false when the peer went away on its own.
type OnDisconnectFn = func(info roomnet.ConnInfo, evicted bool)

type ServerConfig struct {
	// Addr is the listen address used by Start. When empty, Start only runs the liveness
	// monitor and Handler is expected to be mounted on an existing HTTP server.
	Addr string
	// Path the upgrade handler is served on by Start.
	Path string `validate:"startswith=/"`

	Authenticator roomnet.Authenticator `validate:"required"`

	HeartbeatInterval time.Duration `validate:"gt=0"`
	HeartbeatTimeout  time.Duration `validate:"gtfield=HeartbeatInterval"`
	DeliveryTimeout   time.Duration `validate:"gt=0"`
	WriteTimeout      time.Duration `validate:"gt=0"`
	// ExcludeSender skips the author of an inbound message during fan-out.
	ExcludeSender bool

	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	OnConnect       OnConnectFn
	OnDisconnect    OnDisconnectFn
	Logger          *slog.Logger
	// Now is the clock used for timestamps and heartbeats. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks the configuration after defaults were applied.
func (c *ServerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	return nil
}

func (c *ServerConfig) applyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = hub.DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.RateLimitConfig == nil {
		c.RateLimitConfig = DefaultRateLimitConfig()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Server implements roomnet.Server on top of gorilla/websocket.
type Server struct {
	cfg      ServerConfig
	log      *slog.Logger
	registry *hub.Registry
	router   *hub.Router
	monitor  *hub.Monitor
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	running bool
	server  *http.Server
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a server from cfg. Zero durations and a nil rate limit config are replaced by
// their defaults before validation.
//
// Example:
//
//	server, err := New(ServerConfig{
//	    Addr:          ":8080",
//	    Authenticator: validator,
//	    CheckOrigin:   func(r *http.Request) bool { return true },
//	    OnConnect: func(info roomnet.ConnInfo) {
//	        log.Printf("connected: %s (%s)", info.ID, info.Principal)
//	    },
//	})
func New(cfg ServerConfig) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	registry := hub.NewRegistry(log, cfg.Now)
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		router: hub.NewRouter(registry, hub.RouterConfig{
			DeliveryTimeout: cfg.DeliveryTimeout,
			ExcludeSender:   cfg.ExcludeSender,
			Now:             cfg.Now,
		}, log),
		monitor: hub.NewMonitor(registry, hub.MonitorConfig{
			Interval:    cfg.HeartbeatInterval,
			Timeout:     cfg.HeartbeatTimeout,
			PingTimeout: cfg.WriteTimeout,
			Now:         cfg.Now,
		}, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	registry.OnRemove(func(info roomnet.ConnInfo, rooms []roomnet.RoomID, evicted bool) {
		s.log.Info("client disconnected",
			"conn_id", info.ID,
			"principal", info.Principal,
			"rooms", len(rooms),
			"evicted", evicted)
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(info, evicted)
		}
	})

	return s, nil
}

// Start starts the liveness monitor and, when an address is configured, the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return roomnet.ErrServerAlreadyRunning
	}
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return fmt.Errorf("start: %w", http.ErrServerClosed)
	}
	s.running = true
	s.mu.Unlock()

	s.monitor.Start(s.ctx)

	if s.cfg.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s.Handler())

	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		s.monitor.Stop()
		s.mu.Lock()
		s.running = false
		s.server = nil
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.Info("websocket server listening", "addr", s.cfg.Addr, "path", s.cfg.Path)
		return nil
	}
}

// Stop stops the monitor, closes every connection and shuts the listener down. It also
// applies to a server that was only used through Handler. A stopped server cannot be
// started again.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.running = false
	server := s.server
	s.server = nil
	s.mu.Unlock()

	s.monitor.Stop()

	for _, conn := range s.registry.All() {
		s.registry.Evict(conn.ID(), roomnet.CloseGoingAway, roomnet.ReasonServerShutdown, errors.New("server stopping"))
	}

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the upgrade handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

func (s *Server) BroadcastToRoom(ctx context.Context, room roomnet.RoomID, env roomnet.Envelope, opts ...roomnet.BroadcastOption) (int, error) {
	return s.router.BroadcastToRoom(ctx, room, env, opts...)
}

func (s *Server) BroadcastToAll(ctx context.Context, env roomnet.Envelope, opts ...roomnet.BroadcastOption) (int, error) {
	return s.router.BroadcastToAll(ctx, env, opts...)
}

func (s *Server) Disconnect(_ context.Context, connectionID string) error {
	if !s.registry.Evict(connectionID, roomnet.CloseEvicted, roomnet.ReasonEvicted, errors.New("disconnected by application")) {
		return fmt.Errorf("disconnect: %w: %s", roomnet.ErrConnectionNotFound, connectionID)
	}
	return nil
}

func (s *Server) Stats() roomnet.Stats {
	return s.registry.Stats()
}

// tokenFromRequest reads the token from the query string, then from a bearer header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// handleWebSocket upgrades the request, authenticates the token and hands the connection to
// the read loop. Authentication happens after the upgrade so the rejection can carry the
// reserved close code.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(protocol.MaxMessageSize)

	if s.ctx.Err() != nil {
		s.reject(conn, roomnet.CloseGoingAway, roomnet.ReasonServerShutdown)
		return
	}

	principal, err := s.authenticate(r)
	if err != nil {
		s.log.Warn("authentication failed", "remote_addr", r.RemoteAddr, "error", err)
		s.reject(conn, roomnet.CloseAuthenticationFailed, roomnet.ReasonAuthenticationFailed)
		return
	}

	peer := NewPeer(conn, s.cfg.RateLimitConfig, s.cfg.WriteTimeout, s.log)
	c, err := s.registry.Register(principal, r.RemoteAddr, peer)
	if err != nil {
		s.log.Warn("registration refused", "remote_addr", r.RemoteAddr, "error", err)
		s.reject(conn, roomnet.CloseAuthenticationFailed, roomnet.ReasonAuthenticationFailed)
		return
	}
	// Stop may have swept the registry between the check above and Register.
	if s.ctx.Err() != nil {
		s.registry.Evict(c.ID(), roomnet.CloseGoingAway, roomnet.ReasonServerShutdown, errors.New("server stopping"))
		return
	}
	log := s.log.With("conn_id", c.ID(), "principal", principal)

	peer.Start(func(err error) {
		s.registry.Evict(c.ID(), roomnet.CloseGoingAway, "write failed", err)
	})

	refused := s.autoJoin(r, c, log)
	if err := s.welcome(peer, c); err != nil {
		log.Warn("send welcome failed", "error", err)
		s.registry.Evict(c.ID(), roomnet.CloseGoingAway, "write failed", err)
		return
	}
	for _, err := range refused {
		s.notify(peer, roomnet.NewProtocolError(roomnet.CodeInvalidRoom, err.Error(), err))
	}

	log.Info("client connected", "remote_addr", r.RemoteAddr)
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(c.Info())
	}

	go s.readLoop(c, peer, log)
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return "", fmt.Errorf("%w: missing token", roomnet.ErrAuthentication)
	}
	principal, err := s.cfg.Authenticator.ValidateToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, roomnet.ErrAuthentication) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", roomnet.ErrAuthentication, err)
	}
	if principal == "" {
		return "", fmt.Errorf("%w: empty principal", roomnet.ErrAuthentication)
	}
	return principal, nil
}

func (s *Server) reject(conn *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(s.cfg.WriteTimeout))
	_ = conn.Close()
}

func (s *Server) welcome(peer *Peer, c *hub.Connection) error {
	data, err := json.Marshal(roomnet.WelcomeData{ConnectionID: c.ID(), Principal: c.Principal()})
	if err != nil {
		return fmt.Errorf("marshal welcome: %w", err)
	}
	frame, err := protocol.Encode(roomnet.Envelope{
		Type:      roomnet.Welcome,
		Data:      data,
		Timestamp: s.cfg.Now().UTC(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	return peer.Send(ctx, frame)
}

// autoJoin joins the rooms named by the workspaceId and projectId query parameters.
// An invalid id is skipped and returned so it can be reported after the welcome frame.
func (s *Server) autoJoin(r *http.Request, c *hub.Connection, log *slog.Logger) []error {
	query := r.URL.Query()
	var rooms []string
	if id := query.Get("workspaceId"); id != "" {
		rooms = append(rooms, string(roomnet.WorkspaceRoom(id)))
	}
	if id := query.Get("projectId"); id != "" {
		rooms = append(rooms, string(roomnet.ProjectRoom(id)))
	}

	var refused []error
	for _, raw := range rooms {
		room, err := roomnet.ParseRoomID(raw)
		if err == nil {
			err = s.registry.Join(room, c.ID())
		}
		if err != nil {
			log.Warn("auto-join refused", "room", raw, "error", err)
			refused = append(refused, err)
		}
	}
	return refused
}

// notify sends an error notice to a single peer.
func (s *Server) notify(peer *Peer, err error) {
	frame, encErr := protocol.Encode(protocol.ErrorFrame(err))
	if encErr != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	_ = peer.Send(ctx, frame)
}

// readLoop reads frames until the connection fails. Inbound rejections are handled by the
// router and never end the loop.
func (s *Server) readLoop(c *hub.Connection, peer *Peer, log *slog.Logger) {
	defer func() {
		s.registry.Remove(c.ID())
		_ = peer.CloseWithCode(roomnet.CloseNormal, "")
	}()

	peer.conn.SetPongHandler(func(string) error {
		s.registry.Touch(c.ID())
		return nil
	})

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("unexpected websocket close", "error", err)
			}
			return
		}

		if !peer.Allow() {
			s.registry.Evict(c.ID(), roomnet.ClosePolicyViolation, roomnet.ReasonRateLimitExceeded, errRateLimited)
			return
		}

		// Rejections are logged and answered by the router.
		_ = s.router.HandleInbound(s.ctx, c.ID(), data)
	}
}
