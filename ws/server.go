package ws

import (
	"net/http"
	"time"

	"github.com/luciancaetano/roomnet"
	"github.com/luciancaetano/roomnet/internal/auth"
	"github.com/luciancaetano/roomnet/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnDisconnectFn
type ServerConfig = websocket.ServerConfig

// Tokens issues and validates HS256 tokens. It implements roomnet.Authenticator.
type Tokens = auth.Tokens

// New creates a WebSocket server. Zero durations in cfg are replaced by their defaults.
//
// Parameters:
//   - cfg.Addr: The listen address (e.g. ":8080"). Leave empty to mount Handler() on your own mux
//   - cfg.Authenticator: Validates the token of every connection. Required
//   - cfg.RateLimitConfig: Use DefaultRateLimitConfig() or NoRateLimit()
//   - cfg.CheckOrigin: Validates WebSocket origins. Use AllOrigins() to allow all (dev only)
//   - cfg.OnConnect, cfg.OnDisconnect: Optional connection callbacks
//
// Example:
//
//	cfg := ws.DefaultServerConfig(":8080", tokens)
//	cfg.OnConnect = func(info roomnet.ConnInfo) {
//	    log.Printf("connected: %s (%s)", info.ID, info.Principal)
//	}
//	server, err := ws.New(cfg)
func New(cfg ServerConfig) (roomnet.Server, error) {
	server, err := websocket.New(cfg)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// DefaultServerConfig returns a configuration with a 30s heartbeat interval, a 60s timeout
// and the default rate limit.
func DefaultServerConfig(addr string, authenticator roomnet.Authenticator) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		Path:              websocket.DefaultPath,
		Authenticator:     authenticator,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		DeliveryTimeout:   5 * time.Second,
		WriteTimeout:      websocket.DefaultWriteTimeout,
		RateLimitConfig:   DefaultRateLimitConfig(),
	}
}

// NewTokens returns an HS256 token issuer and validator for secret.
func NewTokens(secret []byte) (*Tokens, error) {
	return auth.New(secret)
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
