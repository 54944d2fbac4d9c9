package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/roomnet"
)

const sendBufferSize = 256

// Peer is the server side of one WebSocket connection. It implements hub.Transport.
//
// Writes go through a buffered channel drained by a single write pump. Ping and close frames
// use WriteControl, which gorilla allows concurrently with the pump.
type Peer struct {
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	sendCh       chan []byte
	writeTimeout time.Duration
	log          *slog.Logger

	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter
}

// NewPeer wraps an upgraded connection. The write pump starts with Start.
func NewPeer(conn *websocket.Conn, rateLimitConfig *RateLimitConfig, writeTimeout time.Duration, log *slog.Logger) *Peer {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rateLimitConfig != nil && rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(rateLimitConfig.MessagesPerSecond, rateLimitConfig.Burst)
	}

	return &Peer{
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		sendCh:       make(chan []byte, sendBufferSize),
		writeTimeout: writeTimeout,
		log:          log,
		rateLimiter:  limiter,
	}
}

// Start runs the write pump. onWriteError is called once if a write fails.
func (p *Peer) Start(onWriteError func(error)) {
	go p.writePump(onWriteError)
}

// Context is cancelled when the peer is closed.
func (p *Peer) Context() context.Context {
	return p.ctx
}

// Send queues a text frame. It fails when the peer is closed or when ctx ends before the
// frame could be queued.
func (p *Peer) Send(ctx context.Context, frame []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return roomnet.ErrConnectionClosed
	}

	select {
	case p.sendCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return roomnet.ErrConnectionClosed
	}
}

// Ping writes a ping control frame.
func (p *Peer) Ping(ctx context.Context) error {
	if p.ctx.Err() != nil {
		return roomnet.ErrConnectionClosed
	}
	deadline := time.Now().Add(p.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return p.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// CloseWithCode sends a close frame and closes the underlying connection. Only the first call
// has an effect.
func (p *Peer) CloseWithCode(code int, reason string) error {
	// Unblock pending senders before waiting for the lock.
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	message := websocket.FormatCloseMessage(code, reason)
	if err := p.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second)); err != nil {
		p.log.Debug("write close frame failed", "error", err)
	}
	return p.conn.Close()
}

// Allow reports whether one more inbound message fits the rate limit.
func (p *Peer) Allow() bool {
	if p.rateLimiter == nil {
		return true
	}
	return p.rateLimiter.Allow()
}

func (p *Peer) IsAlive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed
}

func (p *Peer) writePump(onWriteError func(error)) {
	for {
		select {
		case message := <-p.sendCh:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if p.ctx.Err() == nil && onWriteError != nil {
					onWriteError(err)
				}
				return
			}

		case <-p.ctx.Done():
			return
		}
	}
}
