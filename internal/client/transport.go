package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/roomnet"
	"github.com/luciancaetano/roomnet/internal/protocol"
)

// Transport is one open connection to the server. ReadFrame is only called from one goroutine;
// WriteFrame may be called concurrently. Close unblocks a pending ReadFrame.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens a Transport authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, rawURL, token string) (Transport, error)
}

// TokenSource returns the token for the next connection attempt.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// WebsocketDialer dials with gorilla/websocket and passes the token as a query parameter.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	// ReadTimeout is refreshed on every frame and every server ping.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, rawURL, token string) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s://%s%s: %w", u.Scheme, u.Host, u.Path, err)
	}
	conn.SetReadLimit(protocol.MaxMessageSize)

	t := &wsTransport{
		conn:         conn,
		readTimeout:  d.ReadTimeout,
		writeTimeout: d.WriteTimeout,
	}
	conn.SetPingHandler(t.handlePing)
	return t, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) handlePing(data string) error {
	t.refreshReadDeadline()
	err := t.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.writeTimeout))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return err
}

func (t *wsTransport) refreshReadDeadline() {
	if t.readTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	t.refreshReadDeadline()
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, roomnet.CloseAuthenticationFailed) {
			return nil, fmt.Errorf("%w: %w", roomnet.ErrAuthentication, err)
		}
		return nil, fmt.Errorf("%w: %w", roomnet.ErrConnectionLost, err)
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
