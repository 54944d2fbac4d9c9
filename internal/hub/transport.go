//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=mocks/mock_transport.go -package=mocks
package hub

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/roomnet"
)

// Transport is the write side of one peer connection.
//
// Send must not block past ctx: implementations queue the frame or fail. Ping sends a liveness
// check; the answer arrives asynchronously through Registry.Touch. CloseWithCode is idempotent.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	CloseWithCode(code int, reason string) error
}

// Connection is one registered peer. Its room memberships live in the Directory.
type Connection struct {
	id          string
	principal   string
	remoteAddr  string
	connectedAt time.Time
	transport   Transport

	lastHeartbeat atomic.Int64 // unix nanoseconds
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Principal() string { return c.principal }

func (c *Connection) Transport() Transport { return c.transport }

// LastHeartbeat returns the last time traffic or a pong was seen from the peer.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *Connection) Info() roomnet.ConnInfo {
	return roomnet.ConnInfo{
		ID:          c.id,
		Principal:   c.principal,
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.connectedAt,
	}
}
