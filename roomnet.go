package roomnet

import (
	"context"
	"net/http"
	"time"
)

// Server defines the server side of the realtime layer: it accepts authenticated WebSocket
// connections, keeps them in a registry, groups them into rooms and fans out envelopes.
//
// Example usage:
//
//	import "github.com/luciancaetano/roomnet/ws"
//
//	tokens, err := ws.NewTokens(secret)
//	if err != nil {
//	    return err
//	}
//	server, err := ws.New(ws.DefaultServerConfig(":8080", tokens))
//	if err != nil {
//	    return err
//	}
//	if err := server.Start(ctx); err != nil {
//	    return err
//	}
//
//	// Anywhere in the application, after a mutation:
//	server.BroadcastToRoom(ctx, roomnet.ProjectRoom("42"), roomnet.Envelope{
//	    Type: roomnet.TaskUpdate,
//	    Data: payload,
//	})
type Server interface {
	// Start starts listening for connections and starts the liveness monitor.
	// With an empty listen address only the monitor is started and Handler is expected to be
	// mounted on an existing HTTP server. A stopped server cannot be started again.
	//
	// Returns ErrServerAlreadyRunning if the server is already running, or an error
	// if there's a problem binding to the network address.
	Start(ctx context.Context) error

	// Stop stops the liveness monitor, closes every connection and shuts down the HTTP server.
	Stop(ctx context.Context) error

	// Handler returns the HTTP handler performing the WebSocket upgrade. It can be mounted
	// on an application mux instead of calling Start.
	Handler() http.Handler

	// BroadcastToRoom sends an envelope to every member of a room.
	//
	// The envelope type must be one of the routable types. The server stamps the timestamp.
	// Delivery to each member is attempted independently; a member that cannot be written to
	// is evicted and does not count as delivered.
	//
	// Parameters:
	//   - ctx: Context bounding the whole fan-out
	//   - room: Target room; an empty room delivers to nobody and is not an error
	//   - env: The envelope to send
	//   - opts: ExcludeConnection to skip one connection (typically the sender)
	//
	// Returns the number of members the envelope was handed to.
	//
	// Example:
	//
	//	n, err := server.BroadcastToRoom(ctx, roomnet.WorkspaceRoom("acme"), roomnet.Envelope{
	//	    Type: roomnet.SystemNotification,
	//	    Data: json.RawMessage(`{"text":"maintenance at 22:00"}`),
	//	})
	BroadcastToRoom(ctx context.Context, room RoomID, env Envelope, opts ...BroadcastOption) (int, error)

	// BroadcastToAll sends an envelope to every registered connection regardless of rooms.
	BroadcastToAll(ctx context.Context, env Envelope, opts ...BroadcastOption) (int, error)

	// Disconnect evicts a connection: it is removed from the registry and from every room,
	// and its transport is closed. Disconnecting an unknown id returns ErrConnectionNotFound.
	Disconnect(ctx context.Context, connectionID string) error

	// Stats returns a snapshot of the registry.
	Stats() Stats
}

// Client represents the client side of the realtime layer.
//
// A Client owns a single transport. It reconnects with exponential backoff when the transport
// fails and re-joins the rooms it was asked to join. Incoming envelopes and connection state
// changes are delivered to subscribers.
//
// Example usage:
//
//	client, err := ws.NewClient(ws.DefaultClientConfig("ws://localhost:8080/ws", ws.StaticToken(token)))
//	if err != nil {
//	    return err
//	}
//
//	client.Subscribe(roomnet.OfType(roomnet.TaskUpdate), func(env roomnet.Envelope) {
//	    render(env)
//	})
//	client.Subscribe(roomnet.OfType(roomnet.ConnectionState), func(env roomnet.Envelope) {
//	    change, _ := roomnet.ParseStateChange(env)
//	    indicator.Set(change.State)
//	})
//
//	if err := client.Connect(ctx, roomnet.ProjectRoom("42")); err != nil {
//	    return err
//	}
//	defer client.Disconnect(context.Background())
type Client interface {
	// Connect starts the connection lifecycle and joins the given rooms once connected.
	//
	// From the Disconnected state the room set is replaced by rooms. In any other state the
	// rooms are added to the current set.
	//
	// Connect waits until the client is connected, the reconnect attempts are exhausted
	// (ErrReconnectExhausted), Disconnect is called (ErrClientClosed) or ctx is done. A
	// cancelled ctx only stops the wait; the lifecycle keeps running.
	Connect(ctx context.Context, rooms ...RoomID) error

	// Disconnect tears the client down. It cancels any pending reconnect wait, abandons an
	// in-flight connection attempt and closes the transport. It is legal from any state,
	// always ends in Disconnected and is idempotent.
	Disconnect(ctx context.Context) error

	// Join adds a room to the room set and joins it immediately if connected.
	Join(ctx context.Context, room RoomID) error

	// Leave removes a room from the room set and leaves it immediately if connected.
	Leave(ctx context.Context, room RoomID) error

	// Send writes an envelope to the server. Returns ErrConnectionClosed when not connected.
	Send(ctx context.Context, env Envelope) error

	// Subscribe registers a handler for envelopes whose type matches filter.
	// Handlers run in registration order and never concurrently, so a slow handler delays
	// the ones after it. Connection state events arrive in the order the state changed.
	Subscribe(filter Filter, handler Handler) Subscription

	// State returns the current connection state.
	State() State

	// Rooms returns the rooms that are (re)joined on every connection.
	Rooms() []RoomID
}

// Authenticator validates the token presented at connect time and returns the principal.
// It is invoked once per connection, before registration.
type Authenticator interface {
	ValidateToken(ctx context.Context, token string) (principal string, err error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, token string) (string, error)

func (f AuthenticatorFunc) ValidateToken(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// ConnInfo describes a registered connection to server hooks.
type ConnInfo struct {
	ID          string
	Principal   string
	RemoteAddr  string
	ConnectedAt time.Time
}

// Stats is a snapshot of the connection registry.
type Stats struct {
	Connections int            `json:"connections"`
	Rooms       map[RoomID]int `json:"rooms"`
}

// BroadcastOptions holds per-call broadcast settings.
type BroadcastOptions struct {
	Exclude string
}

// BroadcastOption configures a single broadcast.
type BroadcastOption func(*BroadcastOptions)

// ExcludeConnection skips the given connection id during a broadcast.
func ExcludeConnection(id string) BroadcastOption {
	return func(o *BroadcastOptions) {
		o.Exclude = id
	}
}

// Filter selects envelopes by type.
type Filter func(Type) bool

// Handler receives a matching envelope.
type Handler func(Envelope)

// Subscription is returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

// OfType matches any of the given types.
func OfType(types ...Type) Filter {
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(t Type) bool {
		_, ok := set[t]
		return ok
	}
}

// AnyType matches every envelope, including connection state events.
func AnyType() Filter {
	return func(Type) bool { return true }
}
