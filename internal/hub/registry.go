package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luciancaetano/roomnet"
)

// RemoveHook is called once per connection after it left the registry.
// evicted is false when the transport closed on its own.
type RemoveHook func(info roomnet.ConnInfo, rooms []roomnet.RoomID, evicted bool)

// Registry owns the live connections and their room memberships.
//
// A single RWMutex guards both the connection table and the Directory, so a room can never
// reference a connection that is not registered. Heartbeat timestamps are atomics and only
// need the read lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	dir   *Directory

	now      func() time.Time
	log      *slog.Logger
	onRemove RemoveHook
}

func NewRegistry(log *slog.Logger, now func() time.Time) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		conns: make(map[string]*Connection),
		dir:   NewDirectory(),
		now:   now,
		log:   log,
	}
}

// OnRemove installs the hook invoked after a connection is removed or evicted.
func (r *Registry) OnRemove(hook RemoveHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = hook
}

// Register adds an authenticated connection and assigns its id.
// An empty principal means the caller skipped authentication.
func (r *Registry) Register(principal, remoteAddr string, t Transport) (*Connection, error) {
	if principal == "" {
		return nil, fmt.Errorf("register connection from %s: %w", remoteAddr, roomnet.ErrAuthentication)
	}

	now := r.now()
	conn := &Connection{
		id:          uuid.NewString(),
		principal:   principal,
		remoteAddr:  remoteAddr,
		connectedAt: now,
		transport:   t,
	}
	conn.lastHeartbeat.Store(now.UnixNano())

	r.mu.Lock()
	r.conns[conn.id] = conn
	r.mu.Unlock()

	r.log.Debug("connection registered", "conn_id", conn.id, "principal", principal)
	return conn, nil
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Touch records traffic from the peer.
func (r *Registry) Touch(id string) {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if ok {
		conn.lastHeartbeat.Store(r.now().UnixNano())
	}
}

// Remove deletes the connection and its memberships. The transport is left to the caller.
// Removing an unknown id returns false.
func (r *Registry) Remove(id string) (*Connection, bool) {
	return r.remove(id, false)
}

// Evict removes the connection and closes its transport with code and reason.
// It is idempotent: concurrent evictions of the same id close the transport once.
func (r *Registry) Evict(id string, code int, reason string, cause error) bool {
	conn, ok := r.remove(id, true)
	if !ok {
		return false
	}
	r.log.Warn("connection evicted",
		"conn_id", id,
		"principal", conn.principal,
		"reason", reason,
		"error", &roomnet.ConnectionLostError{ConnectionID: id, Cause: cause})
	if err := conn.transport.CloseWithCode(code, reason); err != nil {
		r.log.Debug("close after eviction failed", "conn_id", id, "error", err)
	}
	return true
}

func (r *Registry) remove(id string, evicted bool) (*Connection, bool) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.conns, id)
	rooms := r.dir.LeaveAll(id)
	hook := r.onRemove
	r.mu.Unlock()

	r.log.Debug("connection removed", "conn_id", id, "rooms", len(rooms), "evicted", evicted)
	if hook != nil {
		hook(conn.Info(), rooms, evicted)
	}
	return conn, true
}

// Join adds a registered connection to room. Joining an already-joined room succeeds.
func (r *Registry) Join(room roomnet.RoomID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return fmt.Errorf("join %s: %w: %s", room, roomnet.ErrConnectionNotFound, id)
	}
	if r.dir.Join(room, id) {
		r.log.Debug("room joined", "conn_id", id, "room", room)
	}
	return nil
}

// Leave removes a connection from room; it never fails.
func (r *Registry) Leave(room roomnet.RoomID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dir.Leave(room, id) {
		r.log.Debug("room left", "conn_id", id, "room", room)
	}
}

// MembersOf returns the member ids of room.
func (r *Registry) MembersOf(room roomnet.RoomID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dir.MembersOf(room)
}

// Members returns a snapshot of the connections in room.
func (r *Registry) Members(room roomnet.RoomID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.dir.MembersOf(room)
	members := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		members = append(members, r.conns[id])
	}
	return members
}

// RoomsOf returns the rooms a connection belongs to.
func (r *Registry) RoomsOf(id string) []roomnet.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dir.RoomsOf(id)
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		all = append(all, conn)
	}
	return all
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Stats() roomnet.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return roomnet.Stats{
		Connections: len(r.conns),
		Rooms:       r.dir.Counts(),
	}
}
