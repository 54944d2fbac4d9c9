package roomnet

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type is the category of an envelope.
type Type string

// Routable types. Only these are fanned out to rooms.
const (
	TaskUpdate         Type = "task_update"
	ProjectUpdate      Type = "project_update"
	TeamUpdate         Type = "team_update"
	SystemNotification Type = "system_notification"
	ChatMessage        Type = "chat_message"
	PresenceStatus     Type = "presence_status"
)

// Reserved types.
const (
	// JoinRoom and LeaveRoom are sent by clients to change their room membership.
	JoinRoom  Type = "join_room"
	LeaveRoom Type = "leave_room"

	// Welcome is the first frame a server sends after a successful authentication.
	Welcome Type = "welcome"

	// ErrorNotice tells the sender that one of its messages was rejected.
	ErrorNotice Type = "error"

	// ConnectionState is emitted locally by a Client on every state change. It never
	// travels over the wire.
	ConnectionState Type = "connection_state"
)

var routableTypes = map[Type]struct{}{
	TaskUpdate:         {},
	ProjectUpdate:      {},
	TeamUpdate:         {},
	SystemNotification: {},
	ChatMessage:        {},
	PresenceStatus:     {},
}

// Routable reports whether t belongs to the closed set of types delivered to rooms.
func (t Type) Routable() bool {
	_, ok := routableTypes[t]
	return ok
}

// Envelope is the unit exchanged over the transport.
//
// Timestamp and UserID are always assigned by the server; values supplied by a client are overwritten.
type Envelope struct {
	Type        Type            `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp,omitzero"`
	UserID      string          `json:"userId,omitempty"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	ProjectID   string          `json:"projectId,omitempty"`
	Room        RoomID          `json:"room,omitempty"`
}

// Scope is the kind of entity a room is attached to.
type Scope string

const (
	ScopeWorkspace Scope = "workspace"
	ScopeProject   Scope = "project"
)

// RoomID identifies a room as "<scope>:<id>".
type RoomID string

// WorkspaceRoom returns the room of a workspace.
func WorkspaceRoom(workspaceID string) RoomID {
	return RoomID(string(ScopeWorkspace) + ":" + workspaceID)
}

// ProjectRoom returns the room of a project.
func ProjectRoom(projectID string) RoomID {
	return RoomID(string(ScopeProject) + ":" + projectID)
}

// ParseRoomID validates s and returns it as a RoomID.
func ParseRoomID(s string) (RoomID, error) {
	scope, id, ok := strings.Cut(s, ":")
	if !ok || id == "" || strings.Contains(id, ":") {
		return "", fmt.Errorf("invalid room id %q", s)
	}
	switch Scope(scope) {
	case ScopeWorkspace, ScopeProject:
		return RoomID(s), nil
	default:
		return "", fmt.Errorf("invalid room scope %q", scope)
	}
}

// Scope returns the scope part of the room id.
func (r RoomID) Scope() Scope {
	scope, _, _ := strings.Cut(string(r), ":")
	return Scope(scope)
}

// ID returns the external id part of the room id.
func (r RoomID) ID() string {
	_, id, _ := strings.Cut(string(r), ":")
	return id
}

func (r RoomID) String() string { return string(r) }

// WelcomeData is the payload of a Welcome envelope.
type WelcomeData struct {
	ConnectionID string `json:"connectionId"`
	Principal    string `json:"principal"`
}

// ErrorData is the payload of an ErrorNotice envelope.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// State is the connection state of a Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// StateChange is the payload of a ConnectionState envelope.
type StateChange struct {
	State   State         `json:"state"`
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Error   string        `json:"error,omitempty"`
	// Terminal is set when the reconnect attempts are exhausted.
	Terminal bool `json:"terminal,omitempty"`
}

// ParseStateChange decodes the payload of a ConnectionState envelope.
func ParseStateChange(env Envelope) (StateChange, error) {
	var change StateChange
	if env.Type != ConnectionState {
		return change, fmt.Errorf("envelope type %q is not %q", env.Type, ConnectionState)
	}
	if err := json.Unmarshal(env.Data, &change); err != nil {
		return change, fmt.Errorf("decode state change: %w", err)
	}
	return change, nil
}
