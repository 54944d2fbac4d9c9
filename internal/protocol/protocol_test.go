package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/roomnet"
)

// TestDecode tests the Decode function with valid and invalid client frames
func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		frame    string
		wantType roomnet.Type
		wantCode string
	}{
		{
			name:     "task update with project",
			frame:    `{"type":"task_update","projectId":"42","data":{"id":1}}`,
			wantType: roomnet.TaskUpdate,
		},
		{
			name:     "chat message with workspace",
			frame:    `{"type":"chat_message","workspaceId":"acme","data":{"text":"hi"}}`,
			wantType: roomnet.ChatMessage,
		},
		{
			name:     "join room",
			frame:    `{"type":"join_room","room":"project:42"}`,
			wantType: roomnet.JoinRoom,
		},
		{
			name:     "malformed json",
			frame:    `{"type":`,
			wantCode: roomnet.CodeInvalidEnvelope,
		},
		{
			name:     "unknown type",
			frame:    `{"type":"delete_everything"}`,
			wantCode: roomnet.CodeUnknownType,
		},
		{
			name:     "missing type",
			frame:    `{"data":{}}`,
			wantCode: roomnet.CodeUnknownType,
		},
		{
			name:     "server-only type",
			frame:    `{"type":"welcome"}`,
			wantCode: roomnet.CodeUnknownType,
		},
		{
			name:     "client-local type",
			frame:    `{"type":"connection_state"}`,
			wantCode: roomnet.CodeUnknownType,
		},
		{
			name:     "join without room",
			frame:    `{"type":"join_room"}`,
			wantCode: roomnet.CodeInvalidRoom,
		},
		{
			name:     "join with bad scope",
			frame:    `{"type":"join_room","room":"team:1"}`,
			wantCode: roomnet.CodeInvalidRoom,
		},
		{
			name:     "project id with separator",
			frame:    `{"type":"task_update","projectId":"4:2"}`,
			wantCode: roomnet.CodeInvalidEnvelope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := require.New(t)

			env, err := Decode([]byte(tt.frame))

			if tt.wantCode != "" {
				req.Error(err)
				req.ErrorIs(err, roomnet.ErrProtocol)
				var perr *roomnet.ProtocolError
				req.True(errors.As(err, &perr))
				req.Equal(tt.wantCode, perr.Code)
				return
			}
			req.NoError(err)
			req.Equal(tt.wantType, env.Type)
		})
	}
}

// TestDecodeDropsClientStamps tests that a client cannot forge timestamp or user id
func TestDecodeDropsClientStamps(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	env, err := Decode([]byte(`{"type":"chat_message","workspaceId":"w","userId":"mallory","timestamp":"2001-01-01T00:00:00Z"}`))

	req.NoError(err)
	req.Empty(env.UserID)
	req.True(env.Timestamp.IsZero())
}

// TestDecodeOversizedFrame tests the frame size limit
func TestDecodeOversizedFrame(t *testing.T) {
	t.Parallel()

	frame := `{"type":"chat_message","data":"` + strings.Repeat("a", MaxMessageSize) + `"}`
	_, err := Decode([]byte(frame))

	require.ErrorIs(t, err, roomnet.ErrProtocol)
}

// TestEncodeDecodeServer tests that server frames survive a round trip
func TestEncodeDecodeServer(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := roomnet.Envelope{
		Type:      roomnet.TaskUpdate,
		Data:      json.RawMessage(`{"id":7}`),
		Timestamp: at,
		UserID:    "alice",
		ProjectID: "42",
	}

	frame, err := Encode(in)
	req.NoError(err)

	out, err := DecodeServer(frame)
	req.NoError(err)
	req.Equal(in.Type, out.Type)
	req.Equal(in.UserID, out.UserID)
	req.Equal(in.ProjectID, out.ProjectID)
	req.True(at.Equal(out.Timestamp))
	req.JSONEq(string(in.Data), string(out.Data))
}

// TestEncodeRejectsEmptyType tests that an envelope without type is never written
func TestEncodeRejectsEmptyType(t *testing.T) {
	t.Parallel()

	_, err := Encode(roomnet.Envelope{})
	require.Error(t, err)
}

// TestRoute tests the type-specific routing rules
func TestRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		env      roomnet.Envelope
		wantRoom roomnet.RoomID
		wantErr  bool
	}{
		{"task update", roomnet.Envelope{Type: roomnet.TaskUpdate, ProjectID: "42"}, "project:42", false},
		{"project update", roomnet.Envelope{Type: roomnet.ProjectUpdate, ProjectID: "7"}, "project:7", false},
		{"chat message", roomnet.Envelope{Type: roomnet.ChatMessage, WorkspaceID: "acme"}, "workspace:acme", false},
		{"team update", roomnet.Envelope{Type: roomnet.TeamUpdate, WorkspaceID: "acme"}, "workspace:acme", false},
		{"presence", roomnet.Envelope{Type: roomnet.PresenceStatus, WorkspaceID: "acme"}, "workspace:acme", false},
		{"notification", roomnet.Envelope{Type: roomnet.SystemNotification, WorkspaceID: "acme"}, "workspace:acme", false},
		{"task update without project", roomnet.Envelope{Type: roomnet.TaskUpdate, WorkspaceID: "acme"}, "", true},
		{"chat without workspace", roomnet.Envelope{Type: roomnet.ChatMessage, ProjectID: "42"}, "", true},
		{"control type", roomnet.Envelope{Type: roomnet.JoinRoom}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := require.New(t)

			room, err := Route(tt.env)
			if tt.wantErr {
				req.ErrorIs(err, roomnet.ErrProtocol)
				return
			}
			req.NoError(err)
			req.Equal(tt.wantRoom, room)
		})
	}
}

// TestErrorFrame tests the notice built for a rejected message
func TestErrorFrame(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	env := ErrorFrame(roomnet.NewProtocolError(roomnet.CodeUnknownType, "unknown type \"x\"", nil))

	req.Equal(roomnet.ErrorNotice, env.Type)
	var data roomnet.ErrorData
	req.NoError(json.Unmarshal(env.Data, &data))
	req.Equal(roomnet.CodeUnknownType, data.Code)
}

// BenchmarkDecode benchmarks decoding a typical client frame
func BenchmarkDecode(b *testing.B) {
	frame := []byte(`{"type":"task_update","projectId":"42","data":{"id":1,"title":"write tests"}}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(frame)
	}
}
