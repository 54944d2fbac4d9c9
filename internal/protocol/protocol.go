package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/luciancaetano/roomnet"
)

// MaxMessageSize bounds a single frame in both directions.
const MaxMessageSize = 1 << 20

var validate = validator.New()

// inbound is the shape a client is allowed to send. Timestamp and userId are not read.
type inbound struct {
	Type        roomnet.Type    `json:"type" validate:"required,oneof=task_update project_update team_update system_notification chat_message presence_status join_room leave_room"`
	Data        json.RawMessage `json:"data"`
	WorkspaceID string          `json:"workspaceId" validate:"omitempty,max=128,excludesall=:"`
	ProjectID   string          `json:"projectId" validate:"omitempty,max=128,excludesall=:"`
	Room        string          `json:"room" validate:"omitempty,max=192"`
}

// Encode marshals an envelope into a text frame.
func Encode(env roomnet.Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, errors.New("envelope type is empty")
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(out) > MaxMessageSize {
		return nil, fmt.Errorf("envelope size %d exceeds maximum %d bytes", len(out), MaxMessageSize)
	}
	return out, nil
}

// Decode parses and validates a frame sent by a client.
// Every failure is a *roomnet.ProtocolError.
func Decode(data []byte) (roomnet.Envelope, error) {
	if len(data) > MaxMessageSize {
		return roomnet.Envelope{}, roomnet.NewProtocolError(roomnet.CodeInvalidEnvelope,
			fmt.Sprintf("frame size %d exceeds maximum %d bytes", len(data), MaxMessageSize), nil)
	}

	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return roomnet.Envelope{}, roomnet.NewProtocolError(roomnet.CodeInvalidEnvelope, "malformed json", err)
	}

	if err := validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 && fieldErrs[0].Field() == "Type" {
			return roomnet.Envelope{}, roomnet.NewProtocolError(roomnet.CodeUnknownType,
				fmt.Sprintf("unknown type %q", in.Type), err)
		}
		return roomnet.Envelope{}, roomnet.NewProtocolError(roomnet.CodeInvalidEnvelope, "validation failed", err)
	}

	env := roomnet.Envelope{
		Type:        in.Type,
		Data:        in.Data,
		WorkspaceID: in.WorkspaceID,
		ProjectID:   in.ProjectID,
	}

	if in.Type == roomnet.JoinRoom || in.Type == roomnet.LeaveRoom {
		room, err := roomnet.ParseRoomID(in.Room)
		if err != nil {
			return roomnet.Envelope{}, roomnet.NewProtocolError(roomnet.CodeInvalidRoom, "invalid room", err)
		}
		env.Room = room
	}

	return env, nil
}

// DecodeServer parses a frame received from the server. Server frames are trusted, so only
// the JSON shape and a non-empty type are checked.
func DecodeServer(data []byte) (roomnet.Envelope, error) {
	var env roomnet.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return roomnet.Envelope{}, fmt.Errorf("unmarshal server frame: %w", err)
	}
	if env.Type == "" {
		return roomnet.Envelope{}, errors.New("server frame without type")
	}
	return env, nil
}

// Route returns the room an envelope of a routable type is delivered to.
func Route(env roomnet.Envelope) (roomnet.RoomID, error) {
	switch env.Type {
	case roomnet.TaskUpdate, roomnet.ProjectUpdate:
		if env.ProjectID == "" {
			return "", roomnet.NewProtocolError(roomnet.CodeMissingRoute,
				fmt.Sprintf("%s requires projectId", env.Type), nil)
		}
		return roomnet.ProjectRoom(env.ProjectID), nil
	case roomnet.ChatMessage, roomnet.TeamUpdate, roomnet.PresenceStatus, roomnet.SystemNotification:
		if env.WorkspaceID == "" {
			return "", roomnet.NewProtocolError(roomnet.CodeMissingRoute,
				fmt.Sprintf("%s requires workspaceId", env.Type), nil)
		}
		return roomnet.WorkspaceRoom(env.WorkspaceID), nil
	default:
		return "", roomnet.NewProtocolError(roomnet.CodeUnknownType,
			fmt.Sprintf("type %q is not routable", env.Type), nil)
	}
}

// ErrorFrame builds the notice sent back to the author of a rejected message.
func ErrorFrame(err error) roomnet.Envelope {
	data := roomnet.ErrorData{Code: roomnet.CodeInvalidEnvelope, Message: err.Error()}
	var perr *roomnet.ProtocolError
	if errors.As(err, &perr) {
		data.Code = perr.Code
		data.Message = perr.Reason
	}
	raw, _ := json.Marshal(data)
	return roomnet.Envelope{Type: roomnet.ErrorNotice, Data: raw}
}
