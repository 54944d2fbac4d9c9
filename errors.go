package roomnet

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when a connection presents no token or an invalid one.
	ErrAuthentication = errors.New("authentication failed")

	// ErrProtocol marks a malformed or unrecognized envelope. It is scoped to one message.
	ErrProtocol = errors.New("protocol error")

	// ErrConnectionLost marks a peer detected dead by a write failure or a heartbeat timeout.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnectExhausted is the terminal client failure after the last reconnect attempt.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	ErrConnectionNotFound   = errors.New("connection not found")
	ErrConnectionClosed     = errors.New("connection is closed")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrClientClosed         = errors.New("client closed")
)

// ProtocolError describes why an inbound envelope was rejected.
type ProtocolError struct {
	Code   string
	Reason string
	Err    error
}

// Codes carried by ProtocolError and by ErrorNotice envelopes.
const (
	CodeInvalidEnvelope = "invalid_envelope"
	CodeUnknownType     = "unknown_type"
	CodeMissingRoute    = "missing_route"
	CodeInvalidRoom     = "invalid_room"
)

func NewProtocolError(code, reason string, err error) *ProtocolError {
	return &ProtocolError{Code: code, Reason: reason, Err: err}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrProtocol, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrProtocol, e.Reason)
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocol}
	}
	return []error{ErrProtocol, e.Err}
}

// ConnectionLostError identifies the connection that was evicted and why.
type ConnectionLostError struct {
	ConnectionID string
	Cause        error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrConnectionLost, e.ConnectionID, e.Cause)
}

func (e *ConnectionLostError) Unwrap() []error {
	return []error{ErrConnectionLost, e.Cause}
}

// ReconnectExhaustedError is surfaced to subscribers and returned from Connect when a client gives up.
type ReconnectExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrReconnectExhausted, e.Attempts, e.Last)
}

func (e *ReconnectExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrReconnectExhausted}
	}
	return []error{ErrReconnectExhausted, e.Last}
}
