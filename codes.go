package roomnet

// WebSocket close codes used by the server.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008

	// CloseAuthenticationFailed is sent when the token is missing or invalid.
	// The server does not process the connection any further.
	CloseAuthenticationFailed = 4001

	// CloseHeartbeatTimeout is sent when the liveness monitor evicts a connection.
	CloseHeartbeatTimeout = 4002

	// CloseEvicted is sent when application code disconnects a connection.
	CloseEvicted = 4003
)

// Close reasons.
const (
	ReasonAuthenticationFailed = "authentication failed"
	ReasonHeartbeatTimeout     = "heartbeat timeout"
	ReasonRateLimitExceeded    = "rate limit exceeded"
	ReasonEvicted              = "evicted"
	ReasonServerShutdown       = "server shutdown"
)
