// Package roomnet provides a realtime messaging layer for collaborative applications: a WebSocket
// server that fans out JSON envelopes to rooms, and a client that keeps a connection alive across
// network failures.
//
// # Architecture
//
// The server keeps a registry of authenticated connections and a directory of rooms. A room is
// attached to a workspace ("workspace:<id>") or a project ("project:<id>") and exists only while
// it has members. Every inbound envelope is validated, routed to the room named by its project or
// workspace id and written to each member independently, so a slow or dead member never delays
// the others. A liveness monitor pings every connection and evicts the ones that stop answering.
//
// The client owns one transport, reconnects with exponential backoff and re-joins its rooms after
// every reconnect. Envelopes and connection state changes are dispatched to subscribers.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/roomnet"
//	    "github.com/luciancaetano/roomnet/ws"
//	)
//
//	tokens, _ := ws.NewTokens(secret)
//	server, err := ws.New(ws.DefaultServerConfig(":8080", tokens))
//	if err != nil {
//	    return err
//	}
//	server.Start(ctx)
//	defer server.Stop(context.Background())
//
//	// After a mutation, anywhere in the application:
//	server.BroadcastToRoom(ctx, roomnet.ProjectRoom("42"), roomnet.Envelope{
//	    Type: roomnet.TaskUpdate,
//	    Data: json.RawMessage(`{"id":"t-1","status":"done"}`),
//	})
//
// # Protocol Format
//
// Each WebSocket text frame carries one JSON envelope:
//
//	{"type":"task_update","projectId":"42","data":{...},"timestamp":"...","userId":"alice"}
//
// The routable types are task_update, project_update, team_update, system_notification,
// chat_message and presence_status. Clients send join_room and leave_room to change their
// membership. The server sends welcome after authentication and error when it rejects a message.
// Timestamp and userId are always set by the server.
//
// Connections may join rooms at connect time with the workspaceId and projectId query parameters:
//
//	ws://host:8080/ws?token=...&workspaceId=acme&projectId=42
//
// # Close Codes
//
//   - 1000: normal closure
//   - 1001: server shutdown or failed write
//   - 1008: rate limit exceeded
//   - 4001: authentication failed
//   - 4002: heartbeat timeout
//   - 4003: evicted by the application
//
// # Rate Limiting
//
// Each connection has an independent token bucket:
//
//	cfg := ws.DefaultServerConfig(":8080", tokens) // 100 msgs/s, burst 200
//	cfg.RateLimitConfig = &ws.RateLimitConfig{
//	    MessagesPerSecond: 50,
//	    Burst:             100,
//	    Enabled:           true,
//	}
//	cfg.RateLimitConfig = ws.NoRateLimit()
//
// # Important
//
//   - A malformed envelope is rejected with an error frame; the connection stays open
//   - Delivery is at most once; there is no replay of messages missed while disconnected
//   - Configure CheckOrigin in production (never use ws.AllOrigins() in production)
package roomnet
