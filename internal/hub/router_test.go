package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/roomnet"
)

func newTestRouter(t *testing.T, cfg RouterConfig) (*Registry, *Router, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg.Now = clock.Now
	registry := NewRegistry(testLog, clock.Now)
	return registry, NewRouter(registry, cfg, testLog), clock
}

func TestRouter_InboundIsDeliveredToRoomMembers(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := context.Background()
	registry, router, clock := newTestRouter(t, RouterConfig{})
	p1 := roomnet.ProjectRoom("p1")

	// Given A and B in project p1, C in project p2
	a, trA := register(t, registry, "alice")
	b, trB := register(t, registry, "bob")
	c, trC := register(t, registry, "carol")
	req.NoError(registry.Join(p1, a.ID()))
	req.NoError(registry.Join(p1, b.ID()))
	req.NoError(registry.Join(roomnet.ProjectRoom("p2"), c.ID()))

	// When A publishes a task update with a forged author and timestamp
	raw := []byte(`{"type":"task_update","projectId":"p1","userId":"mallory","timestamp":"2000-01-01T00:00:00Z","data":{"taskId":"t1"}}`)
	req.NoError(router.HandleInbound(ctx, a.ID(), raw))

	// Then A and B receive it stamped by the server, C does not
	for _, tr := range []*fakeTransport{trA, trB} {
		envs := tr.envelopes(t)
		req.Len(envs, 1)
		req.Equal(roomnet.TaskUpdate, envs[0].Type)
		req.Equal("alice", envs[0].UserID)
		req.True(clock.Now().Equal(envs[0].Timestamp))
		req.JSONEq(`{"taskId":"t1"}`, string(envs[0].Data))
	}
	req.Empty(trC.envelopes(t))
}

func TestRouter_ExcludeSender(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	registry, router, _ := newTestRouter(t, RouterConfig{ExcludeSender: true})
	w1 := roomnet.WorkspaceRoom("w1")

	a, trA := register(t, registry, "alice")
	b, trB := register(t, registry, "bob")
	req.NoError(registry.Join(w1, a.ID()))
	req.NoError(registry.Join(w1, b.ID()))

	raw := []byte(`{"type":"chat_message","workspaceId":"w1","data":{"text":"hi"}}`)
	req.NoError(router.HandleInbound(context.Background(), a.ID(), raw))

	req.Empty(trA.envelopes(t))
	req.Len(trB.envelopes(t), 1)
}

func TestRouter_RejectedInboundIsNotDelivered(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		code string
	}{
		{name: "malformed json", raw: `{"type":`, code: roomnet.CodeInvalidEnvelope},
		{name: "unknown type", raw: `{"type":"wire_transfer","workspaceId":"w1"}`, code: roomnet.CodeUnknownType},
		{name: "server only type", raw: `{"type":"welcome","workspaceId":"w1"}`, code: roomnet.CodeUnknownType},
		{name: "task without project", raw: `{"type":"task_update","workspaceId":"w1"}`, code: roomnet.CodeMissingRoute},
		{name: "chat without workspace", raw: `{"type":"chat_message","projectId":"p1"}`, code: roomnet.CodeMissingRoute},
		{name: "join with bad room", raw: `{"type":"join_room","room":"galaxy:1"}`, code: roomnet.CodeInvalidRoom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := require.New(t)
			registry, router, _ := newTestRouter(t, RouterConfig{})
			w1, p1 := roomnet.WorkspaceRoom("w1"), roomnet.ProjectRoom("p1")

			a, trA := register(t, registry, "alice")
			b, trB := register(t, registry, "bob")
			for _, id := range []string{a.ID(), b.ID()} {
				req.NoError(registry.Join(w1, id))
				req.NoError(registry.Join(p1, id))
			}

			err := router.HandleInbound(context.Background(), a.ID(), []byte(tt.raw))
			req.ErrorIs(err, roomnet.ErrProtocol)

			// The peer never sees the frame
			req.Empty(trB.envelopes(t))

			// The sender is told why and stays connected
			envs := trA.envelopes(t)
			req.Len(envs, 1)
			req.Equal(roomnet.ErrorNotice, envs[0].Type)
			var data roomnet.ErrorData
			req.NoError(json.Unmarshal(envs[0].Data, &data))
			req.Equal(tt.code, data.Code)

			_, ok := registry.Get(a.ID())
			req.True(ok)
		})
	}
}

func TestRouter_JoinAndLeaveFrames(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := context.Background()
	registry, router, _ := newTestRouter(t, RouterConfig{})
	p9 := roomnet.ProjectRoom("p9")

	a, trA := register(t, registry, "alice")

	req.NoError(router.HandleInbound(ctx, a.ID(), []byte(`{"type":"join_room","room":"project:p9"}`)))
	req.Equal([]string{a.ID()}, registry.MembersOf(p9))

	req.NoError(router.HandleInbound(ctx, a.ID(), []byte(`{"type":"leave_room","room":"project:p9"}`)))
	req.Empty(registry.MembersOf(p9))

	// Leaving again is not an error
	req.NoError(router.HandleInbound(ctx, a.ID(), []byte(`{"type":"leave_room","room":"project:p9"}`)))
	req.Empty(trA.envelopes(t))
}

func TestRouter_InboundFromUnknownConnection(t *testing.T) {
	t.Parallel()
	_, router, _ := newTestRouter(t, RouterConfig{})

	err := router.HandleInbound(context.Background(), "ghost", []byte(`{"type":"chat_message","workspaceId":"w1"}`))
	require.ErrorIs(t, err, roomnet.ErrConnectionNotFound)
}

func TestRouter_InboundRefreshesHeartbeat(t *testing.T) {
	t.Parallel()
	registry, router, clock := newTestRouter(t, RouterConfig{})
	a, _ := register(t, registry, "alice")

	now := clock.Advance(40 * time.Second)
	_ = router.HandleInbound(context.Background(), a.ID(), []byte(`{"type":"join_room","room":"workspace:w1"}`))
	require.True(t, now.Equal(a.LastHeartbeat()))
}

func TestRouter_BroadcastToRoom(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := context.Background()
	registry, router, _ := newTestRouter(t, RouterConfig{})
	w1 := roomnet.WorkspaceRoom("w1")

	a, trA := register(t, registry, "alice")
	b, trB := register(t, registry, "bob")
	_, trC := register(t, registry, "carol")
	req.NoError(registry.Join(w1, a.ID()))
	req.NoError(registry.Join(w1, b.ID()))

	env := roomnet.Envelope{Type: roomnet.SystemNotification, Data: json.RawMessage(`{"msg":"maintenance"}`)}

	n, err := router.BroadcastToRoom(ctx, w1, env)
	req.NoError(err)
	req.Equal(2, n)

	n, err = router.BroadcastToRoom(ctx, w1, env, roomnet.ExcludeConnection(a.ID()))
	req.NoError(err)
	req.Equal(1, n)

	req.Len(trA.envelopes(t), 1)
	req.Len(trB.envelopes(t), 2)
	req.Empty(trC.envelopes(t))

	n, err = router.BroadcastToRoom(ctx, roomnet.ProjectRoom("empty"), env)
	req.NoError(err)
	req.Zero(n)
}

func TestRouter_BroadcastRejectsReservedTypes(t *testing.T) {
	t.Parallel()
	registry, router, _ := newTestRouter(t, RouterConfig{})
	_, tr := register(t, registry, "alice")

	_, err := router.BroadcastToAll(context.Background(), roomnet.Envelope{Type: roomnet.Welcome})
	require.ErrorIs(t, err, roomnet.ErrProtocol)
	require.Empty(t, tr.envelopes(t))
}

func TestRouter_BroadcastToAll(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	registry, router, _ := newTestRouter(t, RouterConfig{})

	transports := make([]*fakeTransport, 5)
	for i := range transports {
		_, transports[i] = register(t, registry, "user")
	}

	n, err := router.BroadcastToAll(context.Background(), roomnet.Envelope{Type: roomnet.SystemNotification})
	req.NoError(err)
	req.Equal(5, n)
	for _, tr := range transports {
		req.Len(tr.envelopes(t), 1)
	}
}

func TestRouter_FailingMemberIsEvicted(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	registry, router, _ := newTestRouter(t, RouterConfig{})
	w1 := roomnet.WorkspaceRoom("w1")

	a, trA := register(t, registry, "alice")
	b, trB := register(t, registry, "bob")
	req.NoError(registry.Join(w1, a.ID()))
	req.NoError(registry.Join(w1, b.ID()))

	// Given B's transport is broken
	trB.sendErr = errors.New("broken pipe")

	// When a message is broadcast to the room
	n, err := router.BroadcastToRoom(context.Background(), w1, roomnet.Envelope{Type: roomnet.TeamUpdate})

	// Then A still receives it and B is gone
	req.NoError(err)
	req.Equal(1, n)
	req.Len(trA.envelopes(t), 1)

	_, ok := registry.Get(b.ID())
	req.False(ok)
	req.Equal([]string{a.ID()}, registry.MembersOf(w1))
	code, count := trB.closed()
	req.Equal(roomnet.CloseGoingAway, code)
	req.Equal(1, count)
}

func TestRouter_SlowMemberDoesNotStallOthers(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	registry, router, _ := newTestRouter(t, RouterConfig{DeliveryTimeout: 50 * time.Millisecond})
	w1 := roomnet.WorkspaceRoom("w1")

	a, trA := register(t, registry, "alice")
	b, trB := register(t, registry, "bob")
	req.NoError(registry.Join(w1, a.ID()))
	req.NoError(registry.Join(w1, b.ID()))
	trB.block = true

	start := time.Now()
	n, err := router.BroadcastToRoom(context.Background(), w1, roomnet.Envelope{Type: roomnet.ChatMessage})
	req.NoError(err)
	req.Less(time.Since(start), time.Second)

	req.Equal(1, n)
	req.Len(trA.envelopes(t), 1)
	_, ok := registry.Get(b.ID())
	req.False(ok, "slow member must be evicted after the delivery timeout")
}

func TestRouter_CancelledBroadcastDoesNotEvict(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	registry, router, _ := newTestRouter(t, RouterConfig{DeliveryTimeout: time.Minute})
	w1 := roomnet.WorkspaceRoom("w1")

	b, trB := register(t, registry, "bob")
	req.NoError(registry.Join(w1, b.ID()))
	trB.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	n, err := router.BroadcastToRoom(ctx, w1, roomnet.Envelope{Type: roomnet.ChatMessage})
	req.NoError(err)
	req.Zero(n)
	_, ok := registry.Get(b.ID())
	req.True(ok)
}
