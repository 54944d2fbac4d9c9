package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/roomnet"
)

func newTestMonitor(t *testing.T) (*Registry, *Monitor, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	registry := NewRegistry(testLog, clock.Now)
	monitor := NewMonitor(registry, MonitorConfig{
		Interval: 30 * time.Second,
		Timeout:  60 * time.Second,
		Now:      clock.Now,
	}, testLog)
	return registry, monitor, clock
}

func TestMonitor_SilentConnectionIsEvictedAfterTimeout(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := context.Background()
	registry, monitor, clock := newTestMonitor(t)
	w1 := roomnet.WorkspaceRoom("w1")

	// Given a connection that never answers pings
	conn, tr := register(t, registry, "alice")
	req.NoError(registry.Join(w1, conn.ID()))
	start := clock.Now()

	// When a sweep runs at t=59s it is still present
	req.Empty(monitor.Sweep(ctx, start.Add(59*time.Second)))
	_, ok := registry.Get(conn.ID())
	req.True(ok)
	req.Equal([]string{conn.ID()}, registry.MembersOf(w1))

	// When a sweep runs at t=61s it is gone from the registry and from every room
	req.Equal([]string{conn.ID()}, monitor.Sweep(ctx, start.Add(61*time.Second)))
	_, ok = registry.Get(conn.ID())
	req.False(ok)
	req.Empty(registry.MembersOf(w1))

	code, count := tr.closed()
	req.Equal(roomnet.CloseHeartbeatTimeout, code)
	req.Equal(1, count)
}

func TestMonitor_HeartbeatKeepsConnectionAlive(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := context.Background()
	registry, monitor, clock := newTestMonitor(t)

	conn, tr := register(t, registry, "alice")

	// A pong every 30 seconds keeps the connection well within the timeout
	for range 5 {
		now := clock.Advance(30 * time.Second)
		req.Empty(monitor.Sweep(ctx, now))
		registry.Touch(conn.ID())
	}

	_, ok := registry.Get(conn.ID())
	req.True(ok)
	req.EqualValues(5, tr.pings.Load())
}

func TestMonitor_PingFailureEvicts(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	registry, monitor, clock := newTestMonitor(t)

	healthy, _ := register(t, registry, "alice")
	broken, tr := register(t, registry, "bob")
	tr.pingErr = errors.New("connection reset by peer")

	evicted := monitor.Sweep(context.Background(), clock.Advance(time.Second))
	req.Equal([]string{broken.ID()}, evicted)

	_, ok := registry.Get(healthy.ID())
	req.True(ok)
	code, _ := tr.closed()
	req.Equal(roomnet.CloseGoingAway, code)
}

func TestMonitor_StartStop(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	registry := NewRegistry(testLog, nil)
	monitor := NewMonitor(registry, MonitorConfig{
		Interval: 10 * time.Millisecond,
		Timeout:  time.Minute,
	}, testLog)

	_, tr := register(t, registry, "alice")

	monitor.Start(context.Background())
	monitor.Start(context.Background())

	req.Eventually(func() bool {
		return tr.pings.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	monitor.Stop()
	monitor.Stop()

	pings := tr.pings.Load()
	time.Sleep(50 * time.Millisecond)
	req.Equal(pings, tr.pings.Load(), "no sweep may run after Stop")
}
