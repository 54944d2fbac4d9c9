package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/roomnet"
)

var testLog = logs.GetLoggerFromLevel(slog.LevelDebug)

// fakeTransport records frames and close calls. Send and Ping fail with the configured errors.
type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	sendErr error
	pingErr error
	block   bool

	pings      atomic.Int32
	closeCode  int
	closeCount int
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	block, err := f.block, f.sendErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Ping(context.Context) error {
	f.pings.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) CloseWithCode(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCode = code
	f.closeCount++
	return nil
}

func (f *fakeTransport) envelopes(t *testing.T) []roomnet.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]roomnet.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env roomnet.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

func (f *fakeTransport) closed() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeCount
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func register(t *testing.T, r *Registry, principal string) (*Connection, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	conn, err := r.Register(principal, "127.0.0.1:5000", tr)
	require.NoError(t, err)
	return conn, tr
}
