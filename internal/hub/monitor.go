package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/luciancaetano/roomnet"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
)

type MonitorConfig struct {
	// Interval between two sweeps.
	Interval time.Duration
	// Timeout after which a silent connection is evicted. Must be greater than Interval.
	Timeout time.Duration
	// PingTimeout bounds one ping write.
	PingTimeout time.Duration
	Now         func() time.Time
}

// Monitor periodically pings every connection and evicts the ones that stopped answering.
// It is the authority on liveness when transports fail silently.
type Monitor struct {
	registry *Registry
	cfg      MonitorConfig
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(registry *Registry, cfg MonitorConfig, log *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHeartbeatTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{registry: registry, cfg: cfg, log: log}
}

// Start launches the sweep loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, m.done)

	m.log.Info("liveness monitor started", "interval", m.cfg.Interval, "timeout", m.cfg.Timeout)
}

// Stop terminates the sweep loop and waits for it.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.log.Info("liveness monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, m.cfg.Now())
		}
	}
}

// Sweep evicts every connection silent for longer than the timeout at now and pings the others.
// It returns the evicted connection ids.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) []string {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		evicted []string
	)
	evict := func(id string, code int, reason string, cause error) {
		if m.registry.Evict(id, code, reason, cause) {
			mu.Lock()
			evicted = append(evicted, id)
			mu.Unlock()
		}
	}

	for _, conn := range m.registry.All() {
		silence := now.Sub(conn.LastHeartbeat())
		if silence > m.cfg.Timeout {
			evict(conn.ID(), roomnet.CloseHeartbeatTimeout, roomnet.ReasonHeartbeatTimeout,
				fmt.Errorf("no heartbeat for %s", silence))
			continue
		}

		wg.Go(func() {
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
			defer cancel()
			if err := conn.Transport().Ping(pingCtx); err != nil && ctx.Err() == nil {
				evict(conn.ID(), roomnet.CloseGoingAway, "ping failed", err)
			}
		})
	}
	wg.Wait()

	if len(evicted) > 0 {
		m.log.Info("liveness sweep evicted connections", "count", len(evicted))
	}
	return evicted
}
