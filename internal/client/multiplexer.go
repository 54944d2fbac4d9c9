package client

import (
	"log/slog"
	"sync"

	"github.com/luciancaetano/roomnet"
)

// Multiplexer fans inbound envelopes out to subscribers. It holds no transport and buffers
// nothing: a subscriber only sees envelopes dispatched after it registered.
type Multiplexer struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	log    *slog.Logger
}

type subscription struct {
	id      uint64
	filter  roomnet.Filter
	handler roomnet.Handler
	mux     *Multiplexer
	once    sync.Once
}

func NewMultiplexer(log *slog.Logger) *Multiplexer {
	if log == nil {
		log = slog.Default()
	}
	return &Multiplexer{log: log}
}

// Subscribe registers handler for the envelopes whose type matches filter.
// A nil filter matches every type.
func (m *Multiplexer) Subscribe(filter roomnet.Filter, handler roomnet.Handler) roomnet.Subscription {
	if filter == nil {
		filter = roomnet.AnyType()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sub := &subscription{id: m.nextID, filter: filter, handler: handler, mux: m}
	m.subs = append(m.subs, sub)
	return sub
}

// Unsubscribe removes the subscription. Calling it more than once is a no-op.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mux.remove(s.id)
	})
}

func (m *Multiplexer) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subs {
		if sub.id == id {
			// Copy so in-flight Dispatch snapshots keep their view.
			subs := make([]*subscription, 0, len(m.subs)-1)
			subs = append(subs, m.subs[:i]...)
			m.subs = append(subs, m.subs[i+1:]...)
			return
		}
	}
}

// Dispatch invokes every matching handler in registration order. A panicking handler is
// logged and skipped.
func (m *Multiplexer) Dispatch(env roomnet.Envelope) {
	m.mu.RLock()
	subs := m.subs
	m.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter(env.Type) {
			m.invoke(sub, env)
		}
	}
}

func (m *Multiplexer) invoke(sub *subscription, env roomnet.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("subscriber panicked",
				"subscription", sub.id,
				"type", env.Type,
				"panic", r)
		}
	}()
	sub.handler(env)
}

// Len returns the number of active subscriptions.
func (m *Multiplexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
