// Package connectivity reports whether the ledger is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bamskydbest/pharm-sub001/internal/clock"
)

// Signal delivers online/offline notifications. Subscribers may be called
// repeatedly with the same value.
type Signal interface {
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Manual is a Signal driven by explicit Set calls.
type Manual struct {
	mu          sync.Mutex
	online      bool
	nextID      int
	subscribers map[int]func(bool)
}

func NewManual(online bool) *Manual {
	return &Manual{online: online, subscribers: make(map[int]func(bool))}
}

func (m *Manual) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Set records the state and notifies every subscriber, even when the
// value did not change.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	m.online = online
	subscribers := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subscribers = append(subscribers, fn)
	}
	m.mu.Unlock()

	for _, fn := range subscribers {
		fn(online)
	}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manual) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor probes the ledger on an interval and feeds transitions into a
// Manual signal.
type Monitor struct {
	pinger   Pinger
	signal   *Manual
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewMonitor(pinger Pinger, signal *Manual, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Monitor{
		pinger:   pinger,
		signal:   signal,
		clock:    clk,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("connectivity"),
	}
}

// Run probes once immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe pings the ledger once and publishes the result if it changed.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.pinger.Ping(probeCtx)
	online := err == nil
	if online == m.signal.Online() {
		return online
	}
	if online {
		m.logger.Info("ledger reachable")
	} else {
		m.logger.Warn("ledger unreachable", zap.Error(err))
	}
	m.signal.Set(online)
	return online
}
