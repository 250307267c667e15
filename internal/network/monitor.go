// Package network tracks whether the remote service is reachable and tells
// subscribers when that changes.
package network

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultProbeInterval is how often [Monitor.Run] probes when no interval is
// configured.
const DefaultProbeInterval = 15 * time.Second

// Listener receives connectivity transitions. Callbacks run synchronously on
// the goroutine that reported the change and should return quickly.
type Listener interface {
	OnOnline(ctx context.Context)
	OnOffline(ctx context.Context)
}

// Prober checks connectivity once. A nil error means online.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to [Prober].
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Monitor holds the current online flag.
type Monitor struct {
	log *slog.Logger

	mu        sync.Mutex
	online    bool
	listeners map[int]Listener
	nextID    int
}

// NewMonitor returns a monitor in the given initial state.
func NewMonitor(log *slog.Logger, initiallyOnline bool) *Monitor {
	return &Monitor{
		log:       log,
		online:    initiallyOnline,
		listeners: make(map[int]Listener),
	}
}

// IsOnline reports the last known state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers l and returns a func that removes it again. Calling the
// returned func more than once is harmless.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetOnline records a connectivity event. Subscribers are only notified when
// the state actually flips.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.Unlock()

	if online {
		m.log.Info("network online")
	} else {
		m.log.Warn("network offline")
	}
	for _, l := range ls {
		if online {
			l.OnOnline(ctx)
		} else {
			l.OnOffline(ctx)
		}
	}
}

// Run probes once immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, p Prober, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	m.probe(ctx, p)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx, p)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, p Prober) {
	err := p.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Debug("connectivity probe failed", "error", err)
	}
	m.SetOnline(ctx, err == nil)
}

// DialProber considers the network online when a TCP connection to Addr
// (host:port) succeeds.
type DialProber struct {
	Addr    string
	Timeout time.Duration
}

// Probe dials Addr and closes the connection straight away.
func (d DialProber) Probe(ctx context.Context) error {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
