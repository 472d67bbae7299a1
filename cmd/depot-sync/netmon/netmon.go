package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/recicla-hub/recicla-hub/internal"
	"go.uber.org/zap"
)

// ProbeFunc answers whether the network is currently reachable. Injected so
// tests can flip connectivity without touching a real socket.
type ProbeFunc func(ctx context.Context) bool

// DialProbe probes connectivity by dialing a TCP address with a short
// timeout. Suitable for pointing at the sync endpoint's host.
func DialProbe(address string) ProbeFunc {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: internal.FiveSeconds}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// Monitor tracks connectivity and notifies subscribers on the offline to
// online transition, which is the moment queued work becomes drainable.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration

	lock        sync.Mutex
	online      bool
	subscribers map[int]func()
	nextSubID   int
}

// New builds a monitor around the given probe. A nil probe means the
// environment has no reliable connectivity signal; the monitor then reports
// online permanently and push failures become the effective signal.
func New(probe ProbeFunc, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = internal.TenSeconds
	}
	return &Monitor{
		probe:       probe,
		interval:    interval,
		online:      true,
		subscribers: make(map[int]func()),
	}
}

// Start runs the poll loop until the context is canceled. An immediate probe
// runs first so the initial state does not wait a full interval.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		zap.S().Info("No connectivity probe configured, assuming always online")
		return
	}
	m.check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// IsOnline reports the last observed connectivity state.
func (m *Monitor) IsOnline() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.online
}

// Subscribe registers a callback for offline to online transitions and
// returns an unsubscribe function. Callbacks run on the monitor goroutine
// and must not block.
func (m *Monitor) Subscribe(fn func()) func() {
	m.lock.Lock()
	defer m.lock.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	return func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		delete(m.subscribers, id)
	}
}

// SetOnlineForTesting forces the connectivity state, firing subscribers on
// an offline to online edge exactly like a real probe result would.
func (m *Monitor) SetOnlineForTesting(online bool) {
	m.apply(online)
}

func (m *Monitor) check(ctx context.Context) {
	m.apply(m.probe(ctx))
}

func (m *Monitor) apply(online bool) {
	m.lock.Lock()
	wasOnline := m.online
	m.online = online
	var toNotify []func()
	if online && !wasOnline {
		toNotify = make([]func(), 0, len(m.subscribers))
		for _, fn := range m.subscribers {
			toNotify = append(toNotify, fn)
		}
	}
	m.lock.Unlock()

	if online != wasOnline {
		zap.S().Infow("Connectivity changed", "online", online)
	}
	for _, fn := range toNotify {
		fn()
	}
}
