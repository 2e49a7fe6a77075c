// Package heartbeat maintains the decaying liveness counter of one gateway
// instance in the shared store and kills the owning process when the counter
// is exhausted, so a dead gateway stops claiming queue jobs.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/drivefast/mmsgw/internal/ports"
)

// CounterKey is the shared-store key holding a gateway's liveness counter.
func CounterKey(gwid string) string { return "gwstat-" + gwid }

// Monitor probes one gateway's remote peer on a fixed interval. Every tick
// decrements the shared counter; a successful probe resets it to the
// configured maximum. The counter reaching -1 means the peer missed every
// heartbeat budgeted and the process must stop.
type Monitor struct {
	store     ports.Store
	probe     func(ctx context.Context) bool
	terminate func()
	gwid      string
	interval  time.Duration
	max       int64
	log       *slog.Logger
}

// New builds a Monitor for the gateway. terminate is invoked, once, when
// liveness is exhausted; the caller wires it to a process exit.
func New(store ports.Store, gwid string, interval time.Duration, max int, probe func(ctx context.Context) bool, terminate func(), log *slog.Logger) *Monitor {
	return &Monitor{
		store:     store,
		probe:     probe,
		terminate: terminate,
		gwid:      gwid,
		interval:  interval,
		max:       int64(max),
		log:       log,
	}
}

// Run seeds the counter and blocks, ticking until ctx is cancelled or the
// liveness budget runs out. It runs on its own goroutine and never blocks
// job execution.
func (m *Monitor) Run(ctx context.Context) {
	key := CounterKey(m.gwid)

	// seed with the minimum budget; only a successful probe earns the maximum
	if err := m.store.SetCounter(ctx, key, 1, m.interval+3*time.Second); err != nil {
		m.log.Error("seed liveness counter", "gwid", m.gwid, "err", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("heartbeat monitor started", "gwid", m.gwid, "interval", m.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Tick(ctx) {
				return
			}
		}
	}
}

// Tick performs one heartbeat cycle. It returns false when the gateway bled
// out and the process is being terminated.
func (m *Monitor) Tick(ctx context.Context) bool {
	key := CounterKey(m.gwid)

	left, err := m.store.Decrement(ctx, key)
	if err != nil {
		m.log.Error("decrement liveness counter", "gwid", m.gwid, "err", err)
		return true
	}
	if left <= -1 {
		// the gateway bled to death; stop the process so the queue jobs get
		// picked up elsewhere
		if err := m.store.Delete(ctx, key); err != nil {
			m.log.Error("delete liveness counter", "gwid", m.gwid, "err", err)
		}
		m.log.Error("gateway liveness exhausted, terminating", "gwid", m.gwid)
		m.terminate()
		return false
	}

	if m.probe(ctx) {
		ttl := m.interval * time.Duration(m.max+2)
		if err := m.store.SetCounter(ctx, key, m.max, ttl); err != nil {
			m.log.Error("reset liveness counter", "gwid", m.gwid, "err", err)
		}
		m.log.Debug("heartbeat ok", "gwid", m.gwid)
	} else {
		m.log.Warn("heartbeat probe failed", "gwid", m.gwid, "left", left)
	}
	return true
}
