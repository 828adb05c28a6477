// Package health implements the Health Monitor (spec §4.2): it probes the
// four endpoints (primary DB, standby DB, primary auth, standby auth)
// concurrently on a fixed cadence and publishes the resulting
// model.HealthSnapshot atomically, so a slow or wedged probe never delays
// the others or exposes a half-updated snapshot.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/sync/errgroup"

	"github.com/docreplica/replicator/internal/gateway"
	"github.com/docreplica/replicator/internal/model"
	"github.com/docreplica/replicator/internal/obslog"
)

// Prober is the capability the Monitor needs to check one endpoint; a
// *gateway.Gateway satisfies it directly.
type Prober interface {
	Probe(ctx context.Context, side model.Side, kind gateway.ProbeKind) error
}

// Monitor maintains and periodically refreshes the current HealthSnapshot.
type Monitor struct {
	prober  Prober
	log     obslog.Logger
	timeout time.Duration

	// probePacer bounds how often an explicit Refresh can re-probe a given
	// endpoint, so a caller driving Refresh in a tight loop (or a flapping
	// endpoint retried aggressively upstream) can't turn health checking
	// itself into load.
	probePacer *catrate.Limiter

	snapshot atomic.Pointer[model.HealthSnapshot]

	mu          sync.Mutex
	subscribers []chan model.HealthSnapshot
}

// New constructs a Monitor. timeout bounds each individual probe (spec
// §4.2's default 5s, configurable via Config.ProbeTimeout).
func New(prober Prober, log obslog.Logger, timeout time.Duration) *Monitor {
	if log == nil {
		log = obslog.Discard{}
	}
	m := &Monitor{
		prober:  prober,
		log:     log,
		timeout: timeout,
		probePacer: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 4,
		}),
	}
	empty := model.HealthSnapshot{}
	m.snapshot.Store(&empty)
	return m
}

// Current returns the most recently published snapshot. Safe for concurrent
// use; never blocks on an in-flight refresh.
func (m *Monitor) Current() model.HealthSnapshot {
	return *m.snapshot.Load()
}

// Subscribe returns a channel that receives every snapshot Refresh
// publishes. The channel is buffered (capacity 1) and never blocks the
// publisher: a subscriber that falls behind simply sees the latest
// snapshot overwrite an unread one.
func (m *Monitor) Subscribe() <-chan model.HealthSnapshot {
	ch := make(chan model.HealthSnapshot, 1)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Refresh runs all four probes concurrently, each bounded by the configured
// timeout, and publishes the combined result. A probe timeout or error
// counts as false (spec §4.2).
func (m *Monitor) Refresh(ctx context.Context) model.HealthSnapshot {
	var snap model.HealthSnapshot
	snap.Timestamp = now()

	probe := func(side model.Side, kind gateway.ProbeKind, out *bool) func() error {
		return func() error {
			if _, ok := m.probePacer.Allow(probeCategory{side, kind}); !ok {
				*out = m.lastValueFor(side, kind)
				return nil
			}
			pctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			*out = m.prober.Probe(pctx, side, kind) == nil
			return nil
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(probe(model.Primary, gateway.ProbeDB, &snap.PrimaryDB))
	g.Go(probe(model.Standby, gateway.ProbeDB, &snap.StandbyDB))
	g.Go(probe(model.Primary, gateway.ProbeAuth, &snap.PrimaryAuth))
	g.Go(probe(model.Standby, gateway.ProbeAuth, &snap.StandbyAuth))
	_ = gctx
	_ = g.Wait() // the probe closures never themselves return an error

	m.snapshot.Store(&snap)
	m.publish(snap)
	return snap
}

func (m *Monitor) lastValueFor(side model.Side, kind gateway.ProbeKind) bool {
	last := m.Current()
	switch {
	case kind == gateway.ProbeDB && side == model.Primary:
		return last.PrimaryDB
	case kind == gateway.ProbeDB && side == model.Standby:
		return last.StandbyDB
	case kind == gateway.ProbeAuth && side == model.Primary:
		return last.PrimaryAuth
	default:
		return last.StandbyAuth
	}
}

func (m *Monitor) publish(snap model.HealthSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- snap:
		default:
			// drop the stale pending snapshot and replace it, rather than
			// block the publisher on a slow subscriber
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Run blocks, refreshing on every tick of the given interval until ctx is
// canceled. It is meant to run in its own goroutine for the engine's
// lifetime.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

type probeCategory struct {
	side model.Side
	kind gateway.ProbeKind
}

var now = time.Now
