// Package connectivity probes server reachability on its own schedule and
// caches the result for the sync engine and the local status API.
package connectivity

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/api"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/metrics"
)

type Probe struct {
	Reachable bool
	Latency   time.Duration
	CheckedAt time.Time
	LastError string
}

// Monitor runs an independent probe loop. Observers (the auth client's skew
// guard) receive the server timestamp piggybacked on each healthy response.
type Monitor struct {
	api      *api.Client
	interval time.Duration
	timeout  time.Duration
	observe  func(serverTime time.Time)

	mu   sync.Mutex
	last Probe
}

func NewMonitor(apiClient *api.Client, interval, timeout time.Duration, observe func(time.Time)) *Monitor {
	return &Monitor{
		api:      apiClient,
		interval: interval,
		timeout:  timeout,
		observe:  observe,
	}
}

// Start launches the probe loop. It probes once immediately so the engine
// has a result before the first tick, then on every interval until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		m.probeOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeOnce(ctx)
			}
		}
	}()
}

func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	health, err := m.api.Health(probeCtx)
	cancel()

	probe := Probe{CheckedAt: time.Now().UTC()}
	if err != nil {
		probe.LastError = err.Error()
	} else {
		probe.Reachable = health.OK
		probe.Latency = health.Latency
		if m.observe != nil && !health.ServerTime.IsZero() {
			m.observe(health.ServerTime)
		}
	}

	m.mu.Lock()
	wasReachable := m.last.Reachable
	m.last = probe
	m.mu.Unlock()

	if probe.Reachable != wasReachable {
		if probe.Reachable {
			log.Printf("server reachable (latency %s)", probe.Latency)
		} else {
			log.Printf("server unreachable: %s", probe.LastError)
		}
	}
	if probe.Reachable {
		metrics.ServerReachable.Set(1)
		metrics.ProbeLatencySeconds.Set(probe.Latency.Seconds())
	} else {
		metrics.ServerReachable.Set(0)
	}
}

// Last returns the cached probe result. It never blocks on the network.
func (m *Monitor) Last() Probe {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
