// Package health probes the configured providers in the background and
// serves the latest snapshot without ever blocking on a resolution.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tunecache/internal/core"
	"tunecache/internal/provider"
)

const (
	// probeInterval is how often each provider is probed
	probeInterval = 30 * time.Second
	// probeTimeout is the deadline for a single probe
	probeTimeout = 5 * time.Second
)

// Monitor keeps the latest liveness result per provider behind a read lock.
type Monitor struct {
	providers []provider.Provider
	logger    *zap.Logger

	mutex    sync.RWMutex
	statuses map[string]core.ProviderStatus
}

func NewMonitor(providers []provider.Provider, logger *zap.Logger) *Monitor {
	return &Monitor{
		providers: providers,
		logger:    logger,
		statuses:  make(map[string]core.ProviderStatus),
	}
}

// Run probes all providers on a fixed interval until the context is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Starting health monitor",
		zap.Duration("interval", probeInterval),
		zap.Int("providers", len(m.providers)))

	// Probe immediately on startup so /health has data before the first tick.
	m.probeAll(ctx)

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	for _, p := range m.providers {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := p.Probe(probeCtx)
		cancel()

		status := core.ProviderStatus{
			Name:      p.Name(),
			Healthy:   err == nil,
			LastProbe: time.Now(),
		}
		if err != nil {
			status.LastError = err.Error()
			m.logger.Debug("Provider probe failed",
				zap.String("provider", p.Name()),
				zap.Error(err))
		}

		m.mutex.Lock()
		m.statuses[p.Name()] = status
		m.mutex.Unlock()
	}
}

// Snapshot returns the latest probe results in provider priority order.
func (m *Monitor) Snapshot() []core.ProviderStatus {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]core.ProviderStatus, 0, len(m.providers))
	for _, p := range m.providers {
		if status, ok := m.statuses[p.Name()]; ok {
			out = append(out, status)
		}
	}
	return out
}
