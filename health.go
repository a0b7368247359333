package adminchat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHealthInterval is the health poll cadence. It does not follow the
// refresh interval.
const DefaultHealthInterval = 15 * time.Second

// HealthMonitor polls the transport's health probe on its own timer.
type HealthMonitor struct {
	transport Transport
	events    *emitter
	log       *zap.Logger
	interval  time.Duration

	mu      sync.Mutex
	healthy bool
	checked bool
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func newHealthMonitor(t Transport, events *emitter, log *zap.Logger, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &HealthMonitor{transport: t, events: events, log: log, interval: interval}
}

// Start checks once immediately and then on every tick until Stop.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.mu.Lock()
	if h.stopCh != nil || h.stopped {
		h.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	h.stopCh = stopCh
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		h.Check(ctx)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Check(ctx)
			}
		}
	}()
}

// Stop ends polling and waits for the loop to exit.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	if h.stopCh != nil {
		close(h.stopCh)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Check probes the API once and records the answer.
func (h *HealthMonitor) Check(ctx context.Context) bool {
	ok := h.transport.CheckHealth(ctx)
	h.set(ok)
	return ok
}

// Reset marks the API unhealthy until the next check, e.g. after switching
// endpoints.
func (h *HealthMonitor) Reset() {
	h.set(false)
}

// Healthy returns the last recorded probe result.
func (h *HealthMonitor) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

func (h *HealthMonitor) set(ok bool) {
	h.mu.Lock()
	changed := !h.checked || h.healthy != ok
	h.healthy = ok
	h.checked = true
	h.mu.Unlock()

	if changed {
		h.log.Info("api health changed", zap.Bool("healthy", ok))
		h.events.emit(EventHealthChanged, ok)
	}
}
