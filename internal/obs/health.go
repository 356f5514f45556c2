package obs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Probe reports whether one dependency is usable.
type Probe func(ctx context.Context) error

// Health aggregates dependency probes for /readyz and the gRPC health
// service, and mirrors the outcome into the readiness gauge.
type Health struct {
	mu      sync.RWMutex
	probes  map[string]Probe
	timeout time.Duration
}

func NewHealth(timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Health{probes: map[string]Probe{}, timeout: timeout}
}

// Register adds or replaces the probe called name.
func (h *Health) Register(name string, p Probe) {
	if p == nil {
		return
	}
	h.mu.Lock()
	h.probes[name] = p
	h.mu.Unlock()
}

// Check runs every probe and returns the failures keyed by probe name.
func (h *Health) Check(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	failures := map[string]string{}
	for _, name := range names {
		h.mu.RLock()
		p := h.probes[name]
		h.mu.RUnlock()
		if err := p(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	SetReady(len(failures) == 0)
	return failures
}
