package exchange

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// HealthMonitor counts consecutive auth failures against the venue. Past the
// threshold the system degrades to paper-only: no new live orders, simulated
// strategies untouched. One later successful call lifts the degradation.
type HealthMonitor struct {
	mu        sync.Mutex
	threshold int
	failures  int
	degraded  bool
	onDegrade func()
	onRecover func()
}

func NewHealthMonitor(threshold int) *HealthMonitor {
	if threshold <= 0 {
		threshold = 5
	}
	return &HealthMonitor{threshold: threshold}
}

// Notify registers callbacks fired on degrade and recover transitions.
func (h *HealthMonitor) Notify(onDegrade, onRecover func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDegrade = onDegrade
	h.onRecover = onRecover
}

// RecordError feeds a failed call. Only auth failures count toward
// degradation; network errors are retried without penalty.
func (h *HealthMonitor) RecordError(err error) {
	if !errors.Is(err, ErrAuth) {
		return
	}

	h.mu.Lock()
	h.failures++
	trip := !h.degraded && h.failures >= h.threshold
	if trip {
		h.degraded = true
	}
	cb := h.onDegrade
	h.mu.Unlock()

	if trip {
		log.Error().Int("failures", h.failures).Msg("🚨 Repeated auth failures, degrading to paper-only mode")
		if cb != nil {
			cb()
		}
	}
}

// RecordSuccess resets the failure streak and lifts degradation.
func (h *HealthMonitor) RecordSuccess() {
	h.mu.Lock()
	h.failures = 0
	recovered := h.degraded
	h.degraded = false
	cb := h.onRecover
	h.mu.Unlock()

	if recovered {
		log.Info().Msg("Exchange auth recovered, live trading resumed")
		if cb != nil {
			cb()
		}
	}
}

// Degraded reports whether new live orders are suspended.
func (h *HealthMonitor) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}
