// Package budget watches cumulative per-cycle cost and raises soft warnings.
//
// A soft threshold crossing is a non-fatal notice; it never stops the
// stream. The provider's hard error_max_budget_usd result is a fatal error
// handled by the error taxonomy, not by this package.
package budget

// Monitor holds the configured soft threshold.
type Monitor struct {
	softLimitUSD float64
}

// NewMonitor creates a monitor. A threshold of zero or less disables
// warnings entirely.
func NewMonitor(softLimitUSD float64) *Monitor {
	return &Monitor{softLimitUSD: softLimitUSD}
}

// SoftLimitUSD returns the configured threshold.
func (m *Monitor) SoftLimitUSD() float64 {
	return m.softLimitUSD
}

// NewCycle starts cost tracking for one request cycle.
func (m *Monitor) NewCycle() *Tracker {
	return &Tracker{monitor: m}
}

// Tracker accumulates cost for a single cycle.
// It is driven by the same goroutine that applies stream events, so it
// needs no locking of its own.
type Tracker struct {
	monitor *Monitor
	spent   float64
	warned  bool
}

// Observe adds a cost figure and reports whether the soft threshold was
// crossed by this observation. Returns true at most once per cycle.
func (t *Tracker) Observe(costUSD float64) bool {
	t.spent += costUSD
	if t.warned || t.monitor.softLimitUSD <= 0 {
		return false
	}
	if t.spent >= t.monitor.softLimitUSD {
		t.warned = true
		return true
	}
	return false
}

// SpentUSD returns the cumulative cost observed this cycle.
func (t *Tracker) SpentUSD() float64 {
	return t.spent
}

// Warned reports whether the soft threshold has been crossed this cycle.
func (t *Tracker) Warned() bool {
	return t.warned
}
