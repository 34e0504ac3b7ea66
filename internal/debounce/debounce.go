// Package debounce coalesces opportunity:updated events per symbol, per
// SPEC_FULL §4.6. appeared/disappeared always pass straight through; an
// update whose severity is higher than the update already pending for its
// symbol bypasses the window. An update that arrives with nothing pending
// waits the full window whatever its severity: the severity of the last
// released event is not tracked. Grounded on the teacher's
// spread.SpreadDiscovery publish-loop shape (a per-symbol map guarded by a
// mutex, drained on a ticker) generalized from a fixed 500ms tick into a
// per-symbol timer that fires exactly once per pending event.
package debounce

import (
	"sync"
	"time"

	"github.com/shuiali/crossspread-arb/internal/model"
)

// Debouncer holds at most one pending opportunity:updated event per symbol.
type Debouncer struct {
	window    time.Duration
	out       chan<- model.OpportunityEvent
	onSuppress func(ev model.OpportunityEvent)

	mu      sync.Mutex
	pending map[model.Symbol]*pendingEntry
}

type pendingEntry struct {
	event    model.OpportunityEvent
	timer    *time.Timer
	lastSent time.Time
}

func New(window time.Duration, out chan<- model.OpportunityEvent) *Debouncer {
	return &Debouncer{
		window:  window,
		out:     out,
		pending: make(map[model.Symbol]*pendingEntry),
	}
}

// WithSuppressionObserver registers a callback fired once for every
// opportunity:updated event the debouncer coalesces away without ever
// releasing it downstream, so the caller can record a
// NotificationRecord{Outcome: SUPPRESSED_DEBOUNCE} per SPEC_FULL §3/§4.7.
func (d *Debouncer) WithSuppressionObserver(observe func(ev model.OpportunityEvent)) *Debouncer {
	d.onSuppress = observe
	return d
}

// Submit is the detector's single entry point for every lifecycle event.
func (d *Debouncer) Submit(ev model.OpportunityEvent) {
	switch ev.Kind {
	case model.EventAppeared, model.EventDisappeared:
		d.release(ev)
		return
	}
	d.submitUpdated(ev)
}

func (d *Debouncer) submitUpdated(ev model.OpportunityEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prior, exists := d.pending[ev.Spec.Symbol]

	upgraded := false
	if exists {
		upgraded = prior.event.Spec.Severity.Upgrades(ev.Spec.Severity)
	}

	if exists {
		suppressed := prior.event
		prior.event = ev
		if upgraded {
			prior.timer.Stop()
			d.emitLocked(ev.Spec.Symbol)
		}
		if d.onSuppress != nil {
			d.onSuppress(suppressed)
		}
		return
	}

	entry := &pendingEntry{event: ev}
	entry.timer = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.emitLocked(ev.Spec.Symbol)
	})
	d.pending[ev.Spec.Symbol] = entry
}

// emitLocked releases the pending event for symbol; caller holds d.mu.
func (d *Debouncer) emitLocked(symbol model.Symbol) {
	entry, ok := d.pending[symbol]
	if !ok {
		return
	}
	delete(d.pending, symbol)
	entry.lastSent = time.Now()
	d.out <- entry.event
}

// release bypasses the debounce window entirely: appeared/disappeared are
// always immediate, and any still-pending update for that symbol is
// discarded (the lifecycle event supersedes it).
func (d *Debouncer) release(ev model.OpportunityEvent) {
	d.mu.Lock()
	entry, ok := d.pending[ev.Spec.Symbol]
	if ok {
		entry.timer.Stop()
		delete(d.pending, ev.Spec.Symbol)
	}
	d.mu.Unlock()
	if ok && d.onSuppress != nil {
		d.onSuppress(entry.event)
	}
	d.out <- ev
}

// PendingCount reports the debouncer's current queue depth, surfaced in
// HealthReport.DebouncerQueueDepth.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
