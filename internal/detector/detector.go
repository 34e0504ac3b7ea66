// Package detector is the OpportunityDetector: it consumes RateTicks,
// computes cross-exchange funding spreads per symbol, and runs the
// per-symbol lifecycle state machine from SPEC_FULL §4.5. Symbols are
// sharded across worker goroutines by a stable hash so state transitions
// for one symbol are fully serialized while different symbols run
// concurrently, generalizing the teacher's single-goroutine
// spread.SpreadDiscovery into the worker-pool shape SPEC_FULL §5 calls for.
package detector

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/ratecache"
)

const defaultQueueCap = 1024

// Thresholds are fractions, e.g. 0.0005.
type Thresholds struct {
	Minimum  decimal.Decimal
	Warning  decimal.Decimal
	Critical decimal.Decimal
}

func (t Thresholds) severityOf(spread decimal.Decimal) model.Severity {
	abs := spread.Abs()
	switch {
	case abs.GreaterThanOrEqual(t.Critical):
		return model.SeverityCritical
	case abs.GreaterThanOrEqual(t.Warning):
		return model.SeverityWarning
	default:
		return model.SeverityInfo
	}
}

// UnsupportedChecker reports whether symbol is in exchange's unsupported
// set, per the symbol-unsupported fallback invariant (SPEC_FULL §8 law 5).
type UnsupportedChecker func(ex model.Exchange, symbol model.Symbol) bool

type Config struct {
	Thresholds       Thresholds
	MinHoldMs        int64 // default 2000
	MaxStaleMs       int64 // default 30000
	Workers          int   // default 4
	QueueCap         int   // default 1024
	SweepInterval    time.Duration // default 5s; idle staleness check when no ticks arrive
	Unsupported      UnsupportedChecker
}

// Detector owns every OpportunitySpec and is their only writer.
type Detector struct {
	cfg    Config
	cache  *ratecache.Cache
	events chan<- model.OpportunityEvent
	log    zerolog.Logger

	shards []*shard

	droppedEvents struct {
		sync.Mutex
		count int
	}
}

type shard struct {
	in      chan model.RateTick
	sweepCh chan time.Time
	states  map[model.Symbol]*symbolState
	active  int64 // atomic; count of states with an ACTIVE spec, for ActiveCount
}

type symbolState struct {
	spec          *model.OpportunitySpec
	belowMinSince time.Time
	staleSince    time.Time
	spreadSum     decimal.Decimal
	spreadCount   int64
}

func New(cfg Config, cache *ratecache.Cache, events chan<- model.OpportunityEvent, log zerolog.Logger) *Detector {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = defaultQueueCap
	}
	if cfg.MinHoldMs <= 0 {
		cfg.MinHoldMs = 2000
	}
	if cfg.MaxStaleMs <= 0 {
		cfg.MaxStaleMs = 30000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	d := &Detector{cfg: cfg, cache: cache, events: events, log: log}
	d.shards = make([]*shard, cfg.Workers)
	for i := range d.shards {
		d.shards[i] = &shard{
			in:      make(chan model.RateTick, cfg.QueueCap),
			sweepCh: make(chan time.Time, 1),
			states:  make(map[model.Symbol]*symbolState),
		}
	}
	return d
}

// Run starts one goroutine per shard plus a shared sweep ticker. The sweep
// re-checks ACTIVE opportunities for staleness even when no new tick for
// their symbol arrives, since a dead pair whose both legs went silent would
// otherwise never cross the maxStaleMs expiry (process only ever runs on
// tick arrival).
func (d *Detector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range d.shards {
		wg.Add(1)
		go func(s *shard) {
			defer wg.Done()
			d.runShard(ctx, s)
		}(s)
	}

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case now := <-ticker.C:
			for _, s := range d.shards {
				select {
				case s.sweepCh <- now:
				default:
				}
			}
		}
	}
}

func (d *Detector) runShard(ctx context.Context, s *shard) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-s.in:
			d.process(s, tick)
		case now := <-s.sweepCh:
			d.sweepShard(s, now)
		}
	}
}

// sweepShard re-evaluates every ACTIVE symbol's staleness without requiring
// a fresh tick, so a pair whose both legs stop producing frames entirely
// still expires once maxStaleMs elapses.
func (d *Detector) sweepShard(s *shard, now time.Time) {
	for symbol, st := range s.states {
		if st.spec == nil || st.spec.Status != model.StatusActive {
			continue
		}
		longTick, longOK := d.cache.Get(st.spec.LongExchange, symbol)
		shortTick, shortOK := d.cache.Get(st.spec.ShortExchange, symbol)
		longStale := !longOK || d.cache.IsStale(longTick, now)
		shortStale := !shortOK || d.cache.IsStale(shortTick, now)
		if longStale && shortStale {
			d.checkPairStaleness(s, symbol, st, now)
		} else {
			st.staleSince = time.Time{}
		}
	}
}

func shardIndex(symbol model.Symbol, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32()) % n
}

// Ingest routes a tick to its symbol's shard. Drop-oldest backpressure: a
// full shard queue drops the oldest queued tick for that shard, since each
// (exchange,symbol) only needs its latest value retained.
func (d *Detector) Ingest(tick model.RateTick) {
	s := d.shards[shardIndex(tick.Symbol, len(d.shards))]
	select {
	case s.in <- tick:
	default:
		select {
		case <-s.in:
		default:
		}
		select {
		case s.in <- tick:
		default:
		}
	}
}

// ActiveCount returns the number of symbols currently carrying an ACTIVE
// opportunity, read for HealthReport.ActiveOpportunities. Each shard
// maintains its own atomic counter since shard.states is only ever touched
// by that shard's own goroutine.
func (d *Detector) ActiveCount() int {
	var total int64
	for _, s := range d.shards {
		total += atomic.LoadInt64(&s.active)
	}
	return int(total)
}

// emit delivers ev to the event queue. Per SPEC_FULL §5 the bounded event
// queue is drop-newest, but only for opportunity:updated: appeared and
// disappeared must never be dropped, since invariant 3 requires appeared to
// precede every updated/disappeared for an id and disappeared to be
// terminal. Those two kinds block until there is room instead.
func (d *Detector) emit(ev model.OpportunityEvent) {
	if ev.Kind != model.EventUpdated {
		d.events <- ev
		return
	}
	select {
	case d.events <- ev:
	default:
		d.droppedEvents.Lock()
		d.droppedEvents.count++
		d.droppedEvents.Unlock()
		d.log.Warn().Str("symbol", string(ev.Spec.Symbol)).Msg("event queue full, dropping opportunity:updated")
	}
}

// candidatePair is the ordered (long,short) exchange selection with the
// maximum signed spread over all pairs in fresh.
type candidatePair struct {
	long, short   model.Exchange
	spread        decimal.Decimal
	longInterval  int
	shortInterval int
}

func (c candidatePair) combinedInterval() int { return c.longInterval + c.shortInterval }

func selectCandidate(fresh map[model.Exchange]model.RateTick) (candidatePair, bool) {
	if len(fresh) < 2 {
		return candidatePair{}, false
	}
	exchanges := make([]model.Exchange, 0, len(fresh))
	for ex := range fresh {
		exchanges = append(exchanges, ex)
	}
	sort.Slice(exchanges, func(i, j int) bool { return exchanges[i] < exchanges[j] })

	var best candidatePair
	found := false
	for _, long := range exchanges {
		for _, short := range exchanges {
			if long == short {
				continue
			}
			spread := fresh[short].FundingRate.Sub(fresh[long].FundingRate)
			cand := candidatePair{
				long:          long,
				short:         short,
				spread:        spread,
				longInterval:  fresh[long].FundingIntervalHours,
				shortInterval: fresh[short].FundingIntervalHours,
			}
			if !found || better(cand, best) {
				best = cand
				found = true
			}
		}
	}
	return best, found
}

// better reports whether a should replace b as the selected candidate:
// strictly greater spread wins; ties favor the lower combined interval
// (higher APY), then alphabetical (long,short) order.
func better(a, b candidatePair) bool {
	if !a.spread.Equal(b.spread) {
		return a.spread.GreaterThan(b.spread)
	}
	if a.combinedInterval() != b.combinedInterval() {
		return a.combinedInterval() < b.combinedInterval()
	}
	if a.long != b.long {
		return a.long < b.long
	}
	return a.short < b.short
}

func annualizedReturn(spread decimal.Decimal, longInterval, shortInterval int) decimal.Decimal {
	minInterval := longInterval
	if shortInterval < minInterval {
		minInterval = shortInterval
	}
	if minInterval <= 0 {
		minInterval = 8
	}
	fundingsPerDay := decimal.NewFromInt(24).Div(decimal.NewFromInt(int64(minInterval)))
	return spread.Abs().Mul(fundingsPerDay).Mul(decimal.NewFromInt(365))
}

func (d *Detector) process(s *shard, tick model.RateTick) {
	if err := d.cache.Put(tick); err != nil {
		return // CacheWriteStale: out-of-order tick, silently dropped
	}

	st, ok := s.states[tick.Symbol]
	if !ok {
		st = &symbolState{}
		s.states[tick.Symbol] = st
	}

	now := tick.ReceivedAt
	snapshot := d.cache.SnapshotSymbol(tick.Symbol)
	fresh := make(map[model.Exchange]model.RateTick, len(snapshot))
	for ex, t := range snapshot {
		if d.cfg.Unsupported != nil && d.cfg.Unsupported(ex, tick.Symbol) {
			continue
		}
		if d.cache.IsStale(t, now) {
			continue
		}
		fresh[ex] = t
	}

	if st.spec != nil && st.spec.Status == model.StatusActive {
		_, longFresh := fresh[st.spec.LongExchange]
		_, shortFresh := fresh[st.spec.ShortExchange]
		// Only the both-legs-stale case is a DATA_UNAVAILABLE candidate
		// (SPEC_FULL §4.5); a single stale leg falls through to
		// selectCandidate below so the pair can reselect off of it.
		if !longFresh && !shortFresh {
			d.checkPairStaleness(s, tick.Symbol, st, now)
			return
		}
		st.staleSince = time.Time{}
	}

	cand, found := selectCandidate(fresh)
	if !found {
		return
	}

	switch {
	case st.spec == nil:
		d.tryOpen(s, tick.Symbol, st, cand, now)
	default:
		d.tryUpdate(s, tick.Symbol, st, cand, now)
	}
}

func (d *Detector) checkPairStaleness(s *shard, symbol model.Symbol, st *symbolState, now time.Time) {
	if st.staleSince.IsZero() {
		st.staleSince = now
		return
	}
	if now.Sub(st.staleSince) >= time.Duration(d.cfg.MaxStaleMs)*time.Millisecond {
		d.expire(s, symbol, st, model.ReasonDataUnavailable, now)
	}
}

func (d *Detector) tryOpen(s *shard, symbol model.Symbol, st *symbolState, cand candidatePair, now time.Time) {
	if cand.spread.LessThan(d.cfg.Thresholds.Minimum) {
		return
	}
	spec := &model.OpportunitySpec{
		ID:                   uuid.New(),
		Symbol:               symbol,
		LongExchange:         cand.long,
		ShortExchange:        cand.short,
		EntrySpread:          cand.spread,
		CurrentSpread:        cand.spread,
		MaxSpread:            cand.spread,
		MaxSpreadAt:          now,
		FirstDetectedAt:      now,
		LastNotifiedAt:       now,
		NotificationCount:    1,
		Severity:             d.cfg.Thresholds.severityOf(cand.spread),
		AnnualizedReturn:     annualizedReturn(cand.spread, cand.longInterval, cand.shortInterval),
		FundingIntervalHours: minInt(cand.longInterval, cand.shortInterval),
		Status:               model.StatusActive,
	}
	st.spec = spec
	st.belowMinSince = time.Time{}
	st.spreadSum = cand.spread
	st.spreadCount = 1
	atomic.AddInt64(&s.active, 1)

	d.emit(model.OpportunityEvent{Kind: model.EventAppeared, Spec: spec.Clone()})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (d *Detector) tryUpdate(s *shard, symbol model.Symbol, st *symbolState, cand candidatePair, now time.Time) {
	spec := st.spec

	if cand.spread.LessThan(d.cfg.Thresholds.Minimum) {
		if st.belowMinSince.IsZero() {
			st.belowMinSince = now
			return
		}
		if now.Sub(st.belowMinSince) >= time.Duration(d.cfg.MinHoldMs)*time.Millisecond {
			d.expire(s, symbol, st, model.ReasonRateDropped, now)
		}
		return
	}
	st.belowMinSince = time.Time{}

	oldSpread := spec.CurrentSpread
	oldSeverity := spec.Severity
	pairChanged := spec.LongExchange != cand.long || spec.ShortExchange != cand.short

	spec.CurrentSpread = cand.spread
	spec.LongExchange = cand.long
	spec.ShortExchange = cand.short
	if cand.spread.GreaterThan(spec.MaxSpread) {
		spec.MaxSpread = cand.spread
		spec.MaxSpreadAt = now
	}
	newSeverity := d.cfg.Thresholds.severityOf(cand.spread)
	spec.Severity = newSeverity
	spec.FundingIntervalHours = minInt(cand.longInterval, cand.shortInterval)
	spec.AnnualizedReturn = annualizedReturn(cand.spread, cand.longInterval, cand.shortInterval)

	st.spreadSum = st.spreadSum.Add(cand.spread)
	st.spreadCount++

	severityChanged := oldSeverity != newSeverity
	relChange := relativeChange(oldSpread, cand.spread)

	if !(pairChanged || severityChanged || relChange.GreaterThanOrEqual(decimal.NewFromFloat(0.10))) {
		return
	}

	spec.LastNotifiedAt = now
	spec.NotificationCount++
	d.emit(model.OpportunityEvent{Kind: model.EventUpdated, Spec: spec.Clone()})
}

func relativeChange(oldV, newV decimal.Decimal) decimal.Decimal {
	if oldV.IsZero() {
		if newV.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(1)
	}
	return newV.Sub(oldV).Abs().Div(oldV.Abs())
}

func (d *Detector) expire(s *shard, symbol model.Symbol, st *symbolState, reason model.DisappearReason, now time.Time) {
	spec := st.spec
	spec.Status = model.StatusExpired

	avg := decimal.Zero
	if st.spreadCount > 0 {
		avg = st.spreadSum.Div(decimal.NewFromInt(st.spreadCount))
	}

	history := &model.OpportunityHistory{
		OpportunityID:     spec.ID,
		Symbol:            symbol,
		DurationMs:        now.Sub(spec.FirstDetectedAt).Milliseconds(),
		MaxSpread:         spec.MaxSpread,
		AverageSpread:     avg,
		DisappearReason:   reason,
		NotificationTotal: spec.NotificationCount,
		EndedAt:           now,
	}

	delete(s.states, symbol)
	atomic.AddInt64(&s.active, -1)

	d.emit(model.OpportunityEvent{
		Kind:    model.EventDisappeared,
		Spec:    spec.Clone(),
		History: history,
	})
}
