// Package health implements the HealthMonitor from SPEC_FULL §4.9: a
// periodic cross-component heartbeat that reads RateCache.LastSeen,
// DataSourceManager's state table, the debouncer's queue depth and a
// sliding per-channel success rate, and emits a health:report event. It
// never acts on what it observes, only reports, per spec.md §4.9's "does
// not act".
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shuiali/crossspread-arb/internal/datasource"
	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/ratecache"
)

const slidingWindow = 5 * time.Minute

// ActiveCounter reports the number of currently ACTIVE opportunities, read
// from the detector without the monitor needing write access to its state.
type ActiveCounter func() int

// QueueDepther reports the debouncer's current pending-event count.
type QueueDepther func() int

// StaleThresholdFunc resolves the per-exchange staleness window used to
// flag a source as stale in the report.
type StaleThresholdFunc func(model.Exchange) time.Duration

// Config wires the monitor's read-only dependencies.
type Config struct {
	Exchanges      []model.Exchange
	Cache          *ratecache.Cache
	DataSource     *datasource.Manager
	ActiveCount    ActiveCounter
	QueueDepth     QueueDepther
	StaleFor       StaleThresholdFunc
	ReportInterval time.Duration // default 30s
}

// Monitor is the HealthMonitor. It is the sole writer of its own
// channel-outcome counters; everything else it reads is owned elsewhere.
type Monitor struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	outcome map[string][]outcomeSample
}

type outcomeSample struct {
	at      time.Time
	success bool
}

func New(cfg Config, log zerolog.Logger) *Monitor {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 30 * time.Second
	}
	return &Monitor{cfg: cfg, log: log, outcome: make(map[string][]outcomeSample)}
}

// RecordDelivery feeds one notification outcome into the channel's sliding
// success-rate window. Called by whatever wires the fanout's per-record
// callback to the monitor.
func (m *Monitor) RecordDelivery(channel string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome[channel] = append(m.outcome[channel], outcomeSample{at: time.Now(), success: success})
}

func (m *Monitor) successRates(now time.Time) map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rates := make(map[string]float64, len(m.outcome))
	for channel, samples := range m.outcome {
		kept := samples[:0]
		var total, ok int
		for _, s := range samples {
			if now.Sub(s.at) > slidingWindow {
				continue
			}
			kept = append(kept, s)
			total++
			if s.success {
				ok++
			}
		}
		m.outcome[channel] = kept
		if total == 0 {
			rates[channel] = 1
			continue
		}
		rates[channel] = float64(ok) / float64(total)
	}
	return rates
}

// Report builds one HealthReport snapshot as of now.
func (m *Monitor) Report() model.HealthReport {
	now := time.Now()
	perExchange := make(map[model.Exchange]model.ExchangeHealth, len(m.cfg.Exchanges))
	dsSnapshot := m.cfg.DataSource.Snapshot()
	for _, ex := range m.cfg.Exchanges {
		lastSeen := m.cfg.Cache.LastSeen(ex)
		threshold := m.cfg.StaleFor(ex)
		stale := lastSeen.IsZero() || now.Sub(lastSeen) > threshold
		conn := model.ConnDown
		mode := model.ModeREST
		if st, ok := dsSnapshot[ex]; ok {
			mode = st.Mode
			if !stale {
				conn = model.ConnUp
			}
		}
		perExchange[ex] = model.ExchangeHealth{
			Connectivity: conn,
			Mode:         mode,
			LastSeen:     lastSeen,
			Stale:        stale,
		}
	}

	active := 0
	if m.cfg.ActiveCount != nil {
		active = m.cfg.ActiveCount()
	}
	depth := 0
	if m.cfg.QueueDepth != nil {
		depth = m.cfg.QueueDepth()
	}

	return model.HealthReport{
		AsOf:                now,
		PerExchange:         perExchange,
		ActiveOpportunities: active,
		DebouncerQueueDepth: depth,
		ChannelSuccessRate:  m.successRates(now),
	}
}

// Run emits one health:report every ReportInterval until ctx is done.
// Stale sources are logged (not acted on), per spec.md §4.9.
func (m *Monitor) Run(ctx context.Context, out chan<- model.HealthReport) {
	ticker := time.NewTicker(m.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.Report()
			for ex, h := range report.PerExchange {
				if h.Stale {
					m.log.Warn().Str("exchange", string(ex)).Time("lastSeen", h.LastSeen).Msg("source stale")
				}
			}
			select {
			case out <- report:
			default:
				m.log.Warn().Msg("health report consumer not keeping up, dropping report")
			}
		}
	}
}
