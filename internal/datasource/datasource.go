// Package datasource implements the DataSourceManager: the per-exchange
// WS/REST/HYBRID transport state machine from SPEC_FULL §4.3. It watches
// each exchange.Client's ConnectivityEvent stream and LastMessageAt
// watermark and drives SetMode, generalizing the teacher's connector-level
// reconnect bookkeeping (scattered per-connector retry counters) into one
// shared supervising state machine per exchange.
package datasource

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shuiali/crossspread-arb/internal/exchange"
	"github.com/shuiali/crossspread-arb/internal/model"
)

const (
	defaultRecoveryDelay = 10 * time.Second
	defaultPollInterval  = 1 * time.Second
)

// StaleThresholdFunc resolves the per-exchange WS staleness window that
// triggers a fallback to REST.
type StaleThresholdFunc func(model.Exchange) time.Duration

type Config struct {
	RecoveryDelay time.Duration
	PollInterval  time.Duration
	StaleFor      StaleThresholdFunc
}

// Manager owns one DataSourceState per (exchange, dataType); this build
// only ever tracks model.FundingData.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu     sync.RWMutex
	states map[model.Exchange]*trackedState
}

type trackedState struct {
	client      exchange.Client
	state       model.DataSourceState
	wsUp        bool
	wsUpSince   time.Time
	frameSeenAt time.Time // first WS frame observed after wsUpSince, zero if none yet
	disabled    bool
}

func New(cfg Config, log zerolog.Logger) *Manager {
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = defaultRecoveryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Manager{cfg: cfg, log: log, states: make(map[model.Exchange]*trackedState)}
}

// Register adds an exchange client to be supervised. MEXC (REST-only) is
// pinned permanently to REST and never evaluated for transitions.
func (m *Manager) Register(client exchange.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex := client.Exchange()
	mode := model.ModeWS
	if exchange.CapabilitiesOf(ex).FundingRESTOnly {
		mode = model.ModeREST
	}
	m.states[ex] = &trackedState{
		client: client,
		state: model.DataSourceState{
			Exchange:      ex,
			DataType:      model.FundingData,
			Mode:          mode,
			WSAvailable:   mode == model.ModeWS,
			RESTAvailable: true,
			LastSwitchAt:  time.Now(),
		},
	}
}

// Run starts one connectivity watcher and one poll loop per registered
// exchange, and blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.mu.RLock()
	tracked := make([]*trackedState, 0, len(m.states))
	for _, ts := range m.states {
		tracked = append(tracked, ts)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ts := range tracked {
		if exchange.CapabilitiesOf(ts.client.Exchange()).FundingRESTOnly {
			continue
		}
		wg.Add(2)
		go func(ts *trackedState) {
			defer wg.Done()
			m.watchConnectivity(ctx, ts)
		}(ts)
		go func(ts *trackedState) {
			defer wg.Done()
			m.pollLoop(ctx, ts)
		}(ts)
	}
	wg.Wait()
}

func (m *Manager) watchConnectivity(ctx context.Context, ts *trackedState) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ts.client.Connectivity():
			if !ok {
				return
			}
			if ev.Transport != model.SourceWS {
				continue
			}
			m.mu.Lock()
			switch ev.State {
			case model.ConnUp:
				ts.wsUp = true
				ts.wsUpSince = ev.At
				ts.frameSeenAt = time.Time{}
			case model.ConnDown:
				ts.wsUp = false
				ts.wsUpSince = time.Time{}
				ts.frameSeenAt = time.Time{}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) pollLoop(ctx context.Context, ts *trackedState) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluate(ts)
		}
	}
}

func (m *Manager) evaluate(ts *trackedState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	ex := ts.client.Exchange()

	if ts.frameSeenAt.IsZero() && ts.wsUp {
		if last := ts.client.LastMessageAt(); !last.IsZero() && last.After(ts.wsUpSince) {
			ts.frameSeenAt = last
		}
	}

	switch ts.state.Mode {
	case model.ModeWS:
		staleFor := m.cfg.StaleFor(ex)
		down := !ts.wsUp
		stale := !ts.client.LastMessageAt().IsZero() && now.Sub(ts.client.LastMessageAt()) > staleFor
		explicitlyDisabled := ts.disabled
		if down || stale || explicitlyDisabled {
			reason := "ws-down"
			switch {
			case explicitlyDisabled:
				reason = "disable-ws"
			case stale:
				reason = "stale-threshold"
			}
			m.transition(ts, model.ModeREST, reason, now)
			ts.client.SetMode(model.ModeREST)
		}

	case model.ModeREST, model.ModeHybrid:
		if ts.disabled {
			return
		}
		if !ts.wsUp || ts.frameSeenAt.IsZero() {
			if ts.state.Mode == model.ModeHybrid {
				// lost WS again mid-recovery window; fall back fully
				m.transition(ts, model.ModeREST, "recovery-lost-ws", now)
			}
			return
		}
		if ts.state.Mode == model.ModeREST {
			m.transition(ts, model.ModeHybrid, "ws-reconnected", now)
			return
		}
		if now.Sub(ts.frameSeenAt) >= m.cfg.RecoveryDelay {
			m.transition(ts, model.ModeWS, "recovery-delay-elapsed", now)
			ts.client.SetMode(model.ModeWS)
		}
	}
}

// transition must be called with m.mu held.
func (m *Manager) transition(ts *trackedState, mode model.DataSourceMode, reason string, at time.Time) {
	if ts.state.Mode == mode {
		return
	}
	m.log.Info().
		Str("exchange", string(ts.state.Exchange)).
		Str("from", string(ts.state.Mode)).
		Str("to", string(mode)).
		Str("reason", reason).
		Msg("data source transition")
	ts.state.Mode = mode
	ts.state.WSAvailable = mode != model.ModeREST
	ts.state.LastSwitchAt = at
	ts.state.SwitchReason = reason
}

// DisableWS forces an exchange permanently onto REST, the explicit
// disable-ws command from SPEC_FULL §4.3.
func (m *Manager) DisableWS(ex model.Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.states[ex]
	if !ok {
		return
	}
	ts.disabled = true
	m.transition(ts, model.ModeREST, "disable-ws", time.Now())
	ts.client.SetMode(model.ModeREST)
}

// Snapshot returns a copy of the current state table, for HealthReport.
func (m *Manager) Snapshot() map[model.Exchange]model.DataSourceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.Exchange]model.DataSourceState, len(m.states))
	for ex, ts := range m.states {
		out[ex] = ts.state
	}
	return out
}
