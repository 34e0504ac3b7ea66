package datasource

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuiali/crossspread-arb/internal/model"
)

func TestTransitionWSDownFallsBackToREST(t *testing.T) {
	mgr := New(Config{
		RecoveryDelay: 50 * time.Millisecond,
		StaleFor:      func(model.Exchange) time.Duration { return 30 * time.Second },
	}, zerolog.Nop())

	ts := &trackedState{
		client: nil,
		state: model.DataSourceState{
			Exchange: model.Binance,
			Mode:     model.ModeWS,
		},
		wsUp: false,
	}
	mgr.transition(ts, model.ModeREST, "ws-down", time.Now())
	assert.Equal(t, model.ModeREST, ts.state.Mode)
	assert.False(t, ts.state.WSAvailable)
	assert.Equal(t, "ws-down", ts.state.SwitchReason)
}

func TestTransitionNoopWhenModeUnchanged(t *testing.T) {
	mgr := New(Config{}, zerolog.Nop())
	ts := &trackedState{state: model.DataSourceState{Mode: model.ModeWS, SwitchReason: "initial"}}
	mgr.transition(ts, model.ModeWS, "should-not-apply", time.Now())
	assert.Equal(t, "initial", ts.state.SwitchReason)
}

func TestSnapshotReflectsRegisteredExchanges(t *testing.T) {
	mgr := New(Config{StaleFor: func(model.Exchange) time.Duration { return time.Second }}, zerolog.Nop())
	mgr.states[model.MEXC] = &trackedState{state: model.DataSourceState{Exchange: model.MEXC, Mode: model.ModeREST}}
	snap := mgr.Snapshot()
	require.Contains(t, snap, model.MEXC)
	assert.Equal(t, model.ModeREST, snap[model.MEXC].Mode)
}
