// Package exchange defines the single interface every concrete exchange
// implementation satisfies, replacing the teacher's class-inheritance-style
// BaseConnector embedding with the interface-plus-reusable-helper shape
// called for by the design notes: "subscribe, publishTicks, close" with
// reconnect/ping-pong policy factored into internal/wsconn instead of
// copy-pasted per connector.
package exchange

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/shuiali/crossspread-arb/internal/model"
)

// Client is implemented once per exchange. Funding-rate subscription is
// idempotent; the WS and REST internals are each implementation's own
// concern, but every implementation publishes through the same two
// channels.
type Client interface {
	Exchange() model.Exchange

	// Run starts the client's transports (the WS stream and the REST
	// poller, or the REST poller alone for a REST-only exchange) and blocks
	// until ctx is done. Run is called exactly once.
	Run(ctx context.Context) error

	// SubscribeFunding adds symbols to the active subscription set.
	// Idempotent: subscribing an already-subscribed symbol is a no-op.
	SubscribeFunding(symbols []model.Symbol) error

	// UnsubscribeFunding removes symbols from the active set.
	UnsubscribeFunding(symbols []model.Symbol) error

	// SetMode switches the client's preferred transport, driven by the
	// DataSourceManager. Both transport goroutines keep running in every
	// mode: the WS connection stays open, and the REST poller skips its
	// requests while the mode is ModeWS. A REST-only exchange ignores it.
	SetMode(mode model.DataSourceMode)

	// Ticks is the single outbound channel of normalized RateTicks.
	Ticks() <-chan model.RateTick

	// Connectivity is the single outbound channel of transport up/down
	// events, one stream per transport (ws, rest).
	Connectivity() <-chan model.ConnectivityEvent

	// Unsupported reports symbols this exchange has told us it doesn't
	// list, per the symbol-unsupported fallback (SPEC_FULL §4.2/§8 law 5).
	Unsupported() map[model.Symbol]bool

	// LastMessageAt is the most recent time any frame (WS or REST) was
	// received, used by DataSourceManager staleness and recovery checks.
	// The wsconn watchdog keeps its own per-connection timestamp.
	LastMessageAt() time.Time
}

// Capabilities describes static per-exchange feed support, per SPEC_FULL
// §3's "static capabilities" note.
type Capabilities struct {
	FundingWSNative bool // true if the funding-rate channel is pushed over WS directly
	FundingRESTOnly bool // true if this exchange never pushes funding over WS
}

var capabilities = map[model.Exchange]Capabilities{
	model.Binance: {FundingWSNative: true},
	model.OKX:     {FundingWSNative: true},
	model.GateIO:  {FundingWSNative: true},
	model.MEXC:    {FundingRESTOnly: true},
	model.BingX:   {FundingWSNative: true},
}

// CapabilitiesOf returns the static capability set for an exchange.
func CapabilitiesOf(ex model.Exchange) Capabilities {
	return capabilities[ex]
}

// NewRESTLimiter returns a limiter every exchange client's REST poller
// waits on before each call, independent of the poll-interval ticker: the
// ticker paces whole poll cycles, this paces individual requests so a
// retry-on-error loop can't hammer an exchange's REST endpoint.
func NewRESTLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(5), 5)
}
