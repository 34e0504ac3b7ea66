// Package mexc implements exchange.Client for MEXC futures. MEXC's funding
// feed is REST-only (no public WS funding-rate push), matching the static
// capability noted in SPEC_FULL §3/exchange.CapabilitiesOf and grounded on
// the teacher's internal/connector/mexc RESTClient.GetAllFundingRates,
// which already hits the same /api/v1/contract/funding_rate endpoint on
// https://contract.mexc.com.
package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"github.com/shopspring/decimal"

	"github.com/shuiali/crossspread-arb/internal/errkind"
	"github.com/shuiali/crossspread-arb/internal/exchange"
	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/symbolcodec"
)

const (
	restBaseURL    = "https://contract.mexc.com"
	fundingRatePath = "/api/v1/contract/funding_rate"
)

type Client struct {
	log zerolog.Logger

	mu            sync.RWMutex
	subscriptions map[model.Symbol]bool
	unsupported   map[model.Symbol]bool
	lastFrameAt   time.Time

	ticks        chan model.RateTick
	connectivity chan model.ConnectivityEvent

	httpClient *http.Client
	restLimiter *rate.Limiter
	pollEvery  time.Duration
}

func New(log zerolog.Logger, symbols []model.Symbol, pollEvery time.Duration) *Client {
	subs := make(map[model.Symbol]bool, len(symbols))
	for _, s := range symbols {
		subs[s] = true
	}
	return &Client{
		log:           log.With().Str("exchange", string(model.MEXC)).Logger(),
		subscriptions: subs,
		unsupported:   make(map[model.Symbol]bool),
		ticks:         make(chan model.RateTick, 256),
		connectivity:  make(chan model.ConnectivityEvent, 16),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		restLimiter:   exchange.NewRESTLimiter(),
		pollEvery:     pollEvery,
	}
}

func (c *Client) Exchange() model.Exchange                    { return model.MEXC }
func (c *Client) Ticks() <-chan model.RateTick                 { return c.ticks }
func (c *Client) Connectivity() <-chan model.ConnectivityEvent { return c.connectivity }

func (c *Client) LastMessageAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFrameAt
}

func (c *Client) Unsupported() map[model.Symbol]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[model.Symbol]bool, len(c.unsupported))
	for k := range c.unsupported {
		out[k] = true
	}
	return out
}

// markUnsupported records that symbol is not listed on MEXC, per the
// symbol-unsupported fallback (SPEC_FULL §4.2/§8 law 5): once marked,
// Unsupported() reports it, the detector excludes MEXC from that symbol's
// spreads, and it is dropped from the active subscription set.
func (c *Client) markUnsupported(symbol model.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsupported[symbol] {
		return
	}
	c.unsupported[symbol] = true
	delete(c.subscriptions, symbol)
	c.log.Warn().Str("symbol", string(symbol)).Msg("marked unsupported")
}

func (c *Client) SubscribeFunding(symbols []model.Symbol) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		c.subscriptions[s] = true
	}
	return nil
}

func (c *Client) UnsubscribeFunding(symbols []model.Symbol) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		delete(c.subscriptions, s)
	}
	return nil
}

// SetMode is a no-op: MEXC has no WS funding channel, so the
// DataSourceManager's WS/REST switch never changes this client's behavior.
func (c *Client) SetMode(model.DataSourceMode) {}

func (c *Client) activeSymbols() []model.Symbol {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Symbol, 0, len(c.subscriptions))
	for s := range c.subscriptions {
		out = append(out, s)
	}
	return out
}

func (c *Client) markFrame() {
	c.mu.Lock()
	c.lastFrameAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) Run(ctx context.Context) error {
	// Emit connectivity "up" once at start since there is no transport
	// handshake to wait on for a REST-only client.
	c.connectivity <- model.ConnectivityEvent{Exchange: model.MEXC, Transport: model.SourceREST, State: model.ConnUp, At: time.Now()}

	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		if err := c.pollOnce(ctx); err != nil {
			c.log.Warn().Err(err).Msg("rest poll failed")
		}
		select {
		case <-ctx.Done():
			c.connectivity <- model.ConnectivityEvent{Exchange: model.MEXC, Transport: model.SourceREST, State: model.ConnDown, Reason: "shutdown", At: time.Now()}
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) error {
	if err := c.restLimiter.Wait(ctx); err != nil {
		return err
	}
	url := restBaseURL + fundingRatePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.Classify("mexc.pollOnce", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return errkind.Classify("mexc.pollOnce", &errkind.HTTPStatusError{Status: resp.StatusCode, Body: string(body)})
	}
	var out struct {
		Success bool `json:"success"`
		Data    []struct {
			Symbol         string  `json:"symbol"`
			FundingRate    json.Number `json:"fundingRate"`
			CollectCycle   int     `json:"collectCycle"`
			NextSettleTime int64   `json:"nextSettleTime"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return errkind.New(errkind.ParseError, "mexc.pollOnce", err)
	}
	if !out.Success {
		return errkind.New(errkind.ParseError, "mexc.pollOnce", fmt.Errorf("mexc api reported failure"))
	}

	active := map[model.Symbol]bool{}
	for _, s := range c.activeSymbols() {
		active[s] = true
	}
	seen := map[model.Symbol]bool{}
	now := time.Now()
	for _, d := range out.Data {
		if !strings.HasSuffix(d.Symbol, "_USDT") {
			continue
		}
		canonical, err := symbolcodec.FromExchange(model.MEXC, d.Symbol)
		if err != nil || !active[canonical] {
			continue
		}
		seen[canonical] = true
		rate, err := decimal.NewFromString(d.FundingRate.String())
		if err != nil {
			continue
		}
		interval := d.CollectCycle
		if interval <= 0 {
			interval = 8
		}
		c.markFrame()
		c.ticks <- model.RateTick{
			Exchange:             model.MEXC,
			Symbol:                canonical,
			FundingRate:           rate,
			FundingIntervalHours:  interval,
			NextFundingTime:       time.UnixMilli(d.NextSettleTime),
			Source:                model.SourceREST,
			ReceivedAt:            now,
		}
	}
	// funding_rate returns every live contract in one response; an active
	// symbol absent from it isn't listed on MEXC.
	for s := range active {
		if !seen[s] {
			c.markUnsupported(s)
		}
	}
	return nil
}

var _ exchange.Client = (*Client)(nil)
