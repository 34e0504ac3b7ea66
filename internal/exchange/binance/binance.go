// Package binance implements exchange.Client for Binance USDⓈ-M futures,
// grounded on the teacher's internal/connector/binance/binance.go: the same
// combined-stream WS URL building and premiumIndex REST endpoint, now
// emitting funding RateTicks instead of orderbook updates.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"github.com/shopspring/decimal"

	"github.com/shuiali/crossspread-arb/internal/errkind"
	"github.com/shuiali/crossspread-arb/internal/exchange"
	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/symbolcodec"
	"github.com/shuiali/crossspread-arb/internal/wsconn"
)

const (
	wsBaseURL   = "wss://fstream.binance.com"
	restBaseURL = "https://fapi.binance.com"
)

type Client struct {
	log zerolog.Logger

	mu            sync.RWMutex
	subscriptions map[model.Symbol]bool
	unsupported   map[model.Symbol]bool
	mode          model.DataSourceMode
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
		log:           log.With().Str("exchange", string(model.Binance)).Logger(),
		subscriptions: subs,
		unsupported:   make(map[model.Symbol]bool),
		mode:          model.ModeWS,
		ticks:         make(chan model.RateTick, 256),
		connectivity:  make(chan model.ConnectivityEvent, 16),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		restLimiter:   exchange.NewRESTLimiter(),
		pollEvery:     pollEvery,
	}
}

func (c *Client) Exchange() model.Exchange { return model.Binance }

func (c *Client) Ticks() <-chan model.RateTick                   { return c.ticks }
func (c *Client) Connectivity() <-chan model.ConnectivityEvent   { return c.connectivity }
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

// markUnsupported records that symbol is not listed on Binance, per the
// symbol-unsupported fallback (SPEC_FULL §4.2/§8 law 5): once marked,
// Unsupported() reports it, the detector excludes Binance from that
// symbol's spreads, and it is dropped from the active subscription set so
// a reconnect doesn't keep resubscribing to it.
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

func (c *Client) SetMode(mode model.DataSourceMode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

func (c *Client) currentMode() model.DataSourceMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Client) activeSymbols() []model.Symbol {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Symbol, 0, len(c.subscriptions))
	for s := range c.subscriptions {
		out = append(out, s)
	}
	return out
}

func (c *Client) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runWS(ctx)
	}()
	go func() {
		defer wg.Done()
		c.runREST(ctx)
	}()
	wg.Wait()
	return nil
}

func (c *Client) markFrame() {
	c.mu.Lock()
	c.lastFrameAt = time.Now()
	c.mu.Unlock()
}

// runWS subscribes to Binance's markPrice combined stream, which carries
// the current funding rate alongside mark price every second.
func (c *Client) runWS(ctx context.Context) {
	c.streamLoop(ctx)
}

func (c *Client) buildStreamNames() string {
	symbols := c.activeSymbols()
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		native, err := symbolcodec.ToExchange(model.Binance, s)
		if err != nil {
			continue
		}
		streams = append(streams, strings.ToLower(native)+"@markPrice@1s")
	}
	return strings.Join(streams, "/")
}

func (c *Client) streamLoop(ctx context.Context) {
	loop := &wsconn.Loop{
		Log:          c.log,
		StaleTimeout: 60 * time.Second,
		Dial: func(ctx context.Context) (*websocket.Conn, error) {
			streams := c.buildStreamNames()
			if streams == "" {
				return nil, fmt.Errorf("no symbols to subscribe")
			}
			url := fmt.Sprintf("%s/stream?streams=%s", wsBaseURL, streams)
			return wsconn.DialWS(ctx, url, nil)
		},
		HandleFrame: func(_ int, data []byte) error {
			return c.handleFrame(data)
		},
		OnUp: func() {
			c.connectivity <- model.ConnectivityEvent{Exchange: model.Binance, Transport: model.SourceWS, State: model.ConnUp, At: time.Now()}
		},
		OnDown: func(reason string) {
			c.connectivity <- model.ConnectivityEvent{Exchange: model.Binance, Transport: model.SourceWS, State: model.ConnDown, Reason: reason, At: time.Now()}
		},
	}
	loop.Run(ctx)
}

func (c *Client) handleFrame(data []byte) error {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	var payload struct {
		Symbol          string `json:"s"`
		FundingRate     string `json:"r"`
		NextFundingTime int64  `json:"T"`
		MarkPrice       string `json:"p"`
		IndexPrice      string `json:"i"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return err
	}
	canonical, err := symbolcodec.FromExchange(model.Binance, payload.Symbol)
	if err != nil {
		return err
	}
	rate, err := decimal.NewFromString(payload.FundingRate)
	if err != nil {
		return err
	}
	mark, _ := decimal.NewFromString(payload.MarkPrice)
	index, _ := decimal.NewFromString(payload.IndexPrice)

	c.markFrame()
	c.ticks <- model.RateTick{
		Exchange:             model.Binance,
		Symbol:                canonical,
		FundingRate:           rate,
		FundingIntervalHours:  8,
		NextFundingTime:       time.UnixMilli(payload.NextFundingTime),
		MarkPrice:             decimal.NewNullDecimal(mark),
		IndexPrice:            decimal.NewNullDecimal(index),
		Source:                model.SourceWS,
		ReceivedAt:            time.Now(),
	}
	return nil
}

// runREST polls the premiumIndex endpoint, the same one the teacher's
// FetchFundingRates uses, as the fallback transport. It issues no request
// while the mode is ModeWS, so it does not seed data before the WS feed.
func (c *Client) runREST(ctx context.Context) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		if c.currentMode() == model.ModeWS {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		if err := c.pollOnce(ctx); err != nil {
			c.log.Warn().Err(err).Msg("rest poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) error {
	if err := c.restLimiter.Wait(ctx); err != nil {
		return err
	}
	url := restBaseURL + "/fapi/v1/premiumIndex"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.Classify("binance.pollOnce", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return errkind.Classify("binance.pollOnce", &errkind.HTTPStatusError{
			Status:     resp.StatusCode,
			RetryAfter: resp.Header.Get("Retry-After"),
			Body:       string(body),
		})
	}
	var data []struct {
		Symbol          string `json:"symbol"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
		MarkPrice       string `json:"markPrice"`
		IndexPrice      string `json:"indexPrice"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return errkind.New(errkind.ParseError, "binance.pollOnce", err)
	}

	active := map[model.Symbol]bool{}
	for _, s := range c.activeSymbols() {
		active[s] = true
	}
	seen := map[model.Symbol]bool{}

	now := time.Now()
	for _, d := range data {
		canonical, err := symbolcodec.FromExchange(model.Binance, d.Symbol)
		if err != nil || !active[canonical] {
			continue
		}
		seen[canonical] = true
		rate, err := decimal.NewFromString(d.LastFundingRate)
		if err != nil {
			continue
		}
		mark, _ := decimal.NewFromString(d.MarkPrice)
		index, _ := decimal.NewFromString(d.IndexPrice)
		c.markFrame()
		c.ticks <- model.RateTick{
			Exchange:             model.Binance,
			Symbol:                canonical,
			FundingRate:           rate,
			FundingIntervalHours:  8,
			NextFundingTime:       time.UnixMilli(d.NextFundingTime),
			MarkPrice:             decimal.NewNullDecimal(mark),
			IndexPrice:            decimal.NewNullDecimal(index),
			Source:                model.SourceREST,
			ReceivedAt:            now,
		}
	}
	// premiumIndex returns every live USDⓈ-M contract in one response; an
	// active symbol absent from it isn't listed on Binance.
	for s := range active {
		if !seen[s] {
			c.markUnsupported(s)
		}
	}
	return nil
}

var _ exchange.Client = (*Client)(nil)
