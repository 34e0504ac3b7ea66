// Package gateio implements exchange.Client for Gate.io USDT-settled
// futures, grounded on the teacher's internal/connector/gate package: the
// same wss://fx-ws.gateio.ws/v4/ws/usdt endpoint and
// /futures/usdt/contracts REST path (whose `funding_rate` field the
// teacher's FetchFundingRates already reads off each contract).
package gateio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
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
	settle  = "usdt"
	wsURL   = "wss://fx-ws.gateio.ws/v4/ws/" + settle
	restURL = "https://api.gateio.ws/api/v4"
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
		log:           log.With().Str("exchange", string(model.GateIO)).Logger(),
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

func (c *Client) Exchange() model.Exchange                    { return model.GateIO }
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

// markUnsupported records that symbol is not listed on Gate.io, per the
// symbol-unsupported fallback (SPEC_FULL §4.2/§8 law 5): once marked,
// Unsupported() reports it, the detector excludes Gate.io from that
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

// contractPattern pulls a Gate.io contract name (e.g. "BTC_USDT") out of a
// subscribe-error message such as "unknown contract PAXG_USDT".
var contractPattern = regexp.MustCompile(`[A-Z0-9]{1,15}_USDT`)

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

func (c *Client) markFrame() {
	c.mu.Lock()
	c.lastFrameAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.streamLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.runREST(ctx)
	}()
	wg.Wait()
	return nil
}

func (c *Client) streamLoop(ctx context.Context) {
	loop := &wsconn.Loop{
		Log:          c.log,
		StaleTimeout: 60 * time.Second,
		Dial: func(ctx context.Context) (*websocket.Conn, error) {
			return wsconn.DialWS(ctx, wsURL, nil)
		},
		Subscribe: func(conn *websocket.Conn) error {
			return c.subscribeAll(conn)
		},
		HandleFrame: func(_ int, data []byte) error {
			return c.handleFrame(data)
		},
		OnUp: func() {
			c.connectivity <- model.ConnectivityEvent{Exchange: model.GateIO, Transport: model.SourceWS, State: model.ConnUp, At: time.Now()}
		},
		OnDown: func(reason string) {
			c.connectivity <- model.ConnectivityEvent{Exchange: model.GateIO, Transport: model.SourceWS, State: model.ConnDown, Reason: reason, At: time.Now()}
		},
	}
	loop.Run(ctx)
}

// subscribeAll sends one subscribe frame per symbol (SPEC_FULL §4.2 step
// 3), rather than a single batched request, so a per-contract subscribe
// error can be attributed to the symbol that caused it.
func (c *Client) subscribeAll(conn *websocket.Conn) error {
	for _, s := range c.activeSymbols() {
		native, err := symbolcodec.ToExchange(model.GateIO, s)
		if err != nil {
			continue
		}
		req := map[string]any{
			"time":    time.Now().Unix(),
			"channel": "futures.tickers",
			"event":   "subscribe",
			"payload": []string{native},
		}
		if err := conn.WriteJSON(req); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handleFrame(data []byte) error {
	var msg struct {
		Channel string          `json:"channel"`
		Event   string          `json:"event"`
		Error   json.RawMessage `json:"error"`
		Result  []struct {
			Contract    string `json:"contract"`
			FundingRate string `json:"funding_rate"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if len(msg.Error) > 0 && string(msg.Error) != "null" {
		errMsg := string(msg.Error)
		if native := contractPattern.FindString(errMsg); native != "" {
			if canonical, err := symbolcodec.FromExchange(model.GateIO, native); err == nil {
				c.markUnsupported(canonical)
			}
			return errkind.New(errkind.SymbolUnsupported, "gateio.handleFrame", fmt.Errorf("%s", errMsg))
		}
		return errkind.New(errkind.ParseError, "gateio.handleFrame", fmt.Errorf("%s", errMsg))
	}
	if msg.Channel != "futures.tickers" || msg.Event != "update" {
		return nil
	}
	for _, item := range msg.Result {
		canonical, err := symbolcodec.FromExchange(model.GateIO, item.Contract)
		if err != nil {
			continue
		}
		rate, err := decimal.NewFromString(item.FundingRate)
		if err != nil {
			continue
		}
		c.markFrame()
		c.ticks <- model.RateTick{
			Exchange:             model.GateIO,
			Symbol:                canonical,
			FundingRate:           rate,
			FundingIntervalHours:  8,
			NextFundingTime:       nextUTCBoundary(8),
			Source:                model.SourceWS,
			ReceivedAt:            time.Now(),
		}
	}
	return nil
}

// runREST polls the /futures/{settle}/contracts endpoint, the same one the
// teacher's FetchFundingRates reads funding_rate off.
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
	url := fmt.Sprintf("%s/futures/%s/contracts", restURL, settle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.Classify("gateio.pollOnce", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return errkind.Classify("gateio.pollOnce", &errkind.HTTPStatusError{Status: resp.StatusCode, Body: string(body)})
	}
	var data []struct {
		Name                string `json:"name"`
		FundingRate         string `json:"funding_rate"`
		FundingIntervalSecs int64  `json:"funding_interval"`
		FundingNextApply    int64  `json:"funding_next_apply"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return errkind.New(errkind.ParseError, "gateio.pollOnce", err)
	}

	active := map[model.Symbol]bool{}
	for _, s := range c.activeSymbols() {
		active[s] = true
	}
	seen := map[model.Symbol]bool{}
	now := time.Now()
	for _, d := range data {
		if !strings.HasSuffix(d.Name, "_USDT") {
			continue
		}
		canonical, err := symbolcodec.FromExchange(model.GateIO, d.Name)
		if err != nil || !active[canonical] {
			continue
		}
		seen[canonical] = true
		rate, err := decimal.NewFromString(d.FundingRate)
		if err != nil {
			continue
		}
		intervalHours := 8
		if d.FundingIntervalSecs > 0 {
			intervalHours = int(d.FundingIntervalSecs / 3600)
		}
		next := time.Unix(d.FundingNextApply, 0)
		if d.FundingNextApply == 0 {
			next = nextUTCBoundary(intervalHours)
		}
		c.markFrame()
		c.ticks <- model.RateTick{
			Exchange:             model.GateIO,
			Symbol:                canonical,
			FundingRate:           rate,
			FundingIntervalHours:  intervalHours,
			NextFundingTime:       next,
			Source:                model.SourceREST,
			ReceivedAt:            now,
		}
	}
	// /contracts returns every live contract in one response; an active
	// symbol absent from it isn't listed on Gate.io.
	for s := range active {
		if !seen[s] {
			c.markUnsupported(s)
		}
	}
	return nil
}

func nextUTCBoundary(intervalHours int) time.Time {
	now := time.Now().UTC()
	h := now.Hour() / intervalHours * intervalHours
	boundary := time.Date(now.Year(), now.Month(), now.Day(), h, 0, 0, 0, time.UTC)
	for !boundary.After(now) {
		boundary = boundary.Add(time.Duration(intervalHours) * time.Hour)
	}
	return boundary
}

var _ exchange.Client = (*Client)(nil)
