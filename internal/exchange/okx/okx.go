// Package okx implements exchange.Client for OKX perpetual swaps, grounded
// on the teacher's internal/connector/okx/okx.go: the same
// wss://ws.okx.com:8443/ws/v5/public endpoint, instId form, and the
// nonstandard text "ping" keepalive every 25s OKX requires in place of
// standard WS ping/pong frames (its pingLoop).
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
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
	wsURL   = "wss://ws.okx.com:8443/ws/v5/public"
	restURL = "https://www.okx.com"
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
		log:           log.With().Str("exchange", string(model.OKX)).Logger(),
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

func (c *Client) Exchange() model.Exchange                    { return model.OKX }
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

// markUnsupported records that symbol is not listed on OKX, per the
// symbol-unsupported fallback (SPEC_FULL §4.2/§8 law 5): once marked,
// Unsupported() reports it, the detector excludes OKX from that symbol's
// spreads, and it is dropped from the active subscription set so a
// reconnect doesn't keep resubscribing to it.
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

// extractInstID pulls the instId token out of an OKX error message such as
// "Invalid args for : channel:funding-rate,instId:XRP-USDT-SWAP doesn't
// exist", for the (rarer) case the error event doesn't echo it in arg.
func extractInstID(msg string) string {
	idx := strings.Index(msg, "instId:")
	if idx < 0 {
		return ""
	}
	rest := msg[idx+len("instId:"):]
	end := strings.IndexAny(rest, " ,\"'")
	if end < 0 {
		return rest
	}
	return rest[:end]
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
			c.connectivity <- model.ConnectivityEvent{Exchange: model.OKX, Transport: model.SourceWS, State: model.ConnUp, At: time.Now()}
		},
		OnDown: func(reason string) {
			c.connectivity <- model.ConnectivityEvent{Exchange: model.OKX, Transport: model.SourceWS, State: model.ConnDown, Reason: reason, At: time.Now()}
		},
	}

	// OKX requires a client-initiated text "ping" every ~25s instead of a
	// standard control frame; subscribeAll starts that loop per connection,
	// supplementing wsconn's read-side watchdog.
	loop.Run(ctx)
}

func (c *Client) subscribeAll(conn *websocket.Conn) error {
	for _, s := range c.activeSymbols() {
		instID, err := symbolcodec.ToExchange(model.OKX, s)
		if err != nil {
			continue
		}
		req := map[string]any{
			"op": "subscribe",
			"args": []map[string]string{
				{"channel": "funding-rate", "instId": instID},
			},
		}
		if err := conn.WriteJSON(req); err != nil {
			return err
		}
	}
	go c.pingLoop(conn)
	return nil
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
			return
		}
	}
}

func (c *Client) handleFrame(data []byte) error {
	if string(data) == "pong" {
		return nil
	}
	var msg struct {
		Event string `json:"event"`
		Msg   string `json:"msg"`
		Arg   struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"arg"`
		Data []struct {
			InstID          string `json:"instId"`
			FundingRate     string `json:"fundingRate"`
			NextFundingTime string `json:"nextFundingTime"`
			FundingTime     string `json:"fundingTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.Event == "error" {
		if strings.Contains(strings.ToLower(msg.Msg), "does not exist") || strings.Contains(strings.ToLower(msg.Msg), "invalid") {
			instID := msg.Arg.InstID
			if instID == "" {
				instID = extractInstID(msg.Msg)
			}
			if instID != "" {
				if canonical, err := symbolcodec.FromExchange(model.OKX, instID); err == nil {
					c.markUnsupported(canonical)
				}
			}
			return errkind.New(errkind.SymbolUnsupported, "okx.handleFrame", fmt.Errorf("%s", msg.Msg))
		}
		return errkind.New(errkind.ParseError, "okx.handleFrame", fmt.Errorf("%s", msg.Msg))
	}
	if msg.Arg.Channel != "funding-rate" {
		return nil
	}
	for _, item := range msg.Data {
		canonical, err := symbolcodec.FromExchange(model.OKX, item.InstID)
		if err != nil {
			continue
		}
		rate, err := decimal.NewFromString(item.FundingRate)
		if err != nil {
			continue
		}
		nextMs, _ := strconv.ParseInt(item.NextFundingTime, 10, 64)
		c.markFrame()
		c.ticks <- model.RateTick{
			Exchange:             model.OKX,
			Symbol:                canonical,
			FundingRate:           rate,
			FundingIntervalHours:  8,
			NextFundingTime:       time.UnixMilli(nextMs),
			Source:                model.SourceWS,
			ReceivedAt:            time.Now(),
		}
	}
	return nil
}

// runREST polls the public funding-rate REST endpoint, the same one the
// teacher's FetchFundingRates uses, as the fallback transport. It issues no
// request while the mode is ModeWS, so it does not seed data before the WS
// feed.
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
	url := fmt.Sprintf("%s/api/v5/public/funding-rate?instType=SWAP", restURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.Classify("okx.pollOnce", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return errkind.Classify("okx.pollOnce", &errkind.HTTPStatusError{Status: resp.StatusCode, Body: string(body)})
	}
	var result struct {
		Data []struct {
			InstID          string `json:"instId"`
			FundingRate     string `json:"fundingRate"`
			NextFundingTime string `json:"nextFundingTime"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return errkind.New(errkind.ParseError, "okx.pollOnce", err)
	}

	active := map[model.Symbol]bool{}
	for _, s := range c.activeSymbols() {
		active[s] = true
	}
	seen := map[model.Symbol]bool{}
	now := time.Now()
	for _, item := range result.Data {
		if !strings.HasSuffix(item.InstID, "-USDT-SWAP") {
			continue
		}
		canonical, err := symbolcodec.FromExchange(model.OKX, item.InstID)
		if err != nil || !active[canonical] {
			continue
		}
		seen[canonical] = true
		rate, err := decimal.NewFromString(item.FundingRate)
		if err != nil {
			continue
		}
		nextMs, _ := strconv.ParseInt(item.NextFundingTime, 10, 64)
		c.markFrame()
		c.ticks <- model.RateTick{
			Exchange:             model.OKX,
			Symbol:                canonical,
			FundingRate:           rate,
			FundingIntervalHours:  8,
			NextFundingTime:       time.UnixMilli(nextMs),
			Source:                model.SourceREST,
			ReceivedAt:            now,
		}
	}
	// The funding-rate endpoint returns every live SWAP instrument in one
	// response; an active symbol absent from it isn't listed on OKX.
	for s := range active {
		if !seen[s] {
			c.markUnsupported(s)
		}
	}
	return nil
}

var _ exchange.Client = (*Client)(nil)
