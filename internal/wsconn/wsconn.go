// Package wsconn is the "base class behaviour becomes a reusable helper"
// piece called for by the design notes: exponential backoff with full
// jitter, subscription replay on reconnect, and a no-frame watchdog, shared
// by every exchange's WebSocket client instead of being embedded through a
// common base type as the teacher's BaseConnector does it.
package wsconn

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shuiali/crossspread-arb/internal/errkind"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// NextBackoff doubles from minBackoff to maxBackoff with full jitter, per
// SPEC_FULL §4.2 step 5.
func NextBackoff(attempt int) time.Duration {
	backoff := minBackoff << attempt
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(backoff)) + 1)
}

// Dialer opens one WebSocket connection; each exchange client supplies its
// own URL-building and handshake logic through this func.
type Dialer func(ctx context.Context) (*websocket.Conn, error)

// FrameHandler decodes one inbound frame. A returned error is logged and
// swallowed: per SPEC_FULL §4.2 step 4, a parse failure never tears down
// the connection.
type FrameHandler func(messageType int, data []byte) error

// Subscriber replays the full active subscription set on a fresh
// connection, e.g. after a reconnect.
type Subscriber func(conn *websocket.Conn) error

// Loop owns one reconnecting WebSocket session. It blocks until ctx is
// canceled, dialing, replaying subscriptions, reading frames and
// reconnecting with backoff whenever the socket drops or goes silent past
// staleTimeout.
type Loop struct {
	Dial         Dialer
	Subscribe    Subscriber
	HandleFrame  FrameHandler
	StaleTimeout time.Duration // default 60s per §4.2 step 5
	OnUp         func()
	OnDown       func(reason string)
	Log          zerolog.Logger
}

func (l *Loop) Run(ctx context.Context) {
	stale := l.StaleTimeout
	if stale <= 0 {
		stale = 60 * time.Second
	}
	attempt := 0
	for ctx.Err() == nil {
		conn, err := l.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Log.Warn().Err(errkind.Classify("wsconn.Dial", err)).Int("attempt", attempt).Msg("dial failed")
			if !sleepCtx(ctx, NextBackoff(attempt)) {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		if l.Subscribe != nil {
			if err := l.Subscribe(conn); err != nil {
				l.Log.Warn().Err(err).Msg("subscription replay failed")
			}
		}
		if l.OnUp != nil {
			l.OnUp()
		}

		reason := l.readLoop(ctx, conn, stale)
		conn.Close()
		if l.OnDown != nil {
			l.OnDown(reason)
		}
		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, NextBackoff(attempt)) {
			return
		}
		attempt++
	}
}

func (l *Loop) readLoop(ctx context.Context, conn *websocket.Conn, stale time.Duration) string {
	lastFrame := time.Now()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if time.Since(lastFrame) > stale {
			return "stale: no frame within watchdog window"
		}
		conn.SetReadDeadline(time.Now().Add(stale))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err.Error()
		}
		lastFrame = time.Now()
		if l.HandleFrame != nil {
			if err := l.HandleFrame(msgType, data); err != nil {
				l.Log.Debug().Err(errkind.Classify("wsconn.HandleFrame", err)).Msg("frame parse failed, continuing")
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// DialWS is the default gorilla/websocket dialer used by every exchange
// client's Dialer implementation.
func DialWS(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
