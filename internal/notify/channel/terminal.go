// Package channel holds the built-in NotificationFanout channels:
// terminal, structured-log, webhook, and chat-bot (Telegram).
package channel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/notify"
)

// Terminal prints a human-readable line straight to the configured writer,
// grounded on the teacher's fmt.Printf debug lines in publisher.RedisPublisher.
type Terminal struct {
	verbosity notify.Verbosity
	out       zerolog.Logger // used as a plain writer via Info(), no structured fields
}

func NewTerminal(verbosity notify.Verbosity, out zerolog.Logger) *Terminal {
	return &Terminal{verbosity: verbosity, out: out}
}

func (t *Terminal) Name() string              { return "terminal" }
func (t *Terminal) Verbosity() notify.Verbosity { return t.verbosity }

func (t *Terminal) Format(ev model.OpportunityEvent) notify.Payload {
	return formatPayload(ev, t.verbosity)
}

func (t *Terminal) Deliver(_ context.Context, p notify.Payload) error {
	line := fmt.Sprintf("[%s] %s %s spread=%s apy=%s", p.Kind, p.Severity, p.Symbol, p.CurrentSpread, p.AnnualizedReturn)
	if p.Kind == model.EventDisappeared {
		line = fmt.Sprintf("[%s] %s closed after %dms, max=%s, reason=%s", p.Kind, p.Symbol, p.DurationMs, p.MaxSpread, p.DisappearReason)
	}
	t.out.Info().Msg(line)
	return nil
}

func (t *Terminal) HealthCheck(context.Context) error { return nil }

func formatPayload(ev model.OpportunityEvent, v notify.Verbosity) notify.Payload {
	p := notify.Payload{
		Kind:             ev.Kind,
		Symbol:           ev.Spec.Symbol,
		CurrentSpread:    ev.Spec.CurrentSpread.String(),
		MaxSpread:        ev.Spec.MaxSpread.String(),
		AnnualizedReturn: ev.Spec.AnnualizedReturn.String(),
		Severity:         ev.Spec.Severity,
		DetectedAt:       ev.Spec.FirstDetectedAt,
	}
	if ev.History != nil {
		p.DurationMs = ev.History.DurationMs
		p.DisappearReason = ev.History.DisappearReason
		p.MaxSpread = ev.History.MaxSpread.String()
	}
	if v == notify.VerbosityDetailed {
		p.LongExchange = ev.Spec.LongExchange
		p.ShortExchange = ev.Spec.ShortExchange
		p.IntervalHours = ev.Spec.FundingIntervalHours
	}
	return p
}
