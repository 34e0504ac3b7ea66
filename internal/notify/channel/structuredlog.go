package channel

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/notify"
)

// StructuredLog emits the event as a zerolog structured record instead of a
// free-text line, for downstream log-aggregation pipelines.
type StructuredLog struct {
	verbosity notify.Verbosity
	log       zerolog.Logger
}

func NewStructuredLog(verbosity notify.Verbosity, log zerolog.Logger) *StructuredLog {
	return &StructuredLog{verbosity: verbosity, log: log}
}

func (s *StructuredLog) Name() string               { return "structured-log" }
func (s *StructuredLog) Verbosity() notify.Verbosity { return s.verbosity }

func (s *StructuredLog) Format(ev model.OpportunityEvent) notify.Payload {
	return formatPayload(ev, s.verbosity)
}

func (s *StructuredLog) Deliver(_ context.Context, p notify.Payload) error {
	evt := s.log.Info().
		Str("kind", string(p.Kind)).
		Str("symbol", string(p.Symbol)).
		Str("severity", string(p.Severity)).
		Str("currentSpread", p.CurrentSpread).
		Str("maxSpread", p.MaxSpread).
		Str("annualizedReturn", p.AnnualizedReturn)
	if s.verbosity == notify.VerbosityDetailed {
		evt = evt.
			Str("longExchange", string(p.LongExchange)).
			Str("shortExchange", string(p.ShortExchange)).
			Int("intervalHours", p.IntervalHours)
	}
	if p.Kind == model.EventDisappeared {
		evt = evt.Int64("durationMs", p.DurationMs).Str("disappearReason", string(p.DisappearReason))
	}
	evt.Msg("opportunity event")
	return nil
}

func (s *StructuredLog) HealthCheck(context.Context) error { return nil }
