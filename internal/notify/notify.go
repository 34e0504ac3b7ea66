// Package notify implements the NotificationFanout from SPEC_FULL §4.7: a
// registry of polymorphic channels dispatched concurrently per event, each
// isolated from the others' failures. Grounded on the teacher's
// publisher.RedisPublisher in its per-subject fire-and-forget shape, but
// generalized from one hardcoded sink into the format/deliver/healthCheck
// channel interface the spec calls for.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shuiali/crossspread-arb/internal/errkind"
	"github.com/shuiali/crossspread-arb/internal/model"
)

// Verbosity selects the notification payload schema.
type Verbosity string

const (
	VerbositySimple   Verbosity = "simple"
	VerbosityDetailed Verbosity = "detailed"
)

// Payload is the channel-agnostic rendering of an OpportunityEvent, per the
// verbosity the channel was configured with.
type Payload struct {
	Kind             model.EventKind
	Symbol           model.Symbol
	CurrentSpread    string
	MaxSpread        string
	AnnualizedReturn string
	Severity         model.Severity
	DetectedAt       time.Time

	// LongExchange, ShortExchange and IntervalHours are detailed-only and
	// zero-valued in simple payloads. DisappearReason and DurationMs are set
	// for disappeared events at either verbosity. NextFundingTime is not
	// filled in by any channel and stays zero.
	LongExchange    model.Exchange
	ShortExchange   model.Exchange
	NextFundingTime time.Time
	IntervalHours   int
	DisappearReason model.DisappearReason
	DurationMs      int64
}

// Channel is a single notification sink.
type Channel interface {
	Name() string
	Verbosity() Verbosity
	Format(ev model.OpportunityEvent) Payload
	Deliver(ctx context.Context, p Payload) error
	HealthCheck(ctx context.Context) error
}

const (
	deliverTimeout = 5 * time.Second
	maxAttempts    = 3
)

// Fanout dispatches every event to all registered channels concurrently,
// isolating per-channel failures and producing a NotificationRecord per
// delivery attempt.
type Fanout struct {
	channels    []Channel
	persist     RecordSink
	log         zerolog.Logger
	baseBackoff time.Duration
	onDeliver   func(channel string, success bool)
}

// RecordSink is the narrow slice of the persistence port the fanout needs.
type RecordSink interface {
	SaveNotification(ctx context.Context, record model.NotificationRecord) error
}

func New(channels []Channel, persist RecordSink, log zerolog.Logger) *Fanout {
	return &Fanout{channels: channels, persist: persist, log: log, baseBackoff: time.Second}
}

// WithBackoff overrides the base retry backoff (default 1s); tests use a
// shorter value to keep the retry path fast.
func (f *Fanout) WithBackoff(d time.Duration) *Fanout {
	f.baseBackoff = d
	return f
}

// WithDeliveryObserver registers a callback fired once per delivery attempt
// outcome, independent of persistence — the HealthMonitor's sliding
// per-channel success rate uses this instead of reading notification
// records back out of storage.
func (f *Fanout) WithDeliveryObserver(observe func(channel string, success bool)) *Fanout {
	f.onDeliver = observe
	return f
}

// ChannelNames returns the name of every registered channel, for callers
// that need to record an outcome (e.g. SUPPRESSED_DEBOUNCE) per channel
// without going through Dispatch.
func (f *Fanout) ChannelNames() []string {
	names := make([]string, len(f.channels))
	for i, ch := range f.channels {
		names[i] = ch.Name()
	}
	return names
}

// Dispatch fans ev out to every channel concurrently and waits for all
// deliveries to settle (successfully or not) before returning.
func (f *Fanout) Dispatch(ctx context.Context, opportunityID uuid.UUID, ev model.OpportunityEvent) {
	var wg sync.WaitGroup
	for _, ch := range f.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			f.deliverWithRetry(ctx, opportunityID, ch, ev)
		}(ch)
	}
	wg.Wait()
}

func (f *Fanout) deliverWithRetry(ctx context.Context, opportunityID uuid.UUID, ch Channel, ev model.OpportunityEvent) {
	payload := ch.Format(ev)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * f.baseBackoff
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}

		dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
		err := ch.Deliver(dctx, payload)
		cancel()

		if err == nil {
			f.record(ctx, opportunityID, ch, ev.Spec.Severity, model.OutcomeSent, "")
			return
		}
		kind := errkind.Classify(ch.Name()+".Deliver", err)
		f.record(ctx, opportunityID, ch, ev.Spec.Severity, model.OutcomeFailed, string(kind.Kind))
		if !errkind.Retryable(err) || attempt == maxAttempts-1 {
			f.log.Warn().Err(err).Str("channel", ch.Name()).Str("symbol", string(ev.Spec.Symbol)).Msg("notification delivery failed")
			return
		}
	}
}

func (f *Fanout) record(ctx context.Context, opportunityID uuid.UUID, ch Channel, sev model.Severity, outcome model.NotificationOutcome, errKind string) {
	if f.onDeliver != nil {
		f.onDeliver(ch.Name(), outcome == model.OutcomeSent)
	}
	if f.persist == nil {
		return
	}
	rec := model.NotificationRecord{
		OpportunityID: opportunityID,
		Channel:       ch.Name(),
		Severity:      sev,
		DeliveredAt:   time.Now(),
		Outcome:       outcome,
		ErrorKind:     errKind,
	}
	if err := f.persist.SaveNotification(ctx, rec); err != nil {
		f.log.Warn().Err(err).Str("channel", ch.Name()).Msg("failed to persist notification record")
	}
}
