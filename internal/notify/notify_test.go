package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuiali/crossspread-arb/internal/errkind"
	"github.com/shuiali/crossspread-arb/internal/model"
)

type recordingSink struct {
	mu      sync.Mutex
	records []model.NotificationRecord
}

func (r *recordingSink) SaveNotification(_ context.Context, rec model.NotificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

type fakeChannel struct {
	name        string
	failTimes   int32
	calls       int32
	retryable   bool
	lastPayload Payload
}

func (f *fakeChannel) Name() string               { return f.name }
func (f *fakeChannel) Verbosity() Verbosity        { return VerbositySimple }
func (f *fakeChannel) Format(ev model.OpportunityEvent) Payload {
	return Payload{Kind: ev.Kind, Symbol: ev.Spec.Symbol, Severity: ev.Spec.Severity, CurrentSpread: ev.Spec.CurrentSpread.String()}
}
func (f *fakeChannel) Deliver(_ context.Context, p Payload) error {
	f.lastPayload = p
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failTimes {
		if f.retryable {
			return &errkind.HTTPStatusError{Status: 500}
		}
		return &errkind.HTTPStatusError{Status: 400}
	}
	return nil
}
func (f *fakeChannel) HealthCheck(context.Context) error { return nil }

func sampleEvent() model.OpportunityEvent {
	return model.OpportunityEvent{
		Kind: model.EventAppeared,
		Spec: model.OpportunitySpec{
			ID:            uuid.New(),
			Symbol:        "BTCUSDT",
			CurrentSpread: decimal.NewFromFloat(0.001),
			Severity:      model.SeverityWarning,
		},
	}
}

func TestFanoutRetriesRetryableFailures(t *testing.T) {
	sink := &recordingSink{}
	ch := &fakeChannel{name: "flaky", failTimes: 2, retryable: true}
	f := New([]Channel{ch}, sink, zerolog.Nop()).WithBackoff(time.Millisecond)

	f.Dispatch(context.Background(), uuid.New(), sampleEvent())

	assert.Equal(t, int32(3), ch.calls)
	require.Len(t, sink.records, 3)
	assert.Equal(t, model.OutcomeSent, sink.records[2].Outcome)
}

func TestFanoutDoesNotRetryNonRetryableFailures(t *testing.T) {
	sink := &recordingSink{}
	ch := &fakeChannel{name: "broken", failTimes: 5, retryable: false}
	f := New([]Channel{ch}, sink, zerolog.Nop()).WithBackoff(time.Millisecond)

	f.Dispatch(context.Background(), uuid.New(), sampleEvent())

	assert.Equal(t, int32(1), ch.calls)
	require.Len(t, sink.records, 1)
	assert.Equal(t, model.OutcomeFailed, sink.records[0].Outcome)
}

func TestFanoutIsolatesFailingChannels(t *testing.T) {
	sink := &recordingSink{}
	good := &fakeChannel{name: "good"}
	bad := &fakeChannel{name: "bad", failTimes: 10, retryable: false}
	f := New([]Channel{good, bad}, sink, zerolog.Nop())

	f.Dispatch(context.Background(), uuid.New(), sampleEvent())

	require.Len(t, sink.records, 2)
	byChannel := map[string]model.NotificationOutcome{}
	for _, r := range sink.records {
		byChannel[r.Channel] = r.Outcome
	}
	assert.Equal(t, model.OutcomeSent, byChannel["good"])
	assert.Equal(t, model.OutcomeFailed, byChannel["bad"])
}
