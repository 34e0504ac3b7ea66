// Package model holds the plain, immutable data records that flow between
// pipeline components. Nothing here owns a goroutine or a lock; ownership of
// these records lives in the components that produce them (see each
// package's doc comment).
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Exchange is a tagged identifier drawn from a closed, compile-time set.
type Exchange string

const (
	Binance Exchange = "binance"
	OKX     Exchange = "okx"
	GateIO  Exchange = "gateio"
	MEXC    Exchange = "mexc"
	BingX   Exchange = "bingx"
)

// AllExchanges is the closed initial set this build supports.
var AllExchanges = []Exchange{Binance, OKX, GateIO, MEXC, BingX}

func (e Exchange) Valid() bool {
	for _, x := range AllExchanges {
		if x == e {
			return true
		}
	}
	return false
}

// Source records which transport produced a RateTick.
type Source string

const (
	SourceWS   Source = "ws"
	SourceREST Source = "rest"
)

// Symbol is the canonical internal form: upper-case BASEUSDT, no separator.
type Symbol string

// RateTick is a single funding-rate observation for (exchange, symbol).
// Financial fields are decimal.Decimal; never float64 on the hot path.
type RateTick struct {
	Exchange             Exchange
	Symbol               Symbol
	FundingRate          decimal.Decimal
	FundingIntervalHours int
	NextFundingTime      time.Time
	MarkPrice            decimal.NullDecimal
	IndexPrice           decimal.NullDecimal
	Source               Source
	ReceivedAt           time.Time
}

// Severity tiers for opportunities and notifications.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// rank gives a total order over severities for tie-break/upgrade comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Upgrades reports whether moving from s to other is a severity upgrade.
func (s Severity) Upgrades(other Severity) bool {
	return other.rank() > s.rank()
}

// OpportunityStatus is the per-symbol lifecycle state.
type OpportunityStatus string

const (
	StatusActive  OpportunityStatus = "ACTIVE"
	StatusExpired OpportunityStatus = "EXPIRED"
)

// DisappearReason records why an OpportunitySpec expired.
type DisappearReason string

const (
	ReasonRateDropped     DisappearReason = "RATE_DROPPED"
	ReasonDataUnavailable DisappearReason = "DATA_UNAVAILABLE"
)

// OpportunitySpec is the single active-or-expired arbitrage candidate for a
// symbol. The OpportunityDetector is the only writer of these records.
type OpportunitySpec struct {
	ID                   uuid.UUID
	Symbol               Symbol
	LongExchange         Exchange
	ShortExchange        Exchange
	EntrySpread          decimal.Decimal
	CurrentSpread        decimal.Decimal
	MaxSpread            decimal.Decimal
	MaxSpreadAt          time.Time
	FirstDetectedAt      time.Time
	LastNotifiedAt       time.Time
	NotificationCount    int
	Severity             Severity
	AnnualizedReturn     decimal.Decimal
	FundingIntervalHours int
	Status               OpportunityStatus
}

// Clone returns a value copy safe to hand to readers outside the detector.
func (o *OpportunitySpec) Clone() OpportunitySpec {
	return *o
}

// OpportunityHistory is the append-only record created when an
// OpportunitySpec transitions to EXPIRED.
type OpportunityHistory struct {
	OpportunityID    uuid.UUID
	Symbol           Symbol
	DurationMs       int64
	MaxSpread        decimal.Decimal
	AverageSpread    decimal.Decimal
	DisappearReason  DisappearReason
	NotificationTotal int
	EndedAt          time.Time
}

// NotificationOutcome records what happened to one delivery attempt.
type NotificationOutcome string

const (
	OutcomeSent               NotificationOutcome = "SENT"
	OutcomeSuppressedDebounce NotificationOutcome = "SUPPRESSED_DEBOUNCE"
	OutcomeFailed             NotificationOutcome = "FAILED"
)

// NotificationRecord is the append-only per-channel delivery outcome.
type NotificationRecord struct {
	OpportunityID uuid.UUID
	Channel       string
	Severity      Severity
	DeliveredAt   time.Time
	Outcome       NotificationOutcome
	ErrorKind     string
}

// DataSourceMode is the transport a DataSourceManager currently prefers.
type DataSourceMode string

const (
	ModeWS     DataSourceMode = "ws"
	ModeREST   DataSourceMode = "rest"
	ModeHybrid DataSourceMode = "hybrid"
)

// DataType distinguishes the kind of feed a DataSourceManager tracks.
// This build only ingests funding-rate data, but the state table is keyed
// generically so additional data types need no changes to the machine.
type DataType string

const FundingData DataType = "funding"

// DataSourceState is the per-(exchange,dataType) transport record.
type DataSourceState struct {
	Exchange      Exchange
	DataType      DataType
	Mode          DataSourceMode
	WSAvailable   bool
	RESTAvailable bool
	LastSwitchAt  time.Time
	SwitchReason  string
	LastDataAt    time.Time
}

// EventKind enumerates the lifecycle events the detector emits.
type EventKind string

const (
	EventAppeared    EventKind = "opportunity:appeared"
	EventUpdated     EventKind = "opportunity:updated"
	EventDisappeared EventKind = "opportunity:disappeared"
)

// OpportunityEvent is the typed payload the detector sends to the debouncer
// and, from there, to the notification fanout and persistence port.
type OpportunityEvent struct {
	Kind    EventKind
	Spec    OpportunitySpec
	History *OpportunityHistory // set only for EventDisappeared
}

// ConnectivityState reports a transport's up/down status for one exchange.
type ConnectivityState string

const (
	ConnUp   ConnectivityState = "UP"
	ConnDown ConnectivityState = "DOWN"
)

// ConnectivityEvent is published by every ExchangeClient transport.
type ConnectivityEvent struct {
	Exchange  Exchange
	Transport Source
	State     ConnectivityState
	Reason    string
	At        time.Time
}

// HealthReport is the periodic cross-component heartbeat.
type HealthReport struct {
	AsOf               time.Time
	PerExchange        map[Exchange]ExchangeHealth
	ActiveOpportunities int
	DebouncerQueueDepth int
	ChannelSuccessRate  map[string]float64
}

// ExchangeHealth is one exchange's slice of a HealthReport.
type ExchangeHealth struct {
	Connectivity ConnectivityState
	Mode         DataSourceMode
	LastSeen     time.Time
	Stale        bool
}
