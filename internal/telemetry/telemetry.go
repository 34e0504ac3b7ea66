// Package telemetry exposes this pipeline's Prometheus gauges and counters,
// grounded on the teacher's internal/metrics package (same
// promauto-registered CounterVec/GaugeVec/HistogramVec shape, same naming
// convention with a crossspread_ prefix) but re-pointed at this spec's subject:
// funding ticks and opportunity lifecycle events instead of orderbook
// updates and trades.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/shuiali/crossspread-arb/internal/model"
)

var bps = decimal.NewFromInt(10000)

var (
	FundingRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crossspread_funding_rate",
			Help: "Latest observed funding rate per exchange/symbol",
		},
		[]string{"exchange", "symbol"},
	)

	TicksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossspread_ticks_received_total",
			Help: "Total RateTicks received per exchange/source",
		},
		[]string{"exchange", "source"},
	)

	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crossspread_connection_status",
			Help: "Transport connection status (1=up, 0=down)",
		},
		[]string{"exchange", "transport"},
	)

	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossspread_reconnects_total",
			Help: "Total successful connections (including the first) per exchange/transport",
		},
		[]string{"exchange", "transport"},
	)

	DataSourceMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crossspread_data_source_mode",
			Help: "Current DataSourceManager mode per exchange (1=ws, 0.5=hybrid, 0=rest)",
		},
		[]string{"exchange"},
	)

	ActiveOpportunities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crossspread_active_opportunities",
			Help: "Number of symbols with an ACTIVE opportunity",
		},
	)

	OpportunitySpreadBps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crossspread_opportunity_spread_bps",
			Help: "Current spread of the active opportunity, in basis points",
		},
		[]string{"symbol", "long_exchange", "short_exchange"},
	)

	OpportunitiesOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crossspread_opportunities_opened_total",
			Help: "Total opportunity:appeared events emitted",
		},
	)

	OpportunitiesClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossspread_opportunities_closed_total",
			Help: "Total opportunity:disappeared events emitted, by reason",
		},
		[]string{"reason"},
	)

	DebouncerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crossspread_debouncer_queue_depth",
			Help: "Current number of pending debounced events",
		},
	)

	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crossspread_dropped_events_total",
			Help: "Total opportunity events dropped because the fanout queue was full",
		},
	)

	NotificationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossspread_notifications_total",
			Help: "Total notification delivery attempts, by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	ChannelSuccessRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crossspread_channel_success_rate",
			Help: "Per-channel delivery success rate over the trailing 5-minute window",
		},
		[]string{"channel"},
	)

	RestFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crossspread_rest_fetch_duration_seconds",
			Help:    "Time to fetch data from an exchange REST endpoint",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"exchange", "endpoint"},
	)
)

// RecordTick updates the per-tick gauges/counters for one observed RateTick.
func RecordTick(t model.RateTick) {
	rate, _ := t.FundingRate.Float64()
	FundingRate.WithLabelValues(string(t.Exchange), string(t.Symbol)).Set(rate)
	TicksReceived.WithLabelValues(string(t.Exchange), string(t.Source)).Inc()
}

// RecordConnectivity updates connection-status and reconnect gauges for one
// ConnectivityEvent.
func RecordConnectivity(ev model.ConnectivityEvent) {
	status := 0.0
	if ev.State == model.ConnUp {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(string(ev.Exchange), string(ev.Transport)).Set(status)
	if ev.State == model.ConnUp {
		ReconnectsTotal.WithLabelValues(string(ev.Exchange), string(ev.Transport)).Inc()
	}
}

// RecordMode reflects a DataSourceManager mode transition as a single
// numeric gauge, coarse but enough for dashboards and alerting rules.
func RecordMode(ex model.Exchange, mode model.DataSourceMode) {
	v := 0.0
	switch mode {
	case model.ModeWS:
		v = 1
	case model.ModeHybrid:
		v = 0.5
	}
	DataSourceMode.WithLabelValues(string(ex)).Set(v)
}

// RecordOpportunityEvent updates the opportunity-lifecycle gauges/counters
// for one emitted OpportunityEvent.
func RecordOpportunityEvent(ev model.OpportunityEvent) {
	switch ev.Kind {
	case model.EventAppeared:
		OpportunitiesOpened.Inc()
	case model.EventDisappeared:
		OpportunitiesClosed.WithLabelValues(string(ev.History.DisappearReason)).Inc()
		OpportunitySpreadBps.DeleteLabelValues(string(ev.Spec.Symbol), string(ev.Spec.LongExchange), string(ev.Spec.ShortExchange))
		return
	}
	spreadBps, _ := ev.Spec.CurrentSpread.Mul(bps).Float64()
	OpportunitySpreadBps.WithLabelValues(string(ev.Spec.Symbol), string(ev.Spec.LongExchange), string(ev.Spec.ShortExchange)).Set(spreadBps)
}

// RecordNotification updates the per-channel outcome counter.
func RecordNotification(channel string, outcome model.NotificationOutcome) {
	NotificationOutcomes.WithLabelValues(channel, string(outcome)).Inc()
}

// RecordHealthReport mirrors a HealthReport's per-component gauges into
// Prometheus so the admin server's /metrics carries the same numbers
// health:report does.
func RecordHealthReport(r model.HealthReport) {
	ActiveOpportunities.Set(float64(r.ActiveOpportunities))
	DebouncerQueueDepth.Set(float64(r.DebouncerQueueDepth))
	for ex, h := range r.PerExchange {
		RecordMode(ex, h.Mode)
	}
	for channel, rate := range r.ChannelSuccessRate {
		ChannelSuccessRate.WithLabelValues(channel).Set(rate)
	}
}

// ObserveRestFetch records one REST call's duration.
func ObserveRestFetch(exchange, endpoint string, d time.Duration) {
	RestFetchDuration.WithLabelValues(exchange, endpoint).Observe(d.Seconds())
}
