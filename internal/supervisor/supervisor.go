// Package supervisor owns process lifecycle: component construction,
// start/stop ordering, the top-level shutdown signal and graceful drain,
// per SPEC_FULL §4.10. It replaces the teacher's bare main()-plus-
// goroutine-wiring with one explicit, dependency-injected construction
// site — no package-level loggers or singleton clients reached for from
// inside a component, per spec.md §9's redesign note.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/shuiali/crossspread-arb/internal/admin"
	"github.com/shuiali/crossspread-arb/internal/config"
	"github.com/shuiali/crossspread-arb/internal/datasource"
	"github.com/shuiali/crossspread-arb/internal/debounce"
	"github.com/shuiali/crossspread-arb/internal/detector"
	"github.com/shuiali/crossspread-arb/internal/errkind"
	"github.com/shuiali/crossspread-arb/internal/exchange"
	"github.com/shuiali/crossspread-arb/internal/exchange/binance"
	"github.com/shuiali/crossspread-arb/internal/exchange/bingx"
	"github.com/shuiali/crossspread-arb/internal/exchange/gateio"
	"github.com/shuiali/crossspread-arb/internal/exchange/mexc"
	"github.com/shuiali/crossspread-arb/internal/exchange/okx"
	"github.com/shuiali/crossspread-arb/internal/health"
	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/notify"
	"github.com/shuiali/crossspread-arb/internal/notify/channel"
	"github.com/shuiali/crossspread-arb/internal/persistence"
	"github.com/shuiali/crossspread-arb/internal/persistence/gormpersist"
	"github.com/shuiali/crossspread-arb/internal/persistence/redispersist"
	"github.com/shuiali/crossspread-arb/internal/ratecache"
	"github.com/shuiali/crossspread-arb/internal/telemetry"
)

const shutdownGrace = 5 * time.Second

// ErrNoClients is returned by New when not a single exchange client could
// be constructed, the "unrecoverable startup" case mapped to exit code 2
// per spec.md §6, distinct from a ConfigInvalid validation failure (exit 1).
var ErrNoClients = fmt.Errorf("no exchange client initialized")

// Supervisor wires and runs every pipeline component for the lifetime of
// one process invocation.
type Supervisor struct {
	cfg *config.Config
	log zerolog.Logger

	cache   *ratecache.Cache
	clients map[model.Exchange]exchange.Client
	dsm     *datasource.Manager
	det     *detector.Detector
	deb     *debounce.Debouncer
	fanout  *notify.Fanout
	persist persistence.Port
	monitor *health.Monitor
	adminSrv *admin.Server

	detectorEvents chan model.OpportunityEvent
	finalEvents    chan model.OpportunityEvent
	healthReports  chan model.HealthReport
}

// New constructs every component from cfg but starts nothing yet. A
// construction error (e.g. an unreachable Postgres/Redis endpoint, a
// malformed Telegram token) is ConfigInvalid and fatal, per spec.md §7.
func New(cfg *config.Config, log zerolog.Logger) (*Supervisor, error) {
	s := &Supervisor{
		cfg:            cfg,
		log:            log,
		cache:          ratecache.New(cfg.StaleThreshold),
		clients:        make(map[model.Exchange]exchange.Client),
		detectorEvents: make(chan model.OpportunityEvent, 1024),
		finalEvents:    make(chan model.OpportunityEvent, 1024),
		healthReports:  make(chan model.HealthReport, 4),
	}

	symbols := make([]model.Symbol, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		symbols = append(symbols, model.Symbol(sym))
	}

	pollEvery := time.Duration(cfg.RestPollIntervalMs) * time.Millisecond

	for _, name := range cfg.Exchanges {
		ex := model.Exchange(name)
		client, err := newExchangeClient(ex, log, symbols, pollEvery)
		if err != nil {
			return nil, errkind.New(errkind.ConfigInvalid, "supervisor.New", err)
		}
		s.clients[ex] = client
	}
	if len(s.clients) == 0 {
		return nil, ErrNoClients
	}

	s.dsm = datasource.New(datasource.Config{
		RecoveryDelay: time.Duration(cfg.WSRecoveryDelayMs) * time.Millisecond,
		StaleFor:      cfg.StaleThreshold,
	}, log.With().Str("component", "datasource").Logger())
	for _, c := range s.clients {
		s.dsm.Register(c)
	}

	s.det = detector.New(detector.Config{
		Thresholds: detector.Thresholds{
			Minimum:  decimal.NewFromFloat(cfg.MinimumSpread),
			Warning:  decimal.NewFromFloat(cfg.WarningSpread),
			Critical: decimal.NewFromFloat(cfg.CriticalSpread),
		},
		Unsupported: s.isUnsupported,
	}, s.cache, s.detectorEvents, log.With().Str("component", "detector").Logger())

	s.deb = debounce.New(cfg.DebounceWindow(), s.finalEvents)
	s.deb.WithSuppressionObserver(s.recordSuppressed)

	port, err := buildPersistence(cfg)
	if err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, "supervisor.New", err)
	}
	s.persist = port

	channels, err := buildChannels(cfg, log)
	if err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, "supervisor.New", err)
	}
	s.fanout = notify.New(channels, s.persist, log.With().Str("component", "fanout").Logger())

	s.monitor = health.New(health.Config{
		Exchanges:      allExchanges(cfg),
		Cache:          s.cache,
		DataSource:     s.dsm,
		ActiveCount:    s.det.ActiveCount,
		QueueDepth:     s.deb.PendingCount,
		StaleFor:       cfg.StaleThreshold,
		ReportInterval: time.Duration(cfg.HealthReportIntervalMs) * time.Millisecond,
	}, log.With().Str("component", "health").Logger())
	s.fanout.WithDeliveryObserver(s.monitor.RecordDelivery)

	s.adminSrv = admin.New(cfg.AdminAddr, log.With().Str("component", "admin").Logger())
	if err := s.adminSrv.Listen(); err != nil {
		return nil, err
	}

	return s, nil
}

func allExchanges(cfg *config.Config) []model.Exchange {
	out := make([]model.Exchange, 0, len(cfg.Exchanges))
	for _, name := range cfg.Exchanges {
		out = append(out, model.Exchange(name))
	}
	return out
}

func (s *Supervisor) isUnsupported(ex model.Exchange, symbol model.Symbol) bool {
	c, ok := s.clients[ex]
	if !ok {
		return true
	}
	return c.Unsupported()[symbol]
}

func newExchangeClient(ex model.Exchange, log zerolog.Logger, symbols []model.Symbol, pollEvery time.Duration) (exchange.Client, error) {
	switch ex {
	case model.Binance:
		return binance.New(log, symbols, pollEvery), nil
	case model.OKX:
		return okx.New(log, symbols, pollEvery), nil
	case model.GateIO:
		return gateio.New(log, symbols, pollEvery), nil
	case model.MEXC:
		return mexc.New(log, symbols, pollEvery), nil
	case model.BingX:
		return bingx.New(log, symbols, pollEvery), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", ex)
	}
}

func buildPersistence(cfg *config.Config) (persistence.Port, error) {
	var ports []persistence.Port
	if cfg.PostgresDSN != "" {
		store, err := gormpersist.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("gormpersist: %w", err)
		}
		ports = append(ports, store)
	}
	if cfg.RedisAddr != "" {
		store, err := redispersist.Open(cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("redispersist: %w", err)
		}
		ports = append(ports, store)
	}
	if len(ports) == 0 {
		return persistence.NewMulti(), nil
	}
	return persistence.NewMulti(ports...), nil
}

func buildChannels(cfg *config.Config, log zerolog.Logger) ([]notify.Channel, error) {
	verbosity := notify.VerbositySimple
	if cfg.NotificationVerbosity == "detailed" {
		verbosity = notify.VerbosityDetailed
	}

	var channels []notify.Channel
	for _, name := range cfg.NotificationChannels {
		switch name {
		case "terminal":
			channels = append(channels, channel.NewTerminal(verbosity, log.With().Str("channel", "terminal").Logger()))
		case "structured-log":
			channels = append(channels, channel.NewStructuredLog(verbosity, log.With().Str("channel", "structured-log").Logger()))
		case "webhook":
			if cfg.WebhookURL == "" {
				return nil, fmt.Errorf("notification_channels: webhook enabled but webhook_url is empty")
			}
			channels = append(channels, channel.NewWebhook(verbosity, cfg.WebhookURL))
		case "chat-bot":
			if cfg.TelegramToken == "" {
				return nil, fmt.Errorf("notification_channels: chat-bot enabled but telegram_token is empty")
			}
			tg, err := channel.NewTelegram(verbosity, cfg.TelegramToken, cfg.TelegramChatID)
			if err != nil {
				return nil, err
			}
			channels = append(channels, tg)
		default:
			return nil, fmt.Errorf("notification_channels: unknown channel %q", name)
		}
	}
	return channels, nil
}

// Run starts every component and blocks until ctx is canceled, then drains
// within shutdownGrace before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	for ex, c := range s.clients {
		wg.Add(1)
		go func(ex model.Exchange, c exchange.Client) {
			defer wg.Done()
			if err := c.Run(runCtx); err != nil {
				s.log.Error().Err(err).Str("exchange", string(ex)).Msg("exchange client exited")
			}
		}(ex, c)

		wg.Add(1)
		go func(c exchange.Client) {
			defer wg.Done()
			s.pumpTicks(runCtx, c)
		}(c)

		wg.Add(1)
		go func(c exchange.Client) {
			defer wg.Done()
			s.pumpConnectivity(runCtx, c)
		}(c)
	}

	wg.Add(1)
	go func() { defer wg.Done(); s.dsm.Run(runCtx) }()

	wg.Add(1)
	go func() { defer wg.Done(); s.det.Run(runCtx) }()

	wg.Add(1)
	go func() { defer wg.Done(); s.pumpDetectorEvents(runCtx) }()

	wg.Add(1)
	go func() { defer wg.Done(); s.pumpFinalEvents(runCtx) }()

	wg.Add(1)
	go func() { defer wg.Done(); s.monitor.Run(runCtx, s.healthReports) }()

	wg.Add(1)
	go func() { defer wg.Done(); s.pumpHealthReports(runCtx) }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.adminSrv.Serve(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("admin server exited")
		}
	}()

	s.adminSrv.SetReady()
	s.log.Info().Int("exchanges", len(s.clients)).Strs("channels", s.cfg.NotificationChannels).Msg("supervisor started")

	<-ctx.Done()
	s.log.Info().Msg("shutdown signal received, draining")

	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownGrace)
	_ = s.adminSrv.Shutdown(shCtx)
	shCancel()

	cancel()

	drained := make(chan struct{})
	go func() { wg.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		s.log.Warn().Msg("grace period elapsed, forcing exit")
	}
	return nil
}

func (s *Supervisor) pumpTicks(ctx context.Context, c exchange.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-c.Ticks():
			if !ok {
				return
			}
			telemetry.RecordTick(tick)
			s.det.Ingest(tick)
		}
	}
}

func (s *Supervisor) pumpConnectivity(ctx context.Context, c exchange.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.Connectivity():
			if !ok {
				return
			}
			telemetry.RecordConnectivity(ev)
		}
	}
}

// pumpDetectorEvents feeds every detector-emitted lifecycle event through
// the debouncer, which is the only component allowed to hold one back.
func (s *Supervisor) pumpDetectorEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.detectorEvents:
			s.deb.Submit(ev)
		}
	}
}

// pumpFinalEvents persists and fans out every event the debouncer releases.
func (s *Supervisor) pumpFinalEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.finalEvents:
			s.persistEvent(ctx, ev)
			telemetry.RecordOpportunityEvent(ev)
			s.fanout.Dispatch(ctx, ev.Spec.ID, ev)
		}
	}
}

// persistEvent preserves the per-opportunity causal order SaveOpportunity
// -> UpdateOpportunity -> SaveHistory from SPEC_FULL §4.8; writes are
// fire-and-forget from the caller's perspective but logged on failure.
func (s *Supervisor) persistEvent(ctx context.Context, ev model.OpportunityEvent) {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var err error
	switch ev.Kind {
	case model.EventAppeared:
		err = s.persist.SaveOpportunity(pctx, ev.Spec)
	case model.EventUpdated:
		err = s.persist.UpdateOpportunity(pctx, ev.Spec)
	case model.EventDisappeared:
		if uerr := s.persist.UpdateOpportunity(pctx, ev.Spec); uerr != nil {
			s.log.Warn().Err(uerr).Str("symbol", string(ev.Spec.Symbol)).Msg("persistence write failed")
		}
		if ev.History != nil {
			err = s.persist.SaveHistory(pctx, *ev.History)
		}
	}
	if err != nil {
		s.log.Warn().Err(errkind.New(errkind.PersistenceUnavailable, "supervisor.persistEvent", err)).
			Str("symbol", string(ev.Spec.Symbol)).Msg("persistence write failed")
	}
}

// recordSuppressed writes a NotificationRecord{Outcome: SUPPRESSED_DEBOUNCE}
// for every enabled channel whenever the debouncer coalesces an
// opportunity:updated event away without ever releasing it, per SPEC_FULL
// §3/§4.7 — these never reach the fanout, so no delivery attempt is made.
func (s *Supervisor) recordSuppressed(ev model.OpportunityEvent) {
	if s.persist == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, name := range s.fanout.ChannelNames() {
		rec := model.NotificationRecord{
			OpportunityID: ev.Spec.ID,
			Channel:       name,
			Severity:      ev.Spec.Severity,
			DeliveredAt:   time.Now(),
			Outcome:       model.OutcomeSuppressedDebounce,
		}
		if err := s.persist.SaveNotification(pctx, rec); err != nil {
			s.log.Warn().Err(err).Str("channel", name).Msg("failed to persist suppressed notification record")
		}
	}
}

func (s *Supervisor) pumpHealthReports(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case report := <-s.healthReports:
			telemetry.RecordHealthReport(report)
		}
	}
}
