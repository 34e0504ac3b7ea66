// Package gormpersist is the durable persistence.Port backed by gorm and
// Postgres, grounded on the teacher pack's repository pattern
// (doudou770-ccxt-simulator's internal/repository, one *gorm.DB-holding
// struct per record type with a thin Create/Update call per method).
package gormpersist

import (
	"context"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/persistence"
)

// OpportunityRecord is the row shape for the opportunities table.
type OpportunityRecord struct {
	ID                   string `gorm:"primaryKey"`
	Symbol               string `gorm:"index"`
	LongExchange         string
	ShortExchange        string
	EntrySpread          string
	CurrentSpread        string
	MaxSpread            string
	MaxSpreadAt          int64
	FirstDetectedAt      int64
	LastNotifiedAt       int64
	NotificationCount    int
	Severity             string
	AnnualizedReturn     string
	FundingIntervalHours int
	Status               string
}

func (OpportunityRecord) TableName() string { return "opportunities" }

// HistoryRecord is the row shape for the opportunity_history table.
type HistoryRecord struct {
	ID                uint `gorm:"primaryKey;autoIncrement"`
	OpportunityID     string `gorm:"index"`
	Symbol            string
	DurationMs        int64
	MaxSpread         string
	AverageSpread     string
	DisappearReason   string
	NotificationTotal int
	EndedAt           int64
}

func (HistoryRecord) TableName() string { return "opportunity_history" }

// NotificationRecordRow is the row shape for the notifications table.
type NotificationRecordRow struct {
	ID            uint `gorm:"primaryKey;autoIncrement"`
	OpportunityID string `gorm:"index"`
	Channel       string
	Severity      string
	DeliveredAt   int64
	Outcome       string
	ErrorKind     string
}

func (NotificationRecordRow) TableName() string { return "notifications" }

// Store is the gorm-backed Port. Writes are serialized per opportunity ID
// via a per-key mutex so SaveOpportunity → UpdateOpportunity → SaveHistory
// for the same ID never interleave, per SPEC_FULL §4.8's causal ordering.
type Store struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OpportunityRecord{}, &HistoryRecord{}, &NotificationRecordRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) keyLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func toRecord(spec model.OpportunitySpec) OpportunityRecord {
	return OpportunityRecord{
		ID:                   spec.ID.String(),
		Symbol:               string(spec.Symbol),
		LongExchange:         string(spec.LongExchange),
		ShortExchange:        string(spec.ShortExchange),
		EntrySpread:          spec.EntrySpread.String(),
		CurrentSpread:        spec.CurrentSpread.String(),
		MaxSpread:            spec.MaxSpread.String(),
		MaxSpreadAt:          spec.MaxSpreadAt.UnixMilli(),
		FirstDetectedAt:      spec.FirstDetectedAt.UnixMilli(),
		LastNotifiedAt:       spec.LastNotifiedAt.UnixMilli(),
		NotificationCount:    spec.NotificationCount,
		Severity:             string(spec.Severity),
		AnnualizedReturn:     spec.AnnualizedReturn.String(),
		FundingIntervalHours: spec.FundingIntervalHours,
		Status:               string(spec.Status),
	}
}

func (s *Store) SaveOpportunity(ctx context.Context, spec model.OpportunitySpec) error {
	l := s.keyLock(spec.ID.String())
	l.Lock()
	defer l.Unlock()
	return s.db.WithContext(ctx).Create(toRecord(spec)).Error
}

func (s *Store) UpdateOpportunity(ctx context.Context, spec model.OpportunitySpec) error {
	l := s.keyLock(spec.ID.String())
	l.Lock()
	defer l.Unlock()
	return s.db.WithContext(ctx).Model(&OpportunityRecord{}).Where("id = ?", spec.ID.String()).Updates(toRecord(spec)).Error
}

func (s *Store) SaveHistory(ctx context.Context, history model.OpportunityHistory) error {
	l := s.keyLock(history.OpportunityID.String())
	l.Lock()
	defer l.Unlock()
	row := HistoryRecord{
		OpportunityID:     history.OpportunityID.String(),
		Symbol:            string(history.Symbol),
		DurationMs:        history.DurationMs,
		MaxSpread:         history.MaxSpread.String(),
		AverageSpread:     history.AverageSpread.String(),
		DisappearReason:   string(history.DisappearReason),
		NotificationTotal: history.NotificationTotal,
		EndedAt:           history.EndedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

var _ persistence.Port = (*Store)(nil)

func (s *Store) SaveNotification(ctx context.Context, record model.NotificationRecord) error {
	row := NotificationRecordRow{
		OpportunityID: record.OpportunityID.String(),
		Channel:       record.Channel,
		Severity:      string(record.Severity),
		DeliveredAt:   record.DeliveredAt.UnixMilli(),
		Outcome:       string(record.Outcome),
		ErrorKind:     record.ErrorKind,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

