// Package persistence defines the narrow write-only port from SPEC_FULL
// §4.8 that the detector and fanout invoke. Two implementations are
// provided: gormpersist (durable, gorm+postgres) and redispersist
// (fire-and-forget Redis Streams egress, grounded on the teacher's
// publisher.RedisPublisher).
package persistence

import (
	"context"

	"github.com/shuiali/crossspread-arb/internal/model"
)

// Port is invoked by the detector (opportunity/history writes) and the
// notification fanout (notification writes). Implementations must
// serialize writes per opportunity ID so SaveOpportunity happens-before
// UpdateOpportunity happens-before SaveHistory for the same ID.
type Port interface {
	SaveOpportunity(ctx context.Context, spec model.OpportunitySpec) error
	UpdateOpportunity(ctx context.Context, spec model.OpportunitySpec) error
	SaveHistory(ctx context.Context, history model.OpportunityHistory) error
	SaveNotification(ctx context.Context, record model.NotificationRecord) error
}

// Multi fans writes out to more than one Port (e.g. durable Postgres store
// plus a best-effort Redis egress), sequentially per call so each still
// observes the Port's own causal-ordering contract.
type Multi struct {
	ports []Port
}

func NewMulti(ports ...Port) *Multi { return &Multi{ports: ports} }

func (m *Multi) SaveOpportunity(ctx context.Context, spec model.OpportunitySpec) error {
	return m.each(func(p Port) error { return p.SaveOpportunity(ctx, spec) })
}

func (m *Multi) UpdateOpportunity(ctx context.Context, spec model.OpportunitySpec) error {
	return m.each(func(p Port) error { return p.UpdateOpportunity(ctx, spec) })
}

func (m *Multi) SaveHistory(ctx context.Context, history model.OpportunityHistory) error {
	return m.each(func(p Port) error { return p.SaveHistory(ctx, history) })
}

func (m *Multi) SaveNotification(ctx context.Context, record model.NotificationRecord) error {
	return m.each(func(p Port) error { return p.SaveNotification(ctx, record) })
}

func (m *Multi) each(fn func(Port) error) error {
	var firstErr error
	for _, p := range m.ports {
		if err := fn(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Port = (*Multi)(nil)
