// Package redispersist is the fire-and-forget persistence.Port backed by
// Redis Streams + Pub/Sub, grounded on the teacher's
// internal/publisher.RedisPublisher: the same XAdd-with-MaxLen-then-Publish
// double-write per record, now carrying opportunity/history/notification
// records instead of orderbooks and trades. It is how the out-of-scope
// REST API/UI (SPEC_FULL §1) consumes egress events live, while
// gormpersist is the durable system of record.
package redispersist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/persistence"
)

const (
	streamMaxLen = 10_000
)

// Store is a best-effort Port: write errors are returned to the caller
// (persistence.Multi returns the first one and the caller logs it), matching
// PersistenceUnavailable's "buffer then drop" recovery policy — the buffer
// here is Redis's own stream, bounded by streamMaxLen.
type Store struct {
	client *redis.Client
}

func Open(addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redispersist: ping failed: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) publish(ctx context.Context, stream, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return err
	}
	return s.client.Publish(ctx, channel, string(data)).Err()
}

func (s *Store) SaveOpportunity(ctx context.Context, spec model.OpportunitySpec) error {
	stream := "opportunity:appeared"
	return s.publish(ctx, stream, fmt.Sprintf("opportunity:%s", spec.Symbol), spec)
}

func (s *Store) UpdateOpportunity(ctx context.Context, spec model.OpportunitySpec) error {
	stream := "opportunity:updated"
	return s.publish(ctx, stream, fmt.Sprintf("opportunity:%s", spec.Symbol), spec)
}

func (s *Store) SaveHistory(ctx context.Context, history model.OpportunityHistory) error {
	stream := "opportunity:disappeared"
	return s.publish(ctx, stream, fmt.Sprintf("opportunity:%s", history.Symbol), history)
}

func (s *Store) SaveNotification(ctx context.Context, record model.NotificationRecord) error {
	return s.publish(ctx, "notifications", "notifications", record)
}

var _ persistence.Port = (*Store)(nil)
