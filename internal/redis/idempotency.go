package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
)

const (
	// DefaultIdempotencyTTL is how long a recorded external event id is
	// served from Redis before lookups fall through to the store.
	DefaultIdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while a submission is in flight.
	processingTTL = 30 * time.Second

	processingMarker = "processing"
)

// ErrDuplicateRequest means another submission for the same external event
// id is in flight.
var ErrDuplicateRequest = errors.New("duplicate request: external event id is being processed")

// releaseScript deletes the key only while it still holds the processing
// marker, so a late release never drops a completed entry.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// IdempotencyService is the Redis fast path in front of the store's unique
// external event id.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

var _ dispatch.IdempotencyCache = (*IdempotencyService)(nil)

func NewIdempotencyService(client *Client, ttl time.Duration, logger *zap.Logger) *IdempotencyService {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyService{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

func (s *IdempotencyService) buildKey(externalEventID string) string {
	return s.client.key("idempotency", externalEventID)
}

// Check returns the notification id recorded for the event, nil if the key
// is unknown, or ErrDuplicateRequest while another submission holds it.
func (s *IdempotencyService) Check(ctx context.Context, externalEventID string) (*uuid.UUID, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(externalEventID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	id, err := uuid.Parse(val)
	if err != nil {
		s.logger.Error("invalid cached notification id", zap.String("value", val), zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("external_event_id", externalEventID),
		zap.String("notification_id", id.String()),
	)
	return &id, nil
}

// Reserve acquires the in-flight lock using SET NX.
func (s *IdempotencyService) Reserve(ctx context.Context, externalEventID string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(externalEventID), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserve returns the recorded id if any, otherwise reserves the key
// and returns nil.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, externalEventID string) (*uuid.UUID, error) {
	id, err := s.Check(ctx, externalEventID)
	if err != nil {
		return nil, err
	}
	if id != nil {
		return id, nil
	}

	reserved, err := s.Reserve(ctx, externalEventID)
	if err != nil {
		return nil, err
	}
	if !reserved {
		// Lost the race: the key was reserved or completed in between.
		return s.Check(ctx, externalEventID)
	}
	return nil, nil
}

// Complete records the notification id for the event.
func (s *IdempotencyService) Complete(ctx context.Context, externalEventID string, id uuid.UUID) error {
	if err := s.client.rdb.Set(ctx, s.buildKey(externalEventID), id.String(), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops an in-flight reservation after a rejected submission.
func (s *IdempotencyService) Release(ctx context.Context, externalEventID string) error {
	if err := releaseScript.Run(ctx, s.client.rdb, []string{s.buildKey(externalEventID)}, processingMarker).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}
