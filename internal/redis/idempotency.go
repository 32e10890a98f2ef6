package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DedupTTL is how long send idempotency keys are retained. The
	// caller controls key uniqueness, so the window is generous enough
	// to cover client-side retry storms and replayed jobs.
	DedupTTL = 24 * time.Hour

	// processingTTL is the lock duration while a request is being processed.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an idempotency key collision.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// DedupResult stores the cached response for an already-accepted send.
type DedupResult struct {
	MessageID  string `json:"message_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// Deduper provides send-request idempotency using Redis. Keys are
// scoped per patient so different patients may reuse the same key.
type Deduper struct {
	client *Client
	logger *zap.Logger
}

// NewDeduper creates a new dedup service.
func NewDeduper(client *Client, logger *zap.Logger) *Deduper {
	return &Deduper{client: client, logger: logger}
}

func (s *Deduper) buildKey(patientID, idempotencyKey string) string {
	return fmt.Sprintf("courier:dedup:%s:%s", patientID, idempotencyKey)
}

// Check retrieves a cached result for an idempotency key.
// Returns (nil, nil) if the key doesn't exist, (result, nil) if found,
// or ErrDuplicateRequest if the key is currently being processed.
func (s *Deduper) Check(ctx context.Context, patientID, idempotencyKey string) (*DedupResult, error) {
	key := s.buildKey(patientID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result DedupResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal dedup result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("dedup cache hit",
		zap.String("patient_id", patientID),
		zap.String("message_id", result.MessageID),
	)

	return &result, nil
}

// Store saves the accepted-message result for future replays.
func (s *Deduper) Store(ctx context.Context, patientID, idempotencyKey string, result *DedupResult) error {
	key := s.buildKey(patientID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, DedupTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires an idempotency lock using SET NX.
// Returns true if the lock was acquired, false if the key already exists.
func (s *Deduper) Reserve(ctx context.Context, patientID, idempotencyKey string) (bool, error) {
	key := s.buildKey(patientID, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// CheckOrReserve atomically checks for an existing result or reserves
// the key. Returns the cached result if found, nil after a successful
// reservation.
func (s *Deduper) CheckOrReserve(ctx context.Context, patientID, idempotencyKey string) (*DedupResult, error) {
	result, err := s.Check(ctx, patientID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, patientID, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
