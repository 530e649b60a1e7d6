package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const recordKeyPrefix = "forge:sandbox:"

// RecordStore caches sandbox records in Redis so a slot survives process
// restarts and is visible across instances. Entries expire with the
// provider's own reclamation window.
type RecordStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRecordStore constructs a store. A zero ttl defaults to two hours.
func NewRecordStore(rdb *redis.Client, ttl time.Duration) *RecordStore {
	if ttl == 0 {
		ttl = 2 * time.Hour
	}
	return &RecordStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Save persists the record for a logical slot.
func (s *RecordStore) Save(ctx context.Context, slot string, rec Record) error {
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal sandbox record: %w", err)
	}
	return s.rdb.Set(ctx, recordKeyPrefix+slot, payload, s.ttl).Err()
}

// Load returns the cached record for a slot, or nil when none exists.
func (s *RecordStore) Load(ctx context.Context, slot string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, recordKeyPrefix+slot).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode sandbox record: %w", err)
	}
	return &rec, nil
}

// Delete drops the cached record for a slot.
func (s *RecordStore) Delete(ctx context.Context, slot string) error {
	return s.rdb.Del(ctx, recordKeyPrefix+slot).Err()
}
