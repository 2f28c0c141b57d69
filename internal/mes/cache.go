package mes

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProgressCache holds progress snapshots in Redis with a short TTL. Cache
// failures never fail the operation; the snapshot is simply recomputed.
type ProgressCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewProgressCache creates a snapshot cache. A 30s TTL bounds staleness for
// dashboards polling far more often than counters change.
func NewProgressCache(rdb *redis.Client) *ProgressCache {
	return &ProgressCache{rdb: rdb, ttl: 30 * time.Second}
}

func progressKey(moID uint) string {
	return fmt.Sprintf("mes:progress:%d", moID)
}

func (s *Service) cachedProgress(ctx context.Context, moID uint) *ProgressSnapshot {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.rdb.Get(ctx, progressKey(moID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("⚠️ Progress cache read failed: %v", err)
		}
		return nil
	}
	var snap ProgressSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil
	}
	return &snap
}

func (s *Service) storeProgress(ctx context.Context, snap *ProgressSnapshot) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.rdb.Set(ctx, progressKey(snap.MOID), raw, s.cache.ttl).Err(); err != nil {
		log.Printf("⚠️ Progress cache write failed: %v", err)
	}
}

func (s *Service) invalidateProgress(ctx context.Context, moID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.rdb.Del(ctx, progressKey(moID)).Err(); err != nil {
		log.Printf("⚠️ Progress cache invalidation failed: %v", err)
	}
}
