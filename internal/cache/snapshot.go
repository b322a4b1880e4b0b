package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bob-ramp/internal/config"
	"bob-ramp/internal/pricing"
)

// RateSnapshots keeps the last good aggregated view in Redis.
type RateSnapshots struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewRateSnapshots opens a client for the configured Redis instance.
func NewRateSnapshots(cfg config.RedisConfig) *RateSnapshots {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	key := cfg.Key
	if key == "" {
		key = "bobramp:rate:last_good"
	}
	return &RateSnapshots{rdb: rdb, key: key, ttl: cfg.TTL}
}

// Save stores the view, replacing the previous snapshot.
func (s *RateSnapshots) Save(ctx context.Context, view pricing.View) error {
	view.Cached = false
	view.Fallback = false
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Load returns the stored view, ok=false when none exists.
func (s *RateSnapshots) Load(ctx context.Context) (pricing.View, bool, error) {
	payload, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return pricing.View{}, false, nil
	}
	if err != nil {
		return pricing.View{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var view pricing.View
	if err := json.Unmarshal(payload, &view); err != nil {
		return pricing.View{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return view, true, nil
}

// Ping checks connectivity.
func (s *RateSnapshots) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (s *RateSnapshots) Close() error {
	return s.rdb.Close()
}

var _ pricing.SnapshotStore = (*RateSnapshots)(nil)
