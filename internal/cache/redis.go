// Package cache stores enrichment records in Redis keyed by the SHA-256 of
// the normalized URL.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/urlintel/internal/enrichment"
)

// KeyPrefix namespaces every cache key.
const KeyPrefix = "threat_intel:"

// DefaultTTL is used when Put is called without a positive TTL.
const DefaultTTL = 24 * time.Hour

// Store is a Redis-backed record cache. Reads that fail are reported as
// misses and writes that fail are dropped; both are logged.
type Store struct {
	client     redis.UniversalClient
	logger     *zap.Logger
	defaultTTL time.Duration
}

// Config configures the Redis connection.
type Config struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"-"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Addr returns host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewClient builds a go-redis client from cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewStore wraps an existing Redis client.
func NewStore(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:     client,
		logger:     logger.With(zap.String("component", "cache")),
		defaultTTL: ttl,
	}
}

// Key returns the cache key for a normalized URL.
func Key(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// TTL returns the default entry lifetime.
func (s *Store) TTL() time.Duration {
	return s.defaultTTL
}

// Get returns the record stored for url, or false on a miss.
func (s *Store) Get(ctx context.Context, url string) (*enrichment.Record, bool) {
	raw, err := s.client.Get(ctx, Key(url)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("Cache read failed, treating as miss", zap.String("url", url), zap.Error(err))
		return nil, false
	}

	var rec enrichment.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("Cache entry undecodable, treating as miss", zap.String("url", url), zap.Error(err))
		return nil, false
	}
	return &rec, true
}

// Put overwrites the entry for url. Placeholders are never stored.
func (s *Store) Put(ctx context.Context, url string, rec *enrichment.Record, ttl time.Duration) {
	if rec == nil || rec.IsPlaceholder() {
		return
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("Cache encode failed", zap.String("url", url), zap.Error(err))
		return
	}

	if err := s.client.Set(ctx, Key(url), raw, ttl).Err(); err != nil {
		s.logger.Warn("Cache write failed, dropping", zap.String("url", url), zap.Error(err))
	}
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
