// Package cache provides Redis-based caching for quotes, gap observations,
// and daily order sequences, with an in-memory fallback when Redis is down.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"gap-trading-bot/config"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for the cache namespaces used by the engine
const (
	PrefixQuote         = "quote:%s"        // symbol
	PrefixGap           = "gap:%s:%s"       // symbol, YYYY-MM-DD
	PrefixDailySequence = "orders:seq:%s"   // YYYYMMDD
	PrefixEntryLock     = "entry:lock:%s"   // symbol
)

// Default TTLs
const (
	DefaultQuoteTTL    = 2 * time.Second
	DefaultGapTTL      = 24 * time.Hour
	DefaultSequenceTTL = 48 * time.Hour // Survives timezone edge cases around rollover
)

// ErrMiss is returned on a cache miss in either backend.
var ErrMiss = redis.Nil

// CacheService provides Redis caching with graceful degradation. When Redis
// is unavailable the service falls back to a process-local map so quote
// memoization keeps working; only cross-process dedup guarantees are lost.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration

	local   map[string]localEntry
	localMu sync.Mutex
	seq     map[string]int64
}

type localEntry struct {
	value     string
	expiresAt time.Time
}

// NewCacheService creates a CacheService and verifies connectivity. A failed
// initial connection is not fatal: the service starts in degraded mode and
// recovers when Redis comes back.
func NewCacheService(cfg config.RedisConfig) (*CacheService, error) {
	cs := &CacheService{
		config:        cfg,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
		local:         make(map[string]localEntry),
		seq:           make(map[string]int64),
	}

	if !cfg.Enabled {
		log.Printf("[CACHE] Redis disabled, using in-memory cache only")
		return cs, nil
	}

	cs.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cs.client.Ping(ctx).Err(); err != nil {
		log.Printf("[CACHE] Initial Redis connection failed, running degraded: %v", err)
		return cs, nil
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	log.Printf("[CACHE] Redis connected at %s", cfg.Address)

	return cs, nil
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.client != nil && cs.healthy
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			log.Printf("[CACHE] Redis marked unhealthy after %d failures, falling back to memory", cs.failureCount)
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy && cs.client != nil {
		log.Printf("[CACHE] Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth schedules a background ping when the service has been unhealthy
// for long enough.
func (cs *CacheService) checkHealth() {
	cs.mu.RLock()
	shouldCheck := cs.client != nil && !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	cs.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

// Get retrieves a value, from Redis when healthy, otherwise from the local map.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	cs.checkHealth()

	if cs.IsHealthy() {
		result, err := cs.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return "", ErrMiss
			}
			cs.recordFailure()
			return cs.localGet(key)
		}
		cs.recordSuccess()
		return result, nil
	}

	return cs.localGet(key)
}

// Set stores a value with TTL in Redis and, when degraded, in the local map.
func (cs *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	cs.checkHealth()

	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	if cs.IsHealthy() {
		if err := cs.client.Set(ctx, key, data, ttl).Err(); err != nil {
			cs.recordFailure()
			cs.localSet(key, data, ttl)
			return nil
		}
		cs.recordSuccess()
		return nil
	}

	cs.localSet(key, data, ttl)
	return nil
}

// Delete removes a key from both backends.
func (cs *CacheService) Delete(ctx context.Context, key string) error {
	cs.localMu.Lock()
	delete(cs.local, key)
	cs.localMu.Unlock()

	if cs.IsHealthy() {
		if err := cs.client.Del(ctx, key).Err(); err != nil {
			cs.recordFailure()
			return fmt.Errorf("redis delete failed: %w", err)
		}
		cs.recordSuccess()
	}
	return nil
}

func (cs *CacheService) localGet(key string) (string, error) {
	cs.localMu.Lock()
	defer cs.localMu.Unlock()

	entry, ok := cs.local[key]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(cs.local, key)
		return "", ErrMiss
	}
	return entry.value, nil
}

func (cs *CacheService) localSet(key, value string, ttl time.Duration) {
	cs.localMu.Lock()
	defer cs.localMu.Unlock()
	cs.local[key] = localEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

// IncrementDailySequence atomically increments the order sequence counter for
// a date key. Returns the new 1-indexed sequence number. Falls back to a
// process-local counter when Redis is down.
func (cs *CacheService) IncrementDailySequence(ctx context.Context, dateKey string) (int64, error) {
	cs.checkHealth()

	key := fmt.Sprintf(PrefixDailySequence, dateKey)

	if cs.IsHealthy() {
		val, err := cs.client.Incr(ctx, key).Result()
		if err == nil {
			if val == 1 {
				cs.client.Expire(ctx, key, DefaultSequenceTTL)
			}
			cs.recordSuccess()
			return val, nil
		}
		cs.recordFailure()
	}

	cs.localMu.Lock()
	defer cs.localMu.Unlock()
	cs.seq[key]++
	return cs.seq[key], nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return nil
}

// SetJSON marshals and stores a JSON value.
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return cs.Set(ctx, key, value, ttl)
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Stats holds cache health counters for the status endpoint.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	LocalEntries int    `json:"local_entries"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	healthy := cs.healthy && cs.client != nil
	failures := cs.failureCount
	cs.mu.RUnlock()

	cs.localMu.Lock()
	localN := len(cs.local)
	cs.localMu.Unlock()

	return Stats{
		Healthy:      healthy,
		FailureCount: failures,
		Address:      cs.config.Address,
		LocalEntries: localN,
	}
}

// QuoteKey generates the cache key for a symbol's last price.
func QuoteKey(symbol string) string {
	return fmt.Sprintf(PrefixQuote, symbol)
}

// GapKey generates the cache key for a symbol's gap observation on a day.
func GapKey(symbol, day string) string {
	return fmt.Sprintf(PrefixGap, symbol, day)
}

// EntryLockKey generates the cache key used to dedup pending entries.
func EntryLockKey(symbol string) string {
	return fmt.Sprintf(PrefixEntryLock, symbol)
}
