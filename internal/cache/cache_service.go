// Package cache provides Redis-backed coordination shared by every instance:
// request claims and health-tracked key access.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned while Redis is marked unhealthy
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// CacheService wraps a Redis client with graceful degradation. After
// maxFailures consecutive errors it stops calling Redis and probes it in the
// background until it answers again.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       *logging.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time
	probing      bool

	maxFailures   int
	checkInterval time.Duration
}

// PrefixCycleLock namespaces the per-user research cycle claim
const PrefixCycleLock = "autotrade:cycle:%s"

// NewCacheService connects to Redis. A failed initial ping returns the service
// in degraded mode rather than an error.
func NewCacheService(cfg config.RedisConfig, logger *logging.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}
	if logger == nil {
		logger = logging.Default()
	}

	client := redis.NewClient(&redis.Options{
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

	cs := newCacheService(client, cfg, logger.WithComponent("cache"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn("initial redis connection failed, running degraded", "address", cfg.Address, "error", err)
		return cs, nil
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.logger.Info("redis connected", "address", cfg.Address)
	return cs, nil
}

func newCacheService(client *redis.Client, cfg config.RedisConfig, logger *logging.Logger) *CacheService {
	return &CacheService{
		client:        client,
		config:        cfg,
		logger:        logger,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Warn("redis marked unhealthy", "failures", cs.failureCount)
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info("redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth starts one background probe when Redis is unhealthy and the
// check interval has passed.
func (cs *CacheService) checkHealth() {
	cs.mu.Lock()
	shouldCheck := !cs.healthy && !cs.probing && time.Since(cs.lastCheck) >= cs.checkInterval
	if shouldCheck {
		cs.probing = true
		cs.lastCheck = time.Now()
	}
	cs.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		defer func() {
			cs.mu.Lock()
			cs.probing = false
			cs.mu.Unlock()
		}()
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

// ClaimOnce sets key if it does not exist yet. It reports true for exactly one
// caller until ttl expires.
func (cs *CacheService) ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return false, ErrUnavailable
	}

	ok, err := cs.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		cs.recordFailure()
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	cs.recordSuccess()
	return ok, nil
}

// Release deletes a claim ahead of its ttl
func (cs *CacheService) Release(ctx context.Context, key string) error {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return ErrUnavailable
	}
	if err := cs.client.Del(ctx, key).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}
	cs.recordSuccess()
	return nil
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity.
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
	}
}

// CycleLockKey is the claim key guarding one user's research cycle across instances
func CycleLockKey(userID string) string {
	return fmt.Sprintf(PrefixCycleLock, userID)
}
