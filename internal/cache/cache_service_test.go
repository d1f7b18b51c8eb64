package cache

import (
	"context"
	"testing"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachable returns a service pointed at a port nothing listens on
func unreachable(t *testing.T) *CacheService {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return newCacheService(client, config.RedisConfig{Address: "127.0.0.1:1", PoolSize: 4}, logging.Nop())
}

func TestNewCacheService_Disabled(t *testing.T) {
	cs, err := NewCacheService(config.RedisConfig{Enabled: false}, logging.Nop())
	assert.Error(t, err)
	assert.Nil(t, cs)
}

func TestHealthTracking(t *testing.T) {
	cs := unreachable(t)
	cs.recordSuccess()
	require.True(t, cs.IsHealthy())

	cs.recordFailure()
	cs.recordFailure()
	assert.True(t, cs.IsHealthy(), "below threshold")

	cs.recordFailure()
	assert.False(t, cs.IsHealthy())
	assert.Equal(t, 3, cs.GetStats().FailureCount)

	cs.recordSuccess()
	assert.True(t, cs.IsHealthy())
	assert.Zero(t, cs.GetStats().FailureCount)
}

func TestClaimOnce_Unhealthy(t *testing.T) {
	cs := unreachable(t)
	cs.lastCheck = time.Now()

	ok, err := cs.ClaimOnce(context.Background(), "autotrade:request:u1:r1", time.Minute)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClaimOnce_RedisErrorCountsAsFailure(t *testing.T) {
	cs := unreachable(t)
	cs.recordSuccess()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := cs.ClaimOnce(ctx, "autotrade:request:u1:r1", time.Minute)
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Equal(t, 1, cs.GetStats().FailureCount)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "autotrade:cycle:u1", CycleLockKey("u1"))
}

func TestGetStats(t *testing.T) {
	stats := unreachable(t).GetStats()
	assert.Equal(t, "127.0.0.1:1", stats.Address)
	assert.Equal(t, 4, stats.PoolSize)
	assert.False(t, stats.Healthy)
}
