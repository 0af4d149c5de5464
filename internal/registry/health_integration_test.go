package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/registry"
)

// getRedis returns a client against a local Redis instance, skipping the
// test if one isn't reachable (matches the teacher's pattern of skipping
// Pulse/Redis-backed tests when the dependency isn't available, trimmed to
// a plain TCP ping instead of a Docker-managed container).
func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	cli := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available, skipping health tracker integration test")
	}
	return cli
}

func TestHealthTrackerRecordsAndReportsHealth(t *testing.T) {
	cli := getRedis(t)
	ctx := context.Background()

	tracker, err := registry.NewHealthTracker(ctx, cli, "reachctl-test", 2*time.Second)
	require.NoError(t, err)
	defer tracker.Close()

	assert.False(t, tracker.IsHealthy("brevo"))

	require.NoError(t, tracker.RecordPong(ctx, "brevo"))
	health, err := tracker.Health("brevo")
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.True(t, tracker.IsHealthy("brevo"))
}
