package persistence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/durable/internal/testutil"
)

const redisTestPrefix = "durable:test:"

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}

	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	s := &StoreSuite{}
	s.newStore = func() Store {
		// Clean up all keys with this prefix.
		iter := client.Scan(ctx, 0, redisTestPrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val()).Err()
		}
		return NewRedisStore(client, redisTestPrefix)
	}
	suite.Run(t, s)
}
