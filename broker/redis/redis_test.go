package redis

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/jwtgateway/broker"
	"github.com/ggoodman/jwtgateway/broker/brokertest"
)

func TestRedisBroker(t *testing.T) {
	// Skip if Redis is not available
	probe := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		probe.Close()
		t.Skipf("Redis not available: %v", err)
	}
	probe.Close()

	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		b := New(Config{
			Client:    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			KeyPrefix: "test:jwtgateway:",
		})
		t.Cleanup(func() { b.Close() })
		return b
	})
}
