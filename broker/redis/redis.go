// Package redis is a broker.Broker backed by Redis Streams, so that several
// gateway replicas can feed the same downstream consumers.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/jwtgateway/broker"
)

// DefaultKeyPrefix namespaces every key the broker writes.
const DefaultKeyPrefix = "jwtgateway:broker:"

// Broker stores one stream per connection.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for Addr is created.
	Client redis.UniversalClient
	// Addr is used when Client is nil. Defaults to localhost:6379.
	Addr string
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string
	// MaxLen approximately caps each stream. Zero leaves streams unbounded.
	MaxLen int64
}

func New(cfg Config) *Broker {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Broker{client: client, keyPrefix: prefix, maxLen: cfg.MaxLen}
}

// Ping checks connectivity.
func (b *Broker) Ping(ctx context.Context) error { return b.client.Ping(ctx).Err() }

func (b *Broker) Close() error { return b.client.Close() }

func (b *Broker) Publish(ctx context.Context, connection string, unit broker.WorkUnit) (string, error) {
	data, err := broker.Encode(unit)
	if err != nil {
		return "", fmt.Errorf("redis broker: encode work unit: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: b.streamKey(connection),
		Values: map[string]any{"data": data},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("redis broker: publish to %s: %w", args.Stream, err)
	}
	return id, nil
}

func (b *Broker) Subscribe(ctx context.Context, connection string, lastEventID string, h broker.Handler) error {
	key := b.streamKey(connection)

	startID := "$"
	if lastEventID != "" {
		n, err := b.client.XRange(ctx, key, lastEventID, lastEventID).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %q: %v", broker.ErrUnknownEventID, lastEventID, err)
		}
		if len(n) == 0 {
			return fmt.Errorf("%w: %q", broker.ErrUnknownEventID, lastEventID)
		}
		startID = lastEventID
	} else {
		// Resolve "$" once so that entries added between reads are not skipped.
		last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("redis broker: read tail of %s: %w", key, err)
		}
		if len(last) > 0 {
			startID = last[0].ID
		} else {
			startID = "0-0"
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, startID},
			Count:   64,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("redis broker: read %s: %w", key, err)
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				startID = msg.ID
				raw, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				unit, err := broker.Decode([]byte(raw))
				if err != nil {
					continue
				}
				if err := h(ctx, broker.Envelope{ID: msg.ID, Unit: unit}); err != nil {
					return err
				}
			}
		}
	}
}

func (b *Broker) Cleanup(ctx context.Context, connection string) error {
	if err := b.client.Del(ctx, b.streamKey(connection)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis broker: cleanup %s: %w", connection, err)
	}
	return nil
}

func (b *Broker) streamKey(connection string) string {
	return b.keyPrefix + "stream:" + connection
}

var _ broker.Broker = (*Broker)(nil)
