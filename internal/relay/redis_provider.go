package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// RedisProvider keeps relay history in a Redis stream, one entry per
// envelope. XREVRANGE gives the recent-window fetch the pollers need.
type RedisProvider struct {
	client *redis.Client
	stream string
}

func NewRedisProvider(redisURL, channel string) (*RedisProvider, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisProvider{client: client, stream: "relay:" + channel}, nil
}

// NewRedisProviderWithClient wraps an existing Redis client.
func NewRedisProviderWithClient(client *redis.Client, channel string) *RedisProvider {
	return &RedisProvider{client: client, stream: "relay:" + channel}
}

func (p *RedisProvider) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{payloadField: raw},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisProvider) History(ctx context.Context, count int) ([]Envelope, error) {
	entries, err := p.client.XRevRangeN(ctx, p.stream, "+", "-", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch history from %s: %w", p.stream, err)
	}
	out := make([]Envelope, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.Values[payloadField].(string)
		if !ok {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			log.Printf("relay: skipping malformed history entry %s: %v", entry.ID, err)
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (p *RedisProvider) Close() error {
	return p.client.Close()
}
