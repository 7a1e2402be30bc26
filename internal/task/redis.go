package task

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultBridgeKey = "tradepilot:monitor_queue"

// RedisBridge hands task envelopes to remote workers through a Redis list.
// It sits beside the file store: the local executor drains the file-backed
// queue, while delegated monitor tasks travel through Redis.
type RedisBridge struct {
	client *redis.Client
	key    string
}

func NewRedisBridge(redisURL, key string) (*RedisBridge, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultBridgeKey
	}
	return &RedisBridge{client: client, key: key}, nil
}

// Enqueue pushes one task envelope onto the queue.
func (b *RedisBridge) Enqueue(ctx context.Context, t Task) error {
	if b == nil || b.client == nil {
		return errors.New("redis bridge is not configured")
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is required")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.client.LPush(ctx, b.key, data).Err()
}

// Dequeue pops the next task envelope; it returns (nil, nil) when the queue
// is empty.
func (b *RedisBridge) Dequeue(ctx context.Context) (*Task, error) {
	if b == nil || b.client == nil {
		return nil, errors.New("redis bridge is not configured")
	}
	data, err := b.client.RPop(ctx, b.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Len reports the number of queued envelopes.
func (b *RedisBridge) Len(ctx context.Context) (int64, error) {
	if b == nil || b.client == nil {
		return 0, errors.New("redis bridge is not configured")
	}
	return b.client.LLen(ctx, b.key).Result()
}

func (b *RedisBridge) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
