package deadletter

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
)

// Lister is satisfied by *redis.Client.
type Lister interface {
	PushCapped(ctx context.Context, key string, maxLen int64, values ...any) error
}

// RedisSink keeps the most recent envelopes in a capped list, newest first.
type RedisSink struct {
	list   Lister
	key    string
	maxLen int64
}

func NewRedisSink(list Lister, key string, maxLen int64) *RedisSink {
	return &RedisSink{list: list, key: key, maxLen: maxLen}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Write(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	return r.list.PushCapped(ctx, r.key, r.maxLen, data)
}
