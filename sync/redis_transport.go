package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reactivedb/reactivedb"
	"github.com/redis/go-redis/v9"
)

// RedisTransport is a RemoteTransport backed by a redis hash (document
// state, keyed by id) and a pubsub channel (operation stream), suited to
// syncing collections across processes sharing a redis instance.
type RedisTransport struct {
	client  *redis.Client
	hash    string
	channel string
}

// NewRedisTransport builds a RedisTransport over hash/channel.
func NewRedisTransport(client *redis.Client, hash, channel string) *RedisTransport {
	return &RedisTransport{client: client, hash: hash, channel: channel}
}

func (t *RedisTransport) Pull(ctx context.Context) ([]reactivedb.Document, VectorClock, error) {
	raw, err := t.client.HGetAll(ctx, t.hash).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis transport pull: %w", err)
	}
	items := make([]reactivedb.Document, 0, len(raw))
	for _, v := range raw {
		var doc reactivedb.Document
		if err := json.Unmarshal([]byte(v), &doc); err != nil {
			return nil, nil, fmt.Errorf("redis transport pull: %w", err)
		}
		items = append(items, doc)
	}
	clockRaw, err := t.client.Get(ctx, t.hash+":clock").Bytes()
	clock := VectorClock{}
	if err == nil {
		_ = json.Unmarshal(clockRaw, &clock)
	}
	return items, clock, nil
}

func (t *RedisTransport) Push(ctx context.Context, ops []Operation) error {
	pipe := t.client.Pipeline()
	var latestClock VectorClock
	for _, op := range ops {
		switch op.Kind {
		case OpInsert, OpUpdate:
			raw, err := json.Marshal(op.Doc)
			if err != nil {
				return fmt.Errorf("redis transport push: %w", err)
			}
			pipe.HSet(ctx, t.hash, fmt.Sprintf("%v", op.DocID), raw)
		case OpRemove:
			pipe.HDel(ctx, t.hash, fmt.Sprintf("%v", op.DocID))
		}
		latestClock = op.VectorClock
	}
	if latestClock != nil {
		raw, _ := json.Marshal(latestClock)
		pipe.Set(ctx, t.hash+":clock", raw, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis transport push: %w", err)
	}
	for _, op := range ops {
		raw, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("redis transport push: %w", err)
		}
		if err := t.client.Publish(ctx, t.channel, raw).Err(); err != nil {
			return fmt.Errorf("redis transport push: %w", err)
		}
	}
	return nil
}

func (t *RedisTransport) Subscribe(handler func(Operation)) func() {
	sub := t.client.Subscribe(context.Background(), t.channel)
	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var op Operation
				if err := json.Unmarshal([]byte(msg.Payload), &op); err != nil {
					continue
				}
				handler(op)
			}
		}
	}()
	return func() {
		close(done)
		sub.Close()
	}
}

func (t *RedisTransport) Close() error { return nil }
