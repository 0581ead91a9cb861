package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reactivedb/reactivedb"
	"github.com/redis/go-redis/v9"
)

// Redis is a PersistenceAdapter backed by a redis hash, one field per
// document keyed by id, suited to the "slow" side of a combined adapter
// or to a shared remote store across processes.
type Redis struct {
	client *redis.Client
	hash   string
	pubsub string
}

// NewRedis builds a Redis adapter storing documents in the hash `hash`
// and publishing change notifications on `pubsub` (empty disables
// publishing and RegisterRemoteChange becomes a no-op subscription).
func NewRedis(client *redis.Client, hash, pubsub string) *Redis {
	return &Redis{client: client, hash: hash, pubsub: pubsub}
}

func (r *Redis) Init(ctx context.Context) (reactivedb.LoadResult, error) {
	raw, err := r.client.HGetAll(ctx, r.hash).Result()
	if err != nil {
		return reactivedb.LoadResult{}, fmt.Errorf("redis init: %w", err)
	}
	items := make([]reactivedb.Document, 0, len(raw))
	for _, v := range raw {
		var doc reactivedb.Document
		if err := json.Unmarshal([]byte(v), &doc); err != nil {
			return reactivedb.LoadResult{}, fmt.Errorf("redis init: %w", err)
		}
		items = append(items, doc)
	}
	return reactivedb.LoadResult{Items: items}, nil
}

func (r *Redis) Save(ctx context.Context, changes reactivedb.Changeset) error {
	pipe := r.client.Pipeline()
	for _, d := range append(append([]reactivedb.Document{}, changes.Added...), changes.Modified...) {
		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("redis save: %w", err)
		}
		pipe.HSet(ctx, r.hash, fmt.Sprintf("%v", d["id"]), raw)
	}
	for _, id := range changes.Removed {
		pipe.HDel(ctx, r.hash, fmt.Sprintf("%v", id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	if r.pubsub != "" {
		raw, _ := json.Marshal(changes)
		r.client.Publish(ctx, r.pubsub, raw)
	}
	return nil
}

// RegisterRemoteChange subscribes to r.pubsub and decodes published
// Changesets into LoadResult.Changes, letting two collections on the same
// hash converge without sharing a process.
func (r *Redis) RegisterRemoteChange(handler func(reactivedb.LoadResult)) func() {
	if r.pubsub == "" {
		return func() {}
	}
	sub := r.client.Subscribe(context.Background(), r.pubsub)
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
				var cs reactivedb.Changeset
				if err := json.Unmarshal([]byte(msg.Payload), &cs); err != nil {
					continue
				}
				handler(reactivedb.LoadResult{Changes: &cs})
			}
		}
	}()
	return func() {
		close(done)
		sub.Close()
	}
}

func (r *Redis) Close() error { return nil }
