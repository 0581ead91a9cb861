package sync

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("no redis reachable at localhost:6379: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisTransportPushThenPullRoundTrips(t *testing.T) {
	client := connectTestRedis(t)
	hash := "reactivedb-test-transport-hash"
	channel := "reactivedb-test-transport-channel"
	defer client.Del(context.Background(), hash, hash+":clock")

	transport := NewRedisTransport(client, hash, channel)
	err := transport.Push(context.Background(), []Operation{
		{DocID: "1", Kind: OpInsert, Doc: map[string]interface{}{"id": "1", "name": "Ada"}, VectorClock: VectorClock{"a": 1}},
	})
	require.NoError(t, err)

	items, clock, err := transport.Pull(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Ada", items[0]["name"])
	assert.Equal(t, VectorClock{"a": 1}, clock)
}

func TestRedisTransportSubscribeReceivesPushedOperations(t *testing.T) {
	client := connectTestRedis(t)
	hash := "reactivedb-test-transport-hash-sub"
	channel := "reactivedb-test-transport-channel-sub"
	defer client.Del(context.Background(), hash, hash+":clock")

	transport := NewRedisTransport(client, hash, channel)
	received := make(chan Operation, 1)
	unsub := transport.Subscribe(func(op Operation) { received <- op })
	defer unsub()

	time.Sleep(50 * time.Millisecond)
	err := transport.Push(context.Background(), []Operation{
		{DocID: "1", Kind: OpInsert, Doc: map[string]interface{}{"id": "1"}, VectorClock: VectorClock{"a": 1}},
	})
	require.NoError(t, err)

	select {
	case op := <-received:
		assert.Equal(t, OpInsert, op.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed operation")
	}
}

func TestRedisTransportPushRemoveDeletesHashField(t *testing.T) {
	client := connectTestRedis(t)
	hash := "reactivedb-test-transport-hash-remove"
	channel := "reactivedb-test-transport-channel-remove"
	defer client.Del(context.Background(), hash, hash+":clock")

	transport := NewRedisTransport(client, hash, channel)
	require.NoError(t, transport.Push(context.Background(), []Operation{
		{DocID: "1", Kind: OpInsert, Doc: map[string]interface{}{"id": "1"}, VectorClock: VectorClock{"a": 1}},
	}))
	require.NoError(t, transport.Push(context.Background(), []Operation{
		{DocID: "1", Kind: OpRemove, VectorClock: VectorClock{"a": 2}},
	}))

	items, _, err := transport.Pull(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}
