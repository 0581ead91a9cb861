package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/reactivedb/reactivedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	mu       sync.Mutex
	pushed   [][]Operation
	pushErr  error
	toPull   []Operation
	pullErr  error
	pullHits int
}

func (f *fakeEndpoint) Push(ctx context.Context, ops []Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	cp := append([]Operation(nil), ops...)
	f.pushed = append(f.pushed, cp)
	return nil
}

func (f *fakeEndpoint) Pull(ctx context.Context) ([]Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullHits++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	out := f.toPull
	f.toPull = nil
	return out, nil
}

func (f *fakeEndpoint) queuePull(ops ...Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toPull = append(f.toPull, ops...)
}

func (f *fakeEndpoint) pushedOps() []Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Operation
	for _, batch := range f.pushed {
		out = append(out, batch...)
	}
	return out
}

func TestManagerRegisterLogsLocalMutationsAndPushesOnSync(t *testing.T) {
	local := reactivedb.NewCollection()
	endpoint := &fakeEndpoint{}
	m := NewManager()
	require.NoError(t, m.Register("widgets", local, endpoint))

	_, err := local.Insert(reactivedb.Document{"id": "1", "name": "Ada"})
	require.NoError(t, err)

	require.NoError(t, m.Sync(context.Background(), "widgets", SyncOptions{}))

	ops := endpoint.pushedOps()
	require.Len(t, ops, 1)
	assert.Equal(t, OpInsert, ops[0].Kind)
	assert.Equal(t, "1", ops[0].DocID)
}

func TestManagerSyncOnlyWithChangesSkipsWhenNothingPending(t *testing.T) {
	local := reactivedb.NewCollection()
	endpoint := &fakeEndpoint{}
	m := NewManager()
	require.NoError(t, m.Register("widgets", local, endpoint))

	require.NoError(t, m.Sync(context.Background(), "widgets", SyncOptions{OnlyWithChanges: true}))
	assert.Empty(t, endpoint.pushedOps())
	assert.Equal(t, 0, endpoint.pullHits)
}

func TestManagerSyncForceRunsEvenWithoutPendingChanges(t *testing.T) {
	local := reactivedb.NewCollection()
	endpoint := &fakeEndpoint{}
	m := NewManager()
	require.NoError(t, m.Register("widgets", local, endpoint))

	require.NoError(t, m.Sync(context.Background(), "widgets", SyncOptions{Force: true}))
	assert.Equal(t, 1, endpoint.pullHits)
}

func TestManagerRebaseInsertAndUpdate(t *testing.T) {
	local := reactivedb.NewCollection()
	endpoint := &fakeEndpoint{}
	m := NewManager()
	require.NoError(t, m.Register("widgets", local, endpoint))

	endpoint.queuePull(Operation{
		ID:    "op-1",
		Kind:  OpInsert,
		DocID: "7",
		Doc:   reactivedb.Document{"name": "Remote"},
	})
	require.NoError(t, m.Sync(context.Background(), "widgets", SyncOptions{Force: true}))

	doc, err := local.FindOne(reactivedb.Selector{"id": "7"}, reactivedb.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Remote", doc["name"])

	endpoint.queuePull(Operation{
		ID:    "op-2",
		Kind:  OpUpdate,
		DocID: "7",
		Doc:   reactivedb.Document{"name": "RemoteUpdated"},
	})
	require.NoError(t, m.Sync(context.Background(), "widgets", SyncOptions{Force: true}))

	doc, err = local.FindOne(reactivedb.Selector{"id": "7"}, reactivedb.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, "RemoteUpdated", doc["name"])
}

func TestManagerRebaseUpdateOnMissingDocInsertsIt(t *testing.T) {
	local := reactivedb.NewCollection()
	endpoint := &fakeEndpoint{}
	m := NewManager()
	require.NoError(t, m.Register("widgets", local, endpoint))

	endpoint.queuePull(Operation{
		ID:    "op-1",
		Kind:  OpUpdate,
		DocID: "9",
		Doc:   reactivedb.Document{"name": "FromUpdate"},
	})
	require.NoError(t, m.Sync(context.Background(), "widgets", SyncOptions{Force: true}))

	doc, err := local.FindOne(reactivedb.Selector{"id": "9"}, reactivedb.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, "FromUpdate", doc["name"])
}

func TestManagerRebaseRemove(t *testing.T) {
	local := reactivedb.NewCollection()
	_, err := local.Insert(reactivedb.Document{"id": "1", "name": "Ada"})
	require.NoError(t, err)

	endpoint := &fakeEndpoint{}
	m := NewManager()
	require.NoError(t, m.Register("widgets", local, endpoint))

	// The local insert above queued a pending change; drop it so this test
	// isolates remove-rebase behavior from the push half of a sync round.
	require.NoError(t, m.Sync(context.Background(), "widgets", SyncOptions{Force: true}))
	endpoint.mu.Lock()
	endpoint.pushed = nil
	endpoint.mu.Unlock()

	endpoint.queuePull(Operation{ID: "op-1", Kind: OpRemove, DocID: "1"})
	require.NoError(t, m.Sync(context.Background(), "widgets", SyncOptions{Force: true}))

	n, err := local.Count(reactivedb.Selector{"id": "1"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestManagerPullDoesNotEchoBackAsLocalChange(t *testing.T) {
	local := reactivedb.NewCollection()
	endpoint := &fakeEndpoint{}
	m := NewManager()
	require.NoError(t, m.Register("widgets", local, endpoint))

	endpoint.queuePull(Operation{
		ID:    "op-1",
		Kind:  OpInsert,
		DocID: "7",
		Doc:   reactivedb.Document{"name": "Remote"},
	})
	require.NoError(t, m.Sync(context.Background(), "widgets", SyncOptions{Force: true}))

	// Another sync round must not re-push the document the previous round
	// just rebased in from the remote.
	require.NoError(t, m.Sync(context.Background(), "widgets", SyncOptions{Force: true}))
	assert.Empty(t, endpoint.pushedOps(), "a rebased remote change must not be logged as a pending local change")
}

func TestManagerSyncAllRunsEveryRegisteredCollection(t *testing.T) {
	localA := reactivedb.NewCollection()
	localB := reactivedb.NewCollection()
	endpointA := &fakeEndpoint{}
	endpointB := &fakeEndpoint{}
	m := NewManager()
	require.NoError(t, m.Register("a", localA, endpointA))
	require.NoError(t, m.Register("b", localB, endpointB))

	require.NoError(t, m.SyncAll(context.Background(), SyncOptions{Force: true}))
	assert.Equal(t, 1, endpointA.pullHits)
	assert.Equal(t, 1, endpointB.pullHits)
}

func TestManagerOnErrorReportsPushFailure(t *testing.T) {
	local := reactivedb.NewCollection()
	endpoint := &fakeEndpoint{pushErr: assert.AnError}
	m := NewManager()
	require.NoError(t, m.Register("widgets", local, endpoint))

	_, err := local.Insert(reactivedb.Document{"id": "1"})
	require.NoError(t, err)

	var reported string
	var reportedErr error
	done := make(chan struct{})
	m.OnError(func(name string, err error) {
		reported = name
		reportedErr = err
		close(done)
	})

	err = m.Sync(context.Background(), "widgets", SyncOptions{})
	require.Error(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onError was never invoked")
	}
	assert.Equal(t, "widgets", reported)
	assert.ErrorIs(t, reportedErr, assert.AnError)
}

func TestManagerIsSyncingReflectsInFlightRun(t *testing.T) {
	local := reactivedb.NewCollection()
	endpoint := &fakeEndpoint{}
	m := NewManager()
	require.NoError(t, m.Register("widgets", local, endpoint))

	assert.False(t, m.IsSyncing("widgets"))
	require.NoError(t, m.Sync(context.Background(), "widgets", SyncOptions{Force: true}))
	assert.False(t, m.IsSyncing("widgets"), "IsSyncing must report false once the run completes")
}

func TestManagerSchedulePushDebouncesBurstOfLocalWrites(t *testing.T) {
	local := reactivedb.NewCollection()
	endpoint := &fakeEndpoint{}
	m := NewManager(WithManagerDebounce(20 * time.Millisecond))
	require.NoError(t, m.Register("widgets", local, endpoint))

	for i := 0; i < 5; i++ {
		_, err := local.Insert(reactivedb.Document{"id": i})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(endpoint.pushedOps()) == 5
	}, time.Second, 5*time.Millisecond, "debounced schedulePush must eventually push every queued change")
}

func TestManagerUnregisterStopsFurtherPushes(t *testing.T) {
	local := reactivedb.NewCollection()
	endpoint := &fakeEndpoint{}
	m := NewManager(WithManagerDebounce(10 * time.Millisecond))
	require.NoError(t, m.Register("widgets", local, endpoint))
	m.Unregister("widgets")

	_, err := local.Insert(reactivedb.Document{"id": "1"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, endpoint.pushedOps())

	_, err = m.get("widgets")
	assert.Error(t, err)
}
