package reactivedb

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ReplicationAdapter is the narrower contract a remote sync transport
// implements: pull the authoritative state once, push local changesets,
// and notify of changes that originated elsewhere. replicationAdapter
// wraps it into a full PersistenceAdapter so a Collection can be built
// with WithPersistence the same way it would with a storage-backed one.
type ReplicationAdapter interface {
	Pull(ctx context.Context) (LoadResult, error)
	Push(ctx context.Context, changes Changeset) error
	RegisterRemoteChange(handler func(LoadResult)) func()
	Close() error
}

// NewReplicationPersistence adapts a ReplicationAdapter into a
// PersistenceAdapter for use with WithPersistence.
func NewReplicationPersistence(remote ReplicationAdapter) PersistenceAdapter {
	return &replicationAdapter{remote: remote}
}

type replicationAdapter struct {
	remote ReplicationAdapter
}

func (r *replicationAdapter) Init(ctx context.Context) (LoadResult, error) {
	return r.remote.Pull(ctx)
}

func (r *replicationAdapter) Save(ctx context.Context, changes Changeset) error {
	return r.remote.Push(ctx, changes)
}

func (r *replicationAdapter) RegisterRemoteChange(handler func(LoadResult)) func() {
	return r.remote.RegisterRemoteChange(handler)
}

func (r *replicationAdapter) Close() error {
	return r.remote.Close()
}

// combinedAdapter fronts a fast local adapter and a slower remote one: it
// loads from the fast adapter first and asks the slow one only when the
// fast load fails or returns neither items nor changes (the two loads run
// one after the other, never concurrently), and fans every save out to both,
// coalescing concurrent saves the way the teacher's cache layer coalesces
// concurrent fetches for the same key.
type combinedAdapter struct {
	fast, slow PersistenceAdapter

	sf      singleflight.Group
	mu      sync.Mutex
	pending Changeset
}

func (c *combinedAdapter) enqueue(changes Changeset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending.Added = append(c.pending.Added, changes.Added...)
	c.pending.Modified = append(c.pending.Modified, changes.Modified...)
	c.pending.Removed = append(c.pending.Removed, changes.Removed...)
}

func (c *combinedAdapter) drain() Changeset {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = Changeset{}
	return out
}

// NewCombinedAdapter builds a PersistenceAdapter that persists to both
// fast and slow adapters, using fast for the initial load when it
// produces one and falling back to slow otherwise.
func NewCombinedAdapter(fast, slow PersistenceAdapter) PersistenceAdapter {
	return &combinedAdapter{fast: fast, slow: slow}
}

func (c *combinedAdapter) Init(ctx context.Context) (LoadResult, error) {
	fastResult, fastErr := c.fast.Init(ctx)
	if fastErr == nil && (fastResult.Items != nil || fastResult.Changes != nil) {
		return fastResult, nil
	}
	return c.slow.Init(ctx)
}

// Save coalesces concurrent calls via singleflight: every caller's
// changes are merged into a pending buffer, and only one goroutine at a
// time actually round-trips to fast and slow; late arrivals while a save
// is in flight are folded into the next round rather than issuing a
// redundant write.
func (c *combinedAdapter) Save(ctx context.Context, changes Changeset) error {
	c.enqueue(changes)
	_, err, _ := c.sf.Do("save", func() (interface{}, error) {
		batch := c.drain()
		if batch.isEmpty() {
			return nil, nil
		}
		var fastErr, slowErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); fastErr = c.fast.Save(ctx, batch) }()
		go func() { defer wg.Done(); slowErr = c.slow.Save(ctx, batch) }()
		wg.Wait()
		if fastErr != nil {
			return nil, fastErr
		}
		return nil, slowErr
	})
	return err
}

func (c *combinedAdapter) RegisterRemoteChange(handler func(LoadResult)) func() {
	type notifier interface {
		RegisterRemoteChange(func(LoadResult)) func()
	}
	var unsubs []func()
	if n, ok := c.fast.(notifier); ok {
		unsubs = append(unsubs, n.RegisterRemoteChange(handler))
	}
	if n, ok := c.slow.(notifier); ok {
		unsubs = append(unsubs, n.RegisterRemoteChange(handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (c *combinedAdapter) Close() error {
	fastErr := c.fast.Close()
	slowErr := c.slow.Close()
	if fastErr != nil {
		return fastErr
	}
	return slowErr
}
