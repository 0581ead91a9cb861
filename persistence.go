package reactivedb

import (
	"context"
	"encoding/json"
	"sync"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/reactivedb/reactivedb/internal/logging"
	"go.uber.org/zap"
)

// Changeset is the unit of work a PersistenceAdapter is asked to persist,
// or reports loading: documents added or modified since the last save,
// and the ids of documents removed. Patches carries, for every id in
// Modified, the RFC 7386 JSON merge patch from the previously saved
// revision, letting a bandwidth-conscious adapter ship the delta instead
// of the whole document.
type Changeset struct {
	Added    []Document
	Modified []Document
	Removed  []interface{}
	Patches  map[string][]byte
}

func (cs Changeset) isEmpty() bool {
	return len(cs.Added) == 0 && len(cs.Modified) == 0 && len(cs.Removed) == 0
}

// LoadResult is what a PersistenceAdapter returns from Init: either a full
// snapshot (Items) or an incremental Changeset to apply against an
// already-seeded collection. Exactly one should be non-nil.
type LoadResult struct {
	Items   []Document
	Changes *Changeset
}

// PersistenceAdapter is the boundary between a Collection and durable or
// remote storage. Init runs once, before the collection is considered
// Ready; Save is invoked on every coalesced local mutation thereafter.
type PersistenceAdapter interface {
	Init(ctx context.Context) (LoadResult, error)
	Save(ctx context.Context, changes Changeset) error
	Close() error
}

type lifecycleState int

const (
	lifecycleInitializing lifecycleState = iota
	lifecycleReady
	lifecycleDisposed
)

// persistenceState drives the Initializing -> Ready -> Disposed pipeline
// for a single collection, coalescing bursts of local mutations into a
// single outstanding Save the way the teacher's storage_impl.go coalesces
// writes before handing them to the underlying nodestorage client.
type persistenceState struct {
	mu    sync.Mutex
	state lifecycleState

	adapter PersistenceAdapter
	coll    *Collection

	lastSaved      map[string]Document
	pendingUpdates map[string]Document
	dirty          chan struct{}
	stopCh         chan struct{}
	remoteUnsub    func()
}

func newPersistenceState(adapter PersistenceAdapter) *persistenceState {
	return &persistenceState{
		adapter: adapter,
		dirty:   make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// remoteNotifier is an optional capability a PersistenceAdapter may
// implement (ReplicationAdapter does) to push externally-originated
// changes into the collection outside the normal Init/Save cycle.
type remoteNotifier interface {
	RegisterRemoteChange(handler func(LoadResult)) func()
}

func (ps *persistenceState) start(coll *Collection) {
	ps.coll = coll
	if rn, ok := ps.adapter.(remoteNotifier); ok {
		ps.remoteUnsub = rn.RegisterRemoteChange(ps.applyRemoteLoad)
	}
	go ps.initialize()
	go ps.loop()
}

// applyRemoteLoad merges an out-of-band remote update into the collection
// and advances lastSaved so the local-mutation flush loop does not echo
// the change straight back to the remote.
func (ps *persistenceState) applyRemoteLoad(lr LoadResult) {
	switch {
	case lr.Items != nil:
		ps.coll.replaceAll(lr.Items)
	case lr.Changes != nil:
		ps.applyChangeset(*lr.Changes)
	}
	ps.mu.Lock()
	ps.lastSaved = snapshotByID(ps.coll.snapshot())
	ps.mu.Unlock()
	ps.coll.emit(Event{Kind: EventPersistenceReceived})
}

// initialize runs the one-time load against the adapter. Until it
// completes, local mutations are written straight into the collection (so
// readers observe them immediately) but are also captured in
// pendingUpdates, since a subsequent full-snapshot load would otherwise
// clobber them via replaceAll. Once the adapter resolves, pendingUpdates is
// replayed on top of (never overwritten by) whatever the adapter loaded,
// lastSaved is set to the loaded state so the flush loop saves the replayed
// writes, and only then is the collection promoted to Ready and persistence.init
// emitted — register, then load, then announce readiness on the next tick.
func (ps *persistenceState) initialize() {
	ctx := context.Background()

	result, err := ps.adapter.Init(ctx)
	if err != nil {
		logging.Error("persistence init failed", zap.Error(err))
		ps.coll.emit(Event{Kind: EventPersistenceError, Err: err})
		return
	}

	ps.mu.Lock()
	pending := ps.pendingUpdates
	ps.pendingUpdates = nil
	ps.mu.Unlock()

	var baseline map[string]Document
	switch {
	case result.Items != nil:
		ps.coll.replaceAll(mergeLoadedWithPending(result.Items, pending))
		baseline = snapshotByID(result.Items)
	case result.Changes != nil:
		ps.applyChangeset(*result.Changes)
		if len(pending) > 0 {
			ps.replayPending(pending)
		}
	}
	if baseline == nil {
		baseline = snapshotByID(ps.coll.snapshot())
		for key := range pending {
			delete(baseline, key)
		}
	}

	ps.mu.Lock()
	ps.state = lifecycleReady
	ps.lastSaved = baseline
	ps.mu.Unlock()
	if len(pending) > 0 {
		select {
		case ps.dirty <- struct{}{}:
		default:
		}
	}

	ps.coll.emit(Event{Kind: EventPersistenceInit})
	ps.coll.emit(Event{Kind: EventPersistenceReceived})
}

// mergeLoadedWithPending overlays pending (documents mutated locally while
// the load was outstanding) onto items (the adapter's loaded snapshot),
// pending taking precedence by id: local writes made during the race
// window must still be observable and persisted once the load completes.
func mergeLoadedWithPending(items []Document, pending map[string]Document) []Document {
	if len(pending) == 0 {
		return items
	}
	remaining := make(map[string]Document, len(pending))
	for k, v := range pending {
		remaining[k] = v
	}
	out := make([]Document, 0, len(items)+len(remaining))
	for _, d := range items {
		if id, ok := documentID(d); ok {
			key := idKey(id)
			if p, exists := remaining[key]; exists {
				out = append(out, p)
				delete(remaining, key)
				continue
			}
		}
		out = append(out, d)
	}
	for _, d := range remaining {
		out = append(out, d)
	}
	return out
}

// replayPending merges pending documents directly into the collection's
// document set after an incremental (Changes) load, upserting by id.
func (ps *persistenceState) replayPending(pending map[string]Document) {
	coll := ps.coll
	coll.mu.Lock()
	byID := map[string]int{}
	for i, d := range coll.docs {
		id, _ := documentID(d)
		byID[idKey(id)] = i
	}
	for key, d := range pending {
		if pos, exists := byID[key]; exists {
			coll.docs[pos] = cloneDocument(d)
			continue
		}
		byID[key] = len(coll.docs)
		coll.docs = append(coll.docs, cloneDocument(d))
	}
	coll.registry.Rebuild(coll.docs)
	coll.mu.Unlock()
	coll.notifyChange()
}

func (ps *persistenceState) loop() {
	for {
		select {
		case <-ps.stopCh:
			return
		case <-ps.dirty:
			ps.flush()
		}
	}
}

// onLocalMutation is called synchronously from within a Collection
// mutation while c.mu is held; it must never block or re-enter the
// collection's lock, so docs is the caller's already-locked slice, not
// fetched via Collection.snapshot. While still Initializing it records the
// post-mutation document set in pendingUpdates so a racing adapter load
// cannot silently discard it; otherwise it only signals the flush loop.
func (ps *persistenceState) onLocalMutation(docs []Document) {
	ps.mu.Lock()
	if ps.state == lifecycleInitializing {
		ps.pendingUpdates = snapshotByID(cloneList(docs))
	}
	ps.mu.Unlock()

	select {
	case ps.dirty <- struct{}{}:
	default:
	}
}

func (ps *persistenceState) flush() {
	ps.mu.Lock()
	ready := ps.state == lifecycleReady
	ps.mu.Unlock()
	if !ready {
		return
	}

	snapshot := ps.coll.snapshot()
	ps.mu.Lock()
	changes := diffSnapshots(ps.lastSaved, snapshot)
	ps.mu.Unlock()
	if changes.isEmpty() {
		return
	}

	ps.coll.emit(Event{Kind: EventPersistencePushStarted})
	if err := ps.adapter.Save(context.Background(), changes); err != nil {
		logging.Warn("persistence save failed, will retry on next mutation", zap.Error(err))
		ps.coll.emit(Event{Kind: EventPersistenceError, Err: err})
		return
	}

	ps.mu.Lock()
	ps.lastSaved = snapshotByID(snapshot)
	ps.mu.Unlock()
	ps.coll.emit(Event{Kind: EventPersistenceTransmitted})
	ps.coll.emit(Event{Kind: EventPersistencePushCompleted})
}

// applyChangeset merges an incremental load result directly into the
// collection's document set, bypassing the normal insert/update
// uniqueness checks since it represents already-committed remote state.
func (ps *persistenceState) applyChangeset(cs Changeset) {
	coll := ps.coll
	coll.mu.Lock()
	byID := map[string]int{}
	for i, d := range coll.docs {
		id, _ := documentID(d)
		byID[idKey(id)] = i
	}
	upsert := func(d Document) {
		id, ok := documentID(d)
		if !ok {
			return
		}
		key := idKey(id)
		if pos, exists := byID[key]; exists {
			coll.docs[pos] = cloneDocument(d)
			return
		}
		byID[key] = len(coll.docs)
		coll.docs = append(coll.docs, cloneDocument(d))
	}
	for _, d := range cs.Added {
		upsert(d)
	}
	for _, d := range cs.Modified {
		upsert(d)
	}
	removeKeys := map[string]bool{}
	for _, id := range cs.Removed {
		removeKeys[idKey(id)] = true
	}
	if len(removeKeys) > 0 {
		kept := coll.docs[:0:0]
		for _, d := range coll.docs {
			id, _ := documentID(d)
			if !removeKeys[idKey(id)] {
				kept = append(kept, d)
			}
		}
		coll.docs = kept
	}
	coll.registry.Rebuild(coll.docs)
	coll.mu.Unlock()
	coll.notifyChange()
}

func (ps *persistenceState) stop() error {
	ps.mu.Lock()
	if ps.state == lifecycleDisposed {
		ps.mu.Unlock()
		return nil
	}
	ps.state = lifecycleDisposed
	ps.mu.Unlock()
	if ps.remoteUnsub != nil {
		ps.remoteUnsub()
	}
	close(ps.stopCh)
	return ps.adapter.Close()
}

func snapshotByID(docs []Document) map[string]Document {
	out := make(map[string]Document, len(docs))
	for _, d := range docs {
		id, ok := documentID(d)
		if !ok {
			continue
		}
		out[idKey(id)] = d
	}
	return out
}

// diffSnapshots computes the Changeset that turns `before` into `after`.
func diffSnapshots(before map[string]Document, after []Document) Changeset {
	cs := Changeset{Patches: map[string][]byte{}}
	seen := make(map[string]bool, len(after))
	for _, doc := range after {
		id, ok := documentID(doc)
		if !ok {
			continue
		}
		key := idKey(id)
		seen[key] = true
		prior, existed := before[key]
		switch {
		case !existed:
			cs.Added = append(cs.Added, doc)
		case !canonicalEqual(prior, doc):
			cs.Modified = append(cs.Modified, doc)
			if patch, err := mergePatch(prior, doc); err == nil {
				cs.Patches[key] = patch
			}
		}
	}
	for key, doc := range before {
		if !seen[key] {
			id, _ := documentID(doc)
			cs.Removed = append(cs.Removed, id)
		}
	}
	if len(cs.Patches) == 0 {
		cs.Patches = nil
	}
	return cs
}

// mergePatch computes the RFC 7386 JSON merge patch taking `before` to
// `after`, used to populate Changeset.Patches.
func mergePatch(before, after Document) ([]byte, error) {
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return nil, err
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(beforeJSON, afterJSON)
}
