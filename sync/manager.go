package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reactivedb/reactivedb"
	"github.com/reactivedb/reactivedb/internal/logging"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// RemoteEndpoint is the wire boundary a single synced collection talks to:
// push the operations logged locally since the last run, pull whatever the
// remote produced since then. Unlike RemoteTransport (Engine's boundary,
// §4.8), there is no separate subscribe feed; everything a sync(...) call
// needs arrives from these two round trips.
type RemoteEndpoint interface {
	Push(ctx context.Context, ops []Operation) error
	Pull(ctx context.Context) ([]Operation, error)
}

// SyncOptions configures one sync(collectionName, ...) call. Force and
// OnlyWithChanges pull in opposite directions: OnlyWithChanges skips the
// round trip entirely when nothing is queued to push, Force runs it anyway.
type SyncOptions struct {
	Force           bool
	OnlyWithChanges bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerDebounce overrides the default window a burst of local writes
// is coalesced over before schedulePush fires a sync.
func WithManagerDebounce(d time.Duration) ManagerOption {
	return func(m *Manager) { m.debounce = d }
}

// syncedCollection bundles one application collection with its four
// bookkeeping collections (themselves reactivedb.Collection instances,
// per §4.9) and its remote endpoint.
type syncedCollection struct {
	name     string
	local    *reactivedb.Collection
	endpoint RemoteEndpoint

	changes       *reactivedb.Collection // locally-originated ops not yet pushed
	remoteChanges *reactivedb.Collection // remotely-originated ops not yet rebased
	snapshots     *reactivedb.Collection // last-synced-per-id state, recorded for diagnostics
	operations    *reactivedb.Collection // completed sync-run log

	applyingRemote atomic.Bool

	mu        sync.Mutex
	running   bool
	queued    bool
	pushTimer *time.Timer
	unsub     func()
}

// Manager drives sync(collectionName, {force, onlyWithChanges}) across
// every registered collection. Each registration gets its own debounced
// schedulePush (a burst of local writes collapses into a single deferred
// sync call) and its own serialized queue (a sync already running for a
// collection coalesces any further request into exactly one more run,
// instead of overlapping).
type Manager struct {
	mu          sync.Mutex
	collections map[string]*syncedCollection
	debounce    time.Duration
	errHandler  func(collectionName string, err error)
}

// NewManager constructs an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		collections: map[string]*syncedCollection{},
		debounce:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register wires local into the sync manager under name: every local
// Added/Changed/Removed event is logged into that collection's changes
// bookkeeping collection and schedules a debounced push.
func (m *Manager) Register(name string, local *reactivedb.Collection, endpoint RemoteEndpoint) error {
	m.mu.Lock()
	if _, exists := m.collections[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("sync: collection %q is already registered", name)
	}
	sc := &syncedCollection{
		name:          name,
		local:         local,
		endpoint:      endpoint,
		changes:       reactivedb.NewCollection(reactivedb.WithName(name + ".changes")),
		remoteChanges: reactivedb.NewCollection(reactivedb.WithName(name + ".remoteChanges")),
		snapshots:     reactivedb.NewCollection(reactivedb.WithName(name + ".snapshots")),
		operations:    reactivedb.NewCollection(reactivedb.WithName(name + ".operations")),
	}
	m.collections[name] = sc
	m.mu.Unlock()

	sc.unsub = local.OnEvent(func(ev reactivedb.Event) {
		if sc.applyingRemote.Load() {
			// This mutation is the rebase of a remote operation we are
			// currently applying; logging it back into changes would echo
			// it straight back to the remote it came from.
			return
		}
		entry, ok := changeLogEntryFromEvent(ev)
		if !ok {
			return
		}
		if _, err := sc.changes.Insert(entry); err != nil {
			logging.Warn("sync change log insert failed", zap.String("collection", name), zap.Error(err))
			return
		}
		sc.schedulePush(m)
	})
	return nil
}

// Unregister detaches name from the manager and stops its bookkeeping
// collections.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	sc, ok := m.collections[name]
	if ok {
		delete(m.collections, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	sc.mu.Lock()
	if sc.pushTimer != nil {
		sc.pushTimer.Stop()
	}
	sc.mu.Unlock()
	if sc.unsub != nil {
		sc.unsub()
	}
	_ = sc.changes.Dispose()
	_ = sc.remoteChanges.Dispose()
	_ = sc.snapshots.Dispose()
	_ = sc.operations.Dispose()
}

// OnError installs the hook invoked whenever a sync run for any registered
// collection fails.
func (m *Manager) OnError(fn func(collectionName string, err error)) {
	m.mu.Lock()
	m.errHandler = fn
	m.mu.Unlock()
}

func (m *Manager) reportError(name string, err error) {
	m.mu.Lock()
	handler := m.errHandler
	m.mu.Unlock()
	if handler != nil {
		handler(name, err)
	}
	logging.Warn("sync run failed", zap.String("collection", name), zap.Error(err))
}

func (m *Manager) get(name string) (*syncedCollection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("sync: collection %q is not registered", name)
	}
	return sc, nil
}

// IsSyncing reports whether collectionName currently has a sync run in
// flight.
func (m *Manager) IsSyncing(collectionName string) bool {
	sc, err := m.get(collectionName)
	if err != nil {
		return false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.running
}

// SyncAll runs sync for every registered collection, in deterministic
// (lexical) order, reporting each failure via onError and returning the
// first one encountered.
func (m *Manager) SyncAll(ctx context.Context, opts SyncOptions) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		if err := m.Sync(ctx, name, opts); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Sync runs one sync round for collectionName: push whatever is queued in
// its changes bookkeeping collection, then pull and rebase whatever the
// remote produced. If a sync for this collection is already running, this
// call is coalesced into exactly one more run immediately following the
// in-flight one, rather than running concurrently with it.
func (m *Manager) Sync(ctx context.Context, collectionName string, opts SyncOptions) error {
	sc, err := m.get(collectionName)
	if err != nil {
		return err
	}
	if !sc.begin() {
		return nil
	}
	defer sc.end()

	for {
		if err := sc.runOnce(ctx, opts); err != nil {
			m.reportError(collectionName, err)
			return err
		}
		var again bool
		opts, again = sc.drainQueued()
		if !again {
			return nil
		}
	}
}

func (sc *syncedCollection) begin() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running {
		sc.queued = true
		return false
	}
	sc.running = true
	return true
}

func (sc *syncedCollection) end() {
	sc.mu.Lock()
	sc.running = false
	sc.mu.Unlock()
}

func (sc *syncedCollection) drainQueued() (SyncOptions, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.queued {
		return SyncOptions{}, false
	}
	sc.queued = false
	return SyncOptions{}, true
}

// schedulePush debounces a burst of local writes into a single deferred
// sync(collectionName, {}) call.
func (sc *syncedCollection) schedulePush(m *Manager) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.pushTimer != nil {
		sc.pushTimer.Reset(m.debounce)
		return
	}
	sc.pushTimer = time.AfterFunc(m.debounce, func() {
		sc.mu.Lock()
		sc.pushTimer = nil
		sc.mu.Unlock()
		// Sync reports a failed run through reportError itself.
		_ = m.Sync(context.Background(), sc.name, SyncOptions{})
	})
}

func (sc *syncedCollection) runOnce(ctx context.Context, opts SyncOptions) error {
	pendingCount, err := sc.changes.Count(reactivedb.Selector{})
	if err != nil {
		return fmt.Errorf("sync %s: %w", sc.name, err)
	}
	if opts.OnlyWithChanges && !opts.Force && pendingCount == 0 {
		return nil
	}

	pushed, err := sc.push(ctx)
	if err != nil {
		return fmt.Errorf("sync push %s: %w", sc.name, err)
	}
	pulled, err := sc.pull(ctx)
	if err != nil {
		return fmt.Errorf("sync pull %s: %w", sc.name, err)
	}

	sc.recordRun(pushed, pulled)
	return nil
}

// push drains the changes bookkeeping collection to the remote endpoint,
// advancing snapshots for everything that reaches it successfully.
func (sc *syncedCollection) push(ctx context.Context) (int, error) {
	cur, err := sc.changes.Find(reactivedb.Selector{}, reactivedb.FindOptions{
		Sort: []reactivedb.SortField{{Field: "id"}},
	})
	if err != nil {
		return 0, err
	}
	pending, err := cur.Fetch()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	ops := make([]Operation, 0, len(pending))
	for _, entry := range pending {
		ops = append(ops, operationFromLogEntry(entry))
	}

	if err := sc.endpoint.Push(ctx, ops); err != nil {
		return 0, err
	}

	for _, op := range ops {
		sc.recordSnapshot(op)
	}
	for _, entry := range pending {
		if _, err := sc.changes.RemoveOne(reactivedb.Selector{"id": entry["id"]}); err != nil {
			logging.Warn("sync change log cleanup failed", zap.String("collection", sc.name), zap.Error(err))
		}
	}
	return len(ops), nil
}

// pull fetches remote operations, logs each into remoteChanges, rebases it
// into the local collection per the three-case algorithm, and clears the
// log entry once applied.
func (sc *syncedCollection) pull(ctx context.Context) (int, error) {
	ops, err := sc.endpoint.Pull(ctx)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, op := range ops {
		entry := reactivedb.Document{
			"id":    op.ID,
			"docId": op.DocID,
			"kind":  string(op.Kind),
			"doc":   op.Doc,
		}
		if _, err := sc.remoteChanges.Insert(entry); err != nil {
			// Already logged (duplicate operation id): the remote endpoint
			// redelivered something already rebased, skip it.
			continue
		}

		sc.applyingRemote.Store(true)
		rebaseErr := applyRebasedOperation(sc.local, op)
		sc.applyingRemote.Store(false)

		if rebaseErr != nil {
			logging.Warn("sync rebase failed", zap.String("collection", sc.name), zap.Error(rebaseErr))
			continue
		}
		sc.recordSnapshot(op)
		if _, err := sc.remoteChanges.RemoveOne(reactivedb.Selector{"id": op.ID}); err != nil {
			logging.Warn("sync remote change log cleanup failed", zap.String("collection", sc.name), zap.Error(err))
		}
		applied++
	}
	return applied, nil
}

// applyRebasedOperation applies a single remote Operation to local per the
// three-case rebase algorithm: an insert sets the document if its id
// already exists, otherwise inserts it; an update applies its modifier if
// the id exists, otherwise inserts the document (with its id) as if it had
// been $set from empty; a remove deletes the document if present.
func applyRebasedOperation(local *reactivedb.Collection, op Operation) error {
	switch op.Kind {
	case OpInsert:
		set := withID(op.Doc, op.DocID)
		_, err := local.UpdateOne(reactivedb.Selector{"id": op.DocID}, reactivedb.Modifier{"$set": set}, true)
		return err
	case OpUpdate:
		set := withID(op.Doc, op.DocID)
		_, err := local.UpdateOne(reactivedb.Selector{"id": op.DocID}, reactivedb.Modifier{"$set": set}, true)
		return err
	case OpRemove:
		_, err := local.RemoveOne(reactivedb.Selector{"id": op.DocID})
		return err
	default:
		return fmt.Errorf("sync: unknown operation kind %q", op.Kind)
	}
}

func withID(doc reactivedb.Document, id interface{}) reactivedb.Document {
	out := reactivedb.Document{"id": id}
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	return out
}

func (sc *syncedCollection) recordSnapshot(op Operation) {
	if op.Kind == OpRemove {
		if _, err := sc.snapshots.RemoveOne(reactivedb.Selector{"id": op.DocID}); err != nil {
			logging.Warn("sync snapshot removal failed", zap.String("collection", sc.name), zap.Error(err))
		}
		return
	}
	set := withID(op.Doc, op.DocID)
	if _, err := sc.snapshots.UpdateOne(reactivedb.Selector{"id": op.DocID}, reactivedb.Modifier{"$set": set}, true); err != nil {
		logging.Warn("sync snapshot update failed", zap.String("collection", sc.name), zap.Error(err))
	}
}

func (sc *syncedCollection) recordRun(pushed, pulled int) {
	_, err := sc.operations.Insert(reactivedb.Document{
		"id":     primitive.NewObjectID().Hex(),
		"at":     time.Now(),
		"pushed": pushed,
		"pulled": pulled,
	})
	if err != nil {
		logging.Warn("sync operation log insert failed", zap.String("collection", sc.name), zap.Error(err))
	}
}

func changeLogEntryFromEvent(ev reactivedb.Event) (reactivedb.Document, bool) {
	var kind OperationKind
	switch ev.Kind {
	case reactivedb.EventAdded:
		kind = OpInsert
	case reactivedb.EventChanged:
		kind = OpUpdate
	case reactivedb.EventRemoved:
		kind = OpRemove
	default:
		return nil, false
	}
	docID := ev.Item["id"]
	doc := reactivedb.Document{}
	for k, v := range ev.Item {
		doc[k] = v
	}
	return reactivedb.Document{
		"id":    primitive.NewObjectID().Hex(),
		"docId": docID,
		"kind":  string(kind),
		"doc":   doc,
	}, true
}

func operationFromLogEntry(entry reactivedb.Document) Operation {
	kind, _ := entry["kind"].(string)
	doc, _ := entry["doc"].(reactivedb.Document)
	id, _ := entry["id"].(string)
	return Operation{
		ID:    id,
		Kind:  OperationKind(kind),
		DocID: entry["docId"],
		Doc:   doc,
	}
}
