package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reactivedb/reactivedb"
	"github.com/reactivedb/reactivedb/internal/logging"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

var _ reactivedb.ReplicationAdapter = (*Engine)(nil)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPushDebounce overrides the default window over which local
// mutations are coalesced into a single push.
func WithPushDebounce(d time.Duration) EngineOption {
	return func(e *Engine) { e.pushDebounce = d }
}

// WithSeenLimit bounds how many recently-pushed operation ids the engine
// retains for echo suppression before compacting the oldest out.
func WithSeenLimit(n int) EngineOption {
	return func(e *Engine) { e.seenLimit = n }
}

// Engine implements reactivedb.ReplicationAdapter over a RemoteTransport:
// local changesets become Operations pushed on a debounced schedule,
// remote Operations are rebased last-writer-wins into Changesets handed
// back to the collection, and operations the engine itself produced are
// suppressed when the transport echoes them back through Subscribe.
type Engine struct {
	clientID  string
	transport RemoteTransport

	pushDebounce time.Duration
	seenLimit    int

	mu         sync.Mutex
	clock      VectorClock
	seq        int64
	changeLog  []Operation
	pushTimer  *time.Timer
	sentIDs    map[string]bool
	sentOrder  []string
	unsubTrans func()
}

// NewEngine builds an Engine identified by clientID, synchronizing
// through transport.
func NewEngine(clientID string, transport RemoteTransport, opts ...EngineOption) *Engine {
	e := &Engine{
		clientID:     clientID,
		transport:    transport,
		pushDebounce: 200 * time.Millisecond,
		seenLimit:    4096,
		clock:        VectorClock{},
		sentIDs:      map[string]bool{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pull satisfies reactivedb.ReplicationAdapter: fetch the authoritative
// remote state and adopt its vector clock as the engine's baseline.
func (e *Engine) Pull(ctx context.Context) (reactivedb.LoadResult, error) {
	items, clock, err := e.transport.Pull(ctx)
	if err != nil {
		return reactivedb.LoadResult{}, fmt.Errorf("sync pull: %w", err)
	}
	e.mu.Lock()
	e.clock = e.clock.Merge(clock)
	e.mu.Unlock()
	return reactivedb.LoadResult{Items: items}, nil
}

// Push satisfies reactivedb.ReplicationAdapter: it never blocks on the
// network, queueing changes and scheduling a debounce timer (unless one is
// already pending; a pending timer is not extended) that flushes the
// accumulated changeLog as one Push call.
func (e *Engine) Push(ctx context.Context, changes reactivedb.Changeset) error {
	ops := e.computeOperations(changes)
	if len(ops) == 0 {
		return nil
	}

	e.mu.Lock()
	e.changeLog = append(e.changeLog, ops...)
	if e.pushTimer == nil {
		e.pushTimer = time.AfterFunc(e.pushDebounce, func() { e.flushPush(ctx) })
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) computeOperations(changes reactivedb.Changeset) []Operation {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ops []Operation
	makeOp := func(kind OperationKind, docID interface{}, doc reactivedb.Document) Operation {
		e.seq++
		e.clock[e.clientID] = e.seq
		return Operation{
			ID:          primitive.NewObjectID().Hex(),
			Origin:      e.clientID,
			DocID:       docID,
			Kind:        kind,
			Doc:         doc,
			VectorClock: e.clock.Clone(),
		}
	}
	for _, d := range changes.Added {
		ops = append(ops, makeOp(OpInsert, d["id"], d))
	}
	for _, d := range changes.Modified {
		ops = append(ops, makeOp(OpUpdate, d["id"], d))
	}
	for _, id := range changes.Removed {
		ops = append(ops, makeOp(OpRemove, id, nil))
	}
	return ops
}

func (e *Engine) flushPush(ctx context.Context) {
	e.mu.Lock()
	ops := e.changeLog
	e.changeLog = nil
	e.pushTimer = nil
	for _, op := range ops {
		e.markSentLocked(op.ID)
	}
	e.mu.Unlock()

	if len(ops) == 0 {
		return
	}
	if err := e.transport.Push(ctx, ops); err != nil {
		logging.Warn("sync push failed, re-queueing for next flush", zap.Error(err))
		e.mu.Lock()
		e.changeLog = append(ops, e.changeLog...)
		if e.pushTimer == nil {
			e.pushTimer = time.AfterFunc(e.pushDebounce, func() { e.flushPush(ctx) })
		}
		e.mu.Unlock()
	}
}

func (e *Engine) markSentLocked(id string) {
	if e.sentIDs[id] {
		return
	}
	e.sentIDs[id] = true
	e.sentOrder = append(e.sentOrder, id)
	if len(e.sentOrder) > e.seenLimit {
		drop := e.sentOrder[0]
		e.sentOrder = e.sentOrder[1:]
		delete(e.sentIDs, drop)
	}
}

// RegisterRemoteChange satisfies reactivedb.ReplicationAdapter: every
// operation the transport delivers is checked against the engine's own
// sent-id log (echoes of our own pushes are dropped), merged into the
// vector clock, and rebased into a single-operation Changeset.
func (e *Engine) RegisterRemoteChange(handler func(reactivedb.LoadResult)) func() {
	e.unsubTrans = e.transport.Subscribe(func(op Operation) {
		e.mu.Lock()
		if e.sentIDs[op.ID] {
			delete(e.sentIDs, op.ID)
			e.mu.Unlock()
			return
		}
		switch e.clock.Compare(op.VectorClock) {
		case clockConcurrent:
			logging.Debug("concurrent remote operation, applying last-writer-wins",
				zap.String("op", op.ID), zap.String("origin", op.Origin))
		}
		e.clock = e.clock.Merge(op.VectorClock)
		e.mu.Unlock()

		handler(reactivedb.LoadResult{Changes: rebase(op)})
	})
	return func() {
		if e.unsubTrans != nil {
			e.unsubTrans()
		}
	}
}

// rebase converts a single remote Operation into the Changeset shape a
// collection applies, last-writer-wins: whichever operation arrives is
// simply applied, since the transport is assumed to deliver operations in
// a single total order per document.
func rebase(op Operation) *reactivedb.Changeset {
	switch op.Kind {
	case OpInsert:
		return &reactivedb.Changeset{Added: []reactivedb.Document{op.Doc}}
	case OpUpdate:
		return &reactivedb.Changeset{Modified: []reactivedb.Document{op.Doc}}
	case OpRemove:
		return &reactivedb.Changeset{Removed: []interface{}{op.DocID}}
	default:
		return &reactivedb.Changeset{}
	}
}

func (e *Engine) Close() error {
	if e.pushTimer != nil {
		e.pushTimer.Stop()
	}
	return e.transport.Close()
}
