package sync

import (
	"context"

	"github.com/reactivedb/reactivedb"
)

// OperationKind tags what an Operation does to a single document.
type OperationKind string

const (
	OpInsert OperationKind = "insert"
	OpUpdate OperationKind = "update"
	OpRemove OperationKind = "remove"
)

// Operation is one logged mutation, the unit exchanged with a
// RemoteTransport. It mirrors the event shape the teacher's event store
// persists (internal/refsync/event_store.go), generalized from a single
// document stream to an arbitrary collection.
type Operation struct {
	ID          string
	Origin      string
	DocID       interface{}
	Kind        OperationKind
	Doc         reactivedb.Document
	VectorClock VectorClock
}

// RemoteTransport is the wire boundary Engine drives: an initial
// full-state pull, a batch push of locally produced operations, and a
// subscription feed of operations produced elsewhere.
type RemoteTransport interface {
	Pull(ctx context.Context) ([]reactivedb.Document, VectorClock, error)
	Push(ctx context.Context, ops []Operation) error
	Subscribe(handler func(Operation)) func()
	Close() error
}
