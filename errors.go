package reactivedb

import "errors"

// Sentinel errors for the taxonomy in the store's error handling design.
// Callers should use errors.Is against these values; concrete errors wrap
// them with additional context via fmt.Errorf("...: %w", Err...).
var (
	// ErrInvalidSelector is returned when a selector is malformed: not an
	// object, or nil/undefined at the root.
	ErrInvalidSelector = errors.New("reactivedb: invalid selector")

	// ErrInvalidModifier is returned when a modifier contains an unknown
	// top-level operator or is otherwise malformed.
	ErrInvalidModifier = errors.New("reactivedb: invalid modifier")

	// ErrInvalidProjection is returned when a projection mixes inclusion
	// and exclusion (other than excluding id with id:0).
	ErrInvalidProjection = errors.New("reactivedb: invalid projection")

	// ErrDuplicateID is returned when an insert, update, replace, or
	// upsert would collide with an existing document id.
	ErrDuplicateID = errors.New("reactivedb: duplicate id")

	// ErrValidation is returned when the collection's validate hook
	// rejects a document.
	ErrValidation = errors.New("reactivedb: validation failed")

	// ErrCollectionDisposed is returned by any operation on a collection
	// after Dispose has been called.
	ErrCollectionDisposed = errors.New("reactivedb: collection disposed")

	// ErrWorkerDisposed names the failure of an operation against a
	// worker-backed adapter after the worker has been torn down. This
	// module has no worker-backed adapter and no function returns it.
	ErrWorkerDisposed = errors.New("reactivedb: worker disposed")

	// ErrPersistence names an asynchronous persistence adapter failure.
	// No function wraps it: adapter errors reach callers unwrapped, through
	// persistence.error events and the logger.
	ErrPersistence = errors.New("reactivedb: persistence error")

	// ErrSync names an asynchronous sync pull/push failure. No function
	// wraps it: the sync package wraps transport errors with fmt.Errorf
	// context only.
	ErrSync = errors.New("reactivedb: sync error")

	// ErrIndexUnsupportedMix names a selector that would require mixing
	// synchronous and asynchronous index providers within a single
	// Collection. Every index provider here is synchronous, so the planner
	// never returns it.
	ErrIndexUnsupportedMix = errors.New("reactivedb: cannot mix synchronous and asynchronous index providers")

	// ErrNotFound is returned by FindOne-style lookups that match no
	// document.
	ErrNotFound = errors.New("reactivedb: not found")
)
