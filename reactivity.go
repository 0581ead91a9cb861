package reactivedb

import "sync"

// Dependency is a single reactive invalidation point: Depend registers a
// callback to run the next time Changed fires, Changed fires every
// callback registered since the previous Changed call and forgets them,
// requiring callers to re-Depend on their next read.
type Dependency interface {
	Depend(invalidate func())
	Changed()
}

// Reactivity is the seam §4.4 names for field-level change tracking: a
// Collection constructed with WithReactivity creates one Dependency per
// (document id, field) pair a field-tracking cursor reads, instead of
// relying solely on the collection-wide mutation subscription Observe
// otherwise uses. The default, installed when no Reactivity is supplied,
// is a no-op: field-level invalidation is inert until a real
// implementation (e.g. backed by an external computation tracker) is
// plugged in.
type Reactivity interface {
	NewDependency() Dependency
}

type noopReactivity struct{}

func (noopReactivity) NewDependency() Dependency { return noopDependency{} }

type noopDependency struct{}

func (noopDependency) Depend(func()) {}
func (noopDependency) Changed()      {}

// defaultDependency is a minimal, goroutine-safe Dependency a custom
// Reactivity can return from NewDependency.
type defaultDependency struct {
	mu      sync.Mutex
	waiting []func()
}

// NewDependency returns a Dependency usable outside the no-op default,
// for Reactivity implementations that want the fire-once-then-reregister
// bookkeeping without reimplementing it.
func NewDependency() Dependency { return &defaultDependency{} }

func (d *defaultDependency) Depend(invalidate func()) {
	if invalidate == nil {
		return
	}
	d.mu.Lock()
	d.waiting = append(d.waiting, invalidate)
	d.mu.Unlock()
}

func (d *defaultDependency) Changed() {
	d.mu.Lock()
	waiting := d.waiting
	d.waiting = nil
	d.mu.Unlock()
	for _, fn := range waiting {
		fn()
	}
}

// fieldDependencyKey identifies one (document id, field) pair.
type fieldDependencyKey struct {
	id    string
	field string
}

// fieldDependencyTracker lazily creates and remembers one Dependency per
// (document id, field) pair a reactive, field-tracking cursor has read,
// and notifies the narrowest one affected by a given mutation.
type fieldDependencyTracker struct {
	mu    sync.Mutex
	react Reactivity
	deps  map[fieldDependencyKey]Dependency
}

func newFieldDependencyTracker(react Reactivity) *fieldDependencyTracker {
	if react == nil {
		react = noopReactivity{}
	}
	return &fieldDependencyTracker{react: react, deps: map[fieldDependencyKey]Dependency{}}
}

func (t *fieldDependencyTracker) depend(id, field string, invalidate func()) {
	t.mu.Lock()
	key := fieldDependencyKey{id: id, field: field}
	d, ok := t.deps[key]
	if !ok {
		d = t.react.NewDependency()
		t.deps[key] = d
	}
	t.mu.Unlock()
	d.Depend(invalidate)
}

func (t *fieldDependencyTracker) changed(id, field string) {
	t.mu.Lock()
	d, ok := t.deps[fieldDependencyKey{id: id, field: field}]
	t.mu.Unlock()
	if ok {
		d.Changed()
	}
}

// notifyChangedFields compares before and after (either may be nil, for an
// insert or removal) and fires the dependency for every field whose value
// differs, plus "id" itself when the document was added or removed outright.
func (t *fieldDependencyTracker) notifyChangedFields(id string, before, after Document) {
	if before == nil && after == nil {
		return
	}
	if before == nil || after == nil {
		t.changed(id, IDField)
	}
	seen := map[string]bool{}
	for f := range before {
		seen[f] = true
	}
	for f := range after {
		seen[f] = true
	}
	for field := range seen {
		bv, bok := before[field]
		av, aok := after[field]
		if bok != aok || !canonicalEqual(bv, av) {
			t.changed(id, field)
		}
	}
}
