package reactivedb

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopReactivityNeverInvalidates(t *testing.T) {
	r := noopReactivity{}
	d := r.NewDependency()

	var fired bool
	d.Depend(func() { fired = true })
	d.Changed()

	assert.False(t, fired, "the no-op default must never invalidate")
}

func TestDefaultDependencyFiresOnceThenRequiresReDepend(t *testing.T) {
	d := NewDependency()

	var count int64
	d.Depend(func() { atomic.AddInt64(&count, 1) })
	d.Changed()
	assert.Equal(t, int64(1), count)

	// Changed again without re-Depending must not re-fire.
	d.Changed()
	assert.Equal(t, int64(1), count)

	d.Depend(func() { atomic.AddInt64(&count, 1) })
	d.Changed()
	assert.Equal(t, int64(2), count)
}

type spyReactivity struct {
	deps map[fieldDependencyKey]Dependency
}

func newSpyReactivity() *spyReactivity {
	return &spyReactivity{deps: map[fieldDependencyKey]Dependency{}}
}

func (s *spyReactivity) NewDependency() Dependency { return NewDependency() }

func TestFieldDependencyTrackerNotifiesOnlyChangedFields(t *testing.T) {
	tracker := newFieldDependencyTracker(newSpyReactivity())

	var aFired, bFired int64
	tracker.depend(`"1"`, "a", func() { atomic.AddInt64(&aFired, 1) })
	tracker.depend(`"1"`, "b", func() { atomic.AddInt64(&bFired, 1) })

	before := Document{"id": "1", "a": 1, "b": 1}
	after := Document{"id": "1", "a": 1, "b": 2}
	tracker.notifyChangedFields(`"1"`, before, after)

	assert.Equal(t, int64(0), atomic.LoadInt64(&aFired), "unchanged field must not invalidate")
	assert.Equal(t, int64(1), atomic.LoadInt64(&bFired), "changed field must invalidate")
}

func TestCollectionWiresFieldTrackingIntoReactivity(t *testing.T) {
	c := NewCollection(WithReactivity(newSpyReactivity()))
	_, err := c.Insert(Document{"id": "1", "a": 1, "b": 1})
	require.NoError(t, err)

	cur, err := c.Find(Selector{"id": "1"}, FindOptions{
		Reactive:      true,
		FieldTracking: true,
		Fields:        map[string]int{"a": 1},
	})
	require.NoError(t, err)

	var invalidated int64
	cur.Observe(ObserverCallbacks{})
	defer cur.Cleanup()

	// Registering dependencies happens as part of Observe's first fetch;
	// simulate an external computation depending on the same key by
	// reading the tracker directly and asserting the key now exists.
	c.fieldDeps.mu.Lock()
	_, tracked := c.fieldDeps.deps[fieldDependencyKey{id: `"1"`, field: "a"}]
	c.fieldDeps.mu.Unlock()
	assert.True(t, tracked, "field-tracking Observe must register a dependency for a projected field")

	c.fieldDeps.mu.Lock()
	dep := c.fieldDeps.deps[fieldDependencyKey{id: `"1"`, field: "a"}]
	c.fieldDeps.mu.Unlock()
	dep.Depend(func() { atomic.AddInt64(&invalidated, 1) })

	_, err = c.UpdateOne(Selector{"id": "1"}, Modifier{"$set": Document{"a": 2}}, false)
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&invalidated), "mutating a tracked field must invalidate its dependency")
}
