package reactivedb

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/reactivedb/reactivedb/internal/logging"
	"go.uber.org/zap"
)

// Collection is the core of the document store: an ordered, in-memory
// document set plus its index registry, mutated only through the public
// operations below. It owns its state exclusively; cursors read it
// through this API, never by reaching into the backing slice.
type Collection struct {
	mu sync.RWMutex

	name     string
	docs     []Document
	registry *Registry

	batchDepth     int
	batchDirty     bool
	pendingRequery bool

	disposed bool

	pkGen        PrimaryKeyGenerator
	validate     func(Document) error
	transform    func(Document) Document
	transformAll func([]Document, map[string]int) []Document
	debug        bool

	events  *listenerRegistry
	requery *subRegistry

	persistence *persistenceState
	hotFields   *fieldAccessTracker
	reactivity  Reactivity
	fieldDeps   *fieldDependencyTracker
}

// subRegistry is a minimal void-callback fan-out, used to coalesce cursor
// requeries separately from the full tagged Event stream: during a batch
// at most one requery notification fires at close, regardless of how many
// item-level events were emitted inside it.
type subRegistry struct {
	mu       sync.Mutex
	nextID   int64
	handlers map[int64]func()
}

func newSubRegistry() *subRegistry { return &subRegistry{handlers: map[int64]func(){}} }

func (r *subRegistry) add(fn func()) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}
}

func (r *subRegistry) notifyAll() {
	r.mu.Lock()
	handlers := make([]func(), 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// NewCollection constructs a Collection with the given functional options.
func NewCollection(opts ...CollectionOption) *Collection {
	c := &Collection{
		registry: NewRegistry(),
		pkGen:    defaultPrimaryKeyGenerator,
		events:   newListenerRegistry(),
		requery:  newSubRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.fieldDeps = newFieldDependencyTracker(c.reactivity)
	c.registry.Rebuild(c.docs)
	if c.persistence != nil {
		c.persistence.start(c)
	}
	return c
}

func (c *Collection) isDisposed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disposed
}

func (c *Collection) onAnyChange(fn func()) func() { return c.requery.add(fn) }

// notifyChange signals that the visible result set may have changed. Inside
// a batch the notification is deferred to batch close and coalesced to a
// single call.
func (c *Collection) notifyChange() {
	if c.batchDepth > 0 {
		c.pendingRequery = true
		return
	}
	c.requery.notifyAll()
}

func (c *Collection) emit(ev Event) {
	if c.debug {
		c.events.emit(Event{Kind: EventDebug, Debug: string(ev.Kind), CallSite: debugCallSite()})
	}
	c.events.emit(ev)
}

// OnEvent registers a listener for every Event the collection emits.
func (c *Collection) OnEvent(fn Listener) func() { return c.events.add(fn) }

func debugCallSite() string {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// Insert generates an id when absent, appends the document, and emits
// added/insert.
func (c *Collection) Insert(doc Document) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, ErrCollectionDisposed
	}
	stored, err := c.insertLocked(doc)
	if err != nil {
		return nil, err
	}
	id, _ := documentID(stored)
	c.notifyFieldsChanged(id, nil, stored)
	c.emit(Event{Kind: EventAdded, Item: stored})
	c.emit(Event{Kind: EventInsert, Item: stored})
	c.afterMutation()
	return id, nil
}

func (c *Collection) insertLocked(doc Document) (Document, error) {
	stored := cloneDocument(doc)
	if _, ok := documentID(stored); !ok {
		stored[IDField] = c.pkGen()
	}
	id, _ := documentID(stored)
	if _, exists := c.registry.PositionByID(id); exists {
		return nil, fmt.Errorf("id %v already exists: %w", id, ErrDuplicateID)
	}
	if c.validate != nil {
		if err := c.validate(stored); err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrValidation)
		}
	}
	c.docs = append(c.docs, stored)
	c.rebuildOrMarkDirty()
	return stored, nil
}

// InsertMany inserts every document, batching emits. Either all documents
// are committed or, on the first DuplicateId/ValidationError, none are.
func (c *Collection) InsertMany(docs []Document) ([]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, ErrCollectionDisposed
	}

	snapshot := append([]Document(nil), c.docs...)
	seen := map[string]bool{}
	for _, d := range docs {
		id, ok := documentID(d)
		if !ok {
			continue
		}
		key := idKey(id)
		if seen[key] {
			c.docs = snapshot
			return nil, fmt.Errorf("duplicate id %v within insertMany batch: %w", id, ErrDuplicateID)
		}
		seen[key] = true
	}

	ids := make([]interface{}, 0, len(docs))
	var stored []Document
	c.beginBatchLocked()
	for _, d := range docs {
		s, err := c.insertLocked(d)
		if err != nil {
			c.docs = snapshot
			c.registry.Rebuild(c.docs)
			c.endBatchLocked()
			return nil, err
		}
		stored = append(stored, s)
		id, _ := documentID(s)
		ids = append(ids, id)
	}
	c.endBatchLocked()

	for _, s := range stored {
		id, _ := documentID(s)
		c.notifyFieldsChanged(id, nil, s)
		c.emit(Event{Kind: EventAdded, Item: s})
	}
	c.emit(Event{Kind: EventInsert, Count: len(stored)})
	c.afterMutation()
	return ids, nil
}

// UpdateOne mutates the first document matching selector, returning 1 if a
// document was matched (and, with upsert, possibly inserted) or 0.
func (c *Collection) UpdateOne(selector interface{}, modifier Modifier, upsert bool) (int, error) {
	return c.update(selector, modifier, upsert, false)
}

// UpdateMany mutates every document matching selector, returning the
// number matched.
func (c *Collection) UpdateMany(selector interface{}, modifier Modifier, upsert bool) (int, error) {
	return c.update(selector, modifier, upsert, true)
}

func (c *Collection) update(selector interface{}, modifier Modifier, upsert, many bool) (int, error) {
	sel, err := toSelectorDocument(selector)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return 0, ErrCollectionDisposed
	}

	positions := c.matchPositionsLocked(sel)
	if !many && len(positions) > 1 {
		positions = positions[:1]
	}

	if len(positions) == 0 {
		if !upsert {
			return 0, nil
		}
		fresh, err := Modify(Document{}, modifier, ModifyOptions{IsUpsert: true})
		if err != nil {
			return 0, err
		}
		stored, err := c.insertLocked(fresh)
		if err != nil {
			return 0, err
		}
		id, _ := documentID(stored)
		c.notifyFieldsChanged(id, nil, stored)
		c.emit(Event{Kind: EventAdded, Item: stored})
		kind := EventUpdateOne
		if many {
			kind = EventUpdateMany
		}
		c.emit(Event{Kind: kind, Item: stored, Modifier: modifier, Count: 1})
		c.afterMutation()
		return 1, nil
	}

	c.beginBatchLocked()
	var changed []Document
	for _, pos := range positions {
		updated, err := c.applyModifierLocked(pos, modifier, false)
		if err != nil {
			c.endBatchLocked()
			return 0, err
		}
		if updated != nil {
			changed = append(changed, updated)
		}
	}
	c.endBatchLocked()

	for _, doc := range changed {
		c.emit(Event{Kind: EventChanged, Item: doc, Modifier: modifier})
	}
	kind := EventUpdateOne
	if many {
		kind = EventUpdateMany
	}
	c.emit(Event{Kind: kind, Count: len(positions), Modifier: modifier})
	c.afterMutation()
	return len(positions), nil
}

// applyModifierLocked replaces c.docs[pos] with the result of applying
// modifier, enforcing id-uniqueness when the modifier changes the id.
// Returns the new document, or nil if the modifier produced no change.
func (c *Collection) applyModifierLocked(pos int, modifier Modifier, isUpsert bool) (Document, error) {
	original := c.docs[pos]
	updated, err := Modify(original, modifier, ModifyOptions{IsUpsert: isUpsert})
	if err != nil {
		return nil, err
	}
	if err := c.checkIDChangeLocked(pos, original, updated); err != nil {
		return nil, err
	}
	if c.validate != nil {
		if err := c.validate(updated); err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrValidation)
		}
	}
	if canonicalEqual(original, updated) {
		return nil, nil
	}
	c.docs[pos] = updated
	c.rebuildOrMarkDirty()
	id, _ := documentID(updated)
	c.notifyFieldsChanged(id, original, updated)
	return updated, nil
}

func (c *Collection) checkIDChangeLocked(pos int, original, updated Document) error {
	oldID, _ := documentID(original)
	newID, ok := documentID(updated)
	if !ok {
		return fmt.Errorf("document must retain an id: %w", ErrInvalidModifier)
	}
	if canonicalEqual(oldID, newID) {
		return nil
	}
	if existingPos, exists := c.registry.PositionByID(newID); exists && existingPos != pos {
		return fmt.Errorf("id %v already exists: %w", newID, ErrDuplicateID)
	}
	return nil
}

// ReplaceOne replaces the first matching document with {id: matched.id,
// ...replacement}; the id in replacement must match the matched document
// unless absent.
func (c *Collection) ReplaceOne(selector interface{}, replacement Document, upsert bool) (int, error) {
	sel, err := toSelectorDocument(selector)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return 0, ErrCollectionDisposed
	}

	positions := c.matchPositionsLocked(sel)
	if len(positions) == 0 {
		if !upsert {
			return 0, nil
		}
		fresh := cloneDocument(replacement)
		stored, err := c.insertLocked(fresh)
		if err != nil {
			return 0, err
		}
		id, _ := documentID(stored)
		c.notifyFieldsChanged(id, nil, stored)
		c.emit(Event{Kind: EventAdded, Item: stored})
		c.emit(Event{Kind: EventReplaceOne, Item: stored, Count: 1})
		c.afterMutation()
		return 1, nil
	}

	pos := positions[0]
	original := c.docs[pos]
	oldID, _ := documentID(original)

	next := cloneDocument(replacement)
	if newID, ok := documentID(next); ok && !canonicalEqual(newID, oldID) {
		return 0, fmt.Errorf("replacement id must match matched document id: %w", ErrInvalidModifier)
	}
	next[IDField] = oldID

	if c.validate != nil {
		if err := c.validate(next); err != nil {
			return 0, fmt.Errorf("%v: %w", err, ErrValidation)
		}
	}

	changed := !canonicalEqual(original, next)
	c.docs[pos] = next
	c.rebuildOrMarkDirty()
	c.notifyFieldsChanged(oldID, original, next)

	if changed {
		c.emit(Event{Kind: EventChanged, Item: next})
	}
	c.emit(Event{Kind: EventReplaceOne, Item: next, Count: 1})
	c.afterMutation()
	return 1, nil
}

// RemoveOne removes the first matching document.
func (c *Collection) RemoveOne(selector interface{}) (int, error) {
	return c.remove(selector, false)
}

// RemoveMany removes every matching document.
func (c *Collection) RemoveMany(selector interface{}) (int, error) {
	return c.remove(selector, true)
}

func (c *Collection) remove(selector interface{}, many bool) (int, error) {
	sel, err := toSelectorDocument(selector)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return 0, ErrCollectionDisposed
	}

	positions := c.matchPositionsLocked(sel)
	if !many && len(positions) > 1 {
		positions = positions[:1]
	}
	if len(positions) == 0 {
		return 0, nil
	}

	toRemove := map[int]bool{}
	var removedDocs []Document
	for _, p := range positions {
		toRemove[p] = true
		removedDocs = append(removedDocs, c.docs[p])
	}

	kept := make([]Document, 0, len(c.docs)-len(positions))
	for i, d := range c.docs {
		if !toRemove[i] {
			kept = append(kept, d)
		}
	}
	c.docs = kept
	c.rebuildOrMarkDirty()

	for _, d := range removedDocs {
		id, _ := documentID(d)
		c.notifyFieldsChanged(id, d, nil)
		c.emit(Event{Kind: EventRemoved, Item: d})
	}
	kind := EventRemoveOne
	if many {
		kind = EventRemoveMany
	}
	c.emit(Event{Kind: kind, Count: len(removedDocs)})
	c.afterMutation()
	return len(removedDocs), nil
}

// trackQueryFields feeds the hot-field tracker, when enabled, with every
// top-level non-indexed field a selector touches. It is a diagnostic
// signal only; it never changes which plan the query planner chooses.
func (c *Collection) trackQueryFields(sel Selector) {
	if c.hotFields == nil {
		return
	}
	for field := range sel {
		if len(field) > 0 && field[0] == '$' {
			continue
		}
		if c.registry.HasIndex(field) {
			continue
		}
		c.hotFields.recordQuery(field)
	}
}

// HotFields returns the currently-tracked un-indexed selector fields most
// worth indexing, highest score first. Empty unless hot-field tracking
// was enabled via WithHotFieldTracking.
func (c *Collection) HotFields() []string {
	if c.hotFields == nil {
		return nil
	}
	return c.hotFields.hotFields()
}

// DecayHotFields ages out stale entries from the hot-field tracker. A
// caller running it on a periodic timer keeps HotFields reflecting recent
// query traffic rather than a lifetime total.
func (c *Collection) DecayHotFields() {
	if c.hotFields != nil {
		c.hotFields.decay()
	}
}

// matchPositionsLocked returns the ordered positions matching sel, using
// the planner when the index is usable (i.e. not mid-batch).
func (c *Collection) matchPositionsLocked(sel Selector) []int {
	c.trackQueryFields(sel)
	if c.batchDepth > 0 {
		var out []int
		for i, d := range c.docs {
			if Match(d, sel) {
				out = append(out, i)
			}
		}
		return out
	}
	plan := planQuery(sel, c.registry, len(c.docs))
	if plan.FullScan {
		var out []int
		for i, d := range c.docs {
			if Match(d, plan.Residual) {
				out = append(out, i)
			}
		}
		return out
	}
	positions := make([]int, 0, len(plan.Candidates))
	for pos := range plan.Candidates {
		positions = append(positions, pos)
	}
	sortInts(positions)
	if len(plan.Residual) == 0 {
		return positions
	}
	out := positions[:0]
	for _, pos := range positions {
		if Match(c.docs[pos], plan.Residual) {
			out = append(out, pos)
		}
	}
	return out
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func (c *Collection) rebuildOrMarkDirty() {
	if c.batchDepth > 0 {
		c.batchDirty = true
		return
	}
	c.registry.Rebuild(c.docs)
}

func (c *Collection) beginBatchLocked() { c.batchDepth++ }

func (c *Collection) endBatchLocked() {
	c.batchDepth--
	if c.batchDepth == 0 && c.batchDirty {
		c.registry.Rebuild(c.docs)
		c.batchDirty = false
	}
}

// notifyFieldsChanged feeds the (document id, field) dependency tracker,
// when one is configured, with the before/after state of a single document
// mutation. before is nil for an insert, after is nil for a removal.
func (c *Collection) notifyFieldsChanged(id interface{}, before, after Document) {
	if c.fieldDeps == nil {
		return
	}
	c.fieldDeps.notifyChangedFields(idKey(id), before, after)
}

// afterMutation runs post-mutation side effects once a mutation's own
// bookkeeping is done. Persistence enqueueing happens while c.mu is still
// held. The requery notification (deferred to batch close inside a batch)
// runs with c.mu released, because a cursor requery re-enters the
// collection through Fetch; every caller returns right after this call.
func (c *Collection) afterMutation() {
	if c.persistence != nil {
		c.persistence.onLocalMutation(c.docs)
	}
	if c.batchDepth > 0 {
		c.pendingRequery = true
		return
	}
	c.mu.Unlock()
	defer c.mu.Lock()
	c.requery.notifyAll()
}

// Batch defers index rebuild and cursor requery until fn returns; nested
// calls are safe, only the outermost Batch triggers the rebuild/requery.
func (c *Collection) Batch(fn func() error) error {
	c.mu.Lock()
	c.beginBatchLocked()
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	c.endBatchLocked()
	outermost := c.batchDepth == 0
	c.mu.Unlock()

	if outermost {
		c.mu.Lock()
		pending := c.pendingRequery
		c.pendingRequery = false
		c.mu.Unlock()
		if pending {
			c.requery.notifyAll()
		}
	}
	return err
}

// Find returns a Cursor bound to (selector, options).
func (c *Collection) Find(selector interface{}, opts FindOptions) (*Cursor, error) {
	sel, err := toSelectorDocument(selector)
	if err != nil {
		return nil, err
	}
	if c.isDisposed() {
		return nil, ErrCollectionDisposed
	}
	if opts.Transform == nil {
		opts.Transform = c.transform
	}
	if opts.TransformAll == nil {
		opts.TransformAll = c.transformAll
	}
	return newCursor(c, sel, opts)
}

// FindOne is a convenience for Find(selector, {...,limit:1}).Fetch()[0].
func (c *Collection) FindOne(selector interface{}, opts FindOptions) (Document, error) {
	opts.Limit = 1
	cur, err := c.Find(selector, opts)
	if err != nil {
		return nil, err
	}
	list, err := cur.Fetch()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// Count returns the number of documents matching selector.
func (c *Collection) Count(selector interface{}) (int, error) {
	cur, err := c.Find(selector, FindOptions{})
	if err != nil {
		return 0, err
	}
	return cur.Count()
}

// SetValidate installs the validate hook invoked before insert/update/
// replace.
func (c *Collection) SetValidate(fn func(Document) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validate = fn
}

// CreateIndex requests a secondary index on field, built immediately from
// the current document set.
func (c *Collection) CreateIndex(field string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry.CreateIndex(field, c.docs)
}

// Dispose unregisters persistence, clears all documents and indices, and
// terminates outstanding cursors: subsequent operations fail with
// ErrCollectionDisposed.
func (c *Collection) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.docs = nil
	c.registry = NewRegistry()
	persistence := c.persistence
	c.mu.Unlock()

	if persistence != nil {
		if err := persistence.stop(); err != nil {
			logging.Warn("persistence unregister failed during dispose", zap.Error(err))
		}
	}
	c.requery.notifyAll()
	return nil
}

// snapshot returns a cloned copy of every document currently in the
// collection, used by the persistence pipeline to diff against lastSaved.
func (c *Collection) snapshot() []Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneList(c.docs)
}

// replaceAll swaps the entire document set (used by persistence load
// with a full snapshot) and rebuilds indices.
func (c *Collection) replaceAll(items []Document) {
	c.mu.Lock()
	c.docs = cloneList(items)
	c.registry.Rebuild(c.docs)
	c.mu.Unlock()
	c.notifyChange()
}
