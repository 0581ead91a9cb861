package reactivedb

import (
	"fmt"
	"sort"
)

// SortField is one element of a Cursor's sort key: a dot-notated field
// path and its direction.
type SortField struct {
	Field      string
	Descending bool
}

// FindOptions configures a Cursor. Fields holds either an inclusion map
// (values == 1) or an exclusion map (values == 0); mixing the two (other
// than excluding id with id:0) is invalid.
type FindOptions struct {
	Sort          []SortField
	Skip          int
	Limit         int
	Fields        map[string]int
	Reactive      bool
	FieldTracking bool
	Async         bool
	SkipInitial   bool

	// Transform is applied to each document after projection.
	Transform func(Document) Document
	// TransformAll is a one-pass hook over the full (post-residual-match,
	// pre-sort) result set.
	TransformAll func([]Document, map[string]int) []Document
}

func validateProjection(fields map[string]int) error {
	if len(fields) == 0 {
		return nil
	}
	hasInclude, hasExclude := false, false
	for field, mode := range fields {
		if mode != 0 && mode != 1 {
			return fmt.Errorf("projection value for %q must be 0 or 1: %w", field, ErrInvalidProjection)
		}
		if mode == 1 {
			hasInclude = true
		} else if field != IDField {
			hasExclude = true
		}
	}
	if hasInclude && hasExclude {
		return fmt.Errorf("projection mixes inclusion and exclusion: %w", ErrInvalidProjection)
	}
	return nil
}

// Cursor is a lazy handle bound to a (Collection, Selector, Options)
// triple. It is re-evaluated on demand (Fetch/Count) or, when reactive, on
// bound change events.
type Cursor struct {
	coll     *Collection
	selector Selector
	opts     FindOptions

	observers []*Observer
	disposed  bool

	unsubscribe func()
}

func newCursor(coll *Collection, selector Selector, opts FindOptions) (*Cursor, error) {
	if err := validateProjection(opts.Fields); err != nil {
		return nil, err
	}
	return &Cursor{coll: coll, selector: selector, opts: opts}, nil
}

// Fetch evaluates the cursor per the pipeline in the query-planner and
// cursor-evaluation contract: candidate resolution -> residual match ->
// transformAll -> sort -> skip -> limit -> project -> per-item transform.
func (c *Cursor) Fetch() ([]Document, error) {
	if c.coll.isDisposed() {
		return nil, ErrCollectionDisposed
	}

	result, err := c.matched()
	if err != nil {
		return nil, err
	}

	if c.opts.TransformAll != nil {
		result = c.opts.TransformAll(result, c.opts.Fields)
	}

	sortDocuments(result, c.opts.Sort)

	if c.opts.Skip > 0 {
		if c.opts.Skip >= len(result) {
			result = nil
		} else {
			result = result[c.opts.Skip:]
		}
	}
	if c.opts.Limit > 0 && len(result) > c.opts.Limit {
		result = result[:c.opts.Limit]
	}

	projected := make([]Document, len(result))
	for i, doc := range result {
		p := applyProjection(doc, c.opts.Fields)
		if c.opts.Transform != nil {
			p = c.opts.Transform(p)
		}
		projected[i] = p
	}
	return projected, nil
}

// matched runs the planner against the collection's current index
// registry and document slice, returning a snapshot slice of cloned
// documents satisfying the selector.
func (c *Cursor) matched() ([]Document, error) {
	c.coll.mu.RLock()
	defer c.coll.mu.RUnlock()

	c.coll.trackQueryFields(c.selector)
	plan := planQuery(c.selector, c.coll.registry, len(c.coll.docs))

	var out []Document
	if plan.FullScan {
		for _, doc := range c.coll.docs {
			if Match(doc, plan.Residual) {
				out = append(out, cloneDocument(doc))
			}
		}
		return out, nil
	}

	positions := make([]int, 0, len(plan.Candidates))
	for pos := range plan.Candidates {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	for _, pos := range positions {
		if pos < 0 || pos >= len(c.coll.docs) {
			continue
		}
		doc := c.coll.docs[pos]
		if len(plan.Residual) == 0 || Match(doc, plan.Residual) {
			out = append(out, cloneDocument(doc))
		}
	}
	return out, nil
}

// Count returns the number of documents that would be returned by Fetch,
// ignoring skip/limit/projection.
func (c *Cursor) Count() (int, error) {
	result, err := c.matched()
	if err != nil {
		return 0, err
	}
	return len(result), nil
}

// Observe attaches an Observer to this cursor's change stream: on every
// collection mutation the cursor re-fetches and diffs against the last
// observed result. When opts.Async is set the re-fetch runs on its own
// goroutine instead of inline on the mutating call. When opts.Reactive and
// opts.FieldTracking are both set, every (document id, field) the fetch
// reads is also registered against the collection's Reactivity, so a
// Reactivity implementation backing an external computation can be
// invalidated at field granularity instead of only through this
// subscription.
func (c *Cursor) Observe(cb ObserverCallbacks) *Observer {
	obs := NewObserver(cb, c.opts.SkipInitial, c.opts.Fields)
	c.observers = append(c.observers, obs)

	var requery func()
	runFetch := func() {
		list, err := c.Fetch()
		if err != nil {
			obs.PublishError(err)
			return
		}
		obs.Check(list)
		if c.opts.Reactive && c.opts.FieldTracking {
			c.trackFieldDependencies(list, requery)
		}
	}
	requery = runFetch
	if c.opts.Async {
		requery = func() { go runFetch() }
	}

	c.unsubscribe = c.coll.onAnyChange(requery)
	requery()
	return obs
}

// trackFieldDependencies registers invalidate against the Dependency for
// every (document id, field) pair present in list: the whole document when
// no projection is set, or just the included fields when one is.
func (c *Cursor) trackFieldDependencies(list []Document, invalidate func()) {
	if c.coll.fieldDeps == nil {
		return
	}
	include, _ := projectionMode(c.opts.Fields)
	for _, doc := range list {
		id, ok := documentID(doc)
		if !ok {
			continue
		}
		key := idKey(id)
		if len(c.opts.Fields) == 0 || !include {
			for field := range doc {
				c.coll.fieldDeps.depend(key, field, invalidate)
			}
			continue
		}
		for field, mode := range c.opts.Fields {
			if mode == 1 {
				c.coll.fieldDeps.depend(key, field, invalidate)
			}
		}
	}
}

// Cleanup disposes the cursor: outstanding observers are detached and its
// subscription to the collection's change events is released.
func (c *Cursor) Cleanup() {
	if c.disposed {
		return
	}
	c.disposed = true
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.observers = nil
}

func applyProjection(doc Document, fields map[string]int) Document {
	if len(fields) == 0 {
		return cloneDocument(doc)
	}
	include, _ := projectionMode(fields)
	out := Document{}
	if include {
		if mode, ok := fields[IDField]; !ok || mode == 1 {
			if v, exists := doc[IDField]; exists {
				out[IDField] = cloneValue(v)
			}
		}
		for f, mode := range fields {
			if mode != 1 {
				continue
			}
			if v, exists := doc[f]; exists {
				out[f] = cloneValue(v)
			}
		}
		return out
	}
	for k, v := range doc {
		if mode, excluded := fields[k]; excluded && mode == 0 {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func projectionMode(fields map[string]int) (include bool, exclude bool) {
	for field, mode := range fields {
		if mode == 1 {
			return true, false
		}
		if mode == 0 && field != IDField {
			return false, true
		}
	}
	return false, true
}

func sortDocuments(docs []Document, spec []SortField) {
	if len(spec) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range spec {
			a, aOK := getPath(docs[i], s.Field)
			b, bOK := getPath(docs[j], s.Field)
			c := compareSortValues(a, aOK, b, bOK)
			if c == 0 {
				continue
			}
			if s.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareSortValues orders undefined before defined values, per the sort
// contract; otherwise delegates to orderedCompare, falling back to a
// type-name comparison for values of incomparable kinds so the sort is
// still a total order.
func compareSortValues(a interface{}, aOK bool, b interface{}, bOK bool) int {
	if !aOK && !bOK {
		return 0
	}
	if !aOK {
		return -1
	}
	if !bOK {
		return 1
	}
	if c, ok := orderedCompare(a, b); ok {
		return c
	}
	an, bn := bsonTypeName(a), bsonTypeName(b)
	switch {
	case an < bn:
		return -1
	case an > bn:
		return 1
	default:
		return 0
	}
}
