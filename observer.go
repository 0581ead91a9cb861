package reactivedb

// ObserverCallbacks holds the per-event hooks an Observer invokes while
// diffing two successive ordered result sets. Any hook may be nil. The
// "before" argument to AddedBefore/MovedBefore is the anchor document that
// the moved/added document now precedes, or nil when it is now last.
type ObserverCallbacks struct {
	Added        func(doc Document)
	AddedBefore  func(doc Document, before Document)
	Changed      func(doc Document)
	ChangedField func(doc Document, field string, before, after interface{})
	MovedBefore  func(doc Document, before Document)
	Removed      func(doc Document)
}

// Observer stores the last observed ordered list of documents and derives
// added/addedBefore/changed/movedBefore/removed diffs when Check is
// invoked with a newly fetched list. It is owned by the Cursor that
// created it.
type Observer struct {
	callbacks   ObserverCallbacks
	skipInitial bool
	initialized bool
	fields      map[string]int // optional projection; nil means compare the whole document
	last        []Document

	queryErr error
}

// NewObserver creates an Observer. When skipInitial is true the first Check
// call only establishes the baseline; no callbacks fire for it.
func NewObserver(cb ObserverCallbacks, skipInitial bool, fields map[string]int) *Observer {
	return &Observer{callbacks: cb, skipInitial: skipInitial, fields: fields}
}

// GetQueryError returns the last error published via PublishError, letting
// a consumer of an async cursor poll for failure instead of the observer
// raising an exception.
func (o *Observer) GetQueryError() error {
	return o.queryErr
}

// PublishError records an async query failure. Check is not called for the
// failed fetch; the error is surfaced via GetQueryError instead.
func (o *Observer) PublishError(err error) {
	o.queryErr = err
}

// Check diffs newList against the previously observed list and fires
// callbacks in the order removed -> added -> changed -> movedBefore.
func (o *Observer) Check(newList []Document) {
	o.queryErr = nil
	oldList := o.last
	fireCallbacks := !(o.isFirstCheck() && o.skipInitial)

	oldIDs := idSequence(oldList)
	newIDs := idSequence(newList)
	oldByID := indexByID(oldList)
	newByID := indexByID(newList)

	common := map[string]bool{}
	for _, id := range oldIDs {
		if _, ok := newByID[id]; ok {
			common[id] = true
		}
	}

	if fireCallbacks {
		for _, id := range oldIDs {
			if _, ok := newByID[id]; !ok {
				if o.callbacks.Removed != nil {
					o.callbacks.Removed(oldByID[id])
				}
			}
		}

		for i, doc := range newList {
			id := newIDs[i]
			if _, existed := oldByID[id]; existed {
				continue
			}
			anchorID, hasAnchor := nextCommonAfter(newIDs, i, common)
			if o.callbacks.Added != nil {
				o.callbacks.Added(doc)
			}
			if o.callbacks.AddedBefore != nil {
				o.callbacks.AddedBefore(doc, resolveAnchor(newByID, anchorID, hasAnchor))
			}
		}

		for i, doc := range newList {
			id := newIDs[i]
			oldDoc, existed := oldByID[id]
			if !existed {
				continue
			}
			o.emitChange(oldDoc, doc)
		}

		oldPos := positionMap(oldIDs)
		newPos := positionMap(newIDs)
		for i, doc := range newList {
			id := newIDs[i]
			if !common[id] {
				continue
			}
			oldNext, oldHas := nextCommonAfter(oldIDs, oldPos[id], common)
			newNext, newHas := nextCommonAfter(newIDs, newPos[id], common)
			if oldHas != newHas || (oldHas && newHas && oldNext != newNext) {
				if o.callbacks.MovedBefore != nil {
					o.callbacks.MovedBefore(doc, resolveAnchor(newByID, newNext, newHas))
				}
			}
		}
	}

	o.last = cloneList(newList)
	o.initialized = true
}

func (o *Observer) isFirstCheck() bool { return !o.initialized }

// emitChange compares oldDoc and newDoc over the observer's projected
// field set (or the whole document when no projection is active) and
// fires Changed/ChangedField when they differ.
func (o *Observer) emitChange(oldDoc, newDoc Document) {
	fieldsToCompare := o.fields
	if fieldsToCompare == nil {
		fieldsToCompare = unionFieldNames(oldDoc, newDoc)
	}
	changed := false
	var diffs []fieldDiff
	for _, f := range sortedFieldNames(fieldsToCompare) {
		before := oldDoc[f]
		after := newDoc[f]
		if !canonicalEqual(before, after) {
			changed = true
			diffs = append(diffs, fieldDiff{field: f, before: before, after: after})
		}
	}
	if !changed {
		return
	}
	if o.callbacks.Changed != nil {
		o.callbacks.Changed(newDoc)
	}
	if o.callbacks.ChangedField != nil {
		for _, d := range diffs {
			o.callbacks.ChangedField(newDoc, d.field, d.before, d.after)
		}
	}
}

type fieldDiff struct {
	field         string
	before, after interface{}
}

func unionFieldNames(a, b Document) map[string]int {
	out := map[string]int{}
	for k := range a {
		out[k] = 1
	}
	for k := range b {
		out[k] = 1
	}
	return out
}

func idSequence(list []Document) []string {
	out := make([]string, len(list))
	for i, d := range list {
		id, _ := documentID(d)
		out[i] = idKey(id)
	}
	return out
}

func indexByID(list []Document) map[string]Document {
	out := make(map[string]Document, len(list))
	for _, d := range list {
		id, _ := documentID(d)
		out[idKey(id)] = d
	}
	return out
}

func positionMap(ids []string) map[string]int {
	out := make(map[string]int, len(ids))
	for i, id := range ids {
		out[id] = i
	}
	return out
}

// nextCommonAfter scans ids[after+1:] for the first id present in common,
// returning its id key.
func nextCommonAfter(ids []string, after int, common map[string]bool) (string, bool) {
	for i := after + 1; i < len(ids); i++ {
		if common[ids[i]] {
			return ids[i], true
		}
	}
	return "", false
}

func resolveAnchor(byID map[string]Document, key string, has bool) Document {
	if !has {
		return nil
	}
	return byID[key]
}

func cloneList(list []Document) []Document {
	out := make([]Document, len(list))
	for i, d := range list {
		out[i] = cloneDocument(d)
	}
	return out
}
