package reactivedb

import "sort"

// absentSentinel is the canonical index bucket key used for a field that
// is undefined on a document, per the index entry invariant (I2) that
// requires entries for both undefined and null to exist.
const absentSentinel = "\x00absent\x00"

// fieldIndex is a per-field inverted map from canonicalized field value to
// the set of positions in the owning Collection's document slice whose
// value canonicalizes to that key.
type fieldIndex struct {
	field   string
	buckets map[string]map[int]bool
}

func newFieldIndex(field string) *fieldIndex {
	return &fieldIndex{field: field, buckets: map[string]map[int]bool{}}
}

func (fi *fieldIndex) reset() {
	fi.buckets = map[string]map[int]bool{}
}

func (fi *fieldIndex) add(pos int, doc Document) {
	for _, key := range fi.keysFor(doc) {
		b, ok := fi.buckets[key]
		if !ok {
			b = map[int]bool{}
			fi.buckets[key] = b
		}
		b[pos] = true
	}
}

// keysFor returns the bucket keys doc belongs to for this field: one key
// per distinct value, where an array value contributes a key for the whole
// array plus one per distinct element (element-wise), or the absent
// sentinel when the field (or, for dot paths, any segment) is missing.
func (fi *fieldIndex) keysFor(doc Document) []string {
	values, exists := resolvePath(doc, splitPath(fi.field))
	if !exists {
		return []string{absentSentinel}
	}
	seen := map[string]bool{}
	keys := make([]string, 0, len(values))
	for _, v := range values {
		elems := []interface{}{v}
		if arr, ok := v.([]interface{}); ok {
			elems = append(elems, arr...)
		}
		for _, e := range elems {
			k := idKey(e)
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	if len(keys) == 0 {
		keys = append(keys, absentSentinel)
	}
	return keys
}

// Registry maintains the id-index (mandatory, always present) plus any
// number of secondary field indices, and answers candidate-position
// queries for the planner.
type Registry struct {
	byID    map[string]int // idKey -> position
	indices map[string]*fieldIndex
	order   []string // field names in creation order
}

// NewRegistry creates an empty index registry. The id-index is always
// present; additional fields may be requested via CreateIndex.
func NewRegistry() *Registry {
	return &Registry{
		byID:    map[string]int{},
		indices: map[string]*fieldIndex{},
	}
}

// CreateIndex reserves (and, if items is non-nil, immediately builds) an
// index on field.
func (r *Registry) CreateIndex(field string, items []Document) {
	if _, exists := r.indices[field]; exists {
		return
	}
	fi := newFieldIndex(field)
	r.indices[field] = fi
	r.order = append(r.order, field)
	if items != nil {
		for pos, doc := range items {
			fi.add(pos, doc)
		}
	}
}

// HasIndex reports whether field has a secondary index.
func (r *Registry) HasIndex(field string) bool {
	_, ok := r.indices[field]
	return ok
}

// Rebuild recomputes the id-index and every secondary field index from
// items. Called whenever the collection's document slice changes outside
// a batch, or once at batch-close.
func (r *Registry) Rebuild(items []Document) {
	r.byID = make(map[string]int, len(items))
	for _, fi := range r.indices {
		fi.reset()
	}
	for pos, doc := range items {
		if id, ok := documentID(doc); ok {
			r.byID[idKey(id)] = pos
		}
		for _, fi := range r.indices {
			fi.add(pos, doc)
		}
	}
}

// PositionByID returns the position of the document with the given id, if
// indexed.
func (r *Registry) PositionByID(id interface{}) (int, bool) {
	pos, ok := r.byID[idKey(id)]
	return pos, ok
}

// IndexQueryResult is the outcome of querying a single field's index for a
// flattened field expression.
type IndexQueryResult struct {
	Matched bool
	Positions map[int]bool
}

// QueryEquality returns the bucket of positions whose field value
// canonicalizes equal to want.
func (r *Registry) QueryEquality(field string, want interface{}) IndexQueryResult {
	fi, ok := r.indices[field]
	if !ok {
		return IndexQueryResult{Matched: false}
	}
	var key string
	if want == nil {
		key = absentSentinel
	} else {
		key = idKey(want)
	}
	return IndexQueryResult{Matched: true, Positions: copyPositions(fi.buckets[key])}
}

// QueryIn returns the union of buckets for each value in wants.
func (r *Registry) QueryIn(field string, wants []interface{}) IndexQueryResult {
	fi, ok := r.indices[field]
	if !ok {
		return IndexQueryResult{Matched: false}
	}
	out := map[int]bool{}
	for _, w := range wants {
		key := absentSentinel
		if w != nil {
			key = idKey(w)
		}
		for pos := range fi.buckets[key] {
			out[pos] = true
		}
	}
	return IndexQueryResult{Matched: true, Positions: out}
}

// QueryNotIn returns universe \ union(buckets(wants)), given the total
// document count.
func (r *Registry) QueryNotIn(field string, wants []interface{}, total int) IndexQueryResult {
	in := r.QueryIn(field, wants)
	if !in.Matched {
		return IndexQueryResult{Matched: false}
	}
	out := map[int]bool{}
	for pos := 0; pos < total; pos++ {
		if !in.Positions[pos] {
			out[pos] = true
		}
	}
	return IndexQueryResult{Matched: true, Positions: out}
}

// QueryExistsFalse returns the absent-sentinel bucket.
func (r *Registry) QueryExistsFalse(field string) IndexQueryResult {
	return r.QueryEquality(field, nil)
}

func copyPositions(src map[int]bool) map[int]bool {
	out := make(map[int]bool, len(src))
	for k := range src {
		out[k] = true
	}
	return out
}

// smallestOf implements the tie-break decision recorded in SPEC_FULL.md
// §9: when multiple candidate sets are available for the same field, the
// smallest set wins; ties are broken by field-name lexical order.
func smallestOf(candidates map[string]IndexQueryResult) (string, IndexQueryResult, bool) {
	var bestField string
	var best IndexQueryResult
	found := false
	fields := make([]string, 0, len(candidates))
	for f := range candidates {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		c := candidates[f]
		if !c.Matched {
			continue
		}
		if !found || len(c.Positions) < len(best.Positions) {
			best = c
			bestField = f
			found = true
		}
	}
	return bestField, best, found
}
