package reactivedb

import (
	"container/heap"
	"sync"
	"time"
)

// fieldAccessRecord tracks how often and how recently a selector field
// has been queried.
type fieldAccessRecord struct {
	field         string
	accessCount   int64
	firstAccessed time.Time
	lastAccessed  time.Time
	score         float64
}

// fieldAccessHeap is a min-heap of fieldAccessRecords ordered by score, so
// the lowest-scoring tracked field is always the eviction candidate.
type fieldAccessHeap []*fieldAccessRecord

func (h fieldAccessHeap) Len() int            { return len(h) }
func (h fieldAccessHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h fieldAccessHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fieldAccessHeap) Push(x interface{}) { *h = append(*h, x.(*fieldAccessRecord)) }
func (h *fieldAccessHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// fieldAccessTracker identifies which un-indexed selector fields are
// queried often enough to be worth indexing, combining access frequency
// and recency into a single score the way the teacher's cache layer
// ranks hot documents rather than hot fields.
type fieldAccessTracker struct {
	mu          sync.Mutex
	records     map[string]*fieldAccessRecord
	hot         fieldAccessHeap
	maxHot      int
	decayFactor float64
}

func newFieldAccessTracker(maxHot int, decayFactor float64) *fieldAccessTracker {
	h := fieldAccessHeap{}
	heap.Init(&h)
	return &fieldAccessTracker{
		records:     map[string]*fieldAccessRecord{},
		hot:         h,
		maxHot:      maxHot,
		decayFactor: decayFactor,
	}
}

// recordQuery registers one query touching field.
func (t *fieldAccessTracker) recordQuery(field string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	record, exists := t.records[field]
	if !exists {
		record = &fieldAccessRecord{field: field, firstAccessed: now}
		t.records[field] = record
	}
	record.accessCount++
	record.lastAccessed = now

	age := now.Sub(record.firstAccessed).Seconds()
	if age < 1 {
		age = 1
	}
	recency := 1.0 / (1.0 + now.Sub(record.lastAccessed).Seconds()/3600)
	record.score = (float64(record.accessCount) / age) * recency

	t.updateHeapLocked(record)
}

func (t *fieldAccessTracker) updateHeapLocked(record *fieldAccessRecord) {
	for i, item := range t.hot {
		if item.field == record.field {
			t.hot[i] = record
			heap.Fix(&t.hot, i)
			return
		}
	}
	if t.hot.Len() < t.maxHot {
		heap.Push(&t.hot, record)
		return
	}
	if t.hot.Len() > 0 && record.score > t.hot[0].score {
		heap.Pop(&t.hot)
		heap.Push(&t.hot, record)
	}
}

// decay periodically discounts older access patterns, dropping fields
// whose score falls below the noise floor.
func (t *fieldAccessTracker) decay() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		r.score *= t.decayFactor
	}
	for field, r := range t.records {
		if r.score < 0.01 {
			delete(t.records, field)
		}
	}
	rebuilt := fieldAccessHeap{}
	heap.Init(&rebuilt)
	for _, r := range t.records {
		if rebuilt.Len() < t.maxHot {
			heap.Push(&rebuilt, r)
		}
	}
	t.hot = rebuilt
}

// hotFields returns the tracked fields currently in the hot set, ordered
// highest score first.
func (t *fieldAccessTracker) hotFields() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(fieldAccessHeap, len(t.hot))
	copy(cp, t.hot)
	out := make([]string, 0, len(cp))
	for cp.Len() > 0 {
		item := heap.Pop(&cp).(*fieldAccessRecord)
		out = append([]string{item.field}, out...)
	}
	return out
}
