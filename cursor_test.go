package reactivedb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateProjectionRejectsMixedModes(t *testing.T) {
	err := validateProjection(map[string]int{"a": 1, "b": 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidProjection)
}

func TestValidateProjectionAllowsIDExclusionWithInclusion(t *testing.T) {
	err := validateProjection(map[string]int{"a": 1, IDField: 0})
	assert.NoError(t, err)
}

func TestValidateProjectionRejectsBadValue(t *testing.T) {
	err := validateProjection(map[string]int{"a": 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidProjection)
}

func TestCursorFetchInclusionProjectionKeepsIDByDefault(t *testing.T) {
	c := NewCollection(WithMemory([]Document{{"id": "1", "a": 1, "b": 2}}))
	cur, err := c.Find(Selector{}, FindOptions{Fields: map[string]int{"a": 1}})
	require.NoError(t, err)

	list, err := cur.Fetch()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, Document{"id": "1", "a": 1}, list[0])
}

func TestCursorFetchInclusionWithExplicitIDExclusion(t *testing.T) {
	c := NewCollection(WithMemory([]Document{{"id": "1", "a": 1, "b": 2}}))
	cur, err := c.Find(Selector{}, FindOptions{Fields: map[string]int{"a": 1, IDField: 0}})
	require.NoError(t, err)

	list, err := cur.Fetch()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, Document{"a": 1}, list[0])
}

func TestCursorFetchExclusionProjection(t *testing.T) {
	c := NewCollection(WithMemory([]Document{{"id": "1", "a": 1, "b": 2}}))
	cur, err := c.Find(Selector{}, FindOptions{Fields: map[string]int{"b": 0}})
	require.NoError(t, err)

	list, err := cur.Fetch()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, Document{"id": "1", "a": 1}, list[0])
}

func TestCursorFetchSortSkipLimitOrdering(t *testing.T) {
	c := NewCollection(WithMemory([]Document{
		{"id": "1", "n": 5},
		{"id": "2", "n": 1},
		{"id": "3", "n": 3},
		{"id": "4", "n": 2},
	}))
	cur, err := c.Find(Selector{}, FindOptions{
		Sort:  []SortField{{Field: "n"}},
		Skip:  1,
		Limit: 2,
	})
	require.NoError(t, err)

	list, err := cur.Fetch()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0]["n"])
	assert.Equal(t, 3, list[1]["n"])
}

func TestCursorFetchSortDescending(t *testing.T) {
	c := NewCollection(WithMemory([]Document{
		{"id": "1", "n": 1},
		{"id": "2", "n": 3},
		{"id": "3", "n": 2},
	}))
	cur, err := c.Find(Selector{}, FindOptions{Sort: []SortField{{Field: "n", Descending: true}}})
	require.NoError(t, err)

	list, err := cur.Fetch()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []interface{}{3, 2, 1}, []interface{}{list[0]["n"], list[1]["n"], list[2]["n"]})
}

func TestCursorFetchUndefinedSortsBeforeDefined(t *testing.T) {
	c := NewCollection(WithMemory([]Document{
		{"id": "1", "n": 1},
		{"id": "2"},
	}))
	cur, err := c.Find(Selector{}, FindOptions{Sort: []SortField{{Field: "n"}}})
	require.NoError(t, err)

	list, err := cur.Fetch()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2", list[0]["id"])
}

func TestCursorFetchTransformAllThenTransformOrdering(t *testing.T) {
	c := NewCollection(WithMemory([]Document{{"id": "1", "n": 1}}))
	cur, err := c.Find(Selector{}, FindOptions{
		TransformAll: func(docs []Document, fields map[string]int) []Document {
			out := make([]Document, len(docs))
			for i, d := range docs {
				d = cloneDocument(d)
				d["fromAll"] = true
				out[i] = d
			}
			return out
		},
		Transform: func(d Document) Document {
			d["fromEach"] = true
			return d
		},
	})
	require.NoError(t, err)

	list, err := cur.Fetch()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, true, list[0]["fromAll"])
	assert.Equal(t, true, list[0]["fromEach"])
}

func TestCursorCountIgnoresSkipLimitProjection(t *testing.T) {
	c := NewCollection(WithMemory([]Document{
		{"id": "1"}, {"id": "2"}, {"id": "3"},
	}))
	cur, err := c.Find(Selector{}, FindOptions{Skip: 1, Limit: 1, Fields: map[string]int{"id": 1}})
	require.NoError(t, err)

	n, err := cur.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCursorObserveFiresOnMutationAndCleanupDetaches(t *testing.T) {
	c := NewCollection(WithMemory([]Document{{"id": "1", "n": 1}}))
	cur, err := c.Find(Selector{}, FindOptions{})
	require.NoError(t, err)

	var lastAdded []string
	obs := cur.Observe(ObserverCallbacks{
		Added: func(doc Document) {
			id, _ := documentID(doc)
			lastAdded = append(lastAdded, idKey(id))
		},
	})
	require.NotNil(t, obs)
	assert.Equal(t, []string{`"1"`}, lastAdded)

	_, err = c.Insert(Document{"id": "2", "n": 2})
	require.NoError(t, err)
	assert.Equal(t, []string{`"1"`, `"2"`}, lastAdded)

	cur.Cleanup()
	_, err = c.Insert(Document{"id": "3", "n": 3})
	require.NoError(t, err)
	assert.Equal(t, []string{`"1"`, `"2"`}, lastAdded, "no further callbacks after Cleanup")
}

func TestCursorFetchOnDisposedCollectionErrors(t *testing.T) {
	c := NewCollection()
	cur, err := c.Find(Selector{}, FindOptions{})
	require.NoError(t, err)
	require.NoError(t, c.Dispose())

	_, err = cur.Fetch()
	assert.ErrorIs(t, err, ErrCollectionDisposed)
}
