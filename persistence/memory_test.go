package persistence

import (
	"context"
	"testing"

	"github.com/reactivedb/reactivedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryInitEmpty(t *testing.T) {
	m := NewMemory()
	result, err := m.Init(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Items)
}

func TestMemorySaveThenInitRoundTrips(t *testing.T) {
	m := NewMemory()
	err := m.Save(context.Background(), reactivedb.Changeset{
		Added: []reactivedb.Document{{"id": "1", "name": "Ada"}, {"id": 2, "name": "Bob"}},
	})
	require.NoError(t, err)

	result, err := m.Init(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
}

func TestMemorySaveModifiedOverwritesAdded(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Save(context.Background(), reactivedb.Changeset{
		Added: []reactivedb.Document{{"id": "1", "name": "Ada"}},
	}))
	require.NoError(t, m.Save(context.Background(), reactivedb.Changeset{
		Modified: []reactivedb.Document{{"id": "1", "name": "Ada Lovelace"}},
	}))

	result, err := m.Init(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "Ada Lovelace", result.Items[0]["name"])
}

func TestMemorySaveRemovedDeletesRegardlessOfIDType(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Save(context.Background(), reactivedb.Changeset{
		Added: []reactivedb.Document{{"id": "1"}, {"id": 2}},
	}))
	require.NoError(t, m.Save(context.Background(), reactivedb.Changeset{
		Removed: []interface{}{2},
	}))

	result, err := m.Init(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "1", result.Items[0]["id"])
}

func TestMemoryCloseIsNoop(t *testing.T) {
	m := NewMemory()
	assert.NoError(t, m.Close())
}
