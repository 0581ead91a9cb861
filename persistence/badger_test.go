package persistence

import (
	"context"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/reactivedb/reactivedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBadgerSaveThenInitRoundTrips(t *testing.T) {
	db := openTestBadger(t)
	b := NewBadger(db, "widgets")

	err := b.Save(context.Background(), reactivedb.Changeset{
		Added: []reactivedb.Document{{"id": "1", "name": "Ada"}},
	})
	require.NoError(t, err)

	result, err := b.Init(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "Ada", result.Items[0]["name"])
}

func TestBadgerNamespacesKeysSeparately(t *testing.T) {
	db := openTestBadger(t)
	widgets := NewBadger(db, "widgets")
	gadgets := NewBadger(db, "gadgets")

	require.NoError(t, widgets.Save(context.Background(), reactivedb.Changeset{
		Added: []reactivedb.Document{{"id": "1", "name": "widget-one"}},
	}))
	require.NoError(t, gadgets.Save(context.Background(), reactivedb.Changeset{
		Added: []reactivedb.Document{{"id": "1", "name": "gadget-one"}},
	}))

	result, err := widgets.Init(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "widget-one", result.Items[0]["name"])
}

func TestBadgerSaveRemovedDeletesKey(t *testing.T) {
	db := openTestBadger(t)
	b := NewBadger(db, "widgets")

	require.NoError(t, b.Save(context.Background(), reactivedb.Changeset{
		Added: []reactivedb.Document{{"id": "1"}, {"id": "2"}},
	}))
	require.NoError(t, b.Save(context.Background(), reactivedb.Changeset{
		Removed: []interface{}{"1"},
	}))

	result, err := b.Init(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "2", result.Items[0]["id"])
}

func TestBadgerSaveRejectsDocumentWithoutID(t *testing.T) {
	db := openTestBadger(t)
	b := NewBadger(db, "widgets")

	err := b.Save(context.Background(), reactivedb.Changeset{
		Added: []reactivedb.Document{{"name": "no id"}},
	})
	assert.Error(t, err)
}
