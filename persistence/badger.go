package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/reactivedb/reactivedb"
)

// Badger is a PersistenceAdapter backed by an embedded badger.DB, storing
// each document as "<namespace>/<id>" -> json bytes. The caller owns the
// *badger.DB's lifecycle; Close does not close it.
type Badger struct {
	db        *badger.DB
	namespace string
}

// NewBadger builds a Badger adapter scoped to namespace within db.
func NewBadger(db *badger.DB, namespace string) *Badger {
	return &Badger{db: db, namespace: namespace}
}

func (b *Badger) prefix() []byte { return []byte(b.namespace + "/") }

func (b *Badger) key(id interface{}) []byte {
	return []byte(fmt.Sprintf("%s/%v", b.namespace, id))
}

func (b *Badger) Init(ctx context.Context) (reactivedb.LoadResult, error) {
	var items []reactivedb.Document
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.prefix()
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(b.prefix()); it.Next() {
			item := it.Item()
			var doc reactivedb.Document
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			})
			if err != nil {
				return err
			}
			items = append(items, doc)
		}
		return nil
	})
	if err != nil {
		return reactivedb.LoadResult{}, fmt.Errorf("badger init: %w", err)
	}
	return reactivedb.LoadResult{Items: items}, nil
}

func (b *Badger) Save(ctx context.Context, changes reactivedb.Changeset) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	put := func(doc reactivedb.Document) error {
		id, ok := doc["id"]
		if !ok {
			return fmt.Errorf("document missing id")
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return wb.Set(b.key(id), raw)
	}
	for _, d := range changes.Added {
		if err := put(d); err != nil {
			return fmt.Errorf("badger save: %w", err)
		}
	}
	for _, d := range changes.Modified {
		if err := put(d); err != nil {
			return fmt.Errorf("badger save: %w", err)
		}
	}
	for _, id := range changes.Removed {
		if err := wb.Delete(b.key(id)); err != nil {
			return fmt.Errorf("badger save: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger save: %w", err)
	}
	return nil
}

func (b *Badger) Close() error { return nil }
