package reactivedb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleDocs() []Document {
	return []Document{
		{"id": "1", "status": "active", "age": 20},
		{"id": "2", "status": "inactive", "age": 30},
		{"id": "3", "status": "active", "age": 40},
		{"id": "4", "age": 50}, // status absent
	}
}

func TestRegistryQueryEquality(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("status", docs)

	result := reg.QueryEquality("status", "active")
	assert.True(t, result.Matched)
	assert.Equal(t, map[int]bool{0: true, 2: true}, result.Positions)
}

func TestRegistryQueryExistsFalse(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("status", docs)

	result := reg.QueryExistsFalse("status")
	assert.Equal(t, map[int]bool{3: true}, result.Positions)
}

func TestRegistryQueryInAndNotIn(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("status", docs)

	in := reg.QueryIn("status", []interface{}{"active"})
	assert.Equal(t, map[int]bool{0: true, 2: true}, in.Positions)

	notIn := reg.QueryNotIn("status", []interface{}{"active"}, len(docs))
	assert.Equal(t, map[int]bool{1: true, 3: true}, notIn.Positions)
}

func TestRegistryRebuildReflectsMutation(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("status", docs)

	docs[0]["status"] = "inactive"
	reg.Rebuild(docs)

	result := reg.QueryEquality("status", "active")
	assert.Equal(t, map[int]bool{2: true}, result.Positions)
}

func TestRegistryPositionByID(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.Rebuild(docs)

	pos, ok := reg.PositionByID("3")
	assert.True(t, ok)
	assert.Equal(t, 2, pos)

	_, ok = reg.PositionByID("missing")
	assert.False(t, ok)
}
