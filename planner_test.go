package reactivedb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanQueryFullScanWithoutIndex(t *testing.T) {
	reg := NewRegistry()
	plan := planQuery(Selector{"status": "active"}, reg, 4)
	assert.True(t, plan.FullScan)
	assert.Equal(t, Selector{"status": "active"}, plan.Residual)
}

func TestPlanQueryUsesIndexForEquality(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("status", docs)

	plan := planQuery(Selector{"status": "active"}, reg, len(docs))
	assert.False(t, plan.FullScan)
	assert.Equal(t, map[int]bool{0: true, 2: true}, plan.Candidates)
	assert.Empty(t, plan.Residual)
}

func TestPlanQueryIntersectsTwoIndexedFields(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("status", docs)
	reg.CreateIndex("age", docs)

	plan := planQuery(Selector{"status": "active", "age": 40}, reg, len(docs))
	assert.False(t, plan.FullScan)
	assert.Equal(t, map[int]bool{2: true}, plan.Candidates)
}

func TestPlanQueryLeavesUnindexedFieldInResidual(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("status", docs)

	plan := planQuery(Selector{"status": "active", "age": Document{"$gt": 10}}, reg, len(docs))
	assert.False(t, plan.FullScan)
	assert.Equal(t, map[int]bool{0: true, 2: true}, plan.Candidates)
	assert.Equal(t, Selector{"age": Document{"$gt": 10}}, plan.Residual)
}

func TestPlanQueryConservativeOnUnsupportedOperatorCombination(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("age", docs)

	// $gt alone on an indexed field cannot be proven exact by the index,
	// so the planner must fall back to full scan rather than guess wrong.
	plan := planQuery(Selector{"age": Document{"$gt": 10}}, reg, len(docs))
	assert.True(t, plan.FullScan)
}

func TestPlanQueryMatchesInvariantAgainstDirectMatch(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("status", docs)

	sel := Selector{"status": "active"}
	plan := planQuery(sel, reg, len(docs))

	for i, doc := range docs {
		isCandidate := plan.FullScan || plan.Candidates[i]
		residualOK := len(plan.Residual) == 0 || Match(doc, plan.Residual)
		planSaysMatch := isCandidate && residualOK
		assert.Equal(t, Match(doc, sel), planSaysMatch, "doc %d", i)
	}
}

func TestPlanQueryAndCombinator(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("status", docs)

	sel := Selector{"$and": []interface{}{
		Document{"status": "active"},
		Document{"age": Document{"$gt": 10}},
	}}
	plan := planQuery(sel, reg, len(docs))
	assert.False(t, plan.FullScan)
	assert.Equal(t, map[int]bool{0: true, 2: true}, plan.Candidates)
}

func TestPlanQueryIDFastPathWithoutExplicitIndex(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.Rebuild(docs)

	plan := planQuery(Selector{"id": "3"}, reg, len(docs))
	assert.False(t, plan.FullScan)
	assert.Equal(t, map[int]bool{2: true}, plan.Candidates)
	assert.Empty(t, plan.Residual)
}

func TestPlanQueryIDFastPathWithEqOperator(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.Rebuild(docs)

	plan := planQuery(Selector{"id": Document{"$eq": "1"}}, reg, len(docs))
	assert.False(t, plan.FullScan)
	assert.Equal(t, map[int]bool{0: true}, plan.Candidates)
	assert.Empty(t, plan.Residual)
}

func TestPlanQueryIDFastPathMissingID(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.Rebuild(docs)

	plan := planQuery(Selector{"id": "does-not-exist"}, reg, len(docs))
	assert.False(t, plan.FullScan)
	assert.Empty(t, plan.Candidates)
}

func TestPlanQueryIDFieldWithUnsupportedOperatorFallsBack(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.Rebuild(docs)

	plan := planQuery(Selector{"id": Document{"$gt": "1"}}, reg, len(docs))
	assert.True(t, plan.FullScan)
}

func TestPlanQueryOrCombinatorUnionsOptimizableBranches(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("status", docs)
	reg.Rebuild(docs)

	sel := Selector{"$or": []interface{}{
		Document{"status": "inactive"},
		Document{"id": "3"},
	}}
	plan := planQuery(sel, reg, len(docs))
	assert.False(t, plan.FullScan)
	assert.Equal(t, map[int]bool{1: true, 2: true}, plan.Candidates)
	assert.Empty(t, plan.Residual)
}

func TestPlanQueryOrCombinatorFallsBackWhenAnyBranchUnoptimizable(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("status", docs)
	reg.Rebuild(docs)

	sel := Selector{"$or": []interface{}{
		Document{"status": "inactive"},
		Document{"age": Document{"$gt": 10}},
	}}
	plan := planQuery(sel, reg, len(docs))
	assert.True(t, plan.FullScan || len(plan.Residual) > 0)
	assert.Equal(t, sel, plan.Residual)
}

func TestPlanQueryOrCombinatorMatchesInvariantAgainstDirectMatch(t *testing.T) {
	reg := NewRegistry()
	docs := sampleDocs()
	reg.CreateIndex("status", docs)
	reg.Rebuild(docs)

	sel := Selector{"$or": []interface{}{
		Document{"status": "active"},
		Document{"id": "2"},
	}}
	plan := planQuery(sel, reg, len(docs))

	for i, doc := range docs {
		isCandidate := plan.FullScan || plan.Candidates[i]
		residualOK := len(plan.Residual) == 0 || Match(doc, plan.Residual)
		planSaysMatch := isCandidate && residualOK
		assert.Equal(t, Match(doc, sel), planSaysMatch, "doc %d", i)
	}
}
