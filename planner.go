package reactivedb

// Plan is the outcome of combining a selector with the index registry: a
// candidate position set (or a full scan) plus whatever of the selector
// could not be resolved from indices and must be evaluated per-document.
type Plan struct {
	FullScan   bool
	Candidates map[int]bool
	Residual   Selector
}

// planQuery implements §4.3: start from the full-scan plan, merge each
// index provider's result, and if every selector field was consumed the
// residual is empty and the candidate set is returned verbatim.
func planQuery(selector Selector, reg *Registry, total int) Plan {
	if len(selector) == 0 {
		return Plan{FullScan: true, Residual: Selector{}}
	}

	residual := Selector{}
	fieldResults := map[string]IndexQueryResult{}
	var andResult *andPlanResult
	var orResult *orPlanResult

	for key, expr := range selector {
		switch key {
		case "$and":
			sub := planAndSlice(expr, reg, total)
			andResult = &sub
			if len(sub.residual) > 0 {
				residual["$and"] = sub.residual
			}
		case "$or":
			sub := planOrSlice(expr, reg, total)
			if sub.optimizable {
				orResult = &sub
			} else {
				residual["$or"] = expr
			}
		default:
			result, consumed := planField(key, expr, reg, total)
			if consumed {
				fieldResults[key] = result
			} else {
				residual[key] = expr
			}
		}
	}

	// Intersect optimizable fields smallest-set-first (ties broken
	// lexically by field name), per the tie-break recorded in §9: starting
	// from the smallest candidate set minimizes the work done by every
	// subsequent intersection.
	var candidates map[int]bool
	haveCandidates := false
	for {
		field, result, found := smallestOf(fieldResults)
		if !found {
			break
		}
		delete(fieldResults, field)
		candidates, haveCandidates = intersectOrInit(candidates, haveCandidates, result.Positions)
	}

	if andResult != nil && andResult.matched {
		candidates, haveCandidates = intersectOrInit(candidates, haveCandidates, andResult.positions)
	}
	if orResult != nil {
		candidates, haveCandidates = intersectOrInit(candidates, haveCandidates, orResult.positions)
	}

	if !haveCandidates {
		return Plan{FullScan: true, Residual: selectorOrFull(residual, selector)}
	}
	return Plan{Candidates: candidates, Residual: residual}
}

func selectorOrFull(residual, original Selector) Selector {
	if len(residual) == 0 {
		return Selector{}
	}
	return residual
}

func intersectOrInit(cur map[int]bool, have bool, next map[int]bool) (map[int]bool, bool) {
	if !have {
		return copyPositions(next), true
	}
	out := map[int]bool{}
	for pos := range cur {
		if next[pos] {
			out[pos] = true
		}
	}
	return out, true
}

type andPlanResult struct {
	matched   bool
	positions map[int]bool
	residual  []interface{}
}

// planAndSlice plans each branch of a $and independently and intersects
// whatever branches were optimizable; unoptimizable branches are kept,
// verbatim, in the residual $and list.
func planAndSlice(expr interface{}, reg *Registry, total int) andPlanResult {
	branches := toSelectorSlice(expr)
	var positions map[int]bool
	have := false
	var residual []interface{}
	for _, branch := range branches {
		p := planQuery(branch, reg, total)
		if !p.FullScan {
			positions, have = intersectOrInit(positions, have, p.Candidates)
			if len(p.Residual) > 0 {
				residual = append(residual, p.Residual)
			}
		} else {
			residual = append(residual, branch)
		}
	}
	return andPlanResult{matched: have, positions: positions, residual: residual}
}

// orPlanResult is the outcome of planning a $or's branches: optimizable
// only when every branch itself planned to an exact candidate set, since a
// single full-scan branch means the disjunction as a whole cannot be
// characterized without evaluating every document.
type orPlanResult struct {
	optimizable bool
	positions   map[int]bool
}

// planOrSlice plans each branch of a $or independently and unions their
// candidate sets. Per §4.2, if any branch is not optimizable the whole
// disjunction is not optimizable — unlike $and, a single un-indexable
// branch cannot be dropped into a residual alongside a partial union
// without risking false negatives.
func planOrSlice(expr interface{}, reg *Registry, total int) orPlanResult {
	branches := toSelectorSlice(expr)
	if len(branches) == 0 {
		return orPlanResult{optimizable: false}
	}
	positions := map[int]bool{}
	for _, branch := range branches {
		p := planQuery(branch, reg, total)
		if p.FullScan || len(p.Residual) > 0 {
			return orPlanResult{optimizable: false}
		}
		for pos := range p.Candidates {
			positions[pos] = true
		}
	}
	return orPlanResult{optimizable: true, positions: positions}
}

// planField attempts to fully resolve a single field expression from the
// index registry. It only reports consumed=true when the index result is
// an exact, safe characterization of the constraint; anything it cannot
// prove exact is left for residual Match evaluation.
//
// The id-index (Registry.PositionByID) is mandatory and always present, so
// the "id" field is resolved against it directly rather than through the
// opt-in secondary-index map, per §4.2's fast-path requirement.
func planField(field string, expr interface{}, reg *Registry, total int) (IndexQueryResult, bool) {
	if field == "id" {
		return planIDField(expr, reg)
	}

	if !reg.HasIndex(field) {
		return IndexQueryResult{}, false
	}

	switch v := expr.(type) {
	case Document:
		return planFieldOps(field, v, reg, total)
	case map[string]interface{}:
		return planFieldOps(field, Document(v), reg, total)
	default:
		// Null equality also matches absent fields, and a regex is a
		// pattern: neither maps onto a single bucket.
		if v == nil || isRegexValue(v) {
			return IndexQueryResult{}, false
		}
		return reg.QueryEquality(field, v), true
	}
}

// planIDField resolves an {id: x} or {id: {$eq: x}} expression to at most
// one position via Registry.PositionByID, bypassing the per-field index
// map entirely.
func planIDField(expr interface{}, reg *Registry) (IndexQueryResult, bool) {
	switch v := expr.(type) {
	case Document:
		return planIDFieldOps(v, reg)
	case map[string]interface{}:
		return planIDFieldOps(Document(v), reg)
	default:
		if isRegexValue(v) {
			return IndexQueryResult{}, false
		}
		return idPosition(reg, v), true
	}
}

func planIDFieldOps(ops Document, reg *Registry) (IndexQueryResult, bool) {
	if len(ops) != 1 {
		return IndexQueryResult{}, false
	}
	for op, arg := range ops {
		if op != "$eq" {
			return IndexQueryResult{}, false
		}
		return idPosition(reg, arg), true
	}
	return IndexQueryResult{}, false
}

func idPosition(reg *Registry, id interface{}) IndexQueryResult {
	pos, ok := reg.PositionByID(id)
	if !ok {
		return IndexQueryResult{Matched: true, Positions: map[int]bool{}}
	}
	return IndexQueryResult{Matched: true, Positions: map[int]bool{pos: true}}
}

func isRegexValue(v interface{}) bool {
	_, ok := v.(interface{ MatchString(string) bool })
	return ok
}

func planFieldOps(field string, ops Document, reg *Registry, total int) (IndexQueryResult, bool) {
	if len(ops) != 1 {
		return IndexQueryResult{}, false
	}
	for op, arg := range ops {
		operands := []interface{}{arg}
		if set, ok := arg.([]interface{}); ok {
			operands = set
		}
		for _, v := range operands {
			if v == nil || isRegexValue(v) {
				return IndexQueryResult{}, false
			}
		}
		switch op {
		case "$in":
			set, ok := arg.([]interface{})
			if !ok {
				return IndexQueryResult{}, false
			}
			return reg.QueryIn(field, set), true
		case "$nin":
			set, ok := arg.([]interface{})
			if !ok {
				return IndexQueryResult{}, false
			}
			return reg.QueryNotIn(field, set, total), true
		case "$exists":
			want, ok := arg.(bool)
			if !ok || want {
				return IndexQueryResult{}, false
			}
			return reg.QueryExistsFalse(field), true
		case "$eq":
			return reg.QueryEquality(field, arg), true
		default:
			return IndexQueryResult{}, false
		}
	}
	return IndexQueryResult{}, false
}
