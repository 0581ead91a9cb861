package reactivedb

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// Selector is a tree of field predicates and logical combinators. It is a
// plain Document: selectors are pure values, they do not own documents.
type Selector = Document

// WherePredicate is a named, registered Go predicate. $where is restricted
// to this registry rather than an arbitrary closure, per the documented
// limitation on portable $where/$expr support.
type WherePredicate func(Document) bool

var (
	wherePredicatesMu sync.RWMutex
	wherePredicates   = map[string]WherePredicate{}
)

// RegisterWherePredicate makes a named predicate available to selectors of
// the form {"$where": "name"}.
func RegisterWherePredicate(name string, fn WherePredicate) {
	wherePredicatesMu.Lock()
	defer wherePredicatesMu.Unlock()
	wherePredicates[name] = fn
}

func lookupWherePredicate(name string) (WherePredicate, bool) {
	wherePredicatesMu.RLock()
	defer wherePredicatesMu.RUnlock()
	fn, ok := wherePredicates[name]
	return fn, ok
}

// toSelectorDocument validates and converts an arbitrary selector argument
// into a Selector. A nil, boolean, or otherwise non-object root is rejected
// with ErrInvalidSelector, matching the boundary behavior that
// removeMany(null|undefined|false) must fail synchronously.
func toSelectorDocument(sel interface{}) (Selector, error) {
	switch v := sel.(type) {
	case nil:
		return nil, fmt.Errorf("selector is nil: %w", ErrInvalidSelector)
	case Document:
		return v, nil
	case map[string]interface{}:
		return Document(v), nil
	default:
		return nil, fmt.Errorf("selector must be an object, got %T: %w", sel, ErrInvalidSelector)
	}
}

// Match reports whether doc satisfies selector, per the selector semantics
// in the evaluator's contract: a conjunction of top-level keys unless a
// logical operator is present; dot-notated field references traverse
// arrays element-wise.
func Match(doc Document, selector Selector) bool {
	for key, expr := range selector {
		if !matchTopLevel(doc, key, expr) {
			return false
		}
	}
	return true
}

func matchTopLevel(doc Document, key string, expr interface{}) bool {
	switch key {
	case "$and":
		for _, s := range toSelectorSlice(expr) {
			if !Match(doc, s) {
				return false
			}
		}
		return true
	case "$or":
		subs := toSelectorSlice(expr)
		if len(subs) == 0 {
			return true
		}
		for _, s := range subs {
			if Match(doc, s) {
				return true
			}
		}
		return false
	case "$nor":
		for _, s := range toSelectorSlice(expr) {
			if Match(doc, s) {
				return false
			}
		}
		return true
	case "$where":
		name, _ := expr.(string)
		fn, ok := lookupWherePredicate(name)
		return ok && fn(doc)
	case "$expr":
		if sub, ok := expr.(Document); ok {
			return Match(doc, sub)
		}
		if sub, ok := expr.(map[string]interface{}); ok {
			return Match(doc, Document(sub))
		}
		return false
	case "$text":
		return matchText(doc, expr)
	default:
		return matchField(doc, key, expr)
	}
}

func toSelectorSlice(expr interface{}) []Selector {
	raw, _ := expr.([]interface{})
	out := make([]Selector, 0, len(raw))
	for _, e := range raw {
		switch v := e.(type) {
		case Document:
			out = append(out, v)
		case map[string]interface{}:
			out = append(out, Document(v))
		}
	}
	return out
}

func matchField(doc Document, path string, expr interface{}) bool {
	values, exists := resolvePath(doc, strings.Split(path, "."))

	if not, ok := expr.(Document); ok {
		if inv, hasNot := not["$not"]; hasNot && len(not) == 1 {
			return !matchField(doc, path, inv)
		}
		if isOperatorMap(not) {
			for op, arg := range not {
				if !matchOperator(values, exists, op, arg) {
					return false
				}
			}
			return true
		}
		return matchEquality(values, exists, not)
	}
	if not, ok := expr.(map[string]interface{}); ok {
		return matchField(doc, path, Document(not))
	}
	if re, ok := expr.(*regexp.Regexp); ok {
		return matchRegex(values, re)
	}
	return matchEquality(values, exists, expr)
}

func isOperatorMap(m Document) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// resolvePath traverses doc along the dot-separated path. Encountering an
// array mid-path fans out: the remaining segments are resolved against
// every element and the results are unioned, matching MongoDB's
// element-wise array semantics. A purely numeric segment against an array
// indexes into it instead of fanning out.
func resolvePath(v interface{}, segments []string) (values []interface{}, exists bool) {
	if len(segments) == 0 {
		return []interface{}{v}, true
	}
	seg := segments[0]
	rest := segments[1:]

	switch t := v.(type) {
	case Document:
		return resolvePath(map[string]interface{}(t), segments)
	case map[string]interface{}:
		child, ok := t[seg]
		if !ok {
			return nil, false
		}
		return resolvePath(child, rest)
	case []interface{}:
		if idx, err := strconv.Atoi(seg); err == nil {
			if idx < 0 || idx >= len(t) {
				return nil, false
			}
			return resolvePath(t[idx], rest)
		}
		var out []interface{}
		found := false
		for _, elem := range t {
			vals, ok := resolvePath(elem, segments)
			if ok {
				found = true
				out = append(out, vals...)
			}
		}
		return out, found
	default:
		return nil, false
	}
}

func matchEquality(values []interface{}, exists bool, expr interface{}) bool {
	if expr == nil {
		if !exists {
			return true
		}
		for _, v := range values {
			if v == nil {
				return true
			}
		}
		return false
	}
	if !exists {
		return false
	}
	for _, v := range values {
		if compareEqual(v, expr) {
			return true
		}
		if arr, ok := v.([]interface{}); ok && containsEqual(arr, expr) {
			return true
		}
	}
	return false
}

func compareEqual(a, b interface{}) bool {
	if re, ok := b.(*regexp.Regexp); ok {
		return matchesRegexValue(a, re)
	}
	return canonicalEqual(a, b)
}

func matchRegex(values []interface{}, re *regexp.Regexp) bool {
	for _, v := range values {
		if matchesRegexValue(v, re) {
			return true
		}
	}
	return false
}

func matchesRegexValue(v interface{}, re *regexp.Regexp) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return re.MatchString(s)
}

func matchOperator(values []interface{}, exists bool, op string, arg interface{}) bool {
	switch op {
	case "$eq":
		return matchEquality(values, exists, arg)
	case "$ne":
		return !matchEquality(values, exists, arg)
	case "$gt":
		return anyCompare(values, arg, func(c int) bool { return c > 0 })
	case "$gte":
		return anyCompare(values, arg, func(c int) bool { return c >= 0 })
	case "$lt":
		return anyCompare(values, arg, func(c int) bool { return c < 0 })
	case "$lte":
		return anyCompare(values, arg, func(c int) bool { return c <= 0 })
	case "$in":
		set, _ := arg.([]interface{})
		if !exists {
			for _, s := range set {
				if s == nil {
					return true
				}
			}
			return false
		}
		for _, v := range values {
			arr, isArr := v.([]interface{})
			for _, s := range set {
				if compareEqual(v, s) || (isArr && containsEqual(arr, s)) {
					return true
				}
			}
		}
		return false
	case "$nin":
		return !matchOperator(values, exists, "$in", arg)
	case "$exists":
		want, _ := arg.(bool)
		return exists == want
	case "$regex":
		re, err := compileRegex(arg)
		if err != nil {
			return false
		}
		return matchRegex(values, re)
	case "$options":
		return true // consumed together with $regex by the caller
	case "$mod":
		return matchMod(values, arg)
	case "$all":
		return matchAll(values, arg)
	case "$elemMatch":
		return matchElemMatch(values, arg)
	case "$size":
		return matchSize(values, arg)
	case "$type":
		return matchType(values, arg)
	default:
		return false
	}
}

func compileRegex(arg interface{}) (*regexp.Regexp, error) {
	if re, ok := arg.(*regexp.Regexp); ok {
		return re, nil
	}
	pattern, _ := arg.(string)
	return regexp.Compile(pattern)
}

// anyCompare applies cmp to every resolved value against arg using
// orderedCompare, matching if any element satisfies the relation.
// Non-comparable pairs (different kinds: string vs number) never match,
// and NaN never compares true against anything, including itself.
func anyCompare(values []interface{}, arg interface{}, ok func(int) bool) bool {
	for _, v := range values {
		if c, comparable := orderedCompare(v, arg); comparable && ok(c) {
			return true
		}
	}
	return false
}

// orderedCompare returns (-1|0|1, true) when a and b are of comparable
// kinds (both numeric, both strings, or both times), or (0, false)
// otherwise; booleans are not ordered. NaN is never comparable.
func orderedCompare(a, b interface{}) (int, bool) {
	af, aIsNum := asFloat(a)
	bf, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		if math.IsNaN(af) || math.IsNaN(bf) {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(as, bs), true
	}
	at, aIsTime := asTime(a)
	bt, bIsTime := asTime(b)
	if aIsTime && bIsTime {
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func matchMod(values []interface{}, arg interface{}) bool {
	pair, ok := arg.([]interface{})
	if !ok || len(pair) != 2 {
		return false
	}
	divisor, ok1 := asFloat(pair[0])
	remainder, ok2 := asFloat(pair[1])
	if !ok1 || !ok2 || divisor == 0 {
		return false
	}
	for _, v := range values {
		n, ok := asFloat(v)
		if !ok {
			continue
		}
		if math.Mod(n, divisor) == remainder {
			return true
		}
	}
	return false
}

func matchAll(values []interface{}, arg interface{}) bool {
	want, ok := arg.([]interface{})
	if !ok {
		return false
	}
	for _, w := range want {
		found := false
		for _, v := range values {
			arr, isArr := v.([]interface{})
			if compareEqual(v, w) || (isArr && containsEqual(arr, w)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchElemMatch(values []interface{}, arg interface{}) bool {
	var sub Selector
	switch v := arg.(type) {
	case Document:
		sub = v
	case map[string]interface{}:
		sub = Document(v)
	default:
		return false
	}
	// $elemMatch applies to the array field itself, not to its
	// already-fanned-out scalar elements, so re-derive the raw slice.
	for _, v := range values {
		if arr, ok := v.([]interface{}); ok {
			for _, elem := range arr {
				if d, ok := elem.(Document); ok && Match(d, sub) {
					return true
				}
				if d, ok := elem.(map[string]interface{}); ok && Match(Document(d), sub) {
					return true
				}
				if isOperatorMap(sub) && matchOperatorSet(elem, sub) {
					return true
				}
			}
		}
	}
	return false
}

func matchOperatorSet(v interface{}, ops Selector) bool {
	for op, arg := range ops {
		if !matchOperator([]interface{}{v}, true, op, arg) {
			return false
		}
	}
	return true
}

func matchSize(values []interface{}, arg interface{}) bool {
	want, ok := asFloat(arg)
	if !ok {
		return false
	}
	for _, v := range values {
		if arr, ok := v.([]interface{}); ok && float64(len(arr)) == want {
			return true
		}
	}
	return false
}

func matchType(values []interface{}, arg interface{}) bool {
	wantName, _ := arg.(string)
	for _, v := range values {
		if bsonTypeName(v) == wantName {
			return true
		}
	}
	return false
}

func bsonTypeName(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case []interface{}:
		return "array"
	case Document, map[string]interface{}:
		return "object"
	default:
		if _, ok := asFloat(val); ok {
			return "number"
		}
		if _, ok := asTime(val); ok {
			return "date"
		}
		return "unknown"
	}
}

// matchText matches expr (a query string) against the whole document's
// stringification, case-insensitive, with combining marks ignored (see
// foldText), per the $text operator.
func matchText(doc Document, expr interface{}) bool {
	query, _ := expr.(string)
	if query == "" {
		return true
	}
	haystack := foldText(stringifyDocument(doc))
	for _, term := range strings.Fields(query) {
		if strings.Contains(haystack, foldText(term)) {
			return true
		}
	}
	return false
}

func stringifyDocument(doc Document) string {
	var sb strings.Builder
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%v ", doc[k])
	}
	return sb.String()
}

// foldText lower-cases and strips combining marks (Unicode category Mn).
// Text is not normalized first, so a decomposed accent ("e" plus U+0301)
// folds to its unaccented letter, while a precomposed character such as
// U+00E9 is kept as is and does not compare equal to "e".
func foldText(s string) string {
	s = strings.ToLower(s)
	var sb strings.Builder
	for _, r := range s {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
