package reactivedb

import (
	"fmt"
	"sort"
	"time"
)

// Modifier is a record of top-level operators mapping to field paths
// (dot-notation supported). Modifiers are pure values applied to a deep
// clone of the target document; the original is never mutated in place.
type Modifier = Document

var knownModifierOps = map[string]bool{
	"$set": true, "$unset": true, "$inc": true, "$mul": true, "$rename": true,
	"$min": true, "$max": true, "$currentDate": true, "$push": true,
	"$pull": true, "$pullAll": true, "$addToSet": true, "$pop": true,
	"$setOnInsert": true,
}

// ModifyOptions configures a single Modify call.
type ModifyOptions struct {
	// IsUpsert indicates modify is being applied to synthesize an insert
	// (updateOne/updateMany with upsert and no match). $setOnInsert only
	// takes effect when this is true.
	IsUpsert bool
}

// Modify applies modifier to a deep clone of doc and returns the result.
// Unknown top-level operators fail with ErrInvalidModifier; the original
// document is left untouched.
func Modify(doc Document, modifier Modifier, opts ModifyOptions) (Document, error) {
	for op := range modifier {
		if !knownModifierOps[op] {
			return nil, fmt.Errorf("unknown modifier operator %q: %w", op, ErrInvalidModifier)
		}
	}

	result := cloneDocument(doc)

	if fields, ok := modifier["$set"].(Document); ok {
		applySet(result, fields)
	} else if fields, ok := modifier["$set"].(map[string]interface{}); ok {
		applySet(result, Document(fields))
	}

	for _, path := range unsetPaths(modifier["$unset"]) {
		unsetPath(result, path)
	}

	if err := applyNumericOp(result, modifier["$inc"], func(cur, delta float64) float64 { return cur + delta }); err != nil {
		return nil, err
	}
	if err := applyNumericOp(result, modifier["$mul"], func(cur, delta float64) float64 { return cur * delta }); err != nil {
		return nil, err
	}
	if err := applyExtremum(result, modifier["$min"], func(c int) bool { return c > 0 }); err != nil { // replace if current > new
		return nil, err
	}
	if err := applyExtremum(result, modifier["$max"], func(c int) bool { return c < 0 }); err != nil { // replace if current < new
		return nil, err
	}
	applyCurrentDate(result, modifier["$currentDate"])
	applyRename(result, modifier["$rename"])

	applyPush(result, modifier["$push"])
	applyAddToSet(result, modifier["$addToSet"])
	applyPullAll(result, modifier["$pullAll"])
	applyPull(result, modifier["$pull"])
	applyPop(result, modifier["$pop"])

	if opts.IsUpsert {
		if fields, ok := modifier["$setOnInsert"].(Document); ok {
			for path, v := range fields {
				if _, exists := getPath(result, path); !exists {
					setPath(result, path, v)
				}
			}
		}
	}

	return result, nil
}

func fieldMap(v interface{}) Document {
	switch t := v.(type) {
	case Document:
		return t
	case map[string]interface{}:
		return Document(t)
	default:
		return nil
	}
}

func applySet(doc Document, fields Document) {
	paths := sortedKeys(fields)
	for _, path := range paths {
		setPath(doc, path, fields[path])
	}
}

func unsetPaths(v interface{}) []string {
	fields := fieldMap(v)
	paths := make([]string, 0, len(fields))
	for path := range fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func applyNumericOp(doc Document, v interface{}, combine func(cur, delta float64) float64) error {
	fields := fieldMap(v)
	for _, path := range sortedKeys(fields) {
		delta, ok := asFloat(fields[path])
		if !ok {
			return fmt.Errorf("modifier value for %q is not numeric: %w", path, ErrInvalidModifier)
		}
		cur := 0.0
		if existing, ok := getPath(doc, path); ok {
			if n, ok := asFloat(existing); ok {
				cur = n
			}
		}
		setPath(doc, path, combine(cur, delta))
	}
	return nil
}

// applyExtremum implements $min/$max: replace the field when the relation
// built from orderedCompare(current, new) holds for wantReplace.
func applyExtremum(doc Document, v interface{}, wantReplace func(c int) bool) error {
	fields := fieldMap(v)
	for _, path := range sortedKeys(fields) {
		newVal := fields[path]
		cur, exists := getPath(doc, path)
		if !exists {
			setPath(doc, path, newVal)
			continue
		}
		if c, ok := orderedCompare(cur, newVal); ok && wantReplace(c) {
			setPath(doc, path, newVal)
		}
	}
	return nil
}

func applyCurrentDate(doc Document, v interface{}) {
	fields := fieldMap(v)
	now := time.Now().UTC()
	for _, path := range sortedKeys(fields) {
		switch val := fields[path].(type) {
		case bool:
			if val {
				setPath(doc, path, now)
			}
		case Document:
			if t, _ := val["$type"].(string); t == "timestamp" {
				setPath(doc, path, now)
			} else {
				setPath(doc, path, now)
			}
		default:
			setPath(doc, path, now)
		}
	}
}

func applyRename(doc Document, v interface{}) {
	fields := fieldMap(v)
	for _, from := range sortedKeys(fields) {
		to, _ := fields[from].(string)
		if to == "" {
			continue
		}
		val, exists := getPath(doc, from)
		if !exists {
			continue
		}
		unsetPath(doc, from)
		setPath(doc, to, val)
	}
}

func applyPush(doc Document, v interface{}) {
	fields := fieldMap(v)
	for _, path := range sortedKeys(fields) {
		arr := arrayAt(doc, path)
		spec := fields[path]
		if each, ok := pushEach(spec); ok {
			arr = append(arr, each...)
		} else {
			arr = append(arr, spec)
		}
		setPath(doc, path, arr)
	}
}

// pushEach recognizes the {$each: [...]} modifier form accepted by $push
// and $addToSet.
func pushEach(spec interface{}) ([]interface{}, bool) {
	d := fieldMap(spec)
	if d == nil {
		return nil, false
	}
	each, ok := d["$each"].([]interface{})
	return each, ok
}

func applyAddToSet(doc Document, v interface{}) {
	fields := fieldMap(v)
	for _, path := range sortedKeys(fields) {
		arr := arrayAt(doc, path)
		var additions []interface{}
		if each, ok := pushEach(fields[path]); ok {
			additions = each
		} else {
			additions = []interface{}{fields[path]}
		}
		for _, add := range additions {
			if !containsEqual(arr, add) {
				arr = append(arr, add)
			}
		}
		setPath(doc, path, arr)
	}
}

func applyPullAll(doc Document, v interface{}) {
	fields := fieldMap(v)
	for _, path := range sortedKeys(fields) {
		remove, _ := fields[path].([]interface{})
		arr := arrayAt(doc, path)
		out := arr[:0:0]
		for _, elem := range arr {
			if !containsEqual(remove, elem) {
				out = append(out, elem)
			}
		}
		setPath(doc, path, out)
	}
}

func applyPull(doc Document, v interface{}) {
	fields := fieldMap(v)
	for _, path := range sortedKeys(fields) {
		spec := fields[path]
		arr := arrayAt(doc, path)
		out := arr[:0:0]
		for _, elem := range arr {
			if matchesPullSpec(elem, spec) {
				continue
			}
			out = append(out, elem)
		}
		setPath(doc, path, out)
	}
}

func matchesPullSpec(elem, spec interface{}) bool {
	if sub := fieldMap(spec); sub != nil {
		if isOperatorMap(sub) {
			return matchOperatorSet(elem, sub)
		}
		if d, ok := elem.(Document); ok {
			return Match(d, sub)
		}
		if d, ok := elem.(map[string]interface{}); ok {
			return Match(Document(d), sub)
		}
		return false
	}
	return compareEqual(elem, spec)
}

func applyPop(doc Document, v interface{}) {
	fields := fieldMap(v)
	for _, path := range sortedKeys(fields) {
		dir, _ := asFloat(fields[path])
		arr := arrayAt(doc, path)
		if len(arr) == 0 {
			continue
		}
		if dir < 0 {
			arr = arr[1:]
		} else {
			arr = arr[:len(arr)-1]
		}
		setPath(doc, path, arr)
	}
}

func arrayAt(doc Document, path string) []interface{} {
	v, ok := getPath(doc, path)
	if !ok {
		return []interface{}{}
	}
	arr, _ := v.([]interface{})
	return arr
}

func containsEqual(arr []interface{}, v interface{}) bool {
	for _, e := range arr {
		if compareEqual(e, v) {
			return true
		}
	}
	return false
}

func sortedKeys(m Document) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
