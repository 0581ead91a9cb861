package reactivedb

import "strconv"

// getPath reads a dot-notated path from doc for modifier operators (as
// opposed to resolvePath's selector-matching element-wise array fan-out,
// this is a single concrete read used by $inc/$mul/$min/$max/etc.).
func getPath(doc Document, path string) (interface{}, bool) {
	segments := splitPath(path)
	var cur interface{} = doc
	for _, seg := range segments {
		switch t := cur.(type) {
		case Document:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]interface{}:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			cur = t[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setPath writes value at the dot-notated path, creating intermediate
// objects (and growing arrays) as needed. A numeric path component targets
// an array index; all other components target a map key.
func setPath(doc Document, path string, value interface{}) {
	segments := splitPath(path)
	setAt(doc, segments, value)
}

func setAt(container interface{}, segments []string, value interface{}) interface{} {
	seg := segments[0]
	last := len(segments) == 1

	if idx, err := strconv.Atoi(seg); err == nil {
		arr := asInterfaceSlice(container)
		for len(arr) <= idx {
			arr = append(arr, nil)
		}
		if last {
			arr[idx] = value
		} else {
			arr[idx] = setAt(arr[idx], segments[1:], value)
		}
		return arr
	}

	m := asMap(container)
	if last {
		m[seg] = value
		return m
	}
	child, ok := m[seg]
	if !ok || (!isContainer(child)) {
		if _, nextIsIndex := strconv.Atoi(segments[1]); nextIsIndex == nil {
			child = []interface{}{}
		} else {
			child = Document{}
		}
	}
	m[seg] = setAt(child, segments[1:], value)
	return m
}

// unsetPath removes the field at path. Unsetting an array element sets it
// to nil in place (MongoDB semantics: $unset never resizes an array).
func unsetPath(doc Document, path string) {
	segments := splitPath(path)
	unsetAt(doc, segments)
}

func unsetAt(container interface{}, segments []string) {
	seg := segments[0]
	last := len(segments) == 1

	switch t := container.(type) {
	case Document:
		unsetInMap(map[string]interface{}(t), seg, segments, last)
	case map[string]interface{}:
		unsetInMap(t, seg, segments, last)
	case []interface{}:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(t) {
			return
		}
		if last {
			t[idx] = nil
			return
		}
		unsetAt(t[idx], segments[1:])
	}
}

func unsetInMap(m map[string]interface{}, seg string, segments []string, last bool) {
	if last {
		delete(m, seg)
		return
	}
	child, ok := m[seg]
	if !ok {
		return
	}
	unsetAt(child, segments[1:])
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	segments = append(segments, path[start:])
	return segments
}

func asMap(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case Document:
		return map[string]interface{}(t)
	case map[string]interface{}:
		return t
	default:
		return map[string]interface{}{}
	}
}

func asInterfaceSlice(v interface{}) []interface{} {
	if arr, ok := v.([]interface{}); ok {
		return arr
	}
	return []interface{}{}
}

func isContainer(v interface{}) bool {
	switch v.(type) {
	case Document, map[string]interface{}, []interface{}:
		return true
	default:
		return false
	}
}
