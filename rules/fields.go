package rules

import (
	"strconv"
	"strings"
)

// reservedSegments are path segments that terminate resolution immediately.
// They exist so that rule definitions ported from dynamic-language systems
// can never be used to walk anything but the context's own entries.
var reservedSegments = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// resolveField walks a dotted path through nested maps and slices. The
// second return is false when any segment is missing, reserved, or applied
// to a value that cannot be indexed. Only the context's own entries are
// followed.
func resolveField(ctx map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var current interface{} = ctx
	for _, segment := range strings.Split(path, ".") {
		if _, reserved := reservedSegments[segment]; reserved {
			return nil, false
		}
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// resolveValue interprets a leaf's comparison value. A string with a leading
// `$` is a reference to another context field; everything else is literal.
func resolveValue(ctx map[string]interface{}, value interface{}) (interface{}, bool) {
	ref, ok := value.(string)
	if !ok || !strings.HasPrefix(ref, "$") {
		return value, true
	}
	return resolveField(ctx, strings.TrimPrefix(ref, "$"))
}
