package payload

import "strings"

// Resolve walks a dot-path such as "data.ticker" through a decoded JSON document.
// An empty path, a missing key, a non-object along the way, a list at any segment,
// or a non-scalar leaf all yield (Absent, false). Lists are never indexed.
func Resolve(doc any, path string) (Value, bool) {
	path = strings.TrimSpace(path)
	if path == "" || doc == nil {
		return Absent, false
	}

	cur := doc
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return Absent, false
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return Absent, false
		}
		next, ok := obj[seg]
		if !ok {
			return Absent, false
		}
		cur = next
	}

	v := Of(cur)
	return v, v.IsPresent()
}
