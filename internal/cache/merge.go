package cache

import "strings"

// Merge recursively merges src into dst and returns dst. The merge is
// right-wins at leaves only: when both sides hold a map at a key the
// maps are merged, otherwise src's value replaces dst's. Subtrees are
// never dropped wholesale.
func Merge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = Merge(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}

// Set writes value at a dotted path, creating intermediate maps as
// needed. A non-map intermediate node is replaced by a map.
func Set(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Lookup reads the value at a dotted path.
func Lookup(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := any(m)
	for _, p := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
