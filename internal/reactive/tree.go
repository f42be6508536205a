package reactive

import (
	"sort"
	"strings"
)

// Trees are map[string]any nodes that are never mutated once published.
// A write copies the maps along the written path and shares every other
// subtree with the previous root, so a history snapshot is just a root.

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// ancestors returns the strict prefixes of path, deepest first.
// "a.b.c" -> ["a.b", "a"].
func ancestors(path string) []string {
	var out []string
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			out = append(out, path[:i])
		}
	}
	return out
}

func getIn(node map[string]any, keys []string) any {
	var cur any = node
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[k]
		if !ok {
			return nil
		}
	}
	return cur
}

// setIn returns a copy of node with value stored at keys. Missing or
// non-map intermediates are replaced by fresh maps.
func setIn(node map[string]any, keys []string, value any) map[string]any {
	out := make(map[string]any, len(node)+1)
	for k, v := range node {
		out[k] = v
	}
	if len(keys) == 1 {
		out[keys[0]] = value
		return out
	}
	child, _ := node[keys[0]].(map[string]any)
	out[keys[0]] = setIn(child, keys[1:], value)
	return out
}

// cloneValue copies JSON-like containers so callers cannot mutate a
// published tree through a reference they still hold. Other values
// (including typed slices) are stored as given and must not be mutated.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}

// notifyOrder expands written paths into the ordered, de-duplicated list
// of paths whose subscribers must hear about the write: each written path,
// then its ancestors deepest first, then the global "" path last.
func notifyOrder(written []string) []string {
	sorted := append([]string(nil), written...)
	sort.Strings(sorted)

	seen := make(map[string]struct{}, len(sorted)*2)
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range sorted {
		if p == "" {
			continue
		}
		add(p)
		for _, a := range ancestors(p) {
			add(a)
		}
	}
	add("")
	return out
}
