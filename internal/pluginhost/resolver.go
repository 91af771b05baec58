package pluginhost

import (
	"fmt"
	"sort"
	"strings"

	"OpenOrch/pkg/plugin"
)

// ResolveResult is the outcome of dependency resolution. Ordered is a valid
// topological order over the acyclic plugins; Cyclic lists cycle members in
// name order; Warnings records dependencies on plugins absent from the load
// set.
type ResolveResult struct {
	Ordered  []string
	Cyclic   []string
	Warnings []plugin.Warning
}

// ResolveOrder computes the initialization order for the given dependency
// declarations (plugin name to the names it must initialize after) using
// Kahn's algorithm. A dependency naming an absent plugin contributes no
// edge and is downgraded to a warning: the dependent still loads, just
// without an ordering guarantee. Ties among ready plugins break by name, so
// the order is deterministic for a given input.
func ResolveOrder(deps map[string][]string) ResolveResult {
	var res ResolveResult

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	inDegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, name := range names {
		inDegree[name] = 0
	}

	for _, name := range names {
		seen := make(map[string]struct{})
		for _, dep := range deps[name] {
			dep = strings.ToLower(strings.TrimSpace(dep))
			if dep == "" {
				continue
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			if _, present := inDegree[dep]; !present {
				res.Warnings = append(res.Warnings, plugin.Warning{
					Field:   name,
					Message: fmt.Sprintf("plugin %q depends on %q which is not loaded; no ordering guarantee", name, dep),
				})
				continue
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	ready := make([]string, 0, len(names))
	for _, name := range names {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		res.Ordered = append(res.Ordered, next)
		for _, dependent := range dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(res.Ordered) < len(names) {
		ordered := make(map[string]struct{}, len(res.Ordered))
		for _, name := range res.Ordered {
			ordered[name] = struct{}{}
		}
		for _, name := range names {
			if _, ok := ordered[name]; !ok {
				res.Cyclic = append(res.Cyclic, name)
			}
		}
	}

	return res
}
