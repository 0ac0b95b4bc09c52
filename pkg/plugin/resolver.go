package plugin

import (
	"container/heap"
	"sort"

	"PluginRuntime/pkg/semver"
)

// Resolver orders an enabled set so every dependency activates before its
// dependents.
type Resolver struct {
	// Environment maps subsystem names (for example "go" or "host") to their
	// installed versions. Requirement keys found here are checked against the
	// environment instead of being treated as plugin slugs.
	Environment map[string]string
}

// Resolve orders enabled using a Resolver without environment requirements.
func Resolve(metadata map[string]Metadata, enabled []string) ([]string, error) {
	return Resolver{}.Resolve(metadata, enabled)
}

// Resolve validates every declared dependency of the enabled set and
// returns a valid activation order. When several plugins are ready at the
// same time the one listed first in enabled wins, so a set without
// dependencies comes back unchanged.
func (r Resolver) Resolve(metadata map[string]Metadata, enabled []string) ([]string, error) {
	slugs := make([]string, 0, len(enabled))
	index := make(map[string]int, len(enabled))
	for _, slug := range enabled {
		if _, dup := index[slug]; dup {
			continue
		}
		index[slug] = len(slugs)
		slugs = append(slugs, slug)
	}

	dependents := make([][]int, len(slugs))
	inDegree := make([]int, len(slugs))

	for i, slug := range slugs {
		meta, ok := metadata[slug]
		if !ok {
			return nil, &DependencyError{Kind: DependencyMissing, Slug: slug, Dependency: slug}
		}
		for _, dep := range sortedKeys(meta.Requires) {
			constraint := meta.Requires[dep]
			if installed, ok := r.Environment[dep]; ok {
				if !semver.Satisfies(installed, constraint) {
					return nil, &DependencyError{
						Kind:       DependencyVersionMismatch,
						Slug:       slug,
						Dependency: dep,
						Constraint: constraint,
						Installed:  installed,
					}
				}
				continue
			}
			if dep == slug {
				return nil, &DependencyError{Kind: DependencyCycle, Slug: slug, Cycle: []string{slug}}
			}
			j, ok := index[dep]
			if !ok {
				return nil, &DependencyError{Kind: DependencyMissing, Slug: slug, Dependency: dep, Constraint: constraint}
			}
			installed := metadata[dep].Version
			if !semver.Satisfies(installed, constraint) {
				return nil, &DependencyError{
					Kind:       DependencyVersionMismatch,
					Slug:       slug,
					Dependency: dep,
					Constraint: constraint,
					Installed:  installed,
				}
			}
			dependents[j] = append(dependents[j], i)
			inDegree[i]++
		}
	}

	ready := &indexHeap{}
	for i := range slugs {
		if inDegree[i] == 0 {
			heap.Push(ready, i)
		}
	}
	order := make([]string, 0, len(slugs))
	for ready.Len() > 0 {
		current := heap.Pop(ready).(int)
		order = append(order, slugs[current])
		for _, next := range dependents[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(order) < len(slugs) {
		var cycle []string
		for i, slug := range slugs {
			if inDegree[i] > 0 {
				cycle = append(cycle, slug)
			}
		}
		return nil, &DependencyError{Kind: DependencyCycle, Slug: cycle[0], Cycle: cycle}
	}
	return order, nil
}

// Dependencies lists the plugin slugs meta depends on, excluding
// environment requirements.
func (r Resolver) Dependencies(meta Metadata) []string {
	var deps []string
	for _, dep := range sortedKeys(meta.Requires) {
		if _, env := r.Environment[dep]; env {
			continue
		}
		deps = append(deps, dep)
	}
	return deps
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// indexHeap is a min-heap of positions in the enabled list.
type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *indexHeap) Push(x any) { *h = append(*h, x.(int)) }

func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
