// Package scheduler orders services into start layers from their dependency
// graph. A graph maps each service name to the names it depends on.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// ErrUnknownDependency is returned when a graph references a service that is
// not one of its keys.
var ErrUnknownDependency = errors.New("unknown dependency")

// CycleError reports a dependency cycle. Cycle starts and ends with the same
// service, e.g. [a b c a].
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// Schedule groups services into layers. Every service lands in a strictly
// later layer than all of its dependencies, and each layer is sorted by name,
// so the same graph always yields the same layers.
func Schedule(graph map[string][]string) ([][]string, error) {
	if err := checkKnown(graph); err != nil {
		return nil, err
	}

	remaining := make(map[string]map[string]struct{}, len(graph))
	for name, deps := range graph {
		set := make(map[string]struct{}, len(deps))
		for _, d := range deps {
			set[d] = struct{}{}
		}
		remaining[name] = set
	}

	var layers [][]string
	for len(remaining) > 0 {
		var layer []string
		for name, deps := range remaining {
			if len(deps) == 0 {
				layer = append(layer, name)
			}
		}
		if len(layer) == 0 {
			return nil, &CycleError{Cycle: findCycle(graph, lo.Keys(remaining))}
		}
		sort.Strings(layer)

		for _, name := range layer {
			delete(remaining, name)
		}
		for _, deps := range remaining {
			for _, name := range layer {
				delete(deps, name)
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// Dependents returns every service that transitively depends on name, sorted.
func Dependents(graph map[string][]string, name string) []string {
	reverse := make(map[string][]string)
	for svc, deps := range graph {
		for _, d := range deps {
			reverse[d] = append(reverse[d], svc)
		}
	}

	seen := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range reverse[cur] {
			if !seen[dep] && dep != name {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	out := lo.Keys(seen)
	sort.Strings(out)
	return out
}

// Subgraph returns the part of graph reachable from names through
// dependencies, i.e. the named services plus everything they need.
func Subgraph(graph map[string][]string, names []string) (map[string][]string, error) {
	out := make(map[string][]string)
	queue := append([]string(nil), names...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, done := out[cur]; done {
			continue
		}
		deps, ok := graph[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDependency, cur)
		}
		out[cur] = append([]string(nil), deps...)
		queue = append(queue, deps...)
	}
	return out, nil
}

func checkKnown(graph map[string][]string) error {
	names := lo.Keys(graph)
	sort.Strings(names)
	for _, name := range names {
		for _, d := range graph[name] {
			if _, ok := graph[d]; !ok {
				return fmt.Errorf("%w: %q depends on %q", ErrUnknownDependency, name, d)
			}
		}
	}
	return nil
}

// findCycle walks from the smallest unscheduled service, always following the
// smallest unscheduled dependency, until a service repeats.
func findCycle(graph map[string][]string, candidates []string) []string {
	sort.Strings(candidates)
	inSet := lo.SliceToMap(candidates, func(s string) (string, bool) { return s, true })

	path := []string{candidates[0]}
	index := map[string]int{candidates[0]: 0}
	for {
		cur := path[len(path)-1]
		deps := lo.Filter(graph[cur], func(d string, _ int) bool { return inSet[d] })
		sort.Strings(deps)
		// every unscheduled node keeps at least one unscheduled dependency
		next := deps[0]
		if i, ok := index[next]; ok {
			return append(append([]string(nil), path[i:]...), next)
		}
		index[next] = len(path)
		path = append(path, next)
	}
}
