package graph

import (
	"fmt"

	"github.com/petrijr/weft/pkg/api"
)

// TopologicalOrder returns the nodes of def such that every edge points
// forward. Ties keep definition order, so the result is deterministic.
func TopologicalOrder(def api.WorkflowDefinition) ([]api.Node, error) {
	index := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		index[n.ID] = i
	}

	indegree := make([]int, len(def.Nodes))
	dependents := make([][]int, len(def.Nodes))
	for _, e := range def.Edges {
		from, ok := index[e.Source]
		if !ok {
			return nil, fmt.Errorf("%w: edge %s source %s", api.ErrNodeNotFound, e.ID, e.Source)
		}
		to, ok := index[e.Target]
		if !ok {
			return nil, fmt.Errorf("%w: edge %s target %s", api.ErrNodeNotFound, e.ID, e.Target)
		}
		dependents[from] = append(dependents[from], to)
		indegree[to]++
	}

	ready := make([]int, 0, len(def.Nodes))
	for i := range def.Nodes {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]api.Node, 0, len(def.Nodes))
	for len(ready) > 0 {
		// Pick the lowest index to keep definition order among ready nodes.
		best := 0
		for i := 1; i < len(ready); i++ {
			if ready[i] < ready[best] {
				best = i
			}
		}
		cur := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		out = append(out, def.Nodes[cur])

		for _, d := range dependents[cur] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(out) != len(def.Nodes) {
		return nil, api.ErrCycle
	}
	return out, nil
}
