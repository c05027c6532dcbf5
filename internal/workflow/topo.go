package workflow

import "sort"

// topologicalSort orders steps honoring dependsOn, breaking ties between
// simultaneously-ready steps by lexicographic step id (spec §4.D). Returns
// ErrCyclicWorkflow if the graph isn't a DAG, ErrMissingDependency if a step
// names a dependency that doesn't exist, ErrDuplicateStepID on a repeated id.
func topologicalSort(steps []Step) ([]Step, error) {
	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		if _, dup := byID[s.ID]; dup {
			return nil, ErrDuplicateStepID
		}
		byID[s.ID] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, ErrMissingDependency
			}
		}
	}

	inDegree := make(map[string]int, len(steps))
	children := make(map[string][]string, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			children[dep] = append(children[dep], s.ID)
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var ordered []Step
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])

		next := append([]string(nil), children[id]...)
		sort.Strings(next)
		for _, childID := range next {
			inDegree[childID]--
			if inDegree[childID] == 0 {
				ready = append(ready, childID)
			}
		}
	}

	if len(ordered) != len(steps) {
		return nil, ErrCyclicWorkflow
	}
	return ordered, nil
}
