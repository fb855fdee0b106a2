package flow

import (
	"sort"
	"strings"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Validate checks the flow before any scheduling happens. It rejects
// duplicate node names, references to unknown nodes or flow inputs, illegal
// references between line and aggregation nodes, empty or dangling output
// references, and dependency cycles.
func Validate(f *Flow) error {
	if f == nil {
		return derrors.Validation("flow cannot be nil")
	}
	if len(f.Nodes) == 0 {
		return derrors.Validation("flow '%s' has no nodes", f.Name)
	}

	names := make(map[string]struct{}, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.Name == "" {
			return derrors.Validation("node name cannot be empty")
		}
		if _, dup := names[n.Name]; dup {
			return derrors.Validation("node with name '%s' appears more than once", n.Name).WithNode(n.Name)
		}
		names[n.Name] = struct{}{}
		if n.Tool == "" {
			return derrors.Validation("node '%s' does not reference a tool", n.Name).WithNode(n.Name)
		}
	}

	for _, n := range f.Nodes {
		if err := validateNodeReferences(f, n); err != nil {
			return err
		}
	}

	if err := validateOutputs(f); err != nil {
		return err
	}

	if _, err := TopologicalOrder(f.Nodes); err != nil {
		return err
	}
	return nil
}

func validateNodeReferences(f *Flow, n *Node) error {
	check := func(param string, a InputAssignment) error {
		switch a.Kind {
		case KindFlowInput:
			if _, ok := f.Inputs[a.Name]; !ok {
				return derrors.Validation("node '%s' references flow input '%s' which is not defined in the flow", n.Name, a.Name).WithNode(n.Name)
			}
		case KindNodeOutput:
			ref := f.Node(a.Name)
			if ref == nil {
				return derrors.Validation("node '%s' references node '%s' in %s which is not in the flow", n.Name, a.Name, param).WithNode(n.Name)
			}
			if ref == n {
				return derrors.Validation("node circular dependency detected: %s -> %s", n.Name, n.Name).WithNode(n.Name)
			}
			if !n.Aggregation && ref.Aggregation {
				return derrors.Validation("non-aggregation node '%s' cannot reference aggregation node '%s'", n.Name, ref.Name).WithNode(n.Name)
			}
		}
		return nil
	}

	params := make([]string, 0, len(n.Inputs))
	for p := range n.Inputs {
		params = append(params, p)
	}
	sort.Strings(params)
	for _, p := range params {
		if err := check("input '"+p+"'", n.Inputs[p]); err != nil {
			return err
		}
	}

	if n.Activate != nil {
		if err := check("activate condition", n.Activate.When); err != nil {
			return err
		}
		if n.Aggregation && n.Activate.When.IsNodeReference() {
			if ref := f.Node(n.Activate.When.Name); ref != nil && !ref.Aggregation {
				return derrors.Validation("aggregation node '%s' has an activate condition referencing non-aggregation node '%s'", n.Name, ref.Name).WithNode(n.Name)
			}
		}
	}
	return nil
}

func validateOutputs(f *Flow) error {
	for name, out := range f.Outputs {
		ref := out.Reference
		switch ref.Kind {
		case KindLiteral:
			if s, ok := ref.Value.(string); ok && s == "" {
				return derrors.Validation("the reference is not specified for the output '%s'", name)
			}
		case KindFlowInput:
			if _, ok := f.Inputs[ref.Name]; !ok {
				return derrors.Validation("output '%s' references non-existent flow input '%s'", name, ref.Name)
			}
		case KindNodeOutput:
			if f.Node(ref.Name) == nil {
				return derrors.Validation("output '%s' references non-existent node '%s'", name, ref.Name)
			}
		}
	}
	return nil
}

// TopologicalOrder sorts nodes so that every node follows its dependencies.
// References to nodes outside the given set are ignored. A cycle is reported
// with the specific path that closes it.
func TopologicalOrder(nodes []*Node) ([]*Node, error) {
	byName := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name] = n
	}

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		inDegree[n.Name] += 0
		for _, dep := range n.Dependencies() {
			if _, ok := byName[dep]; !ok {
				continue
			}
			inDegree[n.Name]++
			dependents[dep] = append(dependents[dep], n.Name)
		}
	}

	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n.Name] == 0 {
			queue = append(queue, n.Name)
		}
	}

	order := make([]*Node, 0, len(nodes))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, byName[name])
		for _, next := range dependents[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) == len(nodes) {
		return order, nil
	}

	remaining := make([]string, 0, len(nodes)-len(order))
	for name, d := range inDegree {
		if d > 0 {
			remaining = append(remaining, name)
		}
	}
	sort.Strings(remaining)
	cycle := findCycle(remaining, byName)
	return nil, derrors.Validation("node circular dependency detected: %s (nodes involved: %s)",
		strings.Join(cycle, " -> "), strings.Join(remaining, ", ")).WithNode(cycle[0])
}

// findCycle walks the unresolved nodes in name order and returns the first
// cycle found, closed by repeating its first node.
func findCycle(remaining []string, byName map[string]*Node) []string {
	inSet := make(map[string]bool, len(remaining))
	for _, name := range remaining {
		inSet[name] = true
	}

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(remaining))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = onStack
		stack = append(stack, name)
		for _, dep := range byName[name].Dependencies() {
			if !inSet[dep] {
				continue
			}
			switch state[dep] {
			case onStack:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				// Dependencies point backwards, so reverse to read in execution order.
				path := append([]string(nil), stack[start:]...)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				cycle = append(path, path[0])
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range remaining {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return remaining
}
