// Package dag tracks the execution state of one line's node graph: which
// nodes are pending, ready, bypassed, failed or completed, and how node inputs
// resolve against flow inputs and upstream outputs.
//
// A Manager is owned by a single scheduler and is not safe for concurrent use.
package dag

import (
	"fmt"
	"reflect"

	"github.com/wehubfusion/Daedalus/pkg/flow"
)

// ParamDefaults reports whether a tool declares a default for a parameter.
type ParamDefaults func(toolID, param string) bool

// Option configures a Manager.
type Option func(*Manager)

// WithParamDefaults sets the lookup used to omit inputs bound to bypassed
// nodes when the tool parameter has a default.
func WithParamDefaults(fn ParamDefaults) Option {
	return func(m *Manager) { m.hasDefault = fn }
}

// Manager holds the pending, completed, bypassed and failed node sets.
type Manager struct {
	nodes      []*flow.Node
	flowInputs map[string]any
	hasDefault ParamDefaults

	pending   map[string]*flow.Node
	outputs   map[string]any
	bypassed  map[string]struct{}
	failed    map[string]struct{}
	blockedBy map[string]string
}

// New creates a Manager over a node set. Nodes referenced by the set but not
// part of it must be seeded with CompleteNodes before they count as ready.
func New(nodes []*flow.Node, flowInputs map[string]any, opts ...Option) *Manager {
	m := &Manager{
		nodes:      nodes,
		flowInputs: flowInputs,
		pending:    make(map[string]*flow.Node, len(nodes)),
		outputs:    make(map[string]any, len(nodes)),
		bypassed:   make(map[string]struct{}),
		failed:     make(map[string]struct{}),
		blockedBy:  make(map[string]string),
	}
	if m.flowInputs == nil {
		m.flowInputs = map[string]any{}
	}
	for _, n := range nodes {
		m.pending[n.Name] = n
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PopReadyNodes returns the pending nodes whose node dependencies, including
// the activate condition, are all completed or bypassed, and removes them
// from the pending set. Nodes are returned in declaration order.
func (m *Manager) PopReadyNodes() []*flow.Node {
	var ready []*flow.Node
	for _, n := range m.nodes {
		if _, ok := m.pending[n.Name]; ok && m.isReady(n) {
			ready = append(ready, n)
		}
	}
	for _, n := range ready {
		delete(m.pending, n.Name)
	}
	return ready
}

// PopBypassableNodes returns the ready nodes that must be bypassed and records
// them as bypassed. A node is bypassed when its activate condition references a
// bypassed node, when its activate condition is not met, or when every one of
// its node-reference inputs is bypassed.
func (m *Manager) PopBypassableNodes() []*flow.Node {
	var bypassed []*flow.Node
	for _, n := range m.nodes {
		if _, ok := m.pending[n.Name]; ok && m.isReady(n) && m.isBypassable(n) {
			bypassed = append(bypassed, n)
		}
	}
	for _, n := range bypassed {
		delete(m.pending, n.Name)
		m.bypassed[n.Name] = struct{}{}
	}
	return bypassed
}

// PopBlockedNodes returns the pending nodes that can never run because a
// transitive dependency failed, mapped to the name of the failed node. The
// blocked nodes are removed from the pending set.
func (m *Manager) PopBlockedNodes() map[string]string {
	blocked := make(map[string]string)
	for changed := true; changed; {
		changed = false
		for _, n := range m.nodes {
			if _, ok := m.pending[n.Name]; !ok {
				continue
			}
			for _, dep := range n.Dependencies() {
				if _, ok := m.failed[dep]; ok {
					blocked[n.Name] = dep
				} else if root, ok := m.blockedBy[dep]; ok {
					blocked[n.Name] = root
				} else {
					continue
				}
				m.blockedBy[n.Name] = blocked[n.Name]
				delete(m.pending, n.Name)
				changed = true
				break
			}
		}
	}
	return blocked
}

// CompleteNodes records node outputs and marks the nodes completed. Outputs
// for nodes outside the managed set are kept so dependents can resolve them.
func (m *Manager) CompleteNodes(outputs map[string]any) {
	for name, out := range outputs {
		m.outputs[name] = out
		delete(m.pending, name)
	}
}

// Fail marks a node as failed. Its dependents are reported by PopBlockedNodes.
func (m *Manager) Fail(name string) {
	delete(m.pending, name)
	m.failed[name] = struct{}{}
}

// Completed reports whether every managed node has either recorded an output
// or been bypassed.
func (m *Manager) Completed() bool {
	for _, n := range m.nodes {
		if _, ok := m.outputs[n.Name]; ok {
			continue
		}
		if _, ok := m.bypassed[n.Name]; ok {
			continue
		}
		return false
	}
	return true
}

// Settled reports whether no managed node is still pending or running: every
// node is completed, bypassed, failed or blocked by a failure.
func (m *Manager) Settled() bool {
	for _, n := range m.nodes {
		if !m.resolved(n.Name) {
			return false
		}
	}
	return true
}

// Pending returns the names of nodes not yet popped, in declaration order.
func (m *Manager) Pending() []string {
	var names []string
	for _, n := range m.nodes {
		if _, ok := m.pending[n.Name]; ok {
			names = append(names, n.Name)
		}
	}
	return names
}

// IsBypassed reports whether a node was bypassed.
func (m *Manager) IsBypassed(name string) bool {
	_, ok := m.bypassed[name]
	return ok
}

// Outputs returns the recorded node outputs, including seeded ones.
func (m *Manager) Outputs() map[string]any {
	out := make(map[string]any, len(m.outputs))
	for k, v := range m.outputs {
		out[k] = v
	}
	return out
}

// Resolve evaluates a single assignment against flow inputs and completed
// outputs. A reference to a bypassed node resolves to nil.
func (m *Manager) Resolve(a flow.InputAssignment) (any, error) {
	switch a.Kind {
	case flow.KindLiteral:
		return a.Value, nil
	case flow.KindFlowInput:
		v, ok := m.flowInputs[a.Name]
		if !ok {
			return nil, fmt.Errorf("flow input '%s' is not provided", a.Name)
		}
		return v, nil
	case flow.KindNodeOutput:
		if m.IsBypassed(a.Name) {
			return nil, nil
		}
		out, ok := m.outputs[a.Name]
		if !ok {
			return nil, fmt.Errorf("node '%s' has no recorded output", a.Name)
		}
		v, ok := navigate(out, a.Path)
		if !ok {
			return nil, fmt.Errorf("property path '%s' not found in output of node '%s'", a.String(), a.Name)
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown assignment kind %v", a.Kind)
}

// NodeInputs resolves a node's inputs. An input bound to a bypassed node is
// omitted when the tool declares a default for it and is nil otherwise.
func (m *Manager) NodeInputs(n *flow.Node) (map[string]any, error) {
	inputs := make(map[string]any, len(n.Inputs))
	for name, a := range n.Inputs {
		if a.IsNodeReference() && m.IsBypassed(a.Name) {
			if m.hasDefault != nil && m.hasDefault(n.Tool, name) {
				continue
			}
			inputs[name] = nil
			continue
		}
		v, err := m.Resolve(a)
		if err != nil {
			return nil, fmt.Errorf("input '%s' of node '%s': %w", name, n.Name, err)
		}
		inputs[name] = v
	}
	return inputs, nil
}

func (m *Manager) resolved(name string) bool {
	if _, ok := m.outputs[name]; ok {
		return true
	}
	if _, ok := m.bypassed[name]; ok {
		return true
	}
	if _, ok := m.failed[name]; ok {
		return true
	}
	_, ok := m.blockedBy[name]
	return ok
}

func (m *Manager) isReady(n *flow.Node) bool {
	for _, dep := range n.Dependencies() {
		_, done := m.outputs[dep]
		_, skipped := m.bypassed[dep]
		if !done && !skipped {
			return false
		}
	}
	return true
}

func (m *Manager) isBypassable(n *flow.Node) bool {
	if n.Activate != nil {
		when := n.Activate.When
		if when.IsNodeReference() && m.IsBypassed(when.Name) {
			return true
		}
		v, err := m.Resolve(when)
		if err != nil {
			return true
		}
		return !conditionMet(v, n.Activate.Is)
	}

	deps := n.InputDependencies()
	if len(deps) == 0 {
		return false
	}
	for _, dep := range deps {
		if !m.IsBypassed(dep) {
			return false
		}
	}
	return true
}

// conditionMet compares the resolved condition value with the expected one.
// Numbers compare by value regardless of their Go type.
func conditionMet(actual, expected any) bool {
	if a, ok := toFloat(actual); ok {
		if e, ok := toFloat(expected); ok {
			return a == e
		}
	}
	return reflect.DeepEqual(actual, expected)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
