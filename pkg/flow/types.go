// Package flow defines the declarative flow model: nodes, their input
// assignments, flow-level inputs and outputs, and the validation that runs
// once before any line is scheduled.
package flow

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AssignmentKind tags the variant held by an InputAssignment.
type AssignmentKind int

const (
	// KindLiteral is a constant value
	KindLiteral AssignmentKind = iota
	// KindFlowInput references a flow-level input by name
	KindFlowInput
	// KindNodeOutput references the output of another node
	KindNodeOutput
)

func (k AssignmentKind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindFlowInput:
		return "flow_input"
	case KindNodeOutput:
		return "node_output"
	}
	return "unknown"
}

// InputAssignment is a tagged union over Literal(value),
// FlowInputReference(name) and NodeOutputReference(node, path).
type InputAssignment struct {
	Kind AssignmentKind
	// Value holds the literal value for KindLiteral.
	Value any
	// Name is the flow input name or the referenced node name.
	Name string
	// Path is an optional property path into a node output.
	Path []string
}

// Literal creates a literal assignment.
func Literal(v any) InputAssignment {
	return InputAssignment{Kind: KindLiteral, Value: v}
}

// FlowInput creates a flow input reference.
func FlowInput(name string) InputAssignment {
	return InputAssignment{Kind: KindFlowInput, Name: name}
}

// NodeOutput creates a node output reference with an optional property path.
func NodeOutput(node string, path ...string) InputAssignment {
	return InputAssignment{Kind: KindNodeOutput, Name: node, Path: path}
}

// IsNodeReference reports whether the assignment references another node.
func (a InputAssignment) IsNodeReference() bool {
	return a.Kind == KindNodeOutput
}

// String renders the assignment in flow file syntax.
func (a InputAssignment) String() string {
	switch a.Kind {
	case KindFlowInput:
		return "${inputs." + a.Name + "}"
	case KindNodeOutput:
		ref := "${" + a.Name + ".output"
		if len(a.Path) > 0 {
			ref += "." + strings.Join(a.Path, ".")
		}
		return ref + "}"
	}
	return fmt.Sprintf("%v", a.Value)
}

// ParseAssignment interprets a raw flow file value. Strings of the form
// ${inputs.x} and ${node.output[.a.b]} become references, everything else is
// a literal.
func ParseAssignment(raw any) InputAssignment {
	s, ok := raw.(string)
	if !ok {
		return Literal(raw)
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "${") || !strings.HasSuffix(trimmed, "}") {
		return Literal(raw)
	}
	parts := strings.Split(trimmed[2:len(trimmed)-1], ".")
	if len(parts) == 2 && parts[0] == "inputs" && parts[1] != "" {
		return FlowInput(parts[1])
	}
	if len(parts) >= 2 && parts[0] != "" && parts[1] == "output" {
		return NodeOutput(parts[0], parts[2:]...)
	}
	return Literal(raw)
}

// Condition is the node skip condition. The node runs only when the resolved
// When value equals Is; otherwise it is bypassed.
type Condition struct {
	When InputAssignment
	Is   any
}

// Node is one step of a flow bound to a tool.
type Node struct {
	Name   string
	Tool   string
	Inputs map[string]InputAssignment

	Activate    *Condition
	Aggregation bool

	// EnableCache turns on result reuse for this node.
	EnableCache bool
	// CacheVersion overrides the registered tool version in the cache key.
	CacheVersion string
	// Timeout bounds a single invocation; zero means no node timeout.
	Timeout time.Duration
}

// Dependencies returns the sorted, de-duplicated names of the nodes this node
// references, including those inside its activate condition.
func (n *Node) Dependencies() []string {
	seen := make(map[string]struct{})
	for _, in := range n.Inputs {
		if in.IsNodeReference() {
			seen[in.Name] = struct{}{}
		}
	}
	if n.Activate != nil && n.Activate.When.IsNodeReference() {
		seen[n.Activate.When.Name] = struct{}{}
	}
	return sortedKeys(seen)
}

// InputDependencies returns the node names referenced by the node inputs only.
func (n *Node) InputDependencies() []string {
	seen := make(map[string]struct{})
	for _, in := range n.Inputs {
		if in.IsNodeReference() {
			seen[in.Name] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// ValueType is the declared type of a flow input.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeInt    ValueType = "int"
	TypeDouble ValueType = "double"
	TypeBool   ValueType = "bool"
	TypeList   ValueType = "list"
	TypeObject ValueType = "object"
)

// InputDefinition declares a flow-level input.
type InputDefinition struct {
	Type        ValueType
	Default     any
	HasDefault  bool
	Description string
}

// OutputDefinition declares a flow-level output.
type OutputDefinition struct {
	Reference   InputAssignment
	Description string
}

// Flow is an immutable definition of nodes plus declared inputs and outputs.
type Flow struct {
	ID      string
	Name    string
	Nodes   []*Node
	Inputs  map[string]InputDefinition
	Outputs map[string]OutputDefinition
}

// Node returns the node with the given name or nil.
func (f *Flow) Node(name string) *Node {
	for _, n := range f.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// LineNodes returns the nodes executed once per line.
func (f *Flow) LineNodes() []*Node {
	nodes := make([]*Node, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		if !n.Aggregation {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// AggregationNodes returns the nodes executed once per batch.
func (f *Flow) AggregationNodes() []*Node {
	var nodes []*Node
	for _, n := range f.Nodes {
		if n.Aggregation {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// HasAggregation reports whether the flow declares aggregation nodes.
func (f *Flow) HasAggregation() bool {
	for _, n := range f.Nodes {
		if n.Aggregation {
			return true
		}
	}
	return false
}

// AggregationInputNodes returns the line nodes whose outputs are consumed by
// aggregation nodes and must be forwarded with each LineResult.
func (f *Flow) AggregationInputNodes() []string {
	seen := make(map[string]struct{})
	for _, n := range f.AggregationNodes() {
		for _, dep := range n.Dependencies() {
			if d := f.Node(dep); d != nil && !d.Aggregation {
				seen[dep] = struct{}{}
			}
		}
	}
	return sortedKeys(seen)
}

// LineReferences returns the distinct references aggregation nodes make to
// line nodes, ordered by their rendered form.
func LineReferences(f *Flow) []InputAssignment {
	seen := make(map[string]InputAssignment)
	collect := func(a InputAssignment) {
		if !a.IsNodeReference() {
			return
		}
		if d := f.Node(a.Name); d != nil && !d.Aggregation {
			seen[a.String()] = a
		}
	}
	for _, n := range f.AggregationNodes() {
		for _, a := range n.Inputs {
			collect(a)
		}
		if n.Activate != nil {
			collect(n.Activate.When)
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	refs := make([]InputAssignment, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, seen[k])
	}
	return refs
}

// Substitute returns a copy of n where references whose rendered form is a
// key of values are replaced by literals holding the mapped value.
func (n *Node) Substitute(values map[string]any) *Node {
	clone := *n
	clone.Inputs = make(map[string]InputAssignment, len(n.Inputs))
	for name, a := range n.Inputs {
		if v, ok := values[a.String()]; ok && a.IsNodeReference() {
			a = Literal(v)
		}
		clone.Inputs[name] = a
	}
	if n.Activate != nil {
		cond := *n.Activate
		if v, ok := values[cond.When.String()]; ok && cond.When.IsNodeReference() {
			cond.When = Literal(v)
		}
		clone.Activate = &cond
	}
	return &clone
}

// LineOutputs returns the flow outputs that are resolved per line. Outputs
// referencing aggregation nodes never take effect on a line.
func (f *Flow) LineOutputs() map[string]OutputDefinition {
	outputs := make(map[string]OutputDefinition, len(f.Outputs))
	for name, out := range f.Outputs {
		if out.Reference.IsNodeReference() {
			if n := f.Node(out.Reference.Name); n != nil && n.Aggregation {
				continue
			}
		}
		outputs[name] = out
	}
	return outputs
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
