// Package graph implements the computation graph the runtime executes: nodes
// identified by operator type and domain, the named values flowing between
// them, and the operator schemas used to resolve kernel type constraints.
//
// A Graph is built incrementally: declare values with Graph.Value (or
// Graph.AddInput / Graph.AddInitializer), connect them with Graph.AddNode, and
// then call Graph.Finalize, which checks the structure, orders the nodes
// topologically and assigns every value a dense index. After Finalize the
// graph is immutable, except for the per-node execution provider assignment
// done during session initialization.
package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/graphrt/graphrt/types/tensors"
)

// DefaultDomain is the operator domain assumed by most models.
// Custom operator sets use their own domain strings.
const DefaultDomain = ""

// NodeArg is a named value flowing through the graph: a graph input, an
// initializer or a node output. Its dtype is declared at creation, the
// dimensions only become known from the tensors fed at execution time.
type NodeArg struct {
	name  string
	dtype dtypes.DType
}

// Name of the value.
func (a *NodeArg) Name() string { return a.name }

// DType declared for the value.
func (a *NodeArg) DType() dtypes.DType { return a.dtype }

func (a *NodeArg) String() string {
	return fmt.Sprintf("%s:%s", a.name, a.dtype)
}

// Node is one operator invocation in the graph.
type Node struct {
	graph        *Graph
	index        int // Topological index, assigned by Graph.Finalize.
	name         string
	domain       string
	opType       string
	sinceVersion int
	inputs       []*NodeArg
	outputs      []*NodeArg
	implicit     []*NodeArg // Values captured by nested subgraphs of this node.
	attrs        map[string]any
	provider     string // Assigned execution provider type, set during partitioning.

	inputIndexes, outputIndexes []int // Value indexes, filled by Graph.Finalize.
}

// Name of the node. May be empty, names are only used for diagnostics.
func (n *Node) Name() string { return n.name }

// Domain of the node's operator.
func (n *Node) Domain() string { return n.domain }

// OpType is the operator type within the domain, e.g. "MatMul".
func (n *Node) OpType() string { return n.opType }

// SinceVersion is the operator set version the node was authored against.
func (n *Node) SinceVersion() int { return n.sinceVersion }

// Index is the node's topological index after Graph.Finalize.
// Before Finalize it is the insertion order.
func (n *Node) Index() int { return n.index }

// Inputs of the node, in declaration order.
func (n *Node) Inputs() []*NodeArg { return n.inputs }

// Outputs of the node, in declaration order.
func (n *Node) Outputs() []*NodeArg { return n.outputs }

// ImplicitInputs are outer-scope values consumed by subgraphs nested in this
// node. Nodes with implicit inputs are pinned to the default provider during
// partitioning.
func (n *Node) ImplicitInputs() []*NodeArg { return n.implicit }

// AddImplicitInput records an outer-scope value consumed by a subgraph of
// this node. It panics if the graph was already finalized.
func (n *Node) AddImplicitInput(arg *NodeArg) {
	if n.graph.finalized {
		exceptions.Panicf("graph %q is finalized, cannot add implicit input to node %q", n.graph.name, n.name)
	}
	n.implicit = append(n.implicit, arg)
}

// AssignedProvider returns the execution provider type this node was assigned
// to, or "" if partitioning has not run yet.
func (n *Node) AssignedProvider() string { return n.provider }

// SetAssignedProvider assigns the node to an execution provider type.
func (n *Node) SetAssignedProvider(providerType string) { n.provider = providerType }

// InputValueIndexes returns the value indexes of the node's inputs.
// Only valid after Graph.Finalize.
func (n *Node) InputValueIndexes() []int { return n.inputIndexes }

// OutputValueIndexes returns the value indexes of the node's outputs.
// Only valid after Graph.Finalize.
func (n *Node) OutputValueIndexes() []int { return n.outputIndexes }

// HasAttr returns whether the node carries the given attribute.
func (n *Node) HasAttr(name string) bool {
	_, found := n.attrs[name]
	return found
}

// IntAttr returns the node's attribute as an int64.
// int, int32 and int64 attribute values are accepted.
func (n *Node) IntAttr(name string) (int64, error) {
	value, found := n.attrs[name]
	if !found {
		return 0, errors.Errorf("node %s is missing attribute %q", n, name)
	}
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	}
	return 0, errors.Errorf("node %s attribute %q is a %T, wanted an integer", n, name, value)
}

// IntAttrOr returns the node's attribute as an int64, or defaultValue if the
// attribute is absent or not an integer.
func (n *Node) IntAttrOr(name string, defaultValue int64) int64 {
	v, err := n.IntAttr(name)
	if err != nil {
		return defaultValue
	}
	return v
}

// StringAttrOr returns the node's attribute as a string, or defaultValue if
// the attribute is absent or not a string.
func (n *Node) StringAttrOr(name string, defaultValue string) string {
	if v, ok := n.attrs[name].(string); ok {
		return v
	}
	return defaultValue
}

// String returns a short identification of the node for error messages.
func (n *Node) String() string {
	name := n.name
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("%s(%q)", n.opType, name)
}

// Graph is a computation graph under construction or, after Finalize, ready
// for session initialization.
type Graph struct {
	name         string
	nodes        []*Node
	args         map[string]*NodeArg
	producers    map[string]*Node
	inputs       []*NodeArg
	outputs      []*NodeArg
	initializers map[string]*tensors.Tensor

	finalized  bool
	valueIndex map[string]int
	valueNames []string
}

// New creates an empty graph with the given name.
func New(name string) *Graph {
	return &Graph{
		name:         name,
		args:         make(map[string]*NodeArg),
		producers:    make(map[string]*Node),
		initializers: make(map[string]*tensors.Tensor),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Value declares (or returns the previously declared) value with the given
// name and dtype. It panics if the value exists with a different dtype, or if
// the graph was already finalized and the value is new.
func (g *Graph) Value(name string, dtype dtypes.DType) *NodeArg {
	if name == "" {
		exceptions.Panicf("graph %q: values must be named", g.name)
	}
	if arg, found := g.args[name]; found {
		if arg.dtype != dtype {
			exceptions.Panicf("graph %q: value %q already declared as %s, cannot redeclare as %s",
				g.name, name, arg.dtype, dtype)
		}
		return arg
	}
	if g.finalized {
		exceptions.Panicf("graph %q is finalized, cannot declare new value %q", g.name, name)
	}
	arg := &NodeArg{name: name, dtype: dtype}
	g.args[name] = arg
	return arg
}

// AddInput declares a graph input. Inputs must be fed at execution time.
func (g *Graph) AddInput(name string, dtype dtypes.DType) *NodeArg {
	arg := g.Value(name, dtype)
	if slices.Contains(g.inputs, arg) {
		exceptions.Panicf("graph %q: input %q added twice", g.name, name)
	}
	g.inputs = append(g.inputs, arg)
	return arg
}

// AddInitializer declares a value backed by a constant tensor.
func (g *Graph) AddInitializer(name string, t *tensors.Tensor) *NodeArg {
	if t == nil {
		exceptions.Panicf("graph %q: initializer %q must have a tensor", g.name, name)
	}
	if _, found := g.initializers[name]; found {
		exceptions.Panicf("graph %q: initializer %q added twice", g.name, name)
	}
	arg := g.Value(name, t.DType())
	g.initializers[name] = t
	return arg
}

// AddNode adds an operator invocation connecting the given input values to
// the given output values. Attributes may be nil. It panics on structural
// misuse: finalized graph, missing outputs or an output that already has a
// producer.
func (g *Graph) AddNode(name, domain, opType string, sinceVersion int, inputs, outputs []*NodeArg, attrs map[string]any) *Node {
	if g.finalized {
		exceptions.Panicf("graph %q is finalized, cannot add node %q", g.name, name)
	}
	if opType == "" {
		exceptions.Panicf("graph %q: node %q needs an op type", g.name, name)
	}
	if len(outputs) == 0 {
		exceptions.Panicf("graph %q: node %q needs at least one output", g.name, name)
	}
	n := &Node{
		graph:        g,
		index:        len(g.nodes), // Insertion order, replaced by the topological index at Finalize.
		name:         name,
		domain:       domain,
		opType:       opType,
		sinceVersion: sinceVersion,
		inputs:       slices.Clone(inputs),
		outputs:      slices.Clone(outputs),
	}
	if len(attrs) > 0 {
		n.attrs = make(map[string]any, len(attrs))
		for k, v := range attrs {
			n.attrs[k] = v
		}
	}
	for _, out := range outputs {
		if out == nil {
			exceptions.Panicf("graph %q: node %q has a nil output", g.name, name)
		}
		if previous, found := g.producers[out.name]; found {
			exceptions.Panicf("graph %q: value %q already produced by node %s, cannot also be produced by %s",
				g.name, out.name, previous, n)
		}
		if _, isInitializer := g.initializers[out.name]; isInitializer {
			exceptions.Panicf("graph %q: value %q is an initializer, node %s cannot produce it", g.name, out.name, n)
		}
		g.producers[out.name] = n
	}
	g.nodes = append(g.nodes, n)
	return n
}

// SetOutputs declares which values are the graph's outputs, replacing any
// previous declaration.
func (g *Graph) SetOutputs(args ...*NodeArg) {
	if g.finalized {
		exceptions.Panicf("graph %q is finalized, cannot change outputs", g.name)
	}
	g.outputs = slices.Clone(args)
}

// Producer returns the node producing the named value, or nil if the value is
// a graph input or an initializer.
func (g *Graph) Producer(valueName string) *Node {
	return g.producers[valueName]
}

// Inputs of the graph, in declaration order.
func (g *Graph) Inputs() []*NodeArg { return g.inputs }

// Outputs of the graph.
func (g *Graph) Outputs() []*NodeArg { return g.outputs }

// Initializers returns the map of initializer values. Treat it as read-only.
func (g *Graph) Initializers() map[string]*tensors.Tensor { return g.initializers }

// Nodes returns the graph's nodes, in topological order after Finalize.
// Treat the returned slice as read-only.
func (g *Graph) Nodes() []*Node { return g.nodes }

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Node returns the node with the given topological index.
func (g *Graph) Node(index int) *Node { return g.nodes[index] }

// IsFinalized returns whether Finalize already succeeded.
func (g *Graph) IsFinalized() bool { return g.finalized }

// Finalize checks the graph structure, orders the nodes topologically and
// assigns dense value indexes: graph inputs first, then initializers in name
// order, then node outputs in topological order. Calling it again after it
// succeeded is a no-op.
//
// It returns an error if a node consumes a value that is neither an input,
// an initializer nor another node's output, if a declared graph output is
// never produced, or if the graph has a cycle.
func (g *Graph) Finalize() error {
	if g.finalized {
		return nil
	}
	if len(g.outputs) == 0 {
		return errors.Errorf("graph %q has no outputs declared", g.name)
	}

	isSource := func(name string) bool {
		if _, found := g.initializers[name]; found {
			return true
		}
		return slices.ContainsFunc(g.inputs, func(arg *NodeArg) bool { return arg.name == name })
	}
	for _, out := range g.outputs {
		if g.producers[out.name] == nil && !isSource(out.name) {
			return errors.Errorf("graph %q: output %q is never produced", g.name, out.name)
		}
	}

	// Kahn's algorithm, FIFO over insertion order for deterministic results.
	consumers := make(map[*Node][]*Node, len(g.nodes)) // Producer → consumers.
	pending := make(map[*Node]int, len(g.nodes))       // Unsatisfied producer edges per node.
	for _, n := range g.nodes {
		deps := make(map[*Node]bool)
		for _, arg := range slices.Concat(n.inputs, n.implicit) {
			if arg == nil {
				return errors.Errorf("graph %q: node %s has a nil input", g.name, n)
			}
			producer := g.producers[arg.name]
			if producer == nil {
				if !isSource(arg.name) {
					return errors.Errorf("graph %q: node %s consumes value %q which is never produced",
						g.name, n, arg.name)
				}
				continue
			}
			if producer == n {
				return errors.Errorf("graph %q: node %s consumes its own output %q", g.name, n, arg.name)
			}
			deps[producer] = true
		}
		pending[n] = len(deps)
		for producer := range deps {
			consumers[producer] = append(consumers[producer], n)
		}
	}
	for _, lst := range consumers {
		slices.SortFunc(lst, func(a, b *Node) int { return a.index - b.index })
	}

	var ready []*Node
	for _, n := range g.nodes {
		if pending[n] == 0 {
			ready = append(ready, n)
		}
	}
	sorted := make([]*Node, 0, len(g.nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		n.index = len(sorted)
		sorted = append(sorted, n)
		for _, consumer := range consumers[n] {
			pending[consumer]--
			if pending[consumer] == 0 {
				ready = append(ready, consumer)
			}
		}
	}
	if len(sorted) != len(g.nodes) {
		var stuck []string
		for _, n := range g.nodes {
			if pending[n] > 0 {
				stuck = append(stuck, n.String())
			}
		}
		return errors.Errorf("graph %q has a cycle involving nodes: %v", g.name, stuck)
	}
	g.nodes = sorted

	// Dense value indexes.
	g.valueIndex = make(map[string]int, len(g.args))
	addValue := func(name string) {
		if _, found := g.valueIndex[name]; found {
			return
		}
		g.valueIndex[name] = len(g.valueNames)
		g.valueNames = append(g.valueNames, name)
	}
	for _, arg := range g.inputs {
		addValue(arg.name)
	}
	initializerNames := make([]string, 0, len(g.initializers))
	for name := range g.initializers {
		initializerNames = append(initializerNames, name)
	}
	slices.Sort(initializerNames)
	for _, name := range initializerNames {
		addValue(name)
	}
	for _, n := range g.nodes {
		for _, out := range n.outputs {
			addValue(out.name)
		}
	}
	for _, n := range g.nodes {
		n.inputIndexes = g.mustValueIndexes(n.inputs)
		n.outputIndexes = g.mustValueIndexes(n.outputs)
	}
	g.finalized = true
	return nil
}

func (g *Graph) mustValueIndexes(args []*NodeArg) []int {
	indexes := make([]int, len(args))
	for i, arg := range args {
		idx, found := g.valueIndex[arg.name]
		if !found {
			exceptions.Panicf("graph %q: value %q was not indexed during Finalize", g.name, arg.name)
		}
		indexes[i] = idx
	}
	return indexes
}

// NumValues returns the number of indexed values. Only valid after Finalize.
func (g *Graph) NumValues() int { return len(g.valueNames) }

// ValueIndex returns the dense index of the named value.
func (g *Graph) ValueIndex(name string) (int, error) {
	if !g.finalized {
		return 0, errors.Errorf("graph %q is not finalized, value indexes are not assigned yet", g.name)
	}
	idx, found := g.valueIndex[name]
	if !found {
		return 0, errors.Errorf("graph %q has no value named %q", g.name, name)
	}
	return idx, nil
}

// ValueName returns the name of the value with the given index.
func (g *Graph) ValueName(index int) string {
	if index < 0 || index >= len(g.valueNames) {
		return fmt.Sprintf("<invalid value index %d>", index)
	}
	return g.valueNames[index]
}

// String returns a short summary of the graph.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph %q: %d nodes, %d inputs, %d outputs, %d initializers",
		g.name, len(g.nodes), len(g.inputs), len(g.outputs), len(g.initializers))
}
