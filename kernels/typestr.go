package kernels

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/graphrt/graphrt/graph"
)

// OpIdentifier identifies an operator for type-string resolution purposes:
// nodes with the same domain, op type and since-version share one resolution.
type OpIdentifier struct {
	Domain       string
	OpType       string
	SinceVersion int
}

// OpIDForNode returns the node's operator identifier.
func OpIDForNode(n *graph.Node) OpIdentifier {
	return OpIdentifier{Domain: n.Domain(), OpType: n.OpType(), SinceVersion: n.SinceVersion()}
}

func (id OpIdentifier) String() string {
	return fmt.Sprintf("%s:%s:%d", id.Domain, id.OpType, id.SinceVersion)
}

// ArgKind says whether an ArgRef points at an input or an output.
type ArgKind int8

const (
	ArgInput ArgKind = iota
	ArgOutput
)

func (k ArgKind) String() string {
	if k == ArgInput {
		return "input"
	}
	return "output"
}

// ArgRef locates the formal argument(s) a kernel type string covers.
// A variadic ref covers the argument at Index and all following ones.
type ArgRef struct {
	Kind     ArgKind
	Index    int
	Variadic bool
}

// TypeStrResolver maps a kernel type string, as it appears in kernel
// definitions (a type-constraint symbol like "T", or a formal parameter name)
// to the node arguments it covers. Kernel matching uses it to find which
// actual dtypes a def's constraints apply to.
//
// The resolver is a cache that fills in two ways: ResolveOrRegister derives
// resolutions from registered op schemas on first use, and RegisterResolution
// installs externally provided resolutions where op schemas are not compiled
// in. Mutation is explicit and internally synchronized with an RWMutex, so
// concurrent lookups during execution are cheap; there is no mutation hidden
// behind read-only queries.
type TypeStrResolver struct {
	mu   sync.RWMutex
	byOp map[OpIdentifier]map[string][]ArgRef
}

// NewTypeStrResolver returns an empty resolver.
func NewTypeStrResolver() *TypeStrResolver {
	return &TypeStrResolver{byOp: make(map[OpIdentifier]map[string][]ArgRef)}
}

// ResolveOrRegister ensures the node's operator has its type strings
// resolved, deriving them from the op's schema if this is the first node of
// its kind. Every formal parameter registers under both its type-constraint
// symbol and its own name.
func (r *TypeStrResolver) ResolveOrRegister(n *graph.Node, schemas *graph.SchemaRegistry) error {
	opID := OpIDForNode(n)
	r.mu.RLock()
	_, found := r.byOp[opID]
	r.mu.RUnlock()
	if found {
		return nil
	}

	schema, err := schemas.LookupForNode(n)
	if err != nil {
		return errors.WithMessagef(err, "resolving kernel type strings for node %s", n)
	}
	resolved := make(map[string][]ArgRef)
	addParams := func(kind ArgKind, params []graph.FormalParameter) {
		for i, p := range params {
			ref := ArgRef{Kind: kind, Index: i, Variadic: p.Variadic}
			resolved[p.TypeStr] = append(resolved[p.TypeStr], ref)
			if p.Name != p.TypeStr {
				resolved[p.Name] = append(resolved[p.Name], ref)
			}
		}
	}
	addParams(ArgInput, schema.Inputs)
	addParams(ArgOutput, schema.Outputs)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.byOp[opID]; !found {
		r.byOp[opID] = resolved
	}
	return nil
}

// RegisterResolution installs the resolution of one kernel type string for
// an operator, for deployments where op schemas are not available. It
// returns an error if the type string already resolved differently.
func (r *TypeStrResolver) RegisterResolution(opID OpIdentifier, typeStr string, refs []ArgRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	perOp, found := r.byOp[opID]
	if !found {
		perOp = make(map[string][]ArgRef)
		r.byOp[opID] = perOp
	}
	if existing, found := perOp[typeStr]; found {
		if !slices.Equal(existing, refs) {
			return errors.Errorf("op %s type string %q already resolves to %v, cannot re-register as %v",
				opID, typeStr, existing, refs)
		}
		return nil
	}
	perOp[typeStr] = slices.Clone(refs)
	return nil
}

// Resolve returns the argument refs covered by the given kernel type string.
// The returned slice must be treated as read-only.
func (r *TypeStrResolver) Resolve(opID OpIdentifier, typeStr string) ([]ArgRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	perOp, found := r.byOp[opID]
	if !found {
		return nil, errors.Errorf("op %s has no type string resolutions: ResolveOrRegister was never called for it", opID)
	}
	refs, found := perOp[typeStr]
	if !found {
		return nil, errors.Errorf("unresolved kernel type string %q for op %s", typeStr, opID)
	}
	return refs, nil
}

// HasOp reports whether the operator already has resolutions.
func (r *TypeStrResolver) HasOp(opID OpIdentifier) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.byOp[opID]
	return found
}

// NumOps returns how many operators have resolutions.
func (r *TypeStrResolver) NumOps() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byOp)
}
