package kernels

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/internal/sets"
)

// ErrNotFound is wrapped by kernel searches that exhausted their candidates.
// Use errors.Is to distinguish "no kernel matched" from search failures such
// as unresolved kernel type strings.
var ErrNotFound = errors.New("kernel not found")

// CreateInfo pairs a kernel definition with the factory that builds it.
// It is what kernel searches return and what kernel creation consumes.
type CreateInfo struct {
	Def     *Def
	Factory Factory
}

type opKey struct {
	domain, opType string
}

// Registry holds the kernels of one execution provider, or a set of custom
// kernels registered at session level. Populate it with Register, then treat
// it as read-only: lookups do no locking.
type Registry struct {
	byOp   map[opKey][]*CreateInfo // Registration order preserved per op.
	byHash map[uint64]*CreateInfo
}

// NewRegistry creates an empty kernel registry.
func NewRegistry() *Registry {
	return &Registry{
		byOp:   make(map[opKey][]*CreateInfo),
		byHash: make(map[uint64]*CreateInfo),
	}
}

// Register adds a kernel to the registry. Registering two kernels with
// identical definitions (same Def.Hash) is an error; overlapping but
// distinct definitions are allowed, and searches return the earliest
// registered match.
func (r *Registry) Register(def *Def, factory Factory) error {
	if def == nil {
		return errors.New("cannot register a nil kernel def")
	}
	if factory == nil {
		return errors.Errorf("kernel %s needs a factory", def)
	}
	if existing, found := r.byHash[def.Hash()]; found {
		return errors.Errorf("kernel %s is already registered (identical definition %s)", def, existing.Def)
	}
	ci := &CreateInfo{Def: def, Factory: factory}
	key := opKey{def.Domain(), def.OpType()}
	r.byOp[key] = append(r.byOp[key], ci)
	r.byHash[def.Hash()] = ci
	return nil
}

// NumKernels returns how many kernels are registered.
func (r *Registry) NumKernels() int { return len(r.byHash) }

// AllDefs returns every registered kernel definition. The order groups defs
// of one op together, in registration order, with the ops sorted by domain
// and op type.
func (r *Registry) AllDefs() []*Def {
	keys := make([]opKey, 0, len(r.byOp))
	for key := range r.byOp {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b opKey) int {
		if a.domain != b.domain {
			return strings.Compare(a.domain, b.domain)
		}
		return strings.Compare(a.opType, b.opType)
	})
	defs := make([]*Def, 0, len(r.byHash))
	for _, key := range keys {
		for _, ci := range r.byOp[key] {
			defs = append(defs, ci.Def)
		}
	}
	return defs
}

// LookupByHash returns the kernel with the given definition hash.
func (r *Registry) LookupByHash(hash uint64) (*CreateInfo, bool) {
	ci, found := r.byHash[hash]
	return ci, found
}

// TryFindKernel searches the registry for a kernel implementing the node on
// the given provider type. Candidates are checked in registration order and
// the first match wins, making repeated searches deterministic.
//
// A failed search wraps ErrNotFound and lists why each candidate was
// rejected. An unresolvable kernel type string is a hard error instead: it
// means the resolver was never taught this op, which rejecting candidates
// would silently mask.
func (r *Registry) TryFindKernel(n *graph.Node, providerType string, resolver *TypeStrResolver) (*CreateInfo, error) {
	candidates := r.byOp[opKey{n.Domain(), n.OpType()}]
	var rejections []string
	for _, ci := range candidates {
		matches, reason, err := defMatchesNode(ci.Def, n, providerType, resolver)
		if err != nil {
			return nil, errors.WithMessagef(err, "matching kernel %s against node %s", ci.Def, n)
		}
		if matches {
			return ci, nil
		}
		rejections = append(rejections, fmt.Sprintf("%s: %s", ci.Def, reason))
	}
	if len(rejections) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "no kernels registered for op %q (domain %q)",
			n.OpType(), n.Domain())
	}
	return nil, errors.Wrapf(ErrNotFound, "no kernel for node %s on provider %q matched, rejected %d candidates: [%s]",
		n, providerType, len(rejections), strings.Join(rejections, "; "))
}

// defMatchesNode checks provider, version range and type constraints.
// On a mismatch it returns a human-readable reason.
func defMatchesNode(def *Def, n *graph.Node, providerType string, resolver *TypeStrResolver) (bool, string, error) {
	if def.Provider() != providerType {
		return false, fmt.Sprintf("registered for provider %q", def.Provider()), nil
	}
	if !def.IsVersionSupported(n.SinceVersion()) {
		return false, fmt.Sprintf("supports versions [%d, %d], node was authored against %d",
			def.SinceVersion(), def.UntilVersion(), n.SinceVersion()), nil
	}
	opID := OpIDForNode(n)
	for _, symbol := range def.ConstraintSymbols() {
		allowed, _ := def.TypeConstraint(symbol)
		refs, err := resolver.Resolve(opID, symbol)
		if err != nil {
			return false, "", err
		}
		for _, ref := range refs {
			args := n.Inputs()
			if ref.Kind == ArgOutput {
				args = n.Outputs()
			}
			last := ref.Index
			if ref.Variadic {
				last = len(args) - 1
			}
			for i := ref.Index; i <= last && i < len(args); i++ {
				arg := args[i]
				if arg == nil {
					// Omitted optional argument, nothing to constrain.
					continue
				}
				if !allowed.Has(arg.DType()) {
					return false, fmt.Sprintf("%s #%d (%q) has dtype %s, but constraint %q only allows %v",
						ref.Kind, i, arg.Name(), arg.DType(), symbol, sets.Sorted(allowed)), nil
				}
			}
		}
	}
	return true, "", nil
}
