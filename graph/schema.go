package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// FormalParameter describes one declared input or output of an operator
// schema. TypeStr is either a type-constraint symbol (e.g. "T") or a concrete
// type string; kernel matching resolves it to the actual arguments it covers.
type FormalParameter struct {
	Name     string
	TypeStr  string
	Variadic bool // Only valid on the last parameter: it covers all trailing arguments.
}

// OpSchema declares an operator: its formal parameters and the operator set
// version it was introduced in. Schemas are what allow kernel type
// constraints to be checked against the values a node actually consumes and
// produces.
type OpSchema struct {
	Domain       string
	OpType       string
	SinceVersion int
	Inputs       []FormalParameter
	Outputs      []FormalParameter
}

func (s *OpSchema) String() string {
	domain := s.Domain
	if domain == DefaultDomain {
		domain = "(default)"
	}
	return fmt.Sprintf("%s.%s/v%d", domain, s.OpType, s.SinceVersion)
}

func (s *OpSchema) validate() error {
	if s.OpType == "" {
		return errors.New("op schema needs an op type")
	}
	if s.SinceVersion < 1 {
		return errors.Errorf("op schema %s.%s needs SinceVersion >= 1, got %d", s.Domain, s.OpType, s.SinceVersion)
	}
	for i, p := range s.Inputs {
		if p.Variadic && i != len(s.Inputs)-1 {
			return errors.Errorf("op schema %s: only the last input may be variadic", s)
		}
	}
	for i, p := range s.Outputs {
		if p.Variadic && i != len(s.Outputs)-1 {
			return errors.Errorf("op schema %s: only the last output may be variadic", s)
		}
	}
	return nil
}

// SchemaRegistry holds operator schemas keyed by domain and op type, with one
// entry per SinceVersion. It is populated before session initialization and
// read-only afterwards; it does no locking of its own.
type SchemaRegistry struct {
	byOp map[schemaKey][]*OpSchema // Sorted by ascending SinceVersion.
}

type schemaKey struct {
	domain, opType string
}

// NewSchemaRegistry creates an empty schema registry.
// Most users want BuiltinSchemas instead, optionally extended with custom ops.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{byOp: make(map[schemaKey][]*OpSchema)}
}

// Register adds a schema. It returns an error if a schema for the same
// (domain, op type, since version) is already registered.
func (r *SchemaRegistry) Register(schema *OpSchema) error {
	if err := schema.validate(); err != nil {
		return err
	}
	key := schemaKey{schema.Domain, schema.OpType}
	versions := r.byOp[key]
	for _, existing := range versions {
		if existing.SinceVersion == schema.SinceVersion {
			return errors.Errorf("op schema %s is already registered", schema)
		}
	}
	versions = append(versions, schema)
	slices.SortFunc(versions, func(a, b *OpSchema) int { return a.SinceVersion - b.SinceVersion })
	r.byOp[key] = versions
	return nil
}

// Lookup returns the schema for the operator with the highest SinceVersion
// not larger than maxVersion, or false if there is none.
func (r *SchemaRegistry) Lookup(domain, opType string, maxVersion int) (*OpSchema, bool) {
	versions := r.byOp[schemaKey{domain, opType}]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].SinceVersion <= maxVersion {
			return versions[i], true
		}
	}
	return nil, false
}

// LookupForNode returns the schema matching the node's domain, op type and
// since-version.
func (r *SchemaRegistry) LookupForNode(n *Node) (*OpSchema, error) {
	schema, found := r.Lookup(n.Domain(), n.OpType(), n.SinceVersion())
	if !found {
		return nil, errors.Errorf("no op schema registered for node %s (domain %q, version %d)",
			n, n.Domain(), n.SinceVersion())
	}
	return schema, nil
}

// All returns every registered schema, sorted by domain, op type and version.
func (r *SchemaRegistry) All() []*OpSchema {
	var all []*OpSchema
	for _, versions := range r.byOp {
		all = append(all, versions...)
	}
	slices.SortFunc(all, func(a, b *OpSchema) int {
		if a.Domain != b.Domain {
			if a.Domain < b.Domain {
				return -1
			}
			return 1
		}
		if a.OpType != b.OpType {
			if a.OpType < b.OpType {
				return -1
			}
			return 1
		}
		return a.SinceVersion - b.SinceVersion
	})
	return all
}

func mustRegister(r *SchemaRegistry, schema *OpSchema) {
	if err := r.Register(schema); err != nil {
		exceptions.Panicf("registering builtin op schema: %+v", err)
	}
}

// BuiltinSchemas returns a new registry with the schemas of the operators the
// runtime ships kernels for. Callers may register additional custom schemas
// on the returned registry.
func BuiltinSchemas() *SchemaRegistry {
	r := NewSchemaRegistry()
	for _, op := range []string{"Add", "Sub", "Mul"} {
		mustRegister(r, &OpSchema{
			OpType:       op,
			SinceVersion: 13,
			Inputs:       []FormalParameter{{Name: "A", TypeStr: "T"}, {Name: "B", TypeStr: "T"}},
			Outputs:      []FormalParameter{{Name: "C", TypeStr: "T"}},
		})
	}
	for _, op := range []string{"Neg", "Relu"} {
		mustRegister(r, &OpSchema{
			OpType:       op,
			SinceVersion: 13,
			Inputs:       []FormalParameter{{Name: "X", TypeStr: "T"}},
			Outputs:      []FormalParameter{{Name: "Y", TypeStr: "T"}},
		})
	}
	mustRegister(r, &OpSchema{
		OpType:       "MatMul",
		SinceVersion: 13,
		Inputs:       []FormalParameter{{Name: "A", TypeStr: "T"}, {Name: "B", TypeStr: "T"}},
		Outputs:      []FormalParameter{{Name: "Y", TypeStr: "T"}},
	})
	mustRegister(r, &OpSchema{
		OpType:       "Cast",
		SinceVersion: 13,
		Inputs:       []FormalParameter{{Name: "input", TypeStr: "T1"}},
		Outputs:      []FormalParameter{{Name: "output", TypeStr: "T2"}},
	})
	mustRegister(r, &OpSchema{
		OpType:       "Identity",
		SinceVersion: 13,
		Inputs:       []FormalParameter{{Name: "input", TypeStr: "V"}},
		Outputs:      []FormalParameter{{Name: "output", TypeStr: "V"}},
	})
	mustRegister(r, &OpSchema{
		OpType:       "Sum",
		SinceVersion: 13,
		Inputs:       []FormalParameter{{Name: "data_0", TypeStr: "T", Variadic: true}},
		Outputs:      []FormalParameter{{Name: "sum", TypeStr: "T"}},
	})
	return r
}
