package graph

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaRegistry(t *testing.T) {
	r := NewSchemaRegistry()
	require.NoError(t, r.Register(&OpSchema{
		OpType:       "Gelu",
		SinceVersion: 1,
		Inputs:       []FormalParameter{{Name: "X", TypeStr: "T"}},
		Outputs:      []FormalParameter{{Name: "Y", TypeStr: "T"}},
	}))
	require.NoError(t, r.Register(&OpSchema{
		OpType:       "Gelu",
		SinceVersion: 5,
		Inputs:       []FormalParameter{{Name: "X", TypeStr: "T"}},
		Outputs:      []FormalParameter{{Name: "Y", TypeStr: "T"}},
	}))

	// Duplicate (domain, op, version) is rejected.
	err := r.Register(&OpSchema{
		OpType:       "Gelu",
		SinceVersion: 5,
		Inputs:       []FormalParameter{{Name: "X", TypeStr: "T"}},
		Outputs:      []FormalParameter{{Name: "Y", TypeStr: "T"}},
	})
	require.ErrorContains(t, err, "already registered")

	// Lookup picks the highest version not above the requested one.
	s, found := r.Lookup(DefaultDomain, "Gelu", 13)
	require.True(t, found)
	assert.Equal(t, 5, s.SinceVersion)
	s, found = r.Lookup(DefaultDomain, "Gelu", 3)
	require.True(t, found)
	assert.Equal(t, 1, s.SinceVersion)
	_, found = r.Lookup(DefaultDomain, "Missing", 13)
	assert.False(t, found)
}

func TestSchemaValidation(t *testing.T) {
	r := NewSchemaRegistry()
	require.Error(t, r.Register(&OpSchema{SinceVersion: 1}))
	require.Error(t, r.Register(&OpSchema{OpType: "NoVersion"}))

	// Variadic only allowed on the last parameter.
	err := r.Register(&OpSchema{
		OpType:       "Bad",
		SinceVersion: 1,
		Inputs: []FormalParameter{
			{Name: "A", TypeStr: "T", Variadic: true},
			{Name: "B", TypeStr: "T"},
		},
		Outputs: []FormalParameter{{Name: "Y", TypeStr: "T"}},
	})
	require.ErrorContains(t, err, "variadic")
}

func TestBuiltinSchemas(t *testing.T) {
	r := BuiltinSchemas()
	g := New("g")
	x := g.AddInput("x", dtypes.Float32)
	y := g.Value("y", dtypes.Float32)
	n := g.AddNode("mm", DefaultDomain, "MatMul", 13, []*NodeArg{x, x}, []*NodeArg{y}, nil)

	s, err := r.LookupForNode(n)
	require.NoError(t, err)
	assert.Equal(t, "MatMul", s.OpType)
	require.Len(t, s.Inputs, 2)
	assert.Equal(t, "T", s.Inputs[0].TypeStr)

	// Sum is variadic.
	s, found := r.Lookup(DefaultDomain, "Sum", 13)
	require.True(t, found)
	assert.True(t, s.Inputs[0].Variadic)

	assert.NotEmpty(t, r.All())
}
