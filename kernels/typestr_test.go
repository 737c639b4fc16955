package kernels

import (
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphrt/graphrt/graph"
)

func castNode(t *testing.T) *graph.Node {
	g := graph.New("g")
	x := g.AddInput("x", dtypes.Float32)
	y := g.Value("y", dtypes.Int32)
	n := g.AddNode("cast1", graph.DefaultDomain, "Cast", 13,
		[]*graph.NodeArg{x}, []*graph.NodeArg{y}, map[string]any{"to": int64(dtypes.Int32)})
	g.SetOutputs(y)
	require.NoError(t, g.Finalize())
	return n
}

func TestResolveOrRegister(t *testing.T) {
	schemas := graph.BuiltinSchemas()
	resolver := NewTypeStrResolver()
	n := castNode(t)
	opID := OpIDForNode(n)
	assert.False(t, resolver.HasOp(opID))

	require.NoError(t, resolver.ResolveOrRegister(n, schemas))
	assert.True(t, resolver.HasOp(opID))
	assert.Equal(t, 1, resolver.NumOps())

	// Constraint symbols resolve.
	refs, err := resolver.Resolve(opID, "T1")
	require.NoError(t, err)
	assert.Equal(t, []ArgRef{{Kind: ArgInput, Index: 0}}, refs)
	refs, err = resolver.Resolve(opID, "T2")
	require.NoError(t, err)
	assert.Equal(t, []ArgRef{{Kind: ArgOutput, Index: 0}}, refs)

	// Formal parameter names resolve too.
	refs, err = resolver.Resolve(opID, "input")
	require.NoError(t, err)
	assert.Equal(t, []ArgRef{{Kind: ArgInput, Index: 0}}, refs)

	// Unknown type strings are an error.
	_, err = resolver.Resolve(opID, "T9")
	require.ErrorContains(t, err, "unresolved kernel type string")

	// Resolving again is a cheap no-op.
	require.NoError(t, resolver.ResolveOrRegister(n, schemas))
	assert.Equal(t, 1, resolver.NumOps())
}

func TestResolveUnknownOp(t *testing.T) {
	resolver := NewTypeStrResolver()
	_, err := resolver.Resolve(OpIdentifier{OpType: "Ghost", SinceVersion: 1}, "T")
	require.ErrorContains(t, err, "no type string resolutions")

	// An op without a schema cannot be resolved.
	g := graph.New("g")
	x := g.AddInput("x", dtypes.Float32)
	y := g.Value("y", dtypes.Float32)
	n := g.AddNode("mystery1", graph.DefaultDomain, "Mystery", 13,
		[]*graph.NodeArg{x}, []*graph.NodeArg{y}, nil)
	g.SetOutputs(y)
	require.NoError(t, g.Finalize())
	err = resolver.ResolveOrRegister(n, graph.BuiltinSchemas())
	require.ErrorContains(t, err, "no op schema registered")
}

func TestRegisterResolution(t *testing.T) {
	resolver := NewTypeStrResolver()
	opID := OpIdentifier{OpType: "Custom", SinceVersion: 1}
	refs := []ArgRef{{Kind: ArgInput, Index: 0}, {Kind: ArgOutput, Index: 0}}
	require.NoError(t, resolver.RegisterResolution(opID, "T", refs))

	got, err := resolver.Resolve(opID, "T")
	require.NoError(t, err)
	assert.Equal(t, refs, got)

	// Re-registering the same resolution is fine, a conflicting one is not.
	require.NoError(t, resolver.RegisterResolution(opID, "T", refs))
	err = resolver.RegisterResolution(opID, "T", []ArgRef{{Kind: ArgInput, Index: 1}})
	require.ErrorContains(t, err, "already resolves")
}

func TestResolverConcurrentReads(t *testing.T) {
	schemas := graph.BuiltinSchemas()
	resolver := NewTypeStrResolver()
	n := castNode(t)
	require.NoError(t, resolver.ResolveOrRegister(n, schemas))
	opID := OpIDForNode(n)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if _, err := resolver.Resolve(opID, "T1"); err != nil {
					t.Error(err)
					return
				}
				_ = resolver.ResolveOrRegister(n, schemas)
			}
		}()
	}
	wg.Wait()
}
