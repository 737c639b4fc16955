package graph

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphrt/graphrt/types/tensors"
)

// buildDiamond builds:
//
//	x ──> relu ──> add ──> y
//	  └──> neg ───┘
func buildDiamond(t *testing.T) *Graph {
	g := New("diamond")
	x := g.AddInput("x", dtypes.Float32)
	r := g.Value("r", dtypes.Float32)
	n := g.Value("n", dtypes.Float32)
	y := g.Value("y", dtypes.Float32)
	g.AddNode("relu1", DefaultDomain, "Relu", 13, []*NodeArg{x}, []*NodeArg{r}, nil)
	g.AddNode("neg1", DefaultDomain, "Neg", 13, []*NodeArg{x}, []*NodeArg{n}, nil)
	g.AddNode("add1", DefaultDomain, "Add", 13, []*NodeArg{r, n}, []*NodeArg{y}, nil)
	g.SetOutputs(y)
	require.NoError(t, g.Finalize())
	return g
}

func TestFinalizeTopologicalOrder(t *testing.T) {
	// Nodes added out of order must come out topologically sorted.
	g := New("ooo")
	x := g.AddInput("x", dtypes.Float32)
	a := g.Value("a", dtypes.Float32)
	b := g.Value("b", dtypes.Float32)
	// add1 consumes a, which is produced by the later-added relu1.
	g.AddNode("add1", DefaultDomain, "Add", 13, []*NodeArg{a, a}, []*NodeArg{b}, nil)
	g.AddNode("relu1", DefaultDomain, "Relu", 13, []*NodeArg{x}, []*NodeArg{a}, nil)
	g.SetOutputs(b)
	require.NoError(t, g.Finalize())

	require.Equal(t, 2, g.NumNodes())
	assert.Equal(t, "relu1", g.Node(0).Name())
	assert.Equal(t, "add1", g.Node(1).Name())
	assert.Equal(t, 0, g.Node(0).Index())
	assert.Equal(t, 1, g.Node(1).Index())

	// Finalize is idempotent.
	require.NoError(t, g.Finalize())
}

func TestValueIndexes(t *testing.T) {
	g := New("indexes")
	x := g.AddInput("x", dtypes.Float32)
	w := g.AddInitializer("w", tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2))
	y := g.Value("y", dtypes.Float32)
	n := g.AddNode("add1", DefaultDomain, "Add", 13, []*NodeArg{x, w}, []*NodeArg{y}, nil)
	g.SetOutputs(y)
	require.NoError(t, g.Finalize())

	// Inputs first, then initializers, then node outputs.
	xIdx, err := g.ValueIndex("x")
	require.NoError(t, err)
	wIdx, err := g.ValueIndex("w")
	require.NoError(t, err)
	yIdx, err := g.ValueIndex("y")
	require.NoError(t, err)
	assert.Equal(t, 0, xIdx)
	assert.Equal(t, 1, wIdx)
	assert.Equal(t, 2, yIdx)
	assert.Equal(t, 3, g.NumValues())
	assert.Equal(t, "w", g.ValueName(1))

	assert.Equal(t, []int{0, 1}, n.InputValueIndexes())
	assert.Equal(t, []int{2}, n.OutputValueIndexes())

	_, err = g.ValueIndex("missing")
	require.Error(t, err)
}

func TestFinalizeErrors(t *testing.T) {
	// Cycle.
	g := New("cycle")
	a := g.Value("a", dtypes.Float32)
	b := g.Value("b", dtypes.Float32)
	g.AddNode("n1", DefaultDomain, "Relu", 13, []*NodeArg{b}, []*NodeArg{a}, nil)
	g.AddNode("n2", DefaultDomain, "Relu", 13, []*NodeArg{a}, []*NodeArg{b}, nil)
	g.SetOutputs(b)
	require.ErrorContains(t, g.Finalize(), "cycle")

	// Dangling input value.
	g = New("dangling")
	phantom := g.Value("phantom", dtypes.Float32)
	out := g.Value("out", dtypes.Float32)
	g.AddNode("n1", DefaultDomain, "Relu", 13, []*NodeArg{phantom}, []*NodeArg{out}, nil)
	g.SetOutputs(out)
	require.ErrorContains(t, g.Finalize(), "never produced")

	// No outputs.
	g = New("no-outputs")
	g.AddInput("x", dtypes.Float32)
	require.ErrorContains(t, g.Finalize(), "no outputs")
}

func TestConstructionPanics(t *testing.T) {
	g := buildDiamond(t)

	// Finalized graphs cannot grow.
	assert.Panics(t, func() { g.Value("late", dtypes.Float32) })
	assert.Panics(t, func() {
		g.AddNode("late", DefaultDomain, "Relu", 13, nil, []*NodeArg{{name: "z"}}, nil)
	})

	// Redeclaring a value with a different dtype.
	g2 := New("redeclare")
	g2.Value("v", dtypes.Float32)
	assert.Panics(t, func() { g2.Value("v", dtypes.Int64) })

	// Two producers for the same value.
	g3 := New("two-producers")
	x := g3.AddInput("x", dtypes.Float32)
	v := g3.Value("v", dtypes.Float32)
	g3.AddNode("n1", DefaultDomain, "Relu", 13, []*NodeArg{x}, []*NodeArg{v}, nil)
	assert.Panics(t, func() {
		g3.AddNode("n2", DefaultDomain, "Neg", 13, []*NodeArg{x}, []*NodeArg{v}, nil)
	})
}

func TestAttrs(t *testing.T) {
	g := New("attrs")
	x := g.AddInput("x", dtypes.Float32)
	y := g.Value("y", dtypes.Int32)
	n := g.AddNode("cast1", DefaultDomain, "Cast", 13, []*NodeArg{x}, []*NodeArg{y},
		map[string]any{"to": int64(dtypes.Int32), "mode": "truncate"})

	v, err := n.IntAttr("to")
	require.NoError(t, err)
	assert.Equal(t, int64(dtypes.Int32), v)
	assert.True(t, n.HasAttr("mode"))
	assert.Equal(t, "truncate", n.StringAttrOr("mode", ""))
	assert.Equal(t, int64(7), n.IntAttrOr("missing", 7))
	_, err = n.IntAttr("missing")
	require.Error(t, err)
	_, err = n.IntAttr("mode")
	require.ErrorContains(t, err, "wanted an integer")
}

func TestProducer(t *testing.T) {
	g := buildDiamond(t)
	assert.Nil(t, g.Producer("x"))
	require.NotNil(t, g.Producer("r"))
	assert.Equal(t, "relu1", g.Producer("r").Name())
}
