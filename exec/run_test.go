package exec

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/kernels"
	"github.com/graphrt/graphrt/providers"
	"github.com/graphrt/graphrt/session"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/tensors"
)

func TestRunChain(t *testing.T) {
	st, err := session.New(chainGraph(), []providers.Provider{newCPU(t)}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	// a = x+y, b = a*y, c = relu(b), out = c+x.
	fetches, err := Run(st, feeds([]float32{1, -3}, []float32{2, 1}), []string{"out", "b"}, nil, logr.Logger{})
	require.NoError(t, err)
	require.Len(t, fetches, 2)
	assert.Equal(t, []float32{7, -3}, tensors.MustData[float32](fetches[0]))
	assert.Equal(t, []float32{6, -2}, tensors.MustData[float32](fetches[1]))

	// A second run reuses the pooled device streams and a fresh frame.
	// a = [-1, 1], b = [1, 1], c = [1, 1], out = [1, 1].
	fetches, err = Run(st, feeds([]float32{0, 0}, []float32{-1, 1}), []string{"out"}, nil, logr.Logger{})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1}, tensors.MustData[float32](fetches[0]))
}

func TestRunMultiStream(t *testing.T) {
	accel := &testProvider{typ: "accel", ops: []string{"Mul"}}
	st, err := session.New(crossStreamGraph(), []providers.Provider{accel, newCPU(t)}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()
	require.Equal(t, 2, st.Plan().NumStreams())

	fetches, err := Run(st, feeds([]float32{2, 3}, []float32{5, 7}), []string{"out"}, nil, logr.Logger{})
	require.NoError(t, err)
	assert.Equal(t, []float32{12, 24}, tensors.MustData[float32](fetches[0]))
	assert.Equal(t, []int{0}, accel.Executed())
}

func TestRunUsesFetchAllocator(t *testing.T) {
	st, err := session.New(chainGraph(), []providers.Provider{newCPU(t)}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	var preallocated *tensors.Tensor
	allocators := map[string]FetchAllocator{
		"out": func(shape shapes.Shape) (*tensors.Tensor, error) {
			preallocated = tensors.FromShape(shape)
			return preallocated, nil
		},
	}
	// a = [4, 6], b = [12, 24], c = [12, 24], out = [13, 26].
	fetches, err := Run(st, feeds([]float32{1, 2}, []float32{3, 4}), []string{"out"}, allocators, logr.Logger{})
	require.NoError(t, err)
	require.NotNil(t, preallocated)
	assert.Same(t, preallocated, fetches[0], "the kernel must write into the allocator's tensor")
	assert.Equal(t, []float32{13, 26}, tensors.MustData[float32](fetches[0]))
}

// failingProvider implements Mul with a kernel that always fails, to exercise
// the error path of a multi-stream run.
type failingProvider struct {
	testProvider
}

func (p *failingProvider) KernelRegistry() (*kernels.Registry, error) {
	r := kernels.NewRegistry()
	def := kernels.NewDefBuilder("Mul").Provider(p.typ).SinceVersion(13).
		TypeConstraint("T", dtypes.Float32).Build()
	err := r.Register(def, func(kernels.KernelInfo) (kernels.OpKernel, error) {
		return failingKernel{}, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

type failingKernel struct{}

func (failingKernel) Compute(kernels.ComputeContext) error {
	return errors.New("device fault")
}

func TestRunFailureReleasesWaitingStreams(t *testing.T) {
	// The cpu stream waits on the accel stream's Mul, which fails. The run
	// must surface the kernel error, not hang on the orphaned barrier.
	fail := &failingProvider{testProvider{typ: "accel"}}
	st, err := session.New(crossStreamGraph(), []providers.Provider{fail, newCPU(t)}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()
	require.Equal(t, 2, st.Plan().NumStreams())

	// Either the kernel fault or the woken consumer's missing input may be
	// reported first; what matters is that Run returns instead of parking.
	_, err = Run(st, feeds([]float32{1}, []float32{1}), []string{"out"}, nil, logr.Logger{})
	require.Error(t, err)
}

func TestRunReportsMissingFetch(t *testing.T) {
	g := graph.New("dangling")
	x := g.AddInput("x", dtypes.Float32)
	g.AddInput("unused", dtypes.Float32)
	out := g.Value("out", dtypes.Float32)
	g.AddNode("relu", graph.DefaultDomain, "Relu", 13, []*graph.NodeArg{x}, []*graph.NodeArg{out}, nil)
	g.SetOutputs(out)

	st, err := session.New(g, []providers.Provider{newCPU(t)}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	// "unused" is a valid value that no feed and no step produces.
	_, err = Run(st, map[string]*tensors.Tensor{"x": tensors.FromFlatDataAndDimensions([]float32{-1, 2}, 2)},
		[]string{"out", "unused"}, nil, logr.Logger{})
	require.ErrorContains(t, err, `fetch "unused" was not produced`)
}
