package exec

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/kernels"
	"github.com/graphrt/graphrt/planner"
	"github.com/graphrt/graphrt/providers"
	"github.com/graphrt/graphrt/providers/cpu"
	"github.com/graphrt/graphrt/session"
	"github.com/graphrt/graphrt/streams"
	"github.com/graphrt/graphrt/types/tensors"
)

// testProvider implements the given float32 ops with working kernels and
// records the topological index of every node it executes.
type testProvider struct {
	typ string
	ops []string

	mu       sync.Mutex
	executed []int
}

func (p *testProvider) Type() string        { return p.typ }
func (p *testProvider) Description() string { return "test provider " + p.typ }
func (p *testProvider) Close() error        { return nil }

func (p *testProvider) NewStream(_ logr.Logger) (streams.Stream, error) {
	return streams.NewHostStream(p.typ), nil
}

func (p *testProvider) KernelRegistry() (*kernels.Registry, error) {
	r := kernels.NewRegistry()
	for _, op := range p.ops {
		def := kernels.NewDefBuilder(op).Provider(p.typ).SinceVersion(13).
			TypeConstraint(typeSymbolOf(op), dtypes.Float32).Build()
		op := op
		if err := r.Register(def, func(kernels.KernelInfo) (kernels.OpKernel, error) {
			return &testKernel{provider: p, op: op}, nil
		}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func typeSymbolOf(op string) string {
	if op == "Identity" {
		return "V"
	}
	return "T"
}

// Executed returns the sorted node indexes run so far.
func (p *testProvider) Executed() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]int(nil), p.executed...)
	sort.Ints(out)
	return out
}

type testKernel struct {
	provider *testProvider
	op       string
}

func (k *testKernel) Compute(ctx kernels.ComputeContext) error {
	k.provider.mu.Lock()
	k.provider.executed = append(k.provider.executed, ctx.Node().Index())
	k.provider.mu.Unlock()

	a, err := ctx.Input(0)
	if err != nil {
		return err
	}
	out, err := ctx.Output(0, a.Shape())
	if err != nil {
		return err
	}
	dst := tensors.MustData[float32](out)
	av := tensors.MustData[float32](a)
	switch k.op {
	case "Add", "Mul":
		b, err := ctx.Input(1)
		if err != nil {
			return err
		}
		bv := tensors.MustData[float32](b)
		for i := range dst {
			if k.op == "Add" {
				dst[i] = av[i] + bv[i]
			} else {
				dst[i] = av[i] * bv[i]
			}
		}
	case "Relu":
		for i := range dst {
			dst[i] = max(av[i], 0)
		}
	case "Identity":
		copy(dst, av)
	default:
		return fmt.Errorf("test kernel cannot compute %s", k.op)
	}
	return nil
}

// chainGraph is a 4-node single-output chain:
//
//	a = x + y; b = a * y; c = Relu(b); out = c + x
func chainGraph() *graph.Graph {
	g := graph.New("chain")
	x := g.AddInput("x", dtypes.Float32)
	y := g.AddInput("y", dtypes.Float32)
	a := g.Value("a", dtypes.Float32)
	b := g.Value("b", dtypes.Float32)
	c := g.Value("c", dtypes.Float32)
	out := g.Value("out", dtypes.Float32)
	g.AddNode("add1", graph.DefaultDomain, "Add", 13, []*graph.NodeArg{x, y}, []*graph.NodeArg{a}, nil)
	g.AddNode("mul", graph.DefaultDomain, "Mul", 13, []*graph.NodeArg{a, y}, []*graph.NodeArg{b}, nil)
	g.AddNode("relu", graph.DefaultDomain, "Relu", 13, []*graph.NodeArg{b}, []*graph.NodeArg{c}, nil)
	g.AddNode("add2", graph.DefaultDomain, "Add", 13, []*graph.NodeArg{c, x}, []*graph.NodeArg{out}, nil)
	g.SetOutputs(out)
	return g
}

// crossStreamGraph forces two streams when built on providers where only
// "accel" implements Mul: m = x * y on accel, out = m + x on cpu.
func crossStreamGraph() *graph.Graph {
	g := graph.New("cross-stream")
	x := g.AddInput("x", dtypes.Float32)
	y := g.AddInput("y", dtypes.Float32)
	m := g.Value("m", dtypes.Float32)
	out := g.Value("out", dtypes.Float32)
	g.AddNode("mul", graph.DefaultDomain, "Mul", 13, []*graph.NodeArg{x, y}, []*graph.NodeArg{m}, nil)
	g.AddNode("add", graph.DefaultDomain, "Add", 13, []*graph.NodeArg{m, x}, []*graph.NodeArg{out}, nil)
	g.SetOutputs(out)
	return g
}

func newCPU(t *testing.T) providers.Provider {
	p, err := cpu.New("")
	require.NoError(t, err)
	return p
}

func feeds(x, y []float32) map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions(x, len(x)),
		"y": tensors.FromFlatDataAndDimensions(y, len(y)),
	}
}

func launchSteps(pcs ...int) []planner.Step {
	steps := make([]planner.Step, len(pcs))
	for i, pc := range pcs {
		steps[i] = planner.NewLaunchKernelStep(pc, pc, fmt.Sprintf("n%d", pc))
	}
	return steps
}

func TestComputeProgramRegionRanges(t *testing.T) {
	plan := planner.NewPlan([]*planner.LogicalStream{
		planner.NewLogicalStream("cpu", launchSteps(0, 2, 5, 9)),
		planner.NewLogicalStream("accel", launchSteps(1, 3, 7)),
	}, 0, nil, 10)

	region := computeProgramRegion(plan, 2, 7)
	start, end := region.StreamRange(0)
	assert.Equal(t, [2]int{1, 3}, [2]int{start, end}, "stream #0 should cover pcs 2 and 5")
	start, end = region.StreamRange(1)
	assert.Equal(t, [2]int{1, 2}, [2]int{start, end}, "stream #1 should cover pc 3 only, 7 is excluded")
	assert.Equal(t, 3, region.NumSteps())

	// The whole plan.
	region = computeProgramRegion(plan, 0, 10)
	start, end = region.StreamRange(0)
	assert.Equal(t, [2]int{0, 4}, [2]int{start, end})
	start, end = region.StreamRange(1)
	assert.Equal(t, [2]int{0, 3}, [2]int{start, end})

	// A window covering no step of either stream.
	region = computeProgramRegion(plan, 4, 5)
	start, end = region.StreamRange(0)
	assert.Equal(t, start, end)
	start, end = region.StreamRange(1)
	assert.Equal(t, start, end)
	assert.Equal(t, 0, region.NumSteps())
}

func TestProgramRegionsAreCached(t *testing.T) {
	st, err := session.New(chainGraph(), []providers.Provider{newCPU(t)}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	p := NewPartialState()
	defer func() { require.NoError(t, p.Close()) }()
	require.NoError(t, p.SetWindow(0, 2))
	r1 := p.GetProgramRegions(st)
	r2 := p.GetProgramRegions(st)
	assert.Same(t, r1, r2, "repeating a window must reuse the cached region")

	require.NoError(t, p.SetWindow(2, 4))
	r3 := p.GetProgramRegions(st)
	assert.NotSame(t, r1, r3)

	// Returning to an earlier window hits the cache, it never recomputes.
	require.NoError(t, p.SetWindow(0, 2))
	assert.Same(t, r1, p.GetProgramRegions(st))
}

func TestTwoWindowsRunEveryStepOnce(t *testing.T) {
	accel := &testProvider{typ: "accel", ops: []string{"Add", "Mul", "Relu"}}
	g := chainGraph()
	st, err := session.New(g, []providers.Provider{accel}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	x, y := []float32{1, -3}, []float32{2, 1}
	want, err := Run(st, feeds(x, y), []string{"out"}, nil, logr.Logger{})
	require.NoError(t, err)
	accel.mu.Lock()
	accel.executed = nil
	accel.mu.Unlock()

	p := NewPartialState()
	defer func() { require.NoError(t, p.Close()) }()

	require.NoError(t, p.SetWindow(0, 2))
	partial, err := p.Execute(st, feeds(x, y), []string{"out"}, nil, logr.Logger{})
	require.NoError(t, err)
	require.Len(t, partial, 1)
	assert.Nil(t, partial[0], "out is produced by a later window")

	require.NoError(t, p.SetWindow(2, st.Plan().EndPC()))
	partial, err = p.Execute(st, feeds(x, y), []string{"out"}, nil, logr.Logger{})
	require.NoError(t, err)
	require.NotNil(t, partial[0])
	assert.Equal(t, tensors.MustData[float32](want[0]), tensors.MustData[float32](partial[0]))

	// Every node ran exactly once across the two windows.
	assert.Equal(t, []int{0, 1, 2, 3}, accel.Executed())
}

func TestCrossStreamSyncSpansWindows(t *testing.T) {
	accel := &testProvider{typ: "accel", ops: []string{"Mul"}}
	st, err := session.New(crossStreamGraph(), []providers.Provider{accel, newCPU(t)}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()
	require.Equal(t, 2, st.Plan().NumStreams())
	require.Equal(t, 1, st.Plan().NumNotifications())

	p := NewPartialState()
	defer func() { require.NoError(t, p.Close()) }()

	// Window 1 runs the producer, activating the notification and triggering
	// the barrier the consumer's window will resolve against.
	x, y := []float32{2, 3}, []float32{5, 7}
	require.NoError(t, p.SetWindow(0, 1))
	_, err = p.Execute(st, feeds(x, y), []string{"out"}, nil, logr.Logger{})
	require.NoError(t, err)

	require.NoError(t, p.SetWindow(1, 2))
	fetches, err := p.Execute(st, feeds(x, y), []string{"out"}, nil, logr.Logger{})
	require.NoError(t, err)
	require.NotNil(t, fetches[0])
	assert.Equal(t, []float32{2*5 + 2, 3*7 + 3}, tensors.MustData[float32](fetches[0]))
}

func TestSkippedProducerWindowDeadlocks(t *testing.T) {
	accel := &testProvider{typ: "accel", ops: []string{"Mul"}}
	st, err := session.New(crossStreamGraph(), []providers.Provider{accel, newCPU(t)}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	// Jumping straight to the consumer's window leaves its barrier without a
	// producer trigger; the scheduler must fail instead of parking forever.
	p := NewPartialState()
	defer func() { require.NoError(t, p.Close()) }()
	require.NoError(t, p.SetWindow(1, 2))
	_, err = p.Execute(st, feeds([]float32{1}, []float32{1}), []string{"out"}, nil, logr.Logger{})
	require.ErrorContains(t, err, "execution plan deadlock")
}

func TestSetWindowValidation(t *testing.T) {
	p := NewPartialState()
	require.Error(t, p.SetWindow(-1, 0))
	require.Error(t, p.SetWindow(3, 1))
	require.NoError(t, p.SetWindow(0, 0))
	require.NoError(t, p.SetWindow(2, 2))
}

func TestClosedPartialStateRejectsUse(t *testing.T) {
	st, err := session.New(chainGraph(), []providers.Provider{newCPU(t)}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	p := NewPartialState()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "Close is idempotent")

	_, err = p.GetDeviceStreamCollection(st)
	require.ErrorContains(t, err, "closed")
	_, err = p.Execute(st, nil, nil, nil, logr.Logger{})
	require.ErrorContains(t, err, "closed")
}

func TestPartialStreamsAreReleasedNotPooled(t *testing.T) {
	st, err := session.New(chainGraph(), []providers.Provider{newCPU(t)}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	p := NewPartialState()
	c1, err := p.GetDeviceStreamCollection(st)
	require.NoError(t, err)
	c2, err := p.GetDeviceStreamCollection(st)
	require.NoError(t, err)
	assert.Same(t, c1, c2, "the collection is acquired once and cached")

	require.NoError(t, p.Close())
	c3, err := st.AcquireDeviceStreamCollection()
	require.NoError(t, err)
	assert.NotSame(t, c1, c3, "closed partial-execution streams never re-enter the pool")
	require.NoError(t, c3.Close())
}
