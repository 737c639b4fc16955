// graphrt_inspect prints the kernel registries and the compiled execution
// plan of a session over a built-in demo graph, and optionally executes the
// plan, whole or in program-counter windows.
//
// It is both a diagnostic tool and a worked example of the runtime's API:
// provider selection, session construction, plan inspection and partial
// execution all appear here in their intended order.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/graphrt/graphrt/exec"
	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/internal/sets"
	"github.com/graphrt/graphrt/kernels"
	"github.com/graphrt/graphrt/providers"
	"github.com/graphrt/graphrt/session"
	"github.com/graphrt/graphrt/types/tensors"

	_ "github.com/graphrt/graphrt/providers/cpu"
)

var (
	flagProvider = flag.String("provider", "", "Execution provider configuration, formatted as "+
		"\"<name>:<config>\" (e.g. \"cpu:parallelism=4\"). Defaults to $GRAPHRT_PROVIDER, "+
		"then to the first registered provider.")
	flagKernels = flag.Bool("kernels", false, "List every kernel the selected provider registers.")
	flagPlan    = flag.Bool("plan", false, "Dump the execution plan compiled for the demo graph.")
	flagRun     = flag.Bool("run", false, "Execute the demo graph and print its outputs.")
	flagWindow  = flag.Int("window", 0, "With -run, execute in program-counter windows of this size "+
		"through the partial-execution engine instead of one whole-plan run. 0 runs the whole plan.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %v. See 'graphrt_inspect -help'.", flag.Args())
		os.Exit(1)
	}
	lipgloss.SetColorProfile(termenv.ColorProfile())
	if !*flagKernels && !*flagPlan && !*flagRun {
		fmt.Println("Nothing to do: pass -kernels, -plan and/or -run.")
		flag.Usage()
		os.Exit(1)
	}

	provider := must.M1(providers.NewWithConfig(*flagProvider))
	defer func() { must.M(provider.Close()) }()

	g := demoGraph()
	st := must.M1(session.New(g, []providers.Provider{provider}, nil))
	defer func() { must.M(st.Close()) }()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Session on %q", provider.Type())))
	fmt.Println(st.Stats())

	if *flagKernels {
		reportKernels(st)
	}
	if *flagPlan {
		reportPlan(st)
	}
	if *flagRun {
		runDemo(st)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// demoGraph is a tiny two-layer network over the reference op set:
//
//	h = relu(x · w1 + b1); out = h · w2
func demoGraph() *graph.Graph {
	g := graph.New("demo")
	x := g.AddInput("x", dtypes.Float32)
	w1 := g.AddInitializer("w1", tensors.FromFlatDataAndDimensions(
		[]float32{0.5, -1, 1, 0.25, -0.5, 2}, 3, 2))
	b1 := g.AddInitializer("b1", tensors.FromFlatDataAndDimensions(
		[]float32{0.1, -0.1, 0.1, -0.1}, 2, 2))
	w2 := g.AddInitializer("w2", tensors.FromFlatDataAndDimensions(
		[]float32{1, -1, 0.5, 0.5}, 2, 2))

	xw := g.Value("xw", dtypes.Float32)
	pre := g.Value("pre", dtypes.Float32)
	h := g.Value("h", dtypes.Float32)
	out := g.Value("out", dtypes.Float32)
	g.AddNode("matmul1", graph.DefaultDomain, "MatMul", 13, []*graph.NodeArg{x, w1}, []*graph.NodeArg{xw}, nil)
	g.AddNode("bias", graph.DefaultDomain, "Add", 13, []*graph.NodeArg{xw, b1}, []*graph.NodeArg{pre}, nil)
	g.AddNode("relu", graph.DefaultDomain, "Relu", 13, []*graph.NodeArg{pre}, []*graph.NodeArg{h}, nil)
	g.AddNode("matmul2", graph.DefaultDomain, "MatMul", 13, []*graph.NodeArg{h, w2}, []*graph.NodeArg{out}, nil)
	g.SetOutputs(out)
	return g
}

func demoFeeds() map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions([]float32{1, 0, -1, 0.5, 2, -0.5}, 2, 3),
	}
}

func reportKernels(st *session.State) {
	fmt.Println(titleStyle.Render("Registered Kernels"))
	table := newPlainTable(true)
	table.Row("Kernel", "Versions", "Type Constraints", "Hash")
	for _, providerType := range st.Manager().ProviderTypes() {
		registry, _ := st.Manager().ProviderRegistry(providerType)
		for _, def := range registry.AllDefs() {
			var constraints []string
			for _, symbol := range def.ConstraintSymbols() {
				allowed, _ := def.TypeConstraint(symbol)
				dtypeNames := make([]string, 0, len(allowed))
				for _, dtype := range sets.Sorted(allowed) {
					dtypeNames = append(dtypeNames, dtype.String())
				}
				constraints = append(constraints, fmt.Sprintf("%s ∈ {%s}", symbol, strings.Join(dtypeNames, ", ")))
			}
			until := "+"
			if def.UntilVersion() != kernels.VersionUnbounded {
				until = fmt.Sprintf("..%d", def.UntilVersion())
			}
			table.Row(def.String(),
				fmt.Sprintf("%d%s", def.SinceVersion(), until),
				strings.Join(constraints, "; "),
				fmt.Sprintf("%016x", def.Hash()))
		}
	}
	fmt.Println(table.Render())
}

func reportPlan(st *session.State) {
	fmt.Println(titleStyle.Render("Execution Plan"))
	plan := st.Plan()
	table := newPlainTable(true)
	table.Row("Stream", "Provider", "Steps", "Program")
	for i := range plan.NumStreams() {
		stream := plan.Stream(i)
		lines := make([]string, 0, stream.NumSteps())
		for _, step := range stream.Steps() {
			lines = append(lines, step.String())
		}
		table.Row(fmt.Sprintf("#%d", i), stream.ProviderType(),
			humanize.Comma(int64(stream.NumSteps())), strings.Join(lines, "\n"))
	}
	fmt.Println(table.Render())
	fmt.Printf("%d barriers, %d notifications, endPC=%d\n",
		plan.NumBarriers(), plan.NumNotifications(), plan.EndPC())
}

func runDemo(st *session.State) {
	fmt.Println(titleStyle.Render("Demo Run"))
	var fetches []*tensors.Tensor
	if *flagWindow <= 0 {
		fetches = must.M1(exec.Run(st, demoFeeds(), []string{"out"}, nil, st.Logger()))
	} else {
		fetches = runWindowed(st, *flagWindow)
	}
	fmt.Printf("out = %s\n", fetches[0])
}

// runWindowed executes the plan through the partial-execution engine,
// windowSize program counters at a time, as a resumable training driver would.
func runWindowed(st *session.State, windowSize int) []*tensors.Tensor {
	partial := exec.NewPartialState()
	defer func() { must.M(partial.Close()) }()

	plan := st.Plan()
	bar := progressbar.NewOptions(plan.NumSteps(),
		progressbar.OptionSetDescription(fmt.Sprintf("partial execution %s", partial.ID())),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish())
	var fetches []*tensors.Tensor
	for startPC := 0; startPC < plan.EndPC(); startPC += windowSize {
		endPC := min(startPC+windowSize, plan.EndPC())
		must.M(partial.SetWindow(startPC, endPC))
		region := partial.GetProgramRegions(st)
		fetches = must.M1(partial.Execute(st, demoFeeds(), []string{"out"}, nil, st.Logger()))
		must.M(bar.Add(region.NumSteps()))
	}
	must.M(bar.Finish())
	return fetches
}
