// Package session assembles a runnable session from a graph and a set of
// execution providers: it partitions the nodes across the providers, compiles
// the execution plan, binds every node to a concrete kernel and owns the pool
// of device stream collections that executions draw from.
package session

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/kernels"
	"github.com/graphrt/graphrt/planner"
	"github.com/graphrt/graphrt/providers"
	"github.com/graphrt/graphrt/streams"
	"github.com/graphrt/graphrt/types/tensors"
)

// Options configure session construction. The zero value works.
type Options struct {
	// DefaultProvider is the provider type that nodes with implicit inputs
	// (subgraph captures) are pinned to. It defaults to the first provider
	// given to New.
	DefaultProvider string

	// CustomRegistries are kernel registries searched before the providers'
	// own registries. Later entries take priority over earlier ones, and all
	// of them take priority over the providers.
	CustomRegistries []*kernels.Registry

	// Schemas used to resolve kernel type strings.
	// Defaults to graph.BuiltinSchemas().
	Schemas *graph.SchemaRegistry

	// Logger for session initialization and, by default, for executions.
	// Defaults to klog.Background().
	Logger logr.Logger
}

// State is an initialized session: everything needed to execute the graph,
// fully resolved. It is immutable after New and safe for concurrent
// executions; the stream pool synchronizes internally.
//
// The providers are borrowed, not owned: closing the session does not close
// them.
type State struct {
	graph          *graph.Graph
	providers      []providers.Provider
	providerByType map[string]providers.Provider
	defaultType    string
	manager        *kernels.Manager
	plan           *planner.Plan
	kernels        []kernels.OpKernel    // By node topological index.
	createInfos    []*kernels.CreateInfo // By node topological index.
	initializers   map[int]*tensors.Tensor
	logger         logr.Logger

	mu         sync.Mutex
	streamPool []*streams.Collection
}

// New builds a session for the graph on the given execution providers.
//
// The graph is finalized if it was not already. Nodes that the caller
// pre-assigned to a provider keep their assignment; the rest are partitioned
// onto the first provider, in the order given, that has a matching kernel.
// Every configuration problem (unknown provider, missing kernel, factory
// failure) surfaces here, never at execution time.
func New(g *graph.Graph, provs []providers.Provider, options *Options) (*State, error) {
	if g == nil {
		return nil, errors.New("session needs a graph")
	}
	if len(provs) == 0 {
		return nil, errors.New("session needs at least one execution provider")
	}
	if options == nil {
		options = &Options{}
	}
	logger := options.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}

	if err := g.Finalize(); err != nil {
		return nil, errors.WithMessagef(err, "finalizing graph %q", g.Name())
	}

	s := &State{
		graph:          g,
		providers:      provs,
		providerByType: make(map[string]providers.Provider, len(provs)),
		manager:        kernels.NewManager(options.Schemas),
		logger:         logger,
	}
	for _, p := range provs {
		s.providerByType[p.Type()] = p
	}
	s.defaultType = options.DefaultProvider
	if s.defaultType == "" {
		s.defaultType = provs[0].Type()
	}
	if _, found := s.providerByType[s.defaultType]; !found {
		return nil, errors.Errorf("default provider %q is not among the session's providers", s.defaultType)
	}

	if err := s.manager.RegisterKernels(kernelProviders(provs)...); err != nil {
		return nil, err
	}
	for _, registry := range options.CustomRegistries {
		s.manager.RegisterKernelRegistry(registry)
	}

	if err := s.partition(); err != nil {
		return nil, err
	}

	plan, err := planner.Compile(g)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "compiled plan for graph %q is inconsistent", g.Name())
	}
	s.plan = plan

	if err := s.bindKernels(); err != nil {
		return nil, err
	}
	if err := s.indexInitializers(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Session ready: %s", s.Stats())
	return s, nil
}

func kernelProviders(provs []providers.Provider) []kernels.Provider {
	kps := make([]kernels.Provider, len(provs))
	for i, p := range provs {
		kps[i] = p
	}
	return kps
}

// partition assigns every node to an execution provider. Pre-assigned nodes
// keep their assignment, nodes with implicit inputs pin to the default
// provider, the rest go to the first provider with a matching kernel.
func (s *State) partition() error {
	for _, n := range s.graph.Nodes() {
		if assigned := n.AssignedProvider(); assigned != "" {
			if _, found := s.providerByType[assigned]; !found {
				return errors.Errorf("node %s is pre-assigned to provider %q, which is not among the session's providers",
					n, assigned)
			}
			continue
		}
		if len(n.ImplicitInputs()) > 0 {
			n.SetAssignedProvider(s.defaultType)
			continue
		}
		found := false
		for _, p := range s.providers {
			if s.manager.HasImplementationOf(n, p.Type()) {
				n.SetAssignedProvider(p.Type())
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("no execution provider implements node %s, tried %v in order",
				n, providerTypes(s.providers))
		}
	}
	return nil
}

func providerTypes(provs []providers.Provider) []string {
	types := make([]string, len(provs))
	for i, p := range provs {
		types[i] = p.Type()
	}
	return types
}

func (s *State) bindKernels() error {
	s.kernels = make([]kernels.OpKernel, s.graph.NumNodes())
	s.createInfos = make([]*kernels.CreateInfo, s.graph.NumNodes())
	for _, n := range s.graph.Nodes() {
		ci, err := s.manager.SearchKernelRegistry(n)
		if err != nil {
			return errors.WithMessagef(err, "binding node %s", n)
		}
		kernel, err := s.manager.CreateKernel(n, s.providerByType[n.AssignedProvider()], s, ci)
		if err != nil {
			return err
		}
		s.kernels[n.Index()] = kernel
		s.createInfos[n.Index()] = ci
		klog.V(2).Infof("Bound node %s to kernel %s", n, ci.Def)
	}
	return nil
}

func (s *State) indexInitializers() error {
	s.initializers = make(map[int]*tensors.Tensor, len(s.graph.Initializers()))
	for name, t := range s.graph.Initializers() {
		idx, err := s.graph.ValueIndex(name)
		if err != nil {
			return err
		}
		s.initializers[idx] = t
	}
	return nil
}

// Logger of the session. Part of the kernels.InitContext surface.
func (s *State) Logger() logr.Logger { return s.logger }

// Initializer returns the constant tensor backing the named graph value.
// Part of the kernels.InitContext surface.
func (s *State) Initializer(name string) (*tensors.Tensor, bool) {
	t, found := s.graph.Initializers()[name]
	return t, found
}

// Graph the session was built for.
func (s *State) Graph() *graph.Graph { return s.graph }

// Plan is the compiled execution plan.
func (s *State) Plan() *planner.Plan { return s.plan }

// Manager holding the session's kernel registries.
func (s *State) Manager() *kernels.Manager { return s.manager }

// Kernel bound to the node with the given topological index.
func (s *State) Kernel(nodeIndex int) kernels.OpKernel { return s.kernels[nodeIndex] }

// KernelDef of the node with the given topological index.
func (s *State) KernelDef(nodeIndex int) *kernels.Def { return s.createInfos[nodeIndex].Def }

// Provider returns the session's provider of the given type.
func (s *State) Provider(providerType string) (providers.Provider, bool) {
	p, found := s.providerByType[providerType]
	return p, found
}

// InitializedTensors returns the initializer tensors keyed by value index.
// Treat the returned map as read-only.
func (s *State) InitializedTensors() map[int]*tensors.Tensor { return s.initializers }

// ValueIndexes resolves value names to their dense indexes.
func (s *State) ValueIndexes(names []string) ([]int, error) {
	indexes := make([]int, len(names))
	for i, name := range names {
		idx, err := s.graph.ValueIndex(name)
		if err != nil {
			return nil, err
		}
		indexes[i] = idx
	}
	return indexes, nil
}

// AcquireDeviceStreamCollection returns a collection with one device stream
// per logical stream of the plan, pooled across executions. The caller owns
// the returned collection exclusively: it either recycles it with
// RecycleDeviceStreamCollection or closes it, never both.
func (s *State) AcquireDeviceStreamCollection() (*streams.Collection, error) {
	s.mu.Lock()
	if n := len(s.streamPool); n > 0 {
		c := s.streamPool[n-1]
		s.streamPool = s.streamPool[:n-1]
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	deviceStreams := make([]streams.Stream, 0, s.plan.NumStreams())
	for i := range s.plan.NumStreams() {
		providerType := s.plan.Stream(i).ProviderType()
		p, found := s.providerByType[providerType]
		if !found {
			return nil, errors.Errorf("plan stream #%d wants provider %q, which the session does not have", i, providerType)
		}
		stream, err := p.NewStream(s.logger)
		if err != nil {
			for _, created := range deviceStreams {
				if closeErr := created.Close(); closeErr != nil {
					klog.Warningf("Closing stream after failed acquisition: %+v", closeErr)
				}
			}
			return nil, errors.WithMessagef(err, "creating device stream #%d on provider %q", i, providerType)
		}
		deviceStreams = append(deviceStreams, stream)
	}
	return streams.NewCollection(deviceStreams), nil
}

// RecycleDeviceStreamCollection returns a collection to the pool for reuse.
func (s *State) RecycleDeviceStreamCollection(c *streams.Collection) {
	if c == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamPool = append(s.streamPool, c)
}

// Close releases the pooled device streams. The session's providers are not
// closed; they belong to the caller.
func (s *State) Close() error {
	s.mu.Lock()
	pool := s.streamPool
	s.streamPool = nil
	s.mu.Unlock()

	var firstErr error
	for _, c := range pool {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a one-line human-readable summary of the session.
func (s *State) Stats() string {
	var initializerBytes uint64
	for _, t := range s.initializers {
		initializerBytes += uint64(t.Memory())
	}
	return fmt.Sprintf("graph %q: %s nodes, %s values, %d initializers (%s); plan: %d streams, %s steps, %d barriers, %d notifications",
		s.graph.Name(),
		humanize.Comma(int64(s.graph.NumNodes())),
		humanize.Comma(int64(s.graph.NumValues())),
		len(s.initializers),
		humanize.Bytes(initializerBytes),
		s.plan.NumStreams(),
		humanize.Comma(int64(s.plan.NumSteps())),
		s.plan.NumBarriers(),
		s.plan.NumNotifications())
}
