package kernels

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/graphrt/graphrt/graph"
)

// Manager aggregates the kernel registries a session searches when binding
// nodes to kernels: one registry per execution provider type, plus any
// number of custom registries registered on top of them.
//
// Custom registries take priority over provider registries, and a custom
// registry registered later takes priority over one registered earlier. This
// lets callers override individual kernels without touching the providers.
//
// A Manager is populated during session initialization from one goroutine.
// Afterwards it is read-only and safe for concurrent searches; the type
// string resolver it owns synchronizes internally.
type Manager struct {
	providerRegistries map[string]*Registry
	providerOrder      []string    // Provider types in registration order.
	customRegistries   []*Registry // Most recently registered first.

	resolver *TypeStrResolver
	schemas  *graph.SchemaRegistry
}

// NewManager creates a Manager resolving kernel type strings against the
// given op schemas. A nil schemas uses graph.BuiltinSchemas.
func NewManager(schemas *graph.SchemaRegistry) *Manager {
	if schemas == nil {
		schemas = graph.BuiltinSchemas()
	}
	return &Manager{
		providerRegistries: make(map[string]*Registry),
		resolver:           NewTypeStrResolver(),
		schemas:            schemas,
	}
}

// Schemas returns the op schema registry the manager resolves against.
func (m *Manager) Schemas() *graph.SchemaRegistry { return m.schemas }

// Resolver returns the manager's kernel type string resolver.
func (m *Manager) Resolver() *TypeStrResolver { return m.resolver }

// SetResolver replaces the manager's resolver. It is meant for deployments
// that load pre-computed resolutions instead of deriving them from op
// schemas. Call it before any search.
func (m *Manager) SetResolver(resolver *TypeStrResolver) {
	if resolver == nil {
		exceptions.Panicf("kernels.Manager.SetResolver: resolver must not be nil")
	}
	m.resolver = resolver
}

// RegisterKernels registers the kernel registries of the given execution
// providers. Registering two providers of the same type is an error.
func (m *Manager) RegisterKernels(providers ...Provider) error {
	for _, p := range providers {
		providerType := p.Type()
		if _, found := m.providerRegistries[providerType]; found {
			return errors.Errorf("execution provider type %q registered more than once", providerType)
		}
		registry, err := p.KernelRegistry()
		if err != nil {
			return errors.WithMessagef(err, "building kernel registry of provider %q", providerType)
		}
		if registry == nil {
			return errors.Errorf("provider %q returned a nil kernel registry", providerType)
		}
		m.providerRegistries[providerType] = registry
		m.providerOrder = append(m.providerOrder, providerType)
		klog.V(1).Infof("Registered %d kernels for execution provider %q", registry.NumKernels(), providerType)
	}
	return nil
}

// RegisterKernelRegistry adds a custom kernel registry with priority over
// all previously registered ones, custom and provider alike.
func (m *Manager) RegisterKernelRegistry(registry *Registry) {
	if registry == nil {
		return
	}
	m.customRegistries = append([]*Registry{registry}, m.customRegistries...)
	klog.V(1).Infof("Registered custom kernel registry with %d kernels", registry.NumKernels())
}

// ProviderTypes returns the registered provider types, sorted.
func (m *Manager) ProviderTypes() []string {
	types := maps.Keys(m.providerRegistries)
	slices.Sort(types)
	return types
}

// ProviderRegistry returns the registry of the given provider type.
func (m *Manager) ProviderRegistry(providerType string) (*Registry, bool) {
	r, found := m.providerRegistries[providerType]
	return r, found
}

// KernelRegistriesByProviderType returns the registries searched for nodes
// assigned to the given provider type: the custom registries, highest
// priority first, followed by the provider's own registry.
func (m *Manager) KernelRegistriesByProviderType(providerType string) []*Registry {
	registries := slices.Clone(m.customRegistries)
	if r, found := m.providerRegistries[providerType]; found {
		registries = append(registries, r)
	}
	return registries
}

// SearchKernelRegistry finds the kernel to run the node on its assigned
// execution provider. The node must have been assigned a provider first
// (see the session's partitioning).
//
// The search visits custom registries before the provider's registry, so a
// matching custom kernel always wins. Failures wrap ErrNotFound unless the
// search itself could not proceed (e.g. an unresolvable kernel type string).
func (m *Manager) SearchKernelRegistry(n *graph.Node) (*CreateInfo, error) {
	providerType := n.AssignedProvider()
	if providerType == "" {
		return nil, errors.Errorf("node %s has not been assigned an execution provider", n)
	}
	if err := m.resolver.ResolveOrRegister(n, m.schemas); err != nil {
		return nil, err
	}
	return m.searchForProviderType(n, providerType)
}

func (m *Manager) searchForProviderType(n *graph.Node, providerType string) (*CreateInfo, error) {
	registries := m.KernelRegistriesByProviderType(providerType)
	if len(registries) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "no kernel registries to search for provider %q", providerType)
	}
	if len(registries) == 1 {
		return registries[0].TryFindKernel(n, providerType, m.resolver)
	}
	var rejections []string
	for _, registry := range registries {
		ci, err := registry.TryFindKernel(n, providerType, m.resolver)
		if err == nil {
			return ci, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		rejections = append(rejections, err.Error())
	}
	return nil, errors.Wrapf(ErrNotFound, "searched %d registries for node %s on provider %q: [%s]",
		len(registries), n, providerType, strings.Join(rejections, " | "))
}

// HasImplementationOf reports whether some registry holds a kernel that
// could run the node on the given provider type, regardless of the node's
// current provider assignment. Partitioning uses it to probe capability.
func (m *Manager) HasImplementationOf(n *graph.Node, providerType string) bool {
	if err := m.resolver.ResolveOrRegister(n, m.schemas); err != nil {
		return false
	}
	_, err := m.searchForProviderType(n, providerType)
	return err == nil
}

// SearchKernelRegistriesByHash finds a kernel by its definition hash,
// searching custom registries first and provider registries in registration
// order. The hash identifies a kernel def uniquely, so priority only decides
// ties between registries holding the very same definition.
func (m *Manager) SearchKernelRegistriesByHash(hash uint64) (*CreateInfo, error) {
	for _, registry := range m.customRegistries {
		if ci, found := registry.LookupByHash(hash); found {
			return ci, nil
		}
	}
	for _, providerType := range m.providerOrder {
		if ci, found := m.providerRegistries[providerType].LookupByHash(hash); found {
			return ci, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "no kernel with def hash %#016x in any registry", hash)
}

// CreateKernel constructs the kernel for the node from a previously searched
// CreateInfo. Factory panics are converted to errors, so a misbehaving
// kernel registration fails session initialization instead of crashing it.
func (m *Manager) CreateKernel(n *graph.Node, provider Provider, session InitContext, createInfo *CreateInfo) (OpKernel, error) {
	if provider == nil {
		return nil, errors.Errorf("cannot create kernel for node %s without an execution provider", n)
	}
	if createInfo == nil || createInfo.Factory == nil {
		return nil, errors.Errorf("no kernel create info for node %s", n)
	}
	var kernel OpKernel
	err := exceptions.TryCatch[error](func() {
		var factoryErr error
		kernel, factoryErr = createInfo.Factory(KernelInfo{
			Def:      createInfo.Def,
			Node:     n,
			Provider: provider,
			Session:  session,
		})
		if factoryErr != nil {
			panic(factoryErr)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating kernel %s for node %s", createInfo.Def, n)
	}
	if kernel == nil {
		return nil, errors.Errorf("kernel factory for %s returned a nil kernel for node %s", createInfo.Def, n)
	}
	return kernel, nil
}
