// Package cpu implements the reference host-CPU execution provider.
//
// It covers a small but realistic operator set (elementwise arithmetic,
// MatMul, Cast, Identity, Sum), enough to run real graphs. Elementwise
// kernels split their work over a bounded worker pool; MatMul is backed by
// gonum's BLAS routines.
package cpu

import (
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/graphrt/graphrt/internal/workpool"
	"github.com/graphrt/graphrt/kernels"
	"github.com/graphrt/graphrt/providers"
	"github.com/graphrt/graphrt/streams"
)

// ProviderName to be used in GRAPHRT_PROVIDER to select this provider.
const ProviderName = "cpu"

func init() {
	providers.Register(ProviderName, New)
}

// New constructs a CPU provider.
//
// The configuration is a comma-separated list of key=value pairs. The only
// supported key is "parallelism", the soft cap on concurrent work inside
// kernels: 0 disables kernel parallelism, -1 removes the cap. The default is
// the number of CPUs.
func New(config string) (providers.Provider, error) {
	p := &Provider{pool: workpool.New()}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("cpu provider configuration %q: expected key=value, got %q", config, part)
		}
		switch key {
		case "parallelism":
			parallelism, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "cpu provider configuration %q: parsing parallelism", config)
			}
			p.pool.SetMaxParallelism(parallelism)
		default:
			return nil, errors.Errorf("cpu provider configuration %q: unknown key %q", config, key)
		}
	}
	return p, nil
}

// Provider is the CPU execution provider. Create it with New, or through
// providers.NewWithConfig("cpu").
type Provider struct {
	pool *workpool.Pool

	buildOnce sync.Once
	registry  *kernels.Registry
	buildErr  error
}

var _ providers.Provider = (*Provider)(nil)

// Type returns "cpu".
func (p *Provider) Type() string { return ProviderName }

// Description of the provider for pretty-printing.
func (p *Provider) Description() string {
	return "Reference host CPU provider (pure Go kernels, gonum BLAS MatMul)"
}

// KernelRegistry builds the provider's kernel registry on first use and
// returns the same instance afterwards.
func (p *Provider) KernelRegistry() (*kernels.Registry, error) {
	p.buildOnce.Do(func() {
		p.registry, p.buildErr = p.buildKernelRegistry()
	})
	return p.registry, p.buildErr
}

// NewStream creates a host stream. CPU work is synchronous, so the stream is
// a thin ordering shell over the calling goroutine.
func (p *Provider) NewStream(logger logr.Logger) (streams.Stream, error) {
	logger.V(2).Info("creating host stream", "provider", ProviderName)
	return streams.NewHostStream(ProviderName), nil
}

// Close releases the provider. Host kernels hold no resources beyond the
// worker pool, which is collected with the provider.
func (p *Provider) Close() error { return nil }
