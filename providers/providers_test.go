package providers

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphrt/graphrt/kernels"
	"github.com/graphrt/graphrt/streams"
)

type fakeProvider struct {
	name   string
	config string
}

func (p *fakeProvider) Type() string        { return p.name }
func (p *fakeProvider) Description() string { return "fake provider " + p.name }
func (p *fakeProvider) Close() error        { return nil }

func (p *fakeProvider) KernelRegistry() (*kernels.Registry, error) {
	return kernels.NewRegistry(), nil
}

func (p *fakeProvider) NewStream(_ logr.Logger) (streams.Stream, error) {
	return streams.NewHostStream(p.name), nil
}

func registerFake(name string) {
	Register(name, func(config string) (Provider, error) {
		return &fakeProvider{name: name, config: config}, nil
	})
}

func TestRegisterAndNames(t *testing.T) {
	registerFake("zeta")
	registerFake("alpha")
	names := Names()
	assert.Contains(t, names, "zeta")
	assert.Contains(t, names, "alpha")
	assert.True(t, slicesIsSorted(names))

	assert.Panics(t, func() { registerFake("zeta") })
}

func slicesIsSorted(names []string) bool {
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			return false
		}
	}
	return true
}

func TestNewWithConfig(t *testing.T) {
	registerFake("confable")

	p, err := NewWithConfig("confable")
	require.NoError(t, err)
	assert.Equal(t, "confable", p.Type())
	assert.Empty(t, p.(*fakeProvider).config)

	p, err = NewWithConfig("confable:parallelism=2")
	require.NoError(t, err)
	assert.Equal(t, "parallelism=2", p.(*fakeProvider).config)

	_, err = NewWithConfig("no-such-provider")
	require.ErrorContains(t, err, `no execution provider "no-such-provider"`)
}

func TestNewUsesEnvironment(t *testing.T) {
	registerFake("envable")
	t.Setenv(GRAPHRT_PROVIDER, "envable:from-env")

	p, err := New()
	require.NoError(t, err)
	assert.Equal(t, "envable", p.Type())
	assert.Equal(t, "from-env", p.(*fakeProvider).config)
}

func TestNewFallsBackToFirstRegistered(t *testing.T) {
	if len(registeredConstructors) == 0 {
		registerFake("fallback")
	}
	p, err := NewWithConfig("")
	require.NoError(t, err)
	assert.Equal(t, firstRegistered, p.Type())
}
