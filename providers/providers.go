// Package providers defines the execution provider interface of the runtime
// and the constructor registry concrete providers register themselves into.
//
// A provider is a source of compute kernels plus the device streams they run
// on. Providers register a constructor at package initialization, data only;
// the provider instance itself, including its kernel registry, is built when
// a session asks for it.
package providers

import (
	"os"
	"slices"
	"strings"

	"github.com/go-logr/logr"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/graphrt/graphrt/kernels"
	"github.com/graphrt/graphrt/streams"
)

// Provider is an execution provider. One instance serves one session at a
// time; Close invalidates it.
type Provider interface {
	kernels.Provider

	// Description is a longer description of the provider for pretty-printing.
	Description() string

	// NewStream creates a device stream for one logical stream of an
	// execution plan. The caller owns the stream and must Close it.
	NewStream(logger logr.Logger) (streams.Stream, error)

	// Close releases the provider's resources.
	Close() error
}

// Constructor takes a provider-specific configuration string, possibly empty,
// and builds the provider.
type Constructor func(config string) (Provider, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register makes a provider constructor available under the given name.
//
// Call it from the provider package's init function. Registering the same
// name twice panics.
func Register(name string, constructor Constructor) {
	if _, found := registeredConstructors[name]; found {
		exceptions.Panicf("execution provider %q registered twice", name)
	}
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Names returns the registered provider names, sorted.
func Names() []string {
	names := maps.Keys(registeredConstructors)
	slices.Sort(names)
	return names
}

// DefaultConfig, if set, is the configuration New uses when the
// GRAPHRT_PROVIDER environment variable is not defined.
var DefaultConfig string

// GRAPHRT_PROVIDER is the environment variable with the default provider
// configuration.
//
// The format of the configuration is "<provider_name>:<provider_config>".
// The "<provider_name>" part is the name of a registered provider (e.g.:
// "cpu") and "<provider_config>" is provider specific. The ":<provider_config>"
// part is optional.
const GRAPHRT_PROVIDER = "GRAPHRT_PROVIDER"

// New returns a provider built from the default configuration.
//
// The default is:
//
// 1. The environment GRAPHRT_PROVIDER is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered provider is used with an empty configuration.
func New() (Provider, error) {
	if config, found := os.LookupEnv(GRAPHRT_PROVIDER); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig builds a provider from a configuration string formatted as
// "<provider_name>:<provider_config>". See GRAPHRT_PROVIDER for the format.
// An empty configuration selects the first registered provider.
func NewWithConfig(config string) (Provider, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf("no execution providers registered, import one " +
			`(e.g.: import _ "github.com/graphrt/graphrt/providers/cpu")`)
	}
	name := firstRegistered
	providerConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		providerConfig = config[idx+1:]
	} else if config != "" {
		name = config
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("no execution provider %q registered (have %v), for configuration %q",
			name, Names(), config)
	}
	p, err := constructor(providerConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "building execution provider %q from configuration %q", name, config)
	}
	return p, nil
}
