package kernels

import (
	"fmt"
	"hash/fnv"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphrt/graphrt/internal/sets"
)

// VersionUnbounded marks a kernel definition with no upper operator set
// version: the kernel implements its op from SinceVersion on.
const VersionUnbounded = math.MaxInt

// Def describes one kernel implementation: which op it implements, for which
// provider, over which operator set versions, and the dtypes each of the
// op's type-constraint symbols may take. Defs are immutable; build them with
// NewDefBuilder.
type Def struct {
	opType       string
	domain       string
	provider     string
	sinceVersion int
	untilVersion int

	constraintSymbols []string // Sorted.
	constraints       map[string]sets.Set[dtypes.DType]

	hash uint64
}

// OpType the kernel implements.
func (d *Def) OpType() string { return d.opType }

// Domain of the op.
func (d *Def) Domain() string { return d.domain }

// Provider type the kernel runs on.
func (d *Def) Provider() string { return d.provider }

// SinceVersion is the first operator set version the kernel supports.
func (d *Def) SinceVersion() int { return d.sinceVersion }

// UntilVersion is the last operator set version the kernel supports,
// inclusive. VersionUnbounded means no upper bound.
func (d *Def) UntilVersion() int { return d.untilVersion }

// IsVersionSupported returns whether the kernel covers the given operator set
// version.
func (d *Def) IsVersionSupported(version int) bool {
	return version >= d.sinceVersion && version <= d.untilVersion
}

// ConstraintSymbols returns the type-constraint symbols the def restricts,
// sorted. Treat the returned slice as read-only.
func (d *Def) ConstraintSymbols() []string { return d.constraintSymbols }

// TypeConstraint returns the dtypes allowed for the given symbol.
func (d *Def) TypeConstraint(symbol string) (sets.Set[dtypes.DType], bool) {
	s, found := d.constraints[symbol]
	return s, found
}

// Hash is a stable fingerprint of the definition: equal definitions hash
// equal across processes and builds. It is the identity used to detect
// duplicate registrations and to look kernels up in minimal-build scenarios.
func (d *Def) Hash() uint64 { return d.hash }

// String returns a compact description, e.g. `Add(cpu, v13+)`.
func (d *Def) String() string {
	until := "+"
	if d.untilVersion != VersionUnbounded {
		until = fmt.Sprintf("-%d", d.untilVersion)
	}
	domain := ""
	if d.domain != "" {
		domain = d.domain + "."
	}
	return fmt.Sprintf("%s%s(%s, v%d%s)", domain, d.opType, d.provider, d.sinceVersion, until)
}

func (d *Def) computeHash() uint64 {
	h := fnv.New64a()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(d.domain)
	write(d.opType)
	write(d.provider)
	write(fmt.Sprintf("%d:%d", d.sinceVersion, d.untilVersion))
	for _, symbol := range d.constraintSymbols {
		write(symbol)
		for _, dtype := range sets.Sorted(d.constraints[symbol]) {
			write(dtype.String())
		}
	}
	return h.Sum64()
}

// DefBuilder builds a Def. All methods return the builder for chaining, and
// Build panics on an inconsistent definition: builders are driven by
// provider registration code, where an invalid definition is a bug, not an
// input error.
type DefBuilder struct {
	def *Def
}

// NewDefBuilder starts the definition of a kernel for the given op type in
// the default domain.
func NewDefBuilder(opType string) *DefBuilder {
	return &DefBuilder{def: &Def{
		opType:       opType,
		sinceVersion: 1,
		untilVersion: VersionUnbounded,
		constraints:  make(map[string]sets.Set[dtypes.DType]),
	}}
}

// Domain sets the op's domain. The default is graph.DefaultDomain.
func (b *DefBuilder) Domain(domain string) *DefBuilder {
	b.def.domain = domain
	return b
}

// Provider sets the execution provider type the kernel runs on.
func (b *DefBuilder) Provider(providerType string) *DefBuilder {
	b.def.provider = providerType
	return b
}

// SinceVersion sets the first supported operator set version, leaving the
// range open-ended.
func (b *DefBuilder) SinceVersion(version int) *DefBuilder {
	b.def.sinceVersion = version
	b.def.untilVersion = VersionUnbounded
	return b
}

// VersionRange sets the inclusive range of supported operator set versions.
func (b *DefBuilder) VersionRange(since, until int) *DefBuilder {
	b.def.sinceVersion = since
	b.def.untilVersion = until
	return b
}

// TypeConstraint restricts the given type-constraint symbol to the listed
// dtypes. Repeated calls for the same symbol accumulate.
func (b *DefBuilder) TypeConstraint(symbol string, allowed ...dtypes.DType) *DefBuilder {
	s, found := b.def.constraints[symbol]
	if !found {
		s = sets.Make[dtypes.DType](len(allowed))
		b.def.constraints[symbol] = s
		b.def.constraintSymbols = append(b.def.constraintSymbols, symbol)
	}
	s.Insert(allowed...)
	return b
}

// Build finalizes the definition and computes its hash.
// It panics if the definition is inconsistent.
func (b *DefBuilder) Build() *Def {
	if b.def == nil {
		exceptions.Panicf("kernels.DefBuilder.Build called twice")
	}
	d := b.def
	b.def = nil
	if d.opType == "" {
		exceptions.Panicf("kernel def needs an op type")
	}
	if d.provider == "" {
		exceptions.Panicf("kernel def for %q needs a provider type", d.opType)
	}
	if d.sinceVersion < 1 || d.untilVersion < d.sinceVersion {
		exceptions.Panicf("kernel def for %q has an invalid version range [%d, %d]",
			d.opType, d.sinceVersion, d.untilVersion)
	}
	for symbol, allowed := range d.constraints {
		if len(allowed) == 0 {
			exceptions.Panicf("kernel def for %q constrains symbol %q to an empty dtype set", d.opType, symbol)
		}
	}
	slices.Sort(d.constraintSymbols)
	d.hash = d.computeHash()
	return d
}
