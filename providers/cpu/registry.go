package cpu

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/graphrt/graphrt/kernels"
	"github.com/graphrt/graphrt/types/tensors"
)

// Dtype groups used by the kernel definitions below.
var (
	// allDTypes is everything a host tensor can hold.
	allDTypes = tensors.SupportedDTypes

	// numericDTypes excludes Bool.
	numericDTypes = []dtypes.DType{
		dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
	}

	// signedDTypes are the types Neg is defined over.
	signedDTypes = []dtypes.DType{
		dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
	}

	floatDTypes = []dtypes.DType{
		dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
	}

	matMulDTypes = []dtypes.DType{dtypes.Float32, dtypes.Float64}
)

// cpuDef starts a kernel definition preset for this provider. All the ops of
// the reference set entered the default domain at opset 13.
func cpuDef(opType string) *kernels.DefBuilder {
	return kernels.NewDefBuilder(opType).Provider(ProviderName).SinceVersion(13)
}

func (p *Provider) buildKernelRegistry() (*kernels.Registry, error) {
	r := kernels.NewRegistry()

	type entry struct {
		def     *kernels.Def
		factory kernels.Factory
	}
	entries := []entry{
		{cpuDef("Add").TypeConstraint("T", numericDTypes...).Build(), p.binaryFactory("Add")},
		{cpuDef("Sub").TypeConstraint("T", numericDTypes...).Build(), p.binaryFactory("Sub")},
		{cpuDef("Mul").TypeConstraint("T", numericDTypes...).Build(), p.binaryFactory("Mul")},
		{cpuDef("Neg").TypeConstraint("T", signedDTypes...).Build(), p.unaryFactory("Neg")},
		{cpuDef("Relu").TypeConstraint("T", floatDTypes...).Build(), p.unaryFactory("Relu")},
		{cpuDef("Sum").TypeConstraint("T", floatDTypes...).Build(), p.sumFactory()},
		{cpuDef("MatMul").TypeConstraint("T", matMulDTypes...).Build(), matMulFactory},
		{cpuDef("Identity").TypeConstraint("V", allDTypes...).Build(), identityFactory},
		{cpuDef("Cast").
			TypeConstraint("T1", allDTypes...).
			TypeConstraint("T2", allDTypes...).Build(), castFactory},
	}
	for _, e := range entries {
		if err := r.Register(e.def, e.factory); err != nil {
			return nil, errors.WithMessagef(err, "building the cpu kernel registry")
		}
	}
	return r, nil
}

func (p *Provider) binaryFactory(op string) kernels.Factory {
	return func(info kernels.KernelInfo) (kernels.OpKernel, error) {
		if len(info.Node.Inputs()) != 2 || len(info.Node.Outputs()) != 1 {
			return nil, errors.Errorf("cpu %s kernel expects 2 inputs and 1 output, node %s has %d and %d",
				op, info.Node, len(info.Node.Inputs()), len(info.Node.Outputs()))
		}
		return &binaryKernel{pool: p.pool, op: op}, nil
	}
}

func (p *Provider) unaryFactory(op string) kernels.Factory {
	return func(info kernels.KernelInfo) (kernels.OpKernel, error) {
		if len(info.Node.Inputs()) != 1 || len(info.Node.Outputs()) != 1 {
			return nil, errors.Errorf("cpu %s kernel expects 1 input and 1 output, node %s has %d and %d",
				op, info.Node, len(info.Node.Inputs()), len(info.Node.Outputs()))
		}
		return &unaryKernel{pool: p.pool, op: op}, nil
	}
}

func (p *Provider) sumFactory() kernels.Factory {
	return func(info kernels.KernelInfo) (kernels.OpKernel, error) {
		if len(info.Node.Inputs()) == 0 {
			return nil, errors.Errorf("cpu Sum kernel needs at least one input, node %s has none", info.Node)
		}
		return &sumKernel{pool: p.pool}, nil
	}
}
