package cpu

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/graphrt/graphrt/kernels"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/tensors"
)

// matMulKernel multiplies two matrices through gonum's BLAS bindings.
// Only rank-2 operands are supported; batching is the planner's business in
// this runtime, not the kernel's.
type matMulKernel struct{}

func matMulFactory(info kernels.KernelInfo) (kernels.OpKernel, error) {
	if len(info.Node.Inputs()) != 2 || len(info.Node.Outputs()) != 1 {
		return nil, errors.Errorf("cpu MatMul kernel expects 2 inputs and 1 output, node %s has %d and %d",
			info.Node, len(info.Node.Inputs()), len(info.Node.Outputs()))
	}
	return matMulKernel{}, nil
}

func (matMulKernel) Compute(ctx kernels.ComputeContext) error {
	a, err := ctx.Input(0)
	if err != nil {
		return err
	}
	b, err := ctx.Input(1)
	if err != nil {
		return err
	}
	if a.Shape().Rank() != 2 || b.Shape().Rank() != 2 {
		return errors.Errorf("cpu MatMul supports rank-2 operands only, got %s x %s", a.Shape(), b.Shape())
	}
	m, k := a.Shape().Dim(0), a.Shape().Dim(1)
	k2, n := b.Shape().Dim(0), b.Shape().Dim(1)
	if k != k2 {
		return errors.Errorf("cpu MatMul: inner dimensions must agree, got %s x %s", a.Shape(), b.Shape())
	}
	out, err := ctx.Output(0, shapes.Make(a.DType(), m, n))
	if err != nil {
		return err
	}
	switch a.DType() {
	case dtypes.Float32:
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: m, Cols: k, Stride: k, Data: tensors.MustData[float32](a)},
			blas32.General{Rows: k, Cols: n, Stride: n, Data: tensors.MustData[float32](b)},
			0,
			blas32.General{Rows: m, Cols: n, Stride: n, Data: tensors.MustData[float32](out)})
	case dtypes.Float64:
		blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas64.General{Rows: m, Cols: k, Stride: k, Data: tensors.MustData[float64](a)},
			blas64.General{Rows: k, Cols: n, Stride: n, Data: tensors.MustData[float64](b)},
			0,
			blas64.General{Rows: m, Cols: n, Stride: n, Data: tensors.MustData[float64](out)})
	default:
		return errors.Errorf("cpu MatMul: unsupported dtype %s", a.DType())
	}
	return nil
}
