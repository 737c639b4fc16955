package cpu

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/graphrt/graphrt/internal/workpool"
	"github.com/graphrt/graphrt/kernels"
	"github.com/graphrt/graphrt/types/tensors"
)

// podNumeric are the plain-old-data element types Go can do arithmetic on
// directly. Float16 and BFloat16 are encodings, not arithmetic types, and get
// their own implementations that bridge through float32.
type podNumeric interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// minElementsPerChunk is the smallest chunk worth handing to the worker pool.
const minElementsPerChunk = 4096

func addFlat[T podNumeric](dst, a, b []T) {
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
}

func subFlat[T podNumeric](dst, a, b []T) {
	for i := range dst {
		dst[i] = a[i] - b[i]
	}
}

func mulFlat[T podNumeric](dst, a, b []T) {
	for i := range dst {
		dst[i] = a[i] * b[i]
	}
}

func negFlat[T podNumeric](dst, a []T) {
	for i := range dst {
		dst[i] = -a[i]
	}
}

func reluFlat[T podNumeric](dst, a []T) {
	for i := range dst {
		if a[i] < 0 {
			dst[i] = 0
		} else {
			dst[i] = a[i]
		}
	}
}

// binaryKernel computes an elementwise binary op over two same-shape inputs.
type binaryKernel struct {
	pool *workpool.Pool
	op   string // "Add", "Sub" or "Mul".
}

func (k *binaryKernel) Compute(ctx kernels.ComputeContext) error {
	a, err := ctx.Input(0)
	if err != nil {
		return err
	}
	b, err := ctx.Input(1)
	if err != nil {
		return err
	}
	if !a.Shape().Equal(b.Shape()) {
		return errors.Errorf("cpu %s expects inputs of the same shape, got %s and %s",
			k.op, a.Shape(), b.Shape())
	}
	out, err := ctx.Output(0, a.Shape())
	if err != nil {
		return err
	}
	switch a.DType() {
	case dtypes.Int8:
		return runBinary[int8](k, out, a, b)
	case dtypes.Int16:
		return runBinary[int16](k, out, a, b)
	case dtypes.Int32:
		return runBinary[int32](k, out, a, b)
	case dtypes.Int64:
		return runBinary[int64](k, out, a, b)
	case dtypes.Uint8:
		return runBinary[uint8](k, out, a, b)
	case dtypes.Uint16:
		return runBinary[uint16](k, out, a, b)
	case dtypes.Uint32:
		return runBinary[uint32](k, out, a, b)
	case dtypes.Uint64:
		return runBinary[uint64](k, out, a, b)
	case dtypes.Float32:
		return runBinary[float32](k, out, a, b)
	case dtypes.Float64:
		return runBinary[float64](k, out, a, b)
	case dtypes.Float16:
		return runBinaryFloat16(k, out, a, b)
	case dtypes.BFloat16:
		return runBinaryBFloat16(k, out, a, b)
	default:
		return errors.Errorf("cpu %s: unsupported dtype %s", k.op, a.DType())
	}
}

func runBinary[T podNumeric](k *binaryKernel, out, a, b *tensors.Tensor) error {
	dst := tensors.MustData[T](out)
	av := tensors.MustData[T](a)
	bv := tensors.MustData[T](b)
	var fn func(dst, a, b []T)
	switch k.op {
	case "Add":
		fn = addFlat[T]
	case "Sub":
		fn = subFlat[T]
	case "Mul":
		fn = mulFlat[T]
	default:
		return errors.Errorf("no cpu implementation of binary op %q", k.op)
	}
	k.pool.ParallelFor(len(dst), minElementsPerChunk, func(start, end int) {
		fn(dst[start:end], av[start:end], bv[start:end])
	})
	return nil
}

func (k *binaryKernel) float32Op() (func(x, y float32) float32, error) {
	switch k.op {
	case "Add":
		return func(x, y float32) float32 { return x + y }, nil
	case "Sub":
		return func(x, y float32) float32 { return x - y }, nil
	case "Mul":
		return func(x, y float32) float32 { return x * y }, nil
	}
	return nil, errors.Errorf("no cpu implementation of binary op %q", k.op)
}

func runBinaryFloat16(k *binaryKernel, out, a, b *tensors.Tensor) error {
	dst := tensors.MustData[float16.Float16](out)
	av := tensors.MustData[float16.Float16](a)
	bv := tensors.MustData[float16.Float16](b)
	fn, err := k.float32Op()
	if err != nil {
		return err
	}
	k.pool.ParallelFor(len(dst), minElementsPerChunk, func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = float16.Fromfloat32(fn(av[i].Float32(), bv[i].Float32()))
		}
	})
	return nil
}

func runBinaryBFloat16(k *binaryKernel, out, a, b *tensors.Tensor) error {
	dst := tensors.MustData[bfloat16.BFloat16](out)
	av := tensors.MustData[bfloat16.BFloat16](a)
	bv := tensors.MustData[bfloat16.BFloat16](b)
	fn, err := k.float32Op()
	if err != nil {
		return err
	}
	k.pool.ParallelFor(len(dst), minElementsPerChunk, func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = bfloat16.FromFloat32(fn(av[i].Float32(), bv[i].Float32()))
		}
	})
	return nil
}

// unaryKernel computes an elementwise unary op.
type unaryKernel struct {
	pool *workpool.Pool
	op   string // "Neg" or "Relu".
}

func (k *unaryKernel) Compute(ctx kernels.ComputeContext) error {
	a, err := ctx.Input(0)
	if err != nil {
		return err
	}
	out, err := ctx.Output(0, a.Shape())
	if err != nil {
		return err
	}
	switch a.DType() {
	case dtypes.Int8:
		return runUnary[int8](k, out, a)
	case dtypes.Int16:
		return runUnary[int16](k, out, a)
	case dtypes.Int32:
		return runUnary[int32](k, out, a)
	case dtypes.Int64:
		return runUnary[int64](k, out, a)
	case dtypes.Float32:
		return runUnary[float32](k, out, a)
	case dtypes.Float64:
		return runUnary[float64](k, out, a)
	case dtypes.Float16:
		return runUnaryFloat16(k, out, a)
	case dtypes.BFloat16:
		return runUnaryBFloat16(k, out, a)
	default:
		return errors.Errorf("cpu %s: unsupported dtype %s", k.op, a.DType())
	}
}

func runUnary[T podNumeric](k *unaryKernel, out, a *tensors.Tensor) error {
	dst := tensors.MustData[T](out)
	av := tensors.MustData[T](a)
	var fn func(dst, a []T)
	switch k.op {
	case "Neg":
		fn = negFlat[T]
	case "Relu":
		fn = reluFlat[T]
	default:
		return errors.Errorf("no cpu implementation of unary op %q", k.op)
	}
	k.pool.ParallelFor(len(dst), minElementsPerChunk, func(start, end int) {
		fn(dst[start:end], av[start:end])
	})
	return nil
}

func (k *unaryKernel) float32Op() (func(x float32) float32, error) {
	switch k.op {
	case "Neg":
		return func(x float32) float32 { return -x }, nil
	case "Relu":
		return func(x float32) float32 { return max(x, 0) }, nil
	}
	return nil, errors.Errorf("no cpu implementation of unary op %q", k.op)
}

func runUnaryFloat16(k *unaryKernel, out, a *tensors.Tensor) error {
	dst := tensors.MustData[float16.Float16](out)
	av := tensors.MustData[float16.Float16](a)
	fn, err := k.float32Op()
	if err != nil {
		return err
	}
	k.pool.ParallelFor(len(dst), minElementsPerChunk, func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = float16.Fromfloat32(fn(av[i].Float32()))
		}
	})
	return nil
}

func runUnaryBFloat16(k *unaryKernel, out, a *tensors.Tensor) error {
	dst := tensors.MustData[bfloat16.BFloat16](out)
	av := tensors.MustData[bfloat16.BFloat16](a)
	fn, err := k.float32Op()
	if err != nil {
		return err
	}
	k.pool.ParallelFor(len(dst), minElementsPerChunk, func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = bfloat16.FromFloat32(fn(av[i].Float32()))
		}
	})
	return nil
}

// sumKernel adds any number of same-shape inputs. The first input seeds the
// output, the rest are accumulated in place.
type sumKernel struct {
	pool *workpool.Pool
}

func (k *sumKernel) Compute(ctx kernels.ComputeContext) error {
	first, err := ctx.Input(0)
	if err != nil {
		return err
	}
	out, err := ctx.Output(0, first.Shape())
	if err != nil {
		return err
	}
	if err := out.CopyFrom(first); err != nil {
		return err
	}
	for i := 1; i < ctx.NumInputs(); i++ {
		in, err := ctx.Input(i)
		if err != nil {
			return err
		}
		if !in.Shape().Equal(out.Shape()) {
			return errors.Errorf("cpu Sum expects inputs of the same shape, input #%d is %s, wanted %s",
				i, in.Shape(), out.Shape())
		}
		if err := k.accumulate(out, in); err != nil {
			return err
		}
	}
	return nil
}

func (k *sumKernel) accumulate(out, in *tensors.Tensor) error {
	switch out.DType() {
	case dtypes.Float32:
		return sumInto[float32](k.pool, out, in)
	case dtypes.Float64:
		return sumInto[float64](k.pool, out, in)
	case dtypes.Float16:
		dst := tensors.MustData[float16.Float16](out)
		inv := tensors.MustData[float16.Float16](in)
		k.pool.ParallelFor(len(dst), minElementsPerChunk, func(start, end int) {
			for i := start; i < end; i++ {
				dst[i] = float16.Fromfloat32(dst[i].Float32() + inv[i].Float32())
			}
		})
		return nil
	case dtypes.BFloat16:
		dst := tensors.MustData[bfloat16.BFloat16](out)
		inv := tensors.MustData[bfloat16.BFloat16](in)
		k.pool.ParallelFor(len(dst), minElementsPerChunk, func(start, end int) {
			for i := start; i < end; i++ {
				dst[i] = bfloat16.FromFloat32(dst[i].Float32() + inv[i].Float32())
			}
		})
		return nil
	default:
		return errors.Errorf("cpu Sum: unsupported dtype %s", out.DType())
	}
}

func sumInto[T podNumeric](pool *workpool.Pool, out, in *tensors.Tensor) error {
	dst := tensors.MustData[T](out)
	inv := tensors.MustData[T](in)
	pool.ParallelFor(len(dst), minElementsPerChunk, func(start, end int) {
		addFlat(dst[start:end], dst[start:end], inv[start:end])
	})
	return nil
}

// identityKernel copies its input to its output, whatever the dtype.
type identityKernel struct{}

func identityFactory(info kernels.KernelInfo) (kernels.OpKernel, error) {
	if len(info.Node.Inputs()) != 1 || len(info.Node.Outputs()) != 1 {
		return nil, errors.Errorf("cpu Identity kernel expects 1 input and 1 output, node %s has %d and %d",
			info.Node, len(info.Node.Inputs()), len(info.Node.Outputs()))
	}
	return identityKernel{}, nil
}

func (identityKernel) Compute(ctx kernels.ComputeContext) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	out, err := ctx.Output(0, in.Shape())
	if err != nil {
		return err
	}
	return out.CopyFrom(in)
}
