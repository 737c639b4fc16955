package cpu

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/graphrt/graphrt/kernels"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/tensors"
)

// castKernel converts its input to the dtype named by the node's "to"
// attribute. The target dtype is validated at construction, so a bad "to"
// fails session initialization, not the run.
type castKernel struct {
	to dtypes.DType
}

func castFactory(info kernels.KernelInfo) (kernels.OpKernel, error) {
	value, err := info.Node.IntAttr("to")
	if err != nil {
		return nil, errors.WithMessage(err, "cpu Cast kernel")
	}
	to := dtypes.DType(value)
	if !slices.Contains(tensors.SupportedDTypes, to) {
		return nil, errors.Errorf("cpu Cast kernel: node %s casts to unsupported dtype %s", info.Node, to)
	}
	if len(info.Node.Outputs()) != 1 {
		return nil, errors.Errorf("cpu Cast kernel expects 1 output, node %s has %d",
			info.Node, len(info.Node.Outputs()))
	}
	if got := info.Node.Outputs()[0].DType(); got != to {
		return nil, errors.Errorf("cpu Cast kernel: node %s declares output dtype %s but casts to %s",
			info.Node, got, to)
	}
	return &castKernel{to: to}, nil
}

func (k *castKernel) Compute(ctx kernels.ComputeContext) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	out, err := ctx.Output(0, shapes.Make(k.to, in.Shape().Dimensions...))
	if err != nil {
		return err
	}
	return castTensor(out, in)
}

// castTensor converts src into dst, which must have the same number of
// elements. POD source types convert with Go's native conversions; the half
// float encodings and Bool bridge through float32.
func castTensor(dst, src *tensors.Tensor) error {
	switch src.DType() {
	case dtypes.Int8:
		return castFrom(dst, tensors.MustData[int8](src))
	case dtypes.Int16:
		return castFrom(dst, tensors.MustData[int16](src))
	case dtypes.Int32:
		return castFrom(dst, tensors.MustData[int32](src))
	case dtypes.Int64:
		return castFrom(dst, tensors.MustData[int64](src))
	case dtypes.Uint8:
		return castFrom(dst, tensors.MustData[uint8](src))
	case dtypes.Uint16:
		return castFrom(dst, tensors.MustData[uint16](src))
	case dtypes.Uint32:
		return castFrom(dst, tensors.MustData[uint32](src))
	case dtypes.Uint64:
		return castFrom(dst, tensors.MustData[uint64](src))
	case dtypes.Float32:
		return castFrom(dst, tensors.MustData[float32](src))
	case dtypes.Float64:
		return castFrom(dst, tensors.MustData[float64](src))
	case dtypes.Float16:
		return castFrom(dst, float16ToFloat32(tensors.MustData[float16.Float16](src)))
	case dtypes.BFloat16:
		return castFrom(dst, bfloat16ToFloat32(tensors.MustData[bfloat16.BFloat16](src)))
	case dtypes.Bool:
		return castFrom(dst, boolToFloat32(tensors.MustData[bool](src)))
	default:
		return errors.Errorf("cpu Cast: unsupported source dtype %s", src.DType())
	}
}

func castFrom[From podNumeric](dst *tensors.Tensor, src []From) error {
	switch dst.DType() {
	case dtypes.Int8:
		convertFlat(tensors.MustData[int8](dst), src)
	case dtypes.Int16:
		convertFlat(tensors.MustData[int16](dst), src)
	case dtypes.Int32:
		convertFlat(tensors.MustData[int32](dst), src)
	case dtypes.Int64:
		convertFlat(tensors.MustData[int64](dst), src)
	case dtypes.Uint8:
		convertFlat(tensors.MustData[uint8](dst), src)
	case dtypes.Uint16:
		convertFlat(tensors.MustData[uint16](dst), src)
	case dtypes.Uint32:
		convertFlat(tensors.MustData[uint32](dst), src)
	case dtypes.Uint64:
		convertFlat(tensors.MustData[uint64](dst), src)
	case dtypes.Float32:
		convertFlat(tensors.MustData[float32](dst), src)
	case dtypes.Float64:
		convertFlat(tensors.MustData[float64](dst), src)
	case dtypes.Float16:
		flat := tensors.MustData[float16.Float16](dst)
		for i, v := range src {
			flat[i] = float16.Fromfloat32(float32(v))
		}
	case dtypes.BFloat16:
		flat := tensors.MustData[bfloat16.BFloat16](dst)
		for i, v := range src {
			flat[i] = bfloat16.FromFloat32(float32(v))
		}
	case dtypes.Bool:
		flat := tensors.MustData[bool](dst)
		for i, v := range src {
			flat[i] = v != 0
		}
	default:
		return errors.Errorf("cpu Cast: unsupported target dtype %s", dst.DType())
	}
	return nil
}

func convertFlat[To, From podNumeric](dst []To, src []From) {
	for i, v := range src {
		dst[i] = To(v)
	}
}

func float16ToFloat32(src []float16.Float16) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = v.Float32()
	}
	return out
}

func bfloat16ToFloat32(src []bfloat16.BFloat16) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = v.Float32()
	}
	return out
}

func boolToFloat32(src []bool) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		if v {
			out[i] = 1
		}
	}
	return out
}
