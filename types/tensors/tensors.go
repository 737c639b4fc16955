// Package tensors implements Tensor, a host-memory multi-dimensional array.
//
// Tensors are defined by their shape (a data type and its axes' dimensions)
// and their flat contents, stored as a Go slice of the corresponding Go type.
// They are the values fed to, produced by and fetched from graph execution.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): a tensor with the given shape and zero values.
//   - FromScalar[T dtypes.Supported](value T): a scalar tensor.
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): a tensor with the
//     given dimensions, filled with the scalar value given.
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): a tensor with the
//     given dimensions, initialized with the flattened values given in data.
//
// Not every dtype of the underlying enumeration is supported: see SupportedDTypes.
package tensors

import (
	"fmt"
	"reflect"
	"strings"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/graphrt/graphrt/types/shapes"
)

// Tensor is a multi-dimensional array of one of the supported dtypes.
// The flat data is stored in row-major order.
//
// A Tensor is not safe for concurrent mutation. The execution engine treats
// fed tensors as read-only and hands out freshly allocated output tensors.
type Tensor struct {
	shape shapes.Shape
	flat  any // Slice of the Go type matching shape.DType, of length shape.Size().
}

// SupportedDTypes lists the dtypes a Tensor can hold.
// Notably, the complex dtypes of the underlying enumeration are not included.
var SupportedDTypes = []dtypes.DType{
	dtypes.Bool,
	dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
	dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
	dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
}

// newFlatForDType allocates the flat slice backing a tensor.
// Unlisted dtypes are rejected with an error, never a zero value.
func newFlatForDType(dtype dtypes.DType, size int) (any, error) {
	switch dtype {
	case dtypes.Bool:
		return make([]bool, size), nil
	case dtypes.Int8:
		return make([]int8, size), nil
	case dtypes.Int16:
		return make([]int16, size), nil
	case dtypes.Int32:
		return make([]int32, size), nil
	case dtypes.Int64:
		return make([]int64, size), nil
	case dtypes.Uint8:
		return make([]uint8, size), nil
	case dtypes.Uint16:
		return make([]uint16, size), nil
	case dtypes.Uint32:
		return make([]uint32, size), nil
	case dtypes.Uint64:
		return make([]uint64, size), nil
	case dtypes.Float16:
		return make([]float16.Float16, size), nil
	case dtypes.BFloat16:
		return make([]bfloat16.BFloat16, size), nil
	case dtypes.Float32:
		return make([]float32, size), nil
	case dtypes.Float64:
		return make([]float64, size), nil
	default:
		return nil, errors.Errorf("unsupported dtype %s: tensors support %v", dtype, SupportedDTypes)
	}
}

// Zeros returns a zero-initialized tensor of the given shape.
// It returns an error if the shape is invalid or its dtype is not in SupportedDTypes.
func Zeros(shape shapes.Shape) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("cannot create a tensor with invalid shape %s", shape)
	}
	flat, err := newFlatForDType(shape.DType, shape.Size())
	if err != nil {
		return nil, err
	}
	return &Tensor{shape: shape.Clone(), flat: flat}, nil
}

// FromShape is like Zeros, but panics on invalid shapes.
// Prefer Zeros when the shape comes from outside the program.
func FromShape(shape shapes.Shape) *Tensor {
	t, err := Zeros(shape)
	if err != nil {
		panic(err)
	}
	return t
}

// FromScalar creates a scalar tensor with the given value.
// The DType is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
// The DType is inferred from the value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	t := FromShape(shapes.Make(dtype, dimensions...))
	flat := t.flat.([]T)
	for i := range flat {
		flat[i] = value
	}
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, initialized with the
// flattened values given in data. The data is copied into the tensor.
// The DType is inferred from the data type.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	var dummy T
	if _, isInt := any(dummy).(int); isInt {
		// The flat data is int32 or int64 depending on the platform's int width,
		// so copy by bytes.
		dst := t.flat
		dstBytes := flatBytes(dst)
		srcBytes := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(dummy))
		copy(dstBytes, srcBytes)
		return t
	}
	copy(t.flat.([]T), data)
	return t
}

func flatBytes(flat any) []byte {
	v := reflect.ValueOf(flat)
	n := uintptr(v.Len()) * v.Type().Elem().Size()
	return unsafe.Slice((*byte)(v.UnsafePointer()), n)
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size is the number of elements, the product of the shape's dimensions.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory is the number of bytes used by the tensor's flat data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Flat returns the underlying flat data slice, typed as the Go type matching
// the tensor's dtype. The slice is shared with the tensor, not a copy.
func (t *Tensor) Flat() any { return t.flat }

// Data returns the tensor's flat data as a []T. The slice is shared with the
// tensor, not a copy. It returns an error if T does not match the tensor's dtype.
func Data[T dtypes.Supported](t *Tensor) ([]T, error) {
	flat, ok := t.flat.([]T)
	if !ok {
		var dummy T
		return nil, errors.Errorf("tensor holds %s (%T), cannot access it as []%T",
			t.DType(), t.flat, dummy)
	}
	return flat, nil
}

// MustData is like Data, but panics on dtype mismatch.
// Use it only after the dtype has already been checked.
func MustData[T dtypes.Supported](t *Tensor) []T {
	flat, err := Data[T](t)
	if err != nil {
		panic(err)
	}
	return flat
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := FromShape(t.shape)
	copy(flatBytes(c.flat), flatBytes(t.flat))
	return c
}

// CopyFrom copies other's flat data into t. The shapes must be equal.
func (t *Tensor) CopyFrom(other *Tensor) error {
	if !t.shape.Equal(other.shape) {
		return errors.Errorf("cannot copy a %s tensor into a %s tensor", other.shape, t.shape)
	}
	copy(flatBytes(t.flat), flatBytes(other.flat))
	return nil
}

// Equal returns whether the two tensors have the same shape and the same flat
// values. NaN values compare as different, following Go's == on floats.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil {
		return false
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, other.flat)
}

// MaxElementsForString caps how many elements String prints.
var MaxElementsForString = 16

// String pretty-prints the shape and a prefix of the flat values.
func (t *Tensor) String() string {
	if t == nil {
		return "(nil tensor)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: [", t.shape)
	v := reflect.ValueOf(t.flat)
	n := min(v.Len(), MaxElementsForString)
	for i := range n {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%v", v.Index(i).Interface())
	}
	if v.Len() > n {
		fmt.Fprintf(&sb, " ... (%d more)", v.Len()-n)
	}
	sb.WriteString("]")
	return sb.String()
}
