package device

import (
	"fmt"
	"strings"
)

// MaxElements bounds the element count of a single tensor.
const MaxElements = 1 << 30

// Shape is the extent of each tensor axis, outermost first.
type Shape []int

// CheckedElements returns the product of all dimensions. ok is false when a
// dimension is non-positive or the product exceeds MaxElements.
func (s Shape) CheckedElements() (n int, ok bool) {
	n = 1
	for _, d := range s {
		if d <= 0 || d > MaxElements/n {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// NumElements returns the product of all dimensions. The shape must have
// passed CheckedElements.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether both shapes have the same rank and extents.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the shape.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Strides returns row-major strides in elements.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}

// BroadcastsTo reports whether a tensor of shape s can be broadcast onto
// target: same rank, and every dimension either matches or is 1.
func (s Shape) BroadcastsTo(target Shape) bool {
	if len(s) != len(target) {
		return false
	}
	for i := range s {
		if s[i] != target[i] && s[i] != 1 {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Tensor represents a dense row-major float32 array of arbitrary rank.
type Tensor interface {
	// Shape returns the dimensions of the tensor.
	Shape() Shape

	// At returns the value at the given multi-index.
	// This is slow and should be used for debugging or infrequent access.
	At(idx ...int) float32

	// Set sets the value at the given multi-index.
	Set(v float32, idx ...int)

	// Data returns the underlying slice.
	Data() []float32

	// ToHost copies the data to a new Go slice.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice into the tensor.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor of identical shape.
	Copy(from Tensor)

	// Clone returns a deep copy.
	Clone() Tensor

	// Reshape returns a view sharing the same data with a new shape.
	Reshape(shape ...int) Tensor

	// Elementwise operations (In-Place). other must broadcast onto t.
	Mul(other Tensor)
	Add(other Tensor)
	Scale(val float32)

	// Activation functions (In-Place)
	Sigmoid()
	ReLU()

	// MeanKeep and MaxKeep reduce over the given axes, keeping them as
	// size-1 dimensions. Returns new Tensor.
	MeanKeep(axes ...int) Tensor
	MaxKeep(axes ...int) Tensor

	// Concat joins t and others along axis. Returns new Tensor.
	Concat(axis int, others ...Tensor) Tensor

	// Linear computes t * weight^T + bias for t of shape (N, in),
	// weight (out, in) and optional bias (out). Returns (N, out).
	Linear(weight, bias Tensor) Tensor

	// Conv2D performs a stride-1, zero-padded, bias-free convolution of t
	// (N, Cin, H, W) with weight (Cout, Cin, KH, KW).
	// Returns (N, Cout, H+2p-KH+1, W+2p-KW+1).
	Conv2D(weight Tensor, padding int) Tensor
}

// Backend creates tensors and manages memory.
type Backend interface {
	Name() string
	NewTensor(shape Shape, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(shape Shape) Tensor

	// PutTensor returns a tensor to the pool.
	// The caller must not use t (or any view of it) afterwards.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}
