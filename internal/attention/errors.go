package attention

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-tcsa/internal/device"
)

var (
	// ErrInvalidConfig is returned for non-positive sizes, unknown presets
	// and unknown pooling modes.
	ErrInvalidConfig = errors.New("invalid attention config")

	// ErrZeroBottleneck means floor(size/ratio) is zero.
	ErrZeroBottleneck = errors.New("excitation bottleneck width is zero")

	// ErrKernelSize means the spatial kernel is neither 3 nor 7.
	ErrKernelSize = errors.New("spatial kernel size must be 3 or 7")

	// ErrShapeMismatch is returned by Forward when the input does not match
	// the configured rank or extents.
	ErrShapeMismatch = errors.New("input shape mismatch")
)

// ConfigError describes a rejected construction parameter.
type ConfigError struct {
	Field string
	Value int
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("attention config: %s=%d: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ShapeError reports an input tensor that does not fit the module.
type ShapeError struct {
	Expected string
	Actual   device.Shape
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("attention input: expected %s, got %v", e.Expected, e.Actual)
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}
