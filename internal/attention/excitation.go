package attention

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-tcsa/internal/device"
)

// Excitation is the shared bottleneck MLP of the time and channel gates:
// Linear(n -> n/r), ReLU, Linear(n/r -> n). Both pooled statistics go
// through the same weights; their pre-activations are summed and a single
// sigmoid yields the gate.
type Excitation struct {
	size    int
	hidden  int
	backend device.Backend

	fc1, fc2 *Parameter
	b1, b2   *Parameter
}

func newExcitation(prefix, field string, size, ratio int, bias bool, rng *rand.Rand, backend device.Backend) (*Excitation, error) {
	if ratio <= 0 {
		return nil, &ConfigError{Field: field, Value: ratio, Err: ErrInvalidConfig}
	}
	hidden := size / ratio
	if hidden < 1 {
		return nil, &ConfigError{
			Field: field,
			Value: ratio,
			Err:   fmt.Errorf("%w: floor(%d/%d) = 0", ErrZeroBottleneck, size, ratio),
		}
	}

	e := &Excitation{
		size:    size,
		hidden:  hidden,
		backend: backend,
		fc1:     newParameter(prefix+".fc1.weight", xavierTensor(backend, rng, device.Shape{hidden, size}, size, hidden)),
		fc2:     newParameter(prefix+".fc2.weight", xavierTensor(backend, rng, device.Shape{size, hidden}, hidden, size)),
	}
	if bias {
		e.b1 = newParameter(prefix+".fc1.bias", biasTensor(backend, rng, hidden, size))
		e.b2 = newParameter(prefix+".fc2.bias", biasTensor(backend, rng, size, hidden))
	}
	return e, nil
}

// BottleneckWidth is floor(size/ratio).
func (e *Excitation) BottleneckWidth() int {
	return e.hidden
}

// Size is the length of the gated axis.
func (e *Excitation) Size() int {
	return e.size
}

func (e *Excitation) Parameters() []*Parameter {
	params := []*Parameter{e.fc1}
	if e.b1 != nil {
		params = append(params, e.b1)
	}
	params = append(params, e.fc2)
	if e.b2 != nil {
		params = append(params, e.b2)
	}
	return params
}

// Forward maps the pooled statistics (N, size) to a gate (N, size).
func (e *Excitation) Forward(avg, peak device.Tensor) device.Tensor {
	out := e.mlp(avg)
	m := e.mlp(peak)
	out.Add(m)
	e.backend.PutTensor(m)
	out.Sigmoid()
	return out
}

func (e *Excitation) mlp(x device.Tensor) device.Tensor {
	h := x.Linear(e.fc1.tensor, paramTensor(e.b1))
	h.ReLU()
	out := h.Linear(e.fc2.tensor, paramTensor(e.b2))
	e.backend.PutTensor(h)
	return out
}

func paramTensor(p *Parameter) device.Tensor {
	if p == nil {
		return nil
	}
	return p.tensor
}

// xavierTensor fills a new tensor with Xavier/Glorot uniform values.
func xavierTensor(backend device.Backend, rng *rand.Rand, shape device.Shape, fanIn, fanOut int) device.Tensor {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return backend.NewTensor(shape, data)
}

// biasTensor draws from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func biasTensor(backend device.Backend, rng *rand.Rand, size, fanIn int) device.Tensor {
	bound := 1 / math.Sqrt(float64(fanIn))
	data := make([]float32, size)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return backend.NewTensor(device.Shape{size}, data)
}
