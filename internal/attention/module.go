package attention

import (
	"github.com/23skdu/longbow-tcsa/internal/device"
)

// Parameter is a named learned tensor together with its gradient slot.
// Gradients are written by the surrounding training loop; Forward never
// touches them.
type Parameter struct {
	name   string
	tensor device.Tensor
	grad   device.Tensor
}

func newParameter(name string, t device.Tensor) *Parameter {
	return &Parameter{name: name, tensor: t}
}

func (p *Parameter) Name() string {
	return p.name
}

func (p *Parameter) Tensor() device.Tensor {
	return p.tensor
}

func (p *Parameter) Shape() device.Shape {
	return p.tensor.Shape()
}

func (p *Parameter) Grad() device.Tensor {
	return p.grad
}

func (p *Parameter) SetGrad(g device.Tensor) {
	p.grad = g
}

// ZeroGrad clears the gradient if one is attached.
func (p *Parameter) ZeroGrad() {
	if p.grad != nil {
		p.grad.Scale(0)
	}
}

// Gate is one per-axis gate tensor, values in [0, 1].
type Gate struct {
	Axis   int
	Tensor device.Tensor
}

// Result of a forward pass. Gates lists every gate in application order.
// Output is nil in auxiliary mode, where the gates are the only product.
type Result struct {
	Output device.Tensor
	Gates  []Gate
}

// Module is the parametrised-module contract exposed to a training loop.
type Module interface {
	Forward(x device.Tensor) (Result, error)

	// Parameters returns learned tensors in a stable order.
	Parameters() []*Parameter

	// SetTraining toggles training mode. No gate behaves differently in
	// training mode; the flag exists for the training loop.
	SetTraining(training bool)
	Training() bool
}
