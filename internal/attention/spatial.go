package attention

import (
	"math/rand"

	"github.com/23skdu/longbow-tcsa/internal/device"
)

// SpatialAttention gates each pixel. The channel mean and max maps are
// stacked into two planes and convolved down to one plane by a bias-free
// k x k kernel, padding (k-1)/2.
type SpatialAttention struct {
	kernel  int
	pooling SpatialPooling
	conv    *Parameter
	backend device.Backend
}

// NewSpatialAttention builds a standalone spatial gate from cfg.
func NewSpatialAttention(cfg Config, backend device.Backend) (*SpatialAttention, error) {
	cfg = cfg.withDefaults(defaultTimeReduction, defaultChannelReduction)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newSpatialAttention(cfg, backend)
}

func newSpatialAttention(cfg Config, backend device.Backend) (*SpatialAttention, error) {
	k := cfg.KernelSize
	if k != 3 && k != 7 {
		return nil, &ConfigError{Field: "KernelSize", Value: k, Err: ErrKernelSize}
	}
	rng := rand.New(rand.NewSource(gateSeed(cfg.Seed, AxisHeight)))
	weight := xavierTensor(backend, rng, device.Shape{1, 2, k, k}, 2*k*k, k*k)
	return &SpatialAttention{
		kernel:  k,
		pooling: cfg.SpatialPooling,
		conv:    newParameter("spatial.conv.weight", weight),
		backend: backend,
	}, nil
}

func (a *SpatialAttention) Axis() int {
	return AxisHeight
}

func (a *SpatialAttention) KernelSize() int {
	return a.kernel
}

func (a *SpatialAttention) Padding() int {
	return (a.kernel - 1) / 2
}

func (a *SpatialAttention) Parameters() []*Parameter {
	return []*Parameter{a.conv}
}

// Gate computes the spatial gate for x without applying it.
func (a *SpatialAttention) Gate(x device.Tensor) (device.Tensor, error) {
	shape := x.Shape()
	if len(shape) != Rank {
		return nil, &ShapeError{Expected: expectShape(-1, -1), Actual: shape}
	}
	b, t, h, w := shape[AxisBatch], shape[AxisTime], shape[AxisHeight], shape[AxisWidth]

	var avg, peak device.Tensor
	planes, frames := b, 1
	if a.pooling == SpatialPoolChannel {
		avg, peak = Pool(x, AxisTime, AxisHeight, AxisWidth)
		planes, frames = b*t, t
	} else {
		avg, peak = Pool(x, AxisHeight, AxisWidth)
	}

	stacked := avg.Reshape(planes, 1, h, w).Concat(1, peak.Reshape(planes, 1, h, w))
	a.backend.PutTensor(avg)
	a.backend.PutTensor(peak)

	g := stacked.Conv2D(a.conv.tensor, a.Padding())
	a.backend.PutTensor(stacked)
	g.Sigmoid()
	return g.Reshape(b, frames, 1, h, w), nil
}
