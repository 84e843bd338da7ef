package attention

import (
	"math/rand"

	"github.com/23skdu/longbow-tcsa/internal/device"
)

// TimeAttention gates each frame of the input. Statistics are pooled over
// channel, height and width, so the gate has shape (B,T,1,1,1).
type TimeAttention struct {
	windows    int
	excitation *Excitation
	backend    device.Backend
}

// NewTimeAttention builds a standalone time gate from cfg.
func NewTimeAttention(cfg Config, backend device.Backend) (*TimeAttention, error) {
	cfg = cfg.withDefaults(defaultTimeReduction, defaultChannelReduction)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTimeAttention(cfg, false, backend)
}

func newTimeAttention(cfg Config, bias bool, backend device.Backend) (*TimeAttention, error) {
	rng := rand.New(rand.NewSource(gateSeed(cfg.Seed, AxisTime)))
	exc, err := newExcitation("time.excitation", "TimeReduction", cfg.TimeWindows, cfg.TimeReduction, bias, rng, backend)
	if err != nil {
		return nil, err
	}
	return &TimeAttention{windows: cfg.TimeWindows, excitation: exc, backend: backend}, nil
}

func (a *TimeAttention) Axis() int {
	return AxisTime
}

func (a *TimeAttention) Excitation() *Excitation {
	return a.excitation
}

func (a *TimeAttention) Parameters() []*Parameter {
	return a.excitation.Parameters()
}

// Gate computes the time gate for x without applying it.
func (a *TimeAttention) Gate(x device.Tensor) (device.Tensor, error) {
	shape := x.Shape()
	if len(shape) != Rank || shape[AxisTime] != a.windows {
		return nil, &ShapeError{Expected: expectShape(a.windows, -1), Actual: shape}
	}
	b, t := shape[AxisBatch], shape[AxisTime]

	avg, peak := Pool(x, AxisTime)
	g := a.excitation.Forward(avg.Reshape(b, t), peak.Reshape(b, t))
	a.backend.PutTensor(avg)
	a.backend.PutTensor(peak)
	return g.Reshape(b, t, 1, 1, 1), nil
}
