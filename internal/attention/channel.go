package attention

import (
	"math/rand"

	"github.com/23skdu/longbow-tcsa/internal/device"
)

// ChannelAttention gates each channel. With ChannelPoolTimeSpatial the gate
// is (B,1,C,1,1) and shared by every frame; with ChannelPoolSpatial each
// frame gets its own (B,T,C,1,1) gate from the same weights.
type ChannelAttention struct {
	channels   int
	pooling    ChannelPooling
	excitation *Excitation
	backend    device.Backend
}

// NewChannelAttention builds a standalone channel gate from cfg.
func NewChannelAttention(cfg Config, backend device.Backend) (*ChannelAttention, error) {
	cfg = cfg.withDefaults(defaultTimeReduction, defaultChannelReduction)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newChannelAttention(cfg, backend)
}

func newChannelAttention(cfg Config, backend device.Backend) (*ChannelAttention, error) {
	rng := rand.New(rand.NewSource(gateSeed(cfg.Seed, AxisChannel)))
	exc, err := newExcitation("channel.excitation", "ChannelReduction", cfg.Channels, cfg.ChannelReduction, false, rng, backend)
	if err != nil {
		return nil, err
	}
	return &ChannelAttention{
		channels:   cfg.Channels,
		pooling:    cfg.ChannelPooling,
		excitation: exc,
		backend:    backend,
	}, nil
}

func (a *ChannelAttention) Axis() int {
	return AxisChannel
}

func (a *ChannelAttention) Excitation() *Excitation {
	return a.excitation
}

func (a *ChannelAttention) Parameters() []*Parameter {
	return a.excitation.Parameters()
}

// Gate computes the channel gate for x without applying it.
func (a *ChannelAttention) Gate(x device.Tensor) (device.Tensor, error) {
	shape := x.Shape()
	if len(shape) != Rank || shape[AxisChannel] != a.channels {
		return nil, &ShapeError{Expected: expectShape(-1, a.channels), Actual: shape}
	}
	b, t, c := shape[AxisBatch], shape[AxisTime], shape[AxisChannel]

	var avg, peak device.Tensor
	rows, frames := b, 1
	if a.pooling == ChannelPoolSpatial {
		avg, peak = Pool(x, AxisTime, AxisChannel)
		rows, frames = b*t, t
	} else {
		avg, peak = Pool(x, AxisChannel)
	}

	g := a.excitation.Forward(avg.Reshape(rows, c), peak.Reshape(rows, c))
	a.backend.PutTensor(avg)
	a.backend.PutTensor(peak)
	return g.Reshape(b, frames, c, 1, 1), nil
}
