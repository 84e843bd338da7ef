package attention

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tcsa/internal/device"
)

var _ Module = (*Pipeline)(nil)

// Step is one gate in a pipeline.
type Step int

const (
	StepTime Step = iota
	StepChannel
	StepSpatial
)

func (s Step) String() string {
	switch s {
	case StepTime:
		return "time"
	case StepChannel:
		return "channel"
	case StepSpatial:
		return "spatial"
	default:
		return "step(" + strconv.Itoa(int(s)) + ")"
	}
}

// gate is implemented by TimeAttention, ChannelAttention and SpatialAttention.
type gate interface {
	Axis() int
	Gate(x device.Tensor) (device.Tensor, error)
	Parameters() []*Parameter
}

// Pipeline applies an ordered list of gates. Each gate is computed from the
// tensor already modulated by the previous ones, then multiplied in. A
// trailing ReLU follows unless the preset disables it.
//
// In auxiliary mode the gates are computed the same way but returned raw and
// no output tensor is produced.
type Pipeline struct {
	name    string
	cfg     Config
	backend device.Backend
	steps   []Step
	gates   []gate
	rectify bool

	training atomic.Bool
}

// blueprint is the static description of a pipeline.
type blueprint struct {
	steps        []Step
	timeRatio    int
	channelRatio int
	rectify      bool
	auxiliary    bool
	timeBias     bool
}

// NewPipeline builds a pipeline with a custom gate order, e.g. channel before
// time. Unset ratios default to 4 for time and 5 for channel.
func NewPipeline(cfg Config, backend device.Backend, steps ...Step) (*Pipeline, error) {
	return build("custom", blueprint{
		steps:        steps,
		timeRatio:    defaultTimeReduction,
		channelRatio: defaultChannelReduction,
		rectify:      true,
	}, cfg, backend)
}

func build(name string, bp blueprint, cfg Config, backend device.Backend) (*Pipeline, error) {
	cfg = cfg.withDefaults(bp.timeRatio, bp.channelRatio)
	cfg.Auxiliary = cfg.Auxiliary || bp.auxiliary
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(bp.steps) == 0 {
		return nil, &ConfigError{Field: "Steps", Value: 0, Err: ErrInvalidConfig}
	}

	p := &Pipeline{
		name:    name,
		cfg:     cfg,
		backend: backend,
		steps:   append([]Step(nil), bp.steps...),
		rectify: bp.rectify,
	}

	seen := make(map[Step]bool, len(bp.steps))
	for _, s := range bp.steps {
		if seen[s] {
			return nil, &ConfigError{Field: "Steps", Value: int(s), Err: fmt.Errorf("%w: duplicate %s step", ErrInvalidConfig, s)}
		}
		seen[s] = true

		var (
			g   gate
			err error
		)
		switch s {
		case StepTime:
			g, err = newTimeAttention(cfg, bp.timeBias, backend)
		case StepChannel:
			g, err = newChannelAttention(cfg, backend)
		case StepSpatial:
			g, err = newSpatialAttention(cfg, backend)
		default:
			err = &ConfigError{Field: "Steps", Value: int(s), Err: ErrInvalidConfig}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build %s pipeline: %w", name, err)
		}
		p.gates = append(p.gates, g)
	}

	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.String()
	}
	log.Debug().
		Str("variant", name).
		Strs("steps", names).
		Int("time_windows", cfg.TimeWindows).
		Int("channels", cfg.Channels).
		Int("time_reduction", cfg.TimeReduction).
		Int("channel_reduction", cfg.ChannelReduction).
		Int("kernel", cfg.KernelSize).
		Bool("auxiliary", cfg.Auxiliary).
		Msg("Attention pipeline built")

	return p, nil
}

// Name returns the preset name, or "custom" for NewPipeline.
func (p *Pipeline) Name() string {
	return p.name
}

// Config returns the effective configuration after defaults.
func (p *Pipeline) Config() Config {
	return p.cfg
}

func (p *Pipeline) Steps() []Step {
	return append([]Step(nil), p.steps...)
}

func (p *Pipeline) Auxiliary() bool {
	return p.cfg.Auxiliary
}

func (p *Pipeline) Rectify() bool {
	return p.rectify
}

// Parameters returns the learned tensors of every gate in step order.
func (p *Pipeline) Parameters() []*Parameter {
	var params []*Parameter
	for _, g := range p.gates {
		params = append(params, g.Parameters()...)
	}
	return params
}

func (p *Pipeline) SetTraining(training bool) {
	p.training.Store(training)
}

func (p *Pipeline) Training() bool {
	return p.training.Load()
}

// Forward runs every gate over x. x is not modified.
func (p *Pipeline) Forward(x device.Tensor) (Result, error) {
	if err := p.checkInput(x.Shape()); err != nil {
		return Result{}, err
	}

	mode := "gated"
	if p.cfg.Auxiliary {
		mode = "auxiliary"
	}
	forwardTotal.WithLabelValues(p.name, mode).Inc()

	cur := x.Clone()
	res := Result{Gates: make([]Gate, 0, len(p.gates))}
	for i, g := range p.gates {
		start := time.Now()
		gt, err := g.Gate(cur)
		if err != nil {
			p.backend.PutTensor(cur)
			return Result{}, fmt.Errorf("%s gate: %w", AxisName(g.Axis()), err)
		}
		gateDuration.WithLabelValues(AxisName(g.Axis())).Observe(time.Since(start).Seconds())
		res.Gates = append(res.Gates, Gate{Axis: g.Axis(), Tensor: gt})

		if p.cfg.Auxiliary && i == len(p.gates)-1 {
			break
		}
		cur.Mul(gt)
	}

	if p.cfg.Auxiliary {
		p.backend.PutTensor(cur)
		return res, nil
	}
	if p.rectify {
		cur.ReLU()
	}
	res.Output = cur
	return res, nil
}

func (p *Pipeline) checkInput(shape device.Shape) error {
	if len(shape) != Rank ||
		shape[AxisTime] != p.cfg.TimeWindows ||
		shape[AxisChannel] != p.cfg.Channels {
		return &ShapeError{Expected: expectShape(p.cfg.TimeWindows, p.cfg.Channels), Actual: shape}
	}
	return nil
}

// gateSeed gives each gate its own stream, so a gate's weights depend only
// on the seed and its own sizes.
func gateSeed(seed int64, axis int) int64 {
	return seed*7919 + int64(axis)
}

// expectShape renders the expected input layout; negative sizes are free.
func expectShape(windows, channels int) string {
	dim := func(n int, free string) string {
		if n < 0 {
			return free
		}
		return strconv.Itoa(n)
	}
	return fmt.Sprintf("rank-5 (B,%s,%s,H,W)", dim(windows, "T"), dim(channels, "C"))
}
