package attention

// Axes of the activation tensor.
const (
	AxisBatch = iota
	AxisTime
	AxisChannel
	AxisHeight
	AxisWidth

	// Rank is the rank of every activation tensor.
	Rank = 5
)

// AxisName returns a short label for a gated axis.
func AxisName(axis int) string {
	switch axis {
	case AxisTime:
		return "time"
	case AxisChannel:
		return "channel"
	case AxisHeight, AxisWidth:
		return "spatial"
	default:
		return "unknown"
	}
}

// ChannelPooling selects which axes the channel gate pools over.
type ChannelPooling int

const (
	// ChannelPoolTimeSpatial pools over time, height and width.
	// The gate has shape (B,1,C,1,1).
	ChannelPoolTimeSpatial ChannelPooling = iota
	// ChannelPoolSpatial pools over height and width only, giving one
	// channel gate per frame of shape (B,T,C,1,1).
	ChannelPoolSpatial
)

// SpatialPooling selects which axes the spatial gate pools over.
type SpatialPooling int

const (
	// SpatialPoolTimeChannel pools over time and channel, giving a single
	// (B,1,1,H,W) map shared by every frame. Channel-only pooling would
	// leave a time axis in the gate; use SpatialPoolChannel for that.
	SpatialPoolTimeChannel SpatialPooling = iota
	// SpatialPoolChannel pools over channel only, giving one spatial map
	// per frame of shape (B,T,1,H,W).
	SpatialPoolChannel
)

// Config is the construction-time configuration of a pipeline. Zero ratio
// and kernel fields take the preset default.
type Config struct {
	TimeWindows      int
	Channels         int
	TimeReduction    int
	ChannelReduction int
	KernelSize       int
	Auxiliary        bool
	ChannelPooling   ChannelPooling
	SpatialPooling   SpatialPooling

	// Seed drives weight initialisation. Identical configs produce
	// identical weights.
	Seed int64
}

const (
	defaultTimeReduction    = 4
	defaultChannelReduction = 5
	defaultKernelSize       = 3
)

// withDefaults fills unset ratio and kernel fields.
func (c Config) withDefaults(timeRatio, channelRatio int) Config {
	if c.TimeReduction == 0 {
		c.TimeReduction = timeRatio
	}
	if c.ChannelReduction == 0 {
		c.ChannelReduction = channelRatio
	}
	if c.KernelSize == 0 {
		c.KernelSize = defaultKernelSize
	}
	return c
}

// Validate checks the fields shared by every pipeline. Bottleneck widths are
// checked by the gates that use them.
func (c Config) Validate() error {
	if c.TimeWindows <= 0 {
		return &ConfigError{Field: "TimeWindows", Value: c.TimeWindows, Err: ErrInvalidConfig}
	}
	if c.Channels <= 0 {
		return &ConfigError{Field: "Channels", Value: c.Channels, Err: ErrInvalidConfig}
	}
	if c.TimeReduction <= 0 {
		return &ConfigError{Field: "TimeReduction", Value: c.TimeReduction, Err: ErrInvalidConfig}
	}
	if c.ChannelReduction <= 0 {
		return &ConfigError{Field: "ChannelReduction", Value: c.ChannelReduction, Err: ErrInvalidConfig}
	}
	if c.KernelSize != 3 && c.KernelSize != 7 {
		return &ConfigError{Field: "KernelSize", Value: c.KernelSize, Err: ErrKernelSize}
	}
	if c.ChannelPooling != ChannelPoolTimeSpatial && c.ChannelPooling != ChannelPoolSpatial {
		return &ConfigError{Field: "ChannelPooling", Value: int(c.ChannelPooling), Err: ErrInvalidConfig}
	}
	if c.SpatialPooling != SpatialPoolTimeChannel && c.SpatialPooling != SpatialPoolChannel {
		return &ConfigError{Field: "SpatialPooling", Value: int(c.SpatialPooling), Err: ErrInvalidConfig}
	}
	return nil
}
