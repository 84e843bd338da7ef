package attention

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/23skdu/longbow-tcsa/internal/device"
)

// Variant names one of the composite presets.
type Variant string

const (
	VariantTCSA     Variant = "tcsa"
	VariantTCA      Variant = "tca"
	VariantTCAAux   Variant = "tca-aux"
	VariantCSA      Variant = "csa"
	VariantTSA      Variant = "tsa"
	VariantTA       Variant = "ta"
	VariantTAAux    Variant = "ta-aux"
	VariantCA       Variant = "ca"
	VariantCAAux    Variant = "ca-aux"
	VariantSA       Variant = "sa"
	VariantTALinear Variant = "ta-linear"
	VariantTLayer   Variant = "t-layer"
)

var variantOrder = []Variant{
	VariantTCSA, VariantTCA, VariantTCAAux, VariantCSA, VariantTSA, VariantTA,
	VariantTAAux, VariantCA, VariantCAAux, VariantSA, VariantTALinear, VariantTLayer,
}

var presets = map[Variant]blueprint{
	VariantTCSA: {
		steps:     []Step{StepTime, StepChannel, StepSpatial},
		timeRatio: 4, channelRatio: 5, rectify: true,
	},
	VariantTCA: {
		steps:     []Step{StepTime, StepChannel},
		timeRatio: 16, channelRatio: 5, rectify: true,
	},
	VariantTCAAux: {
		steps:     []Step{StepTime, StepChannel},
		timeRatio: 16, channelRatio: 5, rectify: true, auxiliary: true,
	},
	VariantCSA: {
		steps:     []Step{StepChannel, StepSpatial},
		timeRatio: defaultTimeReduction, channelRatio: 16, rectify: true,
	},
	VariantTSA: {
		steps:     []Step{StepTime, StepSpatial},
		timeRatio: 4, channelRatio: defaultChannelReduction, rectify: true,
	},
	VariantTA: {
		steps:     []Step{StepTime},
		timeRatio: 16, channelRatio: defaultChannelReduction, rectify: true,
	},
	VariantTAAux: {
		steps:     []Step{StepTime},
		timeRatio: 16, channelRatio: defaultChannelReduction, rectify: true, auxiliary: true,
	},
	VariantCA: {
		steps:     []Step{StepChannel},
		timeRatio: defaultTimeReduction, channelRatio: 5, rectify: true,
	},
	VariantCAAux: {
		steps:     []Step{StepChannel},
		timeRatio: defaultTimeReduction, channelRatio: 5, rectify: true, auxiliary: true,
	},
	VariantSA: {
		steps:     []Step{StepSpatial},
		timeRatio: defaultTimeReduction, channelRatio: defaultChannelReduction, rectify: true,
	},
	// Linear excitation over the pooled time vector; numerically the same
	// map as the 1x1-convolution time gate.
	VariantTALinear: {
		steps:     []Step{StepTime},
		timeRatio: 4, channelRatio: defaultChannelReduction, rectify: true,
	},
	// Biased excitation, no trailing ReLU.
	VariantTLayer: {
		steps:     []Step{StepTime},
		timeRatio: 5, channelRatio: defaultChannelReduction, timeBias: true,
	},
}

// Variants lists every preset.
func Variants() []Variant {
	return append([]Variant(nil), variantOrder...)
}

// ParseVariant resolves a preset name, ignoring case and treating
// underscores as hyphens.
func ParseVariant(name string) (Variant, error) {
	key := cases.Fold().String(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, "_", "-")
	v := Variant(key)
	if _, ok := presets[v]; !ok {
		return "", fmt.Errorf("%w: unknown variant %q", ErrInvalidConfig, name)
	}
	return v, nil
}

// New builds the named preset. Non-zero ratios and kernel size in cfg
// override the preset defaults; cfg.Auxiliary turns any preset into
// auxiliary mode.
func New(v Variant, cfg Config, backend device.Backend) (*Pipeline, error) {
	bp, ok := presets[v]
	if !ok {
		return nil, fmt.Errorf("%w: unknown variant %q", ErrInvalidConfig, string(v))
	}
	return build(string(v), bp, cfg, backend)
}

// MustNew is like New but panics on error.
func MustNew(v Variant, cfg Config, backend device.Backend) *Pipeline {
	p, err := New(v, cfg, backend)
	if err != nil {
		panic(err)
	}
	return p
}
