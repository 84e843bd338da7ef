package attention

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tcsa/internal/device"
)

func randomTensor(b device.Backend, shape device.Shape, seed int64, scale float32) device.Tensor {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * scale
	}
	return b.NewTensor(shape, data)
}

func onesTensor(b device.Backend, shape device.Shape) device.Tensor {
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = 1
	}
	return b.NewTensor(shape, data)
}

func presetConfig() Config {
	// 16 time windows and channels satisfy every preset ratio.
	return Config{TimeWindows: 16, Channels: 16, Seed: 1}
}

func TestPresets_PreserveShape(t *testing.T) {
	backend := device.NewCPUBackend()
	shape := device.Shape{2, 16, 16, 4, 5}
	x := randomTensor(backend, shape, 42, 1)
	orig := x.ToHost()

	for _, v := range Variants() {
		t.Run(string(v), func(t *testing.T) {
			p, err := New(v, presetConfig(), backend)
			require.NoError(t, err)

			res, err := p.Forward(x)
			require.NoError(t, err)
			require.Len(t, res.Gates, len(p.Steps()))

			if p.Auxiliary() {
				assert.Nil(t, res.Output, "auxiliary mode produces no output tensor")
			} else {
				require.NotNil(t, res.Output)
				assert.True(t, res.Output.Shape().Equal(shape), "got %v", res.Output.Shape())
			}
			assert.Equal(t, orig, x.ToHost(), "input must not be modified")
		})
	}
}

func TestPresets_GatesBounded(t *testing.T) {
	backend := device.NewCPUBackend()
	x := randomTensor(backend, device.Shape{1, 16, 16, 3, 3}, 7, 50)

	for _, v := range Variants() {
		p := MustNew(v, presetConfig(), backend)
		res, err := p.Forward(x)
		require.NoError(t, err)

		for _, g := range res.Gates {
			for i, val := range g.Tensor.Data() {
				if val < 0 || val > 1 || math.IsNaN(float64(val)) {
					t.Fatalf("%s: %s gate value %d = %f outside [0,1]", v, AxisName(g.Axis), i, val)
				}
			}
		}
		if res.Output != nil && p.Rectify() {
			for _, val := range res.Output.Data() {
				if val < 0 {
					t.Fatalf("%s: rectified output has negative value %f", v, val)
				}
			}
		}
	}
}

func TestPresets_Steps(t *testing.T) {
	cases := map[Variant][]Step{
		VariantTCSA:     {StepTime, StepChannel, StepSpatial},
		VariantTCA:      {StepTime, StepChannel},
		VariantTCAAux:   {StepTime, StepChannel},
		VariantCSA:      {StepChannel, StepSpatial},
		VariantTSA:      {StepTime, StepSpatial},
		VariantTA:       {StepTime},
		VariantTAAux:    {StepTime},
		VariantCA:       {StepChannel},
		VariantCAAux:    {StepChannel},
		VariantSA:       {StepSpatial},
		VariantTALinear: {StepTime},
		VariantTLayer:   {StepTime},
	}
	require.Len(t, Variants(), 12)

	backend := device.NewCPUBackend()
	for v, steps := range cases {
		p := MustNew(v, presetConfig(), backend)
		assert.Equal(t, steps, p.Steps(), string(v))
	}

	assert.True(t, MustNew(VariantTCAAux, presetConfig(), backend).Auxiliary())
	assert.False(t, MustNew(VariantTCA, presetConfig(), backend).Auxiliary())
	assert.False(t, MustNew(VariantTLayer, presetConfig(), backend).Rectify())

	cfg := presetConfig()
	assert.Equal(t, 16, MustNew(VariantTA, cfg, backend).Config().TimeReduction)
	assert.Equal(t, 4, MustNew(VariantTCSA, cfg, backend).Config().TimeReduction)
	assert.Equal(t, 16, MustNew(VariantCSA, cfg, backend).Config().ChannelReduction)
	assert.Equal(t, 5, MustNew(VariantTLayer, cfg, backend).Config().TimeReduction)

	cfg.TimeReduction = 2
	assert.Equal(t, 2, MustNew(VariantTA, cfg, backend).Config().TimeReduction)

	cfg = presetConfig()
	cfg.Auxiliary = true
	assert.True(t, MustNew(VariantTCSA, cfg, backend).Auxiliary())
}

func TestGateShapes(t *testing.T) {
	backend := device.NewCPUBackend()
	shape := device.Shape{2, 4, 6, 3, 5}
	x := randomTensor(backend, shape, 1, 1)

	cases := []struct {
		name     string
		channel  ChannelPooling
		spatial  SpatialPooling
		expected []device.Shape
	}{
		{"Default", ChannelPoolTimeSpatial, SpatialPoolTimeChannel,
			[]device.Shape{{2, 4, 1, 1, 1}, {2, 1, 6, 1, 1}, {2, 1, 1, 3, 5}}},
		{"PerFrame", ChannelPoolSpatial, SpatialPoolChannel,
			[]device.Shape{{2, 4, 1, 1, 1}, {2, 4, 6, 1, 1}, {2, 4, 1, 3, 5}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{
				TimeWindows:      4,
				Channels:         6,
				TimeReduction:    2,
				ChannelReduction: 3,
				ChannelPooling:   tc.channel,
				SpatialPooling:   tc.spatial,
			}
			p, err := NewPipeline(cfg, backend, StepTime, StepChannel, StepSpatial)
			require.NoError(t, err)

			res, err := p.Forward(x)
			require.NoError(t, err)
			require.Len(t, res.Gates, 3)
			for i, g := range res.Gates {
				assert.True(t, g.Tensor.Shape().Equal(tc.expected[i]),
					"%s gate: got %v, want %v", AxisName(g.Axis), g.Tensor.Shape(), tc.expected[i])
				assert.True(t, g.Tensor.Shape().BroadcastsTo(shape))
			}
			assert.Equal(t, AxisTime, res.Gates[0].Axis)
			assert.Equal(t, AxisChannel, res.Gates[1].Axis)
			assert.Equal(t, AxisHeight, res.Gates[2].Axis)
		})
	}
}

func TestOrderSensitivity(t *testing.T) {
	backend := device.NewCPUBackend()
	cfg := Config{TimeWindows: 4, Channels: 8, TimeReduction: 2, ChannelReduction: 2, Seed: 11}
	x := randomTensor(backend, device.Shape{1, 4, 8, 3, 3}, 5, 1)

	tc, err := NewPipeline(cfg, backend, StepTime, StepChannel)
	require.NoError(t, err)
	ct, err := NewPipeline(cfg, backend, StepChannel, StepTime)
	require.NoError(t, err)

	// Same seed, so each gate carries identical weights in both pipelines.
	for _, p := range tc.Parameters() {
		for _, q := range ct.Parameters() {
			if p.Name() == q.Name() {
				assert.Equal(t, p.Tensor().Data(), q.Tensor().Data(), p.Name())
			}
		}
	}

	r1, err := tc.Forward(x)
	require.NoError(t, err)
	r2, err := ct.Forward(x)
	require.NoError(t, err)

	maxDiff := 0.0
	a, b := r1.Output.Data(), r2.Output.Data()
	for i := range a {
		maxDiff = math.Max(maxDiff, math.Abs(float64(a[i]-b[i])))
	}
	assert.Greater(t, maxDiff, 1e-6, "time->channel and channel->time should differ")
}

func TestDeterminism(t *testing.T) {
	backend := device.NewCPUBackend()
	x := randomTensor(backend, device.Shape{2, 16, 16, 4, 4}, 9, 1)

	p1 := MustNew(VariantTCSA, presetConfig(), backend)
	p2 := MustNew(VariantTCSA, presetConfig(), backend)

	r1, err := p1.Forward(x)
	require.NoError(t, err)
	r2, err := p2.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, r1.Output.Data(), r2.Output.Data())

	// Repeated calls on one instance are stable too.
	r3, err := p1.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, r1.Output.Data(), r3.Output.Data())

	cfg := presetConfig()
	cfg.Seed = 2
	p3 := MustNew(VariantTCSA, cfg, backend)
	assert.NotEqual(t, p1.Parameters()[0].Tensor().Data(), p3.Parameters()[0].Tensor().Data())
}

func TestAuxiliaryConsistency(t *testing.T) {
	backend := device.NewCPUBackend()
	cfg := Config{TimeWindows: 4, Channels: 8, TimeReduction: 2, ChannelReduction: 4, Seed: 3}
	x := onesTensor(backend, device.Shape{1, 4, 8, 1, 1})

	aux := MustNew(VariantTCAAux, cfg, backend)
	ta := MustNew(VariantTA, Config{TimeWindows: 4, Channels: 8, TimeReduction: 2, Seed: 99}, backend)

	// Give the time-only module the same time weights.
	auxParams := make(map[string]*Parameter)
	for _, p := range aux.Parameters() {
		auxParams[p.Name()] = p
	}
	for _, p := range ta.Parameters() {
		src, ok := auxParams[p.Name()]
		require.True(t, ok, p.Name())
		p.Tensor().Copy(src.Tensor())
	}

	ra, err := aux.Forward(x)
	require.NoError(t, err)
	require.Nil(t, ra.Output)
	require.Len(t, ra.Gates, 2)

	rt, err := ta.Forward(x)
	require.NoError(t, err)
	require.NotNil(t, rt.Output)

	timeGate := ra.Gates[0]
	assert.Equal(t, AxisTime, timeGate.Axis)
	assert.Equal(t, rt.Gates[0].Tensor.Shape(), timeGate.Tensor.Shape())
	assert.Equal(t, rt.Gates[0].Tensor.Data(), timeGate.Tensor.Data())

	// The channel gate is computed from the time-gated input.
	gated := x.Clone()
	gated.Mul(timeGate.Tensor)
	want, err := aux.gates[1].Gate(gated)
	require.NoError(t, err)
	assert.Equal(t, want.Data(), ra.Gates[1].Tensor.Data())
}

func TestTimeGate_KnownValues(t *testing.T) {
	backend := device.NewCPUBackend()
	cfg := Config{TimeWindows: 2, Channels: 1, TimeReduction: 1}
	p, err := NewPipeline(cfg, backend, StepTime)
	require.NoError(t, err)

	params := p.Parameters()
	require.Len(t, params, 2)
	params[0].Tensor().CopyFromFloat32([]float32{1, 0, 0, 1})
	params[1].Tensor().CopyFromFloat32([]float32{1, 0, 0, 1})

	// Frame 0: mean 2, max 3. Frame 1: mean -3, max -2.
	x := backend.NewTensor(device.Shape{1, 2, 1, 1, 2}, []float32{1, 3, -2, -4})
	res, err := p.Forward(x)
	require.NoError(t, err)

	// relu(avg) + relu(max) = [5, 0]
	g := res.Gates[0].Tensor.Data()
	assert.InDelta(t, 0.99330715, g[0], 1e-6)
	assert.InDelta(t, 0.5, g[1], 1e-6)

	out := res.Output.Data()
	assert.InDelta(t, 0.99330715, out[0], 1e-6)
	assert.InDelta(t, 3*0.99330715, out[1], 1e-5)
	assert.Equal(t, float32(0), out[2])
	assert.Equal(t, float32(0), out[3])
}

func TestTLayer_Bias(t *testing.T) {
	backend := device.NewCPUBackend()
	p := MustNew(VariantTLayer, Config{TimeWindows: 10, Channels: 2}, backend)

	var names []string
	for _, param := range p.Parameters() {
		names = append(names, param.Name())
	}
	assert.Equal(t, []string{
		"time.excitation.fc1.weight",
		"time.excitation.fc1.bias",
		"time.excitation.fc2.weight",
		"time.excitation.fc2.bias",
	}, names)

	// Without the trailing ReLU negative activations survive.
	x := backend.NewTensor(device.Shape{1, 10, 2, 1, 1}, nil)
	for i := range x.Data() {
		x.Data()[i] = -1
	}
	res, err := p.Forward(x)
	require.NoError(t, err)
	for _, v := range res.Output.Data() {
		assert.Less(t, v, float32(0))
	}
}

func TestSpatialGate_KnownValues(t *testing.T) {
	backend := device.NewCPUBackend()
	cfg := Config{TimeWindows: 1, Channels: 2}
	sa, err := NewSpatialAttention(cfg, backend)
	require.NoError(t, err)
	assert.Equal(t, 3, sa.KernelSize())

	// Centre taps only: gate = sigmoid(mean + max) per pixel.
	w := make([]float32, 18)
	w[4], w[13] = 1, 1
	sa.Parameters()[0].Tensor().CopyFromFloat32(w)

	x := backend.NewTensor(device.Shape{1, 1, 2, 1, 1}, []float32{1, 3})
	g, err := sa.Gate(x)
	require.NoError(t, err)
	assert.Equal(t, device.Shape{1, 1, 1, 1, 1}, g.Shape())
	assert.InDelta(t, 0.99330715, g.Data()[0], 1e-6)
}

func TestReductionRatioBoundary(t *testing.T) {
	backend := device.NewCPUBackend()

	_, err := NewChannelAttention(Config{TimeWindows: 1, Channels: 4, ChannelReduction: 8}, backend)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrZeroBottleneck))
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "ChannelReduction", cfgErr.Field)
	assert.Equal(t, 8, cfgErr.Value)

	ca, err := NewChannelAttention(Config{TimeWindows: 1, Channels: 8, ChannelReduction: 4}, backend)
	require.NoError(t, err)
	assert.Equal(t, 2, ca.Excitation().BottleneckWidth())

	// ta defaults to a time ratio of 16.
	_, err = New(VariantTA, Config{TimeWindows: 8, Channels: 4}, backend)
	assert.ErrorIs(t, err, ErrZeroBottleneck)

	_, err = NewTimeAttention(Config{TimeWindows: 8, Channels: 4, TimeReduction: -1}, backend)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSpatialKernelValidation(t *testing.T) {
	backend := device.NewCPUBackend()

	_, err := NewSpatialAttention(Config{TimeWindows: 1, Channels: 1, KernelSize: 5}, backend)
	assert.ErrorIs(t, err, ErrKernelSize)

	_, err = New(VariantTCSA, Config{TimeWindows: 16, Channels: 16, KernelSize: 5}, backend)
	assert.ErrorIs(t, err, ErrKernelSize)

	x := randomTensor(backend, device.Shape{1, 2, 3, 8, 8}, 2, 1)
	for k, pad := range map[int]int{3: 1, 7: 3} {
		sa, err := NewSpatialAttention(Config{TimeWindows: 2, Channels: 3, KernelSize: k}, backend)
		require.NoError(t, err, "kernel %d", k)
		assert.Equal(t, pad, sa.Padding())
		assert.Equal(t, device.Shape{1, 2, k, k}, sa.Parameters()[0].Shape())

		g, err := sa.Gate(x)
		require.NoError(t, err)
		assert.Equal(t, device.Shape{1, 1, 1, 8, 8}, g.Shape())
	}
}

func TestForward_ShapeErrors(t *testing.T) {
	backend := device.NewCPUBackend()
	p := MustNew(VariantTCSA, presetConfig(), backend)

	cases := []struct {
		name  string
		shape device.Shape
	}{
		{"Rank4", device.Shape{1, 16, 16, 4}},
		{"WrongTime", device.Shape{1, 8, 16, 4, 4}},
		{"WrongChannels", device.Shape{1, 16, 12, 4, 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Forward(backend.NewTensor(tc.shape, nil))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrShapeMismatch)

			var shapeErr *ShapeError
			require.ErrorAs(t, err, &shapeErr)
			assert.Equal(t, tc.shape, shapeErr.Actual)
			assert.Contains(t, err.Error(), "(B,16,16,H,W)")
		})
	}

	ta, err := NewTimeAttention(Config{TimeWindows: 4, Channels: 1}, backend)
	require.NoError(t, err)
	_, err = ta.Gate(backend.NewTensor(device.Shape{1, 3, 1, 1, 1}, nil))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestNewPipeline_Errors(t *testing.T) {
	backend := device.NewCPUBackend()
	cfg := Config{TimeWindows: 4, Channels: 4}

	_, err := NewPipeline(cfg, backend)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewPipeline(cfg, backend, StepTime, StepTime)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewPipeline(cfg, backend, Step(9))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewPipeline(Config{Channels: 4}, backend, StepSpatial)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad := cfg
	bad.ChannelPooling = ChannelPooling(7)
	_, err = NewPipeline(bad, backend, StepChannel)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParameters(t *testing.T) {
	backend := device.NewCPUBackend()
	p := MustNew(VariantTCSA, presetConfig(), backend)

	params := p.Parameters()
	require.Len(t, params, 5)

	expected := []struct {
		name  string
		shape device.Shape
	}{
		{"time.excitation.fc1.weight", device.Shape{4, 16}},
		{"time.excitation.fc2.weight", device.Shape{16, 4}},
		{"channel.excitation.fc1.weight", device.Shape{3, 16}},
		{"channel.excitation.fc2.weight", device.Shape{16, 3}},
		{"spatial.conv.weight", device.Shape{1, 2, 3, 3}},
	}
	for i, e := range expected {
		assert.Equal(t, e.name, params[i].Name())
		assert.Equal(t, e.shape, params[i].Shape())
	}

	grad := backend.NewTensor(device.Shape{4, 16}, nil)
	grad.Data()[0] = 3
	params[0].SetGrad(grad)
	params[0].ZeroGrad()
	assert.Equal(t, float32(0), params[0].Grad().Data()[0])
	assert.Nil(t, params[1].Grad())
	params[1].ZeroGrad()

	assert.False(t, p.Training())
	p.SetTraining(true)
	assert.True(t, p.Training())

	// Training mode does not change the forward pass.
	x := randomTensor(backend, device.Shape{1, 16, 16, 2, 2}, 4, 1)
	r1, err := p.Forward(x)
	require.NoError(t, err)
	p.SetTraining(false)
	r2, err := p.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, r1.Output.Data(), r2.Output.Data())
}

func TestParseVariant(t *testing.T) {
	cases := map[string]Variant{
		"tcsa":      VariantTCSA,
		"TCSA":      VariantTCSA,
		"Tca_Aux":   VariantTCAAux,
		"  sa ":     VariantSA,
		"T-Layer":   VariantTLayer,
		"ta_linear": VariantTALinear,
	}
	for in, want := range cases {
		got, err := ParseVariant(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseVariant("tcsa2")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Variant("bogus"), presetConfig(), device.NewCPUBackend())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestForward_Concurrent(t *testing.T) {
	backend := device.NewCPUBackend()
	p := MustNew(VariantTCSA, presetConfig(), backend)
	x := randomTensor(backend, device.Shape{1, 16, 16, 4, 4}, 8, 1)

	want, err := p.Forward(x)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Forward(x)
			if err != nil {
				errs <- err
				return
			}
			assert.Equal(t, want.Output.Data(), res.Output.Data())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestForward_Metrics(t *testing.T) {
	backend := device.NewCPUBackend()
	p := MustNew(VariantCA, presetConfig(), backend)
	x := randomTensor(backend, device.Shape{1, 16, 16, 2, 2}, 1, 1)

	before := testutil.ToFloat64(forwardTotal.WithLabelValues("ca", "gated"))
	_, err := p.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(forwardTotal.WithLabelValues("ca", "gated"))-before)

	aux := MustNew(VariantCAAux, presetConfig(), backend)
	before = testutil.ToFloat64(forwardTotal.WithLabelValues("ca-aux", "auxiliary"))
	_, err = aux.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(forwardTotal.WithLabelValues("ca-aux", "auxiliary"))-before)
}
