package device

import (
	"math"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-tcsa/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// minParallelWork is the element count below which kernels run on the
// calling goroutine.
const minParallelWork = 1 << 15

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(shape Shape, data []float32) Tensor {
	return b.newTensor(shape, data)
}

func (b *CPUBackend) newTensor(shape Shape, data []float32) *CPUTensor {
	validateShape(shape)
	size := shape.NumElements()
	t := &CPUTensor{
		backend: b,
		shape:   shape.Clone(),
		data:    make([]float32, size),
	}
	if data != nil {
		if len(data) != size {
			log.Panic().Msgf("NewTensor: data length %d does not match shape %v", len(data), shape)
		}
		copy(t.data, data)
	}
	return t
}

func (b *CPUBackend) GetTensor(shape Shape) Tensor {
	return b.getTensor(shape)
}

func (b *CPUBackend) getTensor(shape Shape) *CPUTensor {
	validateShape(shape)

	ct, ok := b.pool.Get().(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.shape = shape.Clone()
	size := shape.NumElements()
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct == nil {
		return // Don't pool foreign tensors
	}
	ct.shape = nil
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

func validateShape(shape Shape) {
	if len(shape) == 0 {
		log.Panic().Msg("tensor shape must have at least one dimension")
	}
	for _, d := range shape {
		if d <= 0 {
			log.Panic().Msgf("tensor shape %v contains non-positive dimension", shape)
		}
	}
	if _, ok := shape.CheckedElements(); !ok {
		log.Panic().Msgf("tensor shape %v exceeds %d elements", shape, MaxElements)
	}
}

type CPUTensor struct {
	backend *CPUBackend
	shape   Shape
	data    []float32
}

func mustCPU(t Tensor, op string) *CPUTensor {
	ct, ok := t.(*CPUTensor)
	if !ok {
		log.Panic().Msgf("%s: mixed backend operands not supported", op)
	}
	return ct
}

func (t *CPUTensor) Shape() Shape {
	return t.shape
}

func (t *CPUTensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		log.Panic().Msgf("index rank %d does not match tensor rank %d", len(idx), len(t.shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			log.Panic().Msgf("index %v out of range for shape %v", idx, t.shape)
		}
		off = off*t.shape[i] + v
	}
	return off
}

func (t *CPUTensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

func (t *CPUTensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *CPUTensor) Data() []float32 {
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		log.Panic().Msgf("CopyFromFloat32: size mismatch. Target: %d, Source: %d", len(t.data), len(data))
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft := mustCPU(from, "Copy")
	if !t.shape.Equal(ft.shape) {
		log.Panic().Msgf("Copy: dimension mismatch. Target: %v, Source: %v", t.shape, ft.shape)
	}
	copy(t.data, ft.data)
}

func (t *CPUTensor) Clone() Tensor {
	out := t.backend.getTensor(t.shape)
	copy(out.data, t.data)
	return out
}

func (t *CPUTensor) Reshape(shape ...int) Tensor {
	s := Shape(shape)
	validateShape(s)
	if s.NumElements() != len(t.data) {
		log.Panic().Msgf("Reshape: cannot view %v as %v", t.shape, s)
	}
	return &CPUTensor{
		backend: t.backend,
		shape:   s.Clone(),
		data:    t.data, // Share data
	}
}

func (t *CPUTensor) Mul(other Tensor) {
	t.broadcastOp(other, "Mul", simd.VecMul, func(dst []float32, v float32) {
		simd.VecScale(dst, v)
	})
}

func (t *CPUTensor) Add(other Tensor) {
	t.broadcastOp(other, "Add", simd.VecAdd, func(dst []float32, v float32) {
		for i := range dst {
			dst[i] += v
		}
	})
}

// broadcastOp applies vec (same-length rows) or scalar (broadcast along the
// innermost axis) to every innermost row of t.
func (t *CPUTensor) broadcastOp(other Tensor, op string, vec func(dst, src []float32), scalar func(dst []float32, v float32)) {
	ot := mustCPU(other, op)
	if !ot.shape.BroadcastsTo(t.shape) {
		log.Panic().Msgf("%s: shape %v does not broadcast onto %v", op, ot.shape, t.shape)
	}

	if ot.shape.Equal(t.shape) {
		parallelFor(len(t.data), 1, func(start, end int) {
			vec(t.data[start:end], ot.data[start:end])
		})
		return
	}

	rank := len(t.shape)
	strides := broadcastStrides(ot.shape, t.shape)
	inner := t.shape[rank-1]
	rows := len(t.data) / inner
	innerBroadcast := strides[rank-1] == 0

	parallelFor(rows, inner, func(start, end int) {
		for row := start; row < end; row++ {
			srcOff := 0
			rem := row
			for d := rank - 2; d >= 0; d-- {
				srcOff += (rem % t.shape[d]) * strides[d]
				rem /= t.shape[d]
			}
			dst := t.data[row*inner : (row+1)*inner]
			if innerBroadcast {
				scalar(dst, ot.data[srcOff])
			} else {
				vec(dst, ot.data[srcOff:srcOff+inner])
			}
		}
	})
}

// broadcastStrides returns strides of src with zeros on the axes that are
// broadcast (size 1 in src, larger in dst).
func broadcastStrides(src, dst Shape) []int {
	strides := src.Strides()
	for i := range src {
		if src[i] == 1 && dst[i] != 1 {
			strides[i] = 0
		}
	}
	return strides
}

func (t *CPUTensor) Scale(val float32) {
	simd.VecScale(t.data, val)
}

func (t *CPUTensor) Sigmoid() {
	parallelFor(len(t.data), 1, func(start, end int) {
		simd.Sigmoid(t.data[start:end])
	})
}

func (t *CPUTensor) ReLU() {
	parallelFor(len(t.data), 1, func(start, end int) {
		simd.ReLU(t.data[start:end])
	})
}

func (t *CPUTensor) MeanKeep(axes ...int) Tensor {
	out, count := t.reduceKeep("MeanKeep", axes, 0, func(acc, v float64) float64 {
		return acc + v
	})
	inv := 1.0 / float64(count)
	for i := range out.acc {
		out.tensor.data[i] = float32(out.acc[i] * inv)
	}
	return out.tensor
}

func (t *CPUTensor) MaxKeep(axes ...int) Tensor {
	out, _ := t.reduceKeep("MaxKeep", axes, math.Inf(-1), math.Max)
	for i := range out.acc {
		out.tensor.data[i] = float32(out.acc[i])
	}
	return out.tensor
}

type reduction struct {
	tensor *CPUTensor
	acc    []float64
}

// reduceKeep folds every element of t into the accumulator of its output
// cell, visiting elements in storage order so results are reproducible.
func (t *CPUTensor) reduceKeep(op string, axes []int, init float64, fold func(acc, v float64) float64) (reduction, int) {
	rank := len(t.shape)
	outShape := t.shape.Clone()
	for _, a := range axes {
		if a < 0 || a >= rank {
			log.Panic().Msgf("%s: axis %d out of range for rank %d", op, a, rank)
		}
		outShape[a] = 1
	}

	outStrides := broadcastStrides(outShape, t.shape)
	acc := make([]float64, outShape.NumElements())
	for i := range acc {
		acc[i] = init
	}

	idx := make([]int, rank)
	off := 0
	for _, v := range t.data {
		acc[off] = fold(acc[off], float64(v))
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			off += outStrides[d]
			if idx[d] < t.shape[d] {
				break
			}
			off -= outStrides[d] * t.shape[d]
			idx[d] = 0
		}
	}

	count := len(t.data) / len(acc)
	return reduction{tensor: t.backend.getTensor(outShape), acc: acc}, count
}

func (t *CPUTensor) Concat(axis int, others ...Tensor) Tensor {
	rank := len(t.shape)
	if axis < 0 || axis >= rank {
		log.Panic().Msgf("Concat: axis %d out of range for rank %d", axis, rank)
	}

	parts := []*CPUTensor{t}
	outShape := t.shape.Clone()
	for _, o := range others {
		ot := mustCPU(o, "Concat")
		if len(ot.shape) != rank {
			log.Panic().Msgf("Concat: rank mismatch %v vs %v", t.shape, ot.shape)
		}
		for d := range ot.shape {
			if d != axis && ot.shape[d] != t.shape[d] {
				log.Panic().Msgf("Concat: shape mismatch %v vs %v on axis %d", t.shape, ot.shape, d)
			}
		}
		outShape[axis] += ot.shape[axis]
		parts = append(parts, ot)
	}

	outer := 1
	for d := 0; d < axis; d++ {
		outer *= t.shape[d]
	}

	out := t.backend.getTensor(outShape)
	pos := 0
	for o := 0; o < outer; o++ {
		for _, p := range parts {
			chunk := len(p.data) / outer
			pos += copy(out.data[pos:], p.data[o*chunk:(o+1)*chunk])
		}
	}
	return out
}

func (t *CPUTensor) Linear(weight, bias Tensor) Tensor {
	wt := mustCPU(weight, "Linear")
	if len(t.shape) != 2 || len(wt.shape) != 2 {
		log.Panic().Msgf("Linear: expected rank-2 input and weight, got %v and %v", t.shape, wt.shape)
	}
	n, in := t.shape[0], t.shape[1]
	out, win := wt.shape[0], wt.shape[1]
	if in != win {
		log.Panic().Msgf("Linear: input features %d != weight features %d", in, win)
	}

	result := t.backend.getTensor(Shape{n, out})
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: n, Cols: in, Stride: in, Data: t.data},
		blas32.General{Rows: out, Cols: in, Stride: in, Data: wt.data},
		0,
		blas32.General{Rows: n, Cols: out, Stride: out, Data: result.data},
	)

	if bias != nil {
		bt := mustCPU(bias, "Linear")
		if len(bt.data) != out {
			log.Panic().Msgf("Linear: bias length %d != output features %d", len(bt.data), out)
		}
		for i := 0; i < n; i++ {
			simd.VecAdd(result.data[i*out:(i+1)*out], bt.data)
		}
	}
	return result
}

func (t *CPUTensor) Conv2D(weight Tensor, padding int) Tensor {
	wt := mustCPU(weight, "Conv2D")
	if len(t.shape) != 4 || len(wt.shape) != 4 {
		log.Panic().Msgf("Conv2D: expected rank-4 input and weight, got %v and %v", t.shape, wt.shape)
	}
	n, cin, h, w := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	cout, wcin, kh, kw := wt.shape[0], wt.shape[1], wt.shape[2], wt.shape[3]
	if cin != wcin {
		log.Panic().Msgf("Conv2D: input channels %d != weight channels %d", cin, wcin)
	}
	if padding < 0 {
		log.Panic().Msgf("Conv2D: invalid padding %d", padding)
	}
	oh := h + 2*padding - kh + 1
	ow := w + 2*padding - kw + 1

	out := t.backend.getTensor(Shape{n, cout, oh, ow})

	// One output plane per (sample, out channel); planes are disjoint.
	parallelFor(n*cout, oh*ow*cin*kh*kw, func(start, end int) {
		for plane := start; plane < end; plane++ {
			s, co := plane/cout, plane%cout
			dst := out.data[plane*oh*ow : (plane+1)*oh*ow]
			for ci := 0; ci < cin; ci++ {
				src := t.data[(s*cin+ci)*h*w : (s*cin+ci+1)*h*w]
				kernel := wt.data[(co*cin+ci)*kh*kw : (co*cin+ci+1)*kh*kw]
				for ky := 0; ky < kh; ky++ {
					for kx := 0; kx < kw; kx++ {
						wv := kernel[ky*kw+kx]
						// Valid output columns for this tap
						x0 := max(0, padding-kx)
						x1 := min(ow, w+padding-kx)
						if x0 >= x1 {
							continue
						}
						for y := 0; y < oh; y++ {
							iy := y + ky - padding
							if iy < 0 || iy >= h {
								continue
							}
							row := src[iy*w : (iy+1)*w]
							simd.VecAddScaled(dst[y*ow+x0:y*ow+x1], row[x0+kx-padding:x1+kx-padding], wv)
						}
					}
				}
			}
		}
	})
	return out
}

// parallelFor splits [0, n) across workers when n*grain is large enough to
// amortize goroutine startup. Each index is processed by exactly one worker.
func parallelFor(n, grain int, fn func(start, end int)) {
	workers := numWorkers
	if workers > n {
		workers = n
	}
	if workers < 2 || n*grain < minParallelWork {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	per := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * per
		if start >= n {
			break
		}
		end := min(start+per, n)

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
