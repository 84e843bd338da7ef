package simd

import "math"

// Sigmoid applies the logistic function in-place.
// Output is always within [0, 1].
func Sigmoid(data []float32) {
	for i, x := range data {
		data[i] = float32(1.0 / (1.0 + math.Exp(-float64(x))))
	}
}

// ReLU clamps negative values to zero in-place.
func ReLU(data []float32) {
	i := 0
	for ; i <= len(data)-4; i += 4 {
		if data[i] < 0 {
			data[i] = 0
		}
		if data[i+1] < 0 {
			data[i+1] = 0
		}
		if data[i+2] < 0 {
			data[i+2] = 0
		}
		if data[i+3] < 0 {
			data[i+3] = 0
		}
	}
	for ; i < len(data); i++ {
		if data[i] < 0 {
			data[i] = 0
		}
	}
}

// VecAdd performs dst += src
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecMul performs dst *= src
func VecMul(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= src[i]
		dst[i+1] *= src[i+1]
		dst[i+2] *= src[i+2]
		dst[i+3] *= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] *= src[i]
	}
}

// VecScale performs dst *= scale
func VecScale(dst []float32, scale float32) {
	for i := range dst {
		dst[i] *= scale
	}
}

// VecAddScaled performs dst += src * scale
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// DotProduct computes the dot product of two vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Sum returns the sum of all elements, accumulated in float64.
func Sum(data []float32) float64 {
	var sum float64
	for _, v := range data {
		sum += float64(v)
	}
	return sum
}

// Max returns the largest element. Returns -Inf for an empty slice.
func Max(data []float32) float32 {
	m := float32(math.Inf(-1))
	for _, v := range data {
		if v > m {
			m = v
		}
	}
	return m
}
