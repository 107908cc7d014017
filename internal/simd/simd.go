package simd

import "math"

// LogSumExp computes log(exp(x) + exp(y)) without overflowing for large
// inputs or losing the smaller term for very negative ones.
// Identity: max(x,y) + log1p(exp(-|x-y|)).
func LogSumExp(x, y float64) float64 {
	if math.IsInf(x, -1) {
		return y
	}
	if math.IsInf(y, -1) {
		return x
	}
	if x < y {
		x, y = y, x
	}
	return x + math.Log1p(math.Exp(y-x))
}

// SumPairInto writes a[i] + b[i] into dst, widening from float32.
// Fuses one transcription row and one prediction row into the joint
// pre-softmax logits for a (t, u) cell.
func SumPairInto(dst []float64, a, b []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = float64(a[i]) + float64(b[i])
		dst[i+1] = float64(a[i+1]) + float64(b[i+1])
		dst[i+2] = float64(a[i+2]) + float64(b[i+2])
		dst[i+3] = float64(a[i+3]) + float64(b[i+3])
	}
	for ; i < len(dst); i++ {
		dst[i] = float64(a[i]) + float64(b[i])
	}
}

// VecAdd performs dst += src for float64 vectors
func VecAdd(dst, src []float64) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// Fill sets every element of dst to v.
func Fill(dst []float64, v float64) {
	for i := range dst {
		dst[i] = v
	}
}
