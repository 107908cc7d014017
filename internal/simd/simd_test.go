package simd

import (
	"math"
	"testing"
)

func TestVecAdd(t *testing.T) {
	dst := []float64{1, 2, 3, 4, 5}
	src := []float64{10, 20, 30, 40, 50}
	expected := []float64{11, 22, 33, 44, 55}

	VecAdd(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAdd(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestFill(t *testing.T) {
	dst := []float64{1, 2, 3, 4, 5}
	Fill(dst, -0.25)
	for i, v := range dst {
		if v != -0.25 {
			t.Errorf("Fill(%d) = %f, want -0.25", i, v)
		}
	}
}

func TestLogSumExp(t *testing.T) {
	negInf := math.Inf(-1)
	tests := []struct {
		name string
		x, y float64
		want float64
	}{
		{"Equal", 0, 0, math.Log(2)},
		{"Ordered", 1, 0, 1 + math.Log1p(math.Exp(-1))},
		{"Swapped", 0, 1, 1 + math.Log1p(math.Exp(-1))},
		{"LargeMagnitude", 1000, 999, 1000 + math.Log1p(math.Exp(-1))},
		{"LeftInf", negInf, 3, 3},
		{"RightInf", 3, negInf, 3},
		{"BothInf", negInf, negInf, negInf},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LogSumExp(tt.x, tt.y)
			if math.IsInf(tt.want, -1) {
				if !math.IsInf(got, -1) {
					t.Errorf("LogSumExp(%f, %f) = %f, want -Inf", tt.x, tt.y, got)
				}
				return
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("LogSumExp(%f, %f) = %f, want %f", tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestLogSumExpMatchesNaive(t *testing.T) {
	// In the range where the naive form does not overflow the two must agree.
	inputs := []float64{-20, -3, -0.5, 0, 0.7, 5, 30}
	for _, x := range inputs {
		for _, y := range inputs {
			naive := math.Log(math.Exp(x) + math.Exp(y))
			got := LogSumExp(x, y)
			if math.Abs(got-naive) > 1e-10 {
				t.Errorf("LogSumExp(%f, %f) = %.15f, naive = %.15f", x, y, got, naive)
			}
		}
	}
}

func TestSumPairInto(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{10, 20, 30, 40, 50}
	dst := make([]float64, 5)

	SumPairInto(dst, a, b)

	expected := []float64{11, 22, 33, 44, 55}
	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("SumPairInto(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

// Benchmarks

func BenchmarkLogSumExp(b *testing.B) {
	x, y := 1.5, -0.3
	for i := 0; i < b.N; i++ {
		LogSumExp(x, y)
	}
}

func BenchmarkSumPairInto(b *testing.B) {
	size := 128
	va := make([]float32, size)
	vb := make([]float32, size)
	dst := make([]float64, size)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SumPairInto(dst, va, vb)
	}
}
