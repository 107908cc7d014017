package rnnt

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBatch allocates a batch with seeded random activations in [-1, 1).
func testBatch(rng *rand.Rand, B, V, maxT, maxU int) Batch {
	b := Batch{
		TransActs:    make([]float32, maxT*B*V),
		PredActs:     make([]float32, maxU*B*V),
		LabelLengths: make([]int32, B),
		InputLengths: make([]int32, B),
		AlphabetSize: V,
		Minibatch:    B,
	}
	for i := range b.TransActs {
		b.TransActs[i] = rng.Float32()*2 - 1
	}
	for i := range b.PredActs {
		b.PredActs[i] = rng.Float32()*2 - 1
	}
	return b
}

// runLoss sizes a workspace and runs one CPU computation, returning costs
// and both gradients.
func runLoss(t *testing.T, b Batch, opts Options, wantGrads bool) ([]float32, []float32, []float32) {
	t.Helper()

	need, err := WorkspaceSize(opts.MaxT, opts.MaxU, b.Minibatch, b.AlphabetSize, false)
	require.NoError(t, err)

	workspace := make([]byte, need)
	costs := make([]float32, b.Minibatch)
	var transGrad, predGrad []float32
	if wantGrads {
		transGrad = make([]float32, opts.MaxT*b.Minibatch*b.AlphabetSize)
		predGrad = make([]float32, opts.MaxU*b.Minibatch*b.AlphabetSize)
	}

	require.NoError(t, ComputeLoss(b, costs, transGrad, predGrad, workspace, opts))
	return costs, transGrad, predGrad
}

// refJointLogProb normalizes the fused logits of one cell the slow way.
func refJointLogProb(b *Batch, maxBatch, t, u, v, ex int) float64 {
	V := b.AlphabetSize
	row := make([]float64, V)
	maxVal := math.Inf(-1)
	for k := 0; k < V; k++ {
		row[k] = float64(b.TransActs[(t*maxBatch+ex)*V+k]) + float64(b.PredActs[(u*maxBatch+ex)*V+k])
		if row[k] > maxVal {
			maxVal = row[k]
		}
	}
	var sum float64
	for k := 0; k < V; k++ {
		sum += math.Exp(row[k] - maxVal)
	}
	return row[v] - (maxVal + math.Log(sum))
}

// refCost sums the probability of every alignment path by direct
// recursion over the lattice, in the probability domain. Only usable for
// tiny grids, which is the point: it shares no code with the real engine.
func refCost(b *Batch, labels []int32, blank, ex int) float64 {
	T := int(b.InputLengths[ex])
	U := len(labels) + 1

	var walk func(t, u int) float64
	walk = func(t, u int) float64 {
		var total float64
		pBlank := math.Exp(refJointLogProb(b, b.Minibatch, t, u, blank, ex))
		if t == T-1 && u == U-1 {
			total += pBlank
		} else if t < T-1 {
			total += pBlank * walk(t+1, u)
		}
		if u < U-1 {
			pLab := math.Exp(refJointLogProb(b, b.Minibatch, t, u, int(labels[u]), ex))
			total += pLab * walk(t, u+1)
		}
		return total
	}
	return -math.Log(walk(0, 0))
}

func TestComputeLossGoldenUniform(t *testing.T) {
	// All-zero activations make every per-cell distribution uniform 1/3.
	// With T = 2, U = 2 there are exactly two alignment paths, each of
	// probability (1/3)^3, so the cost is 3*ln(3) - ln(2).
	const (
		B, V       = 1, 3
		maxT, maxU = 2, 2
	)
	b := Batch{
		TransActs:    make([]float32, maxT*B*V),
		PredActs:     make([]float32, maxU*B*V),
		Labels:       []int32{1},
		LabelLengths: []int32{1},
		InputLengths: []int32{2},
		AlphabetSize: V,
		Minibatch:    B,
	}

	costs, _, _ := runLoss(t, b, CPUOptions(0, maxT, maxU), false)

	want := 3*math.Log(3) - math.Log(2)
	assert.InDelta(t, want, float64(costs[0]), 1e-6)
}

func TestComputeLossMatchesPathEnumeration(t *testing.T) {
	const (
		B, V       = 3, 5
		maxT, maxU = 4, 3
	)
	rng := rand.New(rand.NewSource(7))
	b := testBatch(rng, B, V, maxT, maxU)
	b.InputLengths = []int32{4, 3, 2}
	b.LabelLengths = []int32{2, 2, 1}
	b.Labels = []int32{1, 4, 2, 2, 3}

	costs, _, _ := runLoss(t, b, CPUOptions(0, maxT, maxU), true)

	off := 0
	for ex := 0; ex < B; ex++ {
		labels := b.Labels[off : off+int(b.LabelLengths[ex])]
		off += int(b.LabelLengths[ex])
		want := refCost(&b, labels, 0, ex)
		assert.InDelta(t, want, float64(costs[ex]), 1e-5, "example %d", ex)
	}
}

func TestComputeLossGradientFiniteDifference(t *testing.T) {
	const (
		B, V       = 2, 4
		maxT, maxU = 3, 3
		eps        = 1e-2
	)
	rng := rand.New(rand.NewSource(11))
	b := testBatch(rng, B, V, maxT, maxU)
	b.InputLengths = []int32{3, 2}
	b.LabelLengths = []int32{2, 2}
	b.Labels = []int32{1, 3, 2, 1}

	opts := CPUOptions(0, maxT, maxU)
	opts.Threads = 1

	_, transGrad, predGrad := runLoss(t, b, opts, true)

	totalCost := func() float64 {
		costs, _, _ := runLoss(t, b, opts, false)
		var sum float64
		for _, c := range costs {
			sum += float64(c)
		}
		return sum
	}

	checkAxis := func(acts []float32, grad []float32, name string) {
		for _, i := range rng.Perm(len(acts))[:8] {
			orig := acts[i]
			acts[i] = orig + eps
			up := totalCost()
			acts[i] = orig - eps
			down := totalCost()
			acts[i] = orig

			fd := (up - down) / (2 * eps)
			assert.InDelta(t, fd, float64(grad[i]), 5e-3, "%s grad at %d", name, i)
		}
	}

	checkAxis(b.TransActs, transGrad, "trans")
	checkAxis(b.PredActs, predGrad, "pred")
}

func TestComputeLossAllBlank(t *testing.T) {
	// No labels: the only path is T blanks, so with uniform activations
	// the cost is T*ln(V).
	const (
		B, V       = 1, 4
		maxT, maxU = 3, 1
	)
	b := Batch{
		TransActs:    make([]float32, maxT*B*V),
		PredActs:     make([]float32, maxU*B*V),
		Labels:       nil,
		LabelLengths: []int32{0},
		InputLengths: []int32{3},
		AlphabetSize: V,
		Minibatch:    B,
	}

	costs, _, _ := runLoss(t, b, CPUOptions(0, maxT, maxU), true)
	assert.InDelta(t, 3*math.Log(4), float64(costs[0]), 1e-6)
}

func TestComputeLossInfeasibleExample(t *testing.T) {
	// Example 0 has fewer time steps than labels; example 1 is fine.
	// Infinite cost is a valid per-example result, the batch still
	// succeeds, and the infeasible example's gradients are zero.
	const (
		B, V       = 2, 3
		maxT, maxU = 3, 4
	)
	rng := rand.New(rand.NewSource(3))
	b := testBatch(rng, B, V, maxT, maxU)
	b.InputLengths = []int32{2, 3}
	b.LabelLengths = []int32{3, 1}
	b.Labels = []int32{1, 2, 1, 2}

	costs, transGrad, predGrad := runLoss(t, b, CPUOptions(0, maxT, maxU), true)

	assert.True(t, math.IsInf(float64(costs[0]), 1), "infeasible example must cost +Inf")
	assert.False(t, math.IsInf(float64(costs[1]), 0), "feasible example must stay finite")

	for t2 := 0; t2 < maxT; t2++ {
		for v := 0; v < V; v++ {
			assert.Zero(t, transGrad[(t2*B+0)*V+v])
		}
	}
	for u := 0; u < maxU; u++ {
		for v := 0; v < V; v++ {
			assert.Zero(t, predGrad[(u*B+0)*V+v])
		}
	}
}

func TestComputeLossZeroLengthInput(t *testing.T) {
	const (
		B, V       = 1, 3
		maxT, maxU = 2, 2
	)
	b := Batch{
		TransActs:    make([]float32, maxT*B*V),
		PredActs:     make([]float32, maxU*B*V),
		Labels:       nil,
		LabelLengths: []int32{0},
		InputLengths: []int32{0},
		AlphabetSize: V,
		Minibatch:    B,
	}

	costs, _, _ := runLoss(t, b, CPUOptions(0, maxT, maxU), true)
	assert.True(t, math.IsInf(float64(costs[0]), 1))
}

func TestComputeLossPaddingRowsZeroed(t *testing.T) {
	const (
		B, V       = 1, 3
		maxT, maxU = 4, 3
	)
	rng := rand.New(rand.NewSource(5))
	b := testBatch(rng, B, V, maxT, maxU)
	b.InputLengths = []int32{2}
	b.LabelLengths = []int32{1}
	b.Labels = []int32{2}

	// Pre-poison the gradient buffers; padding rows must come back zero.
	transGrad := make([]float32, maxT*B*V)
	predGrad := make([]float32, maxU*B*V)
	for i := range transGrad {
		transGrad[i] = 99
	}
	for i := range predGrad {
		predGrad[i] = 99
	}

	opts := CPUOptions(0, maxT, maxU)
	need, err := WorkspaceSize(maxT, maxU, B, V, false)
	require.NoError(t, err)
	costs := make([]float32, B)
	require.NoError(t, ComputeLoss(b, costs, transGrad, predGrad, make([]byte, need), opts))

	for t2 := 2; t2 < maxT; t2++ {
		for v := 0; v < V; v++ {
			assert.Zero(t, transGrad[(t2*B+0)*V+v], "padding row t=%d", t2)
		}
	}
	for u := 2; u < maxU; u++ {
		for v := 0; v < V; v++ {
			assert.Zero(t, predGrad[(u*B+0)*V+v], "padding row u=%d", u)
		}
	}
}

func TestComputeLossThreadCountInvariance(t *testing.T) {
	const (
		B, V       = 8, 6
		maxT, maxU = 5, 4
	)
	rng := rand.New(rand.NewSource(13))
	b := testBatch(rng, B, V, maxT, maxU)
	for i := 0; i < B; i++ {
		b.InputLengths[i] = int32(2 + i%4)
		b.LabelLengths[i] = int32(i % 3)
		for j := 0; j < int(b.LabelLengths[i]); j++ {
			b.Labels = append(b.Labels, int32(1+rng.Intn(V-1)))
		}
	}

	optsSerial := CPUOptions(0, maxT, maxU)
	optsSerial.Threads = 1
	serialCosts, serialTG, serialPG := runLoss(t, b, optsSerial, true)

	optsParallel := CPUOptions(0, maxT, maxU)
	optsParallel.Threads = 4
	parCosts, parTG, parPG := runLoss(t, b, optsParallel, true)

	assert.Equal(t, serialCosts, parCosts)
	assert.Equal(t, serialTG, parTG)
	assert.Equal(t, serialPG, parPG)
}

func TestComputeLossValidation(t *testing.T) {
	const (
		B, V       = 2, 3
		maxT, maxU = 2, 2
	)
	valid := func() Batch {
		return Batch{
			TransActs:    make([]float32, maxT*B*V),
			PredActs:     make([]float32, maxU*B*V),
			Labels:       []int32{1, 2},
			LabelLengths: []int32{1, 1},
			InputLengths: []int32{2, 2},
			AlphabetSize: V,
			Minibatch:    B,
		}
	}
	opts := CPUOptions(0, maxT, maxU)
	need, err := WorkspaceSize(maxT, maxU, B, V, false)
	require.NoError(t, err)

	run := func(b Batch, costs []float32, ws []byte, o Options) error {
		return ComputeLoss(b, costs, nil, nil, ws, o)
	}

	cases := []struct {
		name   string
		mutate func(*Batch, *[]float32, *[]byte, *Options)
	}{
		{"nil costs", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { *costs = nil }},
		{"short costs", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { *costs = make([]float32, 1) }},
		{"nil activations", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { b.TransActs = nil }},
		{"short trans acts", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { b.TransActs = b.TransActs[:3] }},
		{"short workspace", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { *ws = (*ws)[:8] }},
		{"zero minibatch", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { b.Minibatch = 0 }},
		{"zero alphabet", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { b.AlphabetSize = 0 }},
		{"label out of range", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { b.Labels[0] = 7 }},
		{"negative label", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { b.Labels[0] = -1 }},
		{"input length over maxT", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { b.InputLengths[0] = 9 }},
		{"label length over maxU-1", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { b.LabelLengths[0] = 2 }},
		{"short flat labels", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { b.Labels = b.Labels[:1] }},
		{"nil labels with lengths", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { b.Labels = nil }},
		{"blank out of range", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { o.Blank = V }},
		{"negative threads", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { o.Threads = -1 }},
		{"zero maxT", func(b *Batch, costs *[]float32, ws *[]byte, o *Options) { o.MaxT = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := valid()
			costs := make([]float32, B)
			ws := make([]byte, need)
			o := opts
			tc.mutate(&b, &costs, &ws, &o)

			err := run(b, costs, ws, o)
			require.Error(t, err)
			assert.Equal(t, StatusInvalidValue, StatusOf(err))
		})
	}

	t.Run("valid batch passes", func(t *testing.T) {
		b := valid()
		require.NoError(t, run(b, make([]float32, B), make([]byte, need), opts))
	})
}

func BenchmarkComputeLoss(b *testing.B) {
	const (
		B, V       = 16, 128
		maxT, maxU = 50, 20
	)
	rng := rand.New(rand.NewSource(1))
	batch := testBatch(rng, B, V, maxT, maxU)
	for i := 0; i < B; i++ {
		batch.InputLengths[i] = maxT
		batch.LabelLengths[i] = maxU - 1
		for j := 0; j < maxU-1; j++ {
			batch.Labels = append(batch.Labels, int32(1+rng.Intn(V-1)))
		}
	}

	opts := CPUOptions(0, maxT, maxU)
	need, _ := WorkspaceSize(maxT, maxU, B, V, false)
	workspace := make([]byte, need)
	costs := make([]float32, B)
	transGrad := make([]float32, maxT*B*V)
	predGrad := make([]float32, maxU*B*V)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := ComputeLoss(batch, costs, transGrad, predGrad, workspace, opts); err != nil {
			b.Fatal(err)
		}
	}
}
