// Package rnnt computes the RNN-Transducer loss: the negative
// log-likelihood a transducer model assigns to a label sequence given a
// transcription activation stream (indexed by time) and a prediction
// activation stream (indexed by output position), with optional gradients
// for both streams. It is a black-box loss primitive: it never allocates
// or retains caller memory, and a call either completes or fails with a
// classified error.
package rnnt

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-transducer/gpu"
	"github.com/23skdu/longbow-transducer/internal/pool"
)

// consistencyTol is the allowed absolute disagreement between the forward
// and backward total log-likelihoods of one example. Violations indicate
// pathological inputs and are reported, not fatal.
const consistencyTol = 1e-3

// Batch bundles the caller-owned inputs for one minibatch. All slices are
// read-only to the library and are not retained beyond the call.
type Batch struct {
	// TransActs holds the transcription activations with logical shape
	// (maxT, minibatch, alphabet), row-major without padding: element
	// (t, b, v) lives at (t*minibatch+b)*alphabet + v.
	TransActs []float32

	// PredActs holds the prediction activations with logical shape
	// (maxU, minibatch, alphabet), same layout convention.
	PredActs []float32

	// Labels is the concatenation of every example's label indices;
	// example b's labels start at the prefix sum of LabelLengths[:b].
	Labels []int32

	// LabelLengths[b] is the number of labels of example b, at most maxU-1.
	LabelLengths []int32

	// InputLengths[b] is the number of time steps of example b, at most maxT.
	InputLengths []int32

	// AlphabetSize is the number of output symbols, blank included.
	AlphabetSize int

	// Minibatch is the number of examples in the batch.
	Minibatch int
}

// ComputeLoss computes the transducer loss for every example of the batch
// and writes one cost per example into costs. If transGrad or predGrad is
// non-nil the gradient with respect to that activation stream is written
// into it (same shape and layout as the stream); a nil gradient slice
// skips that stream's gradient work entirely.
//
// workspace must be at least WorkspaceSize bytes for the configuration in
// opts and the batch's alphabet/minibatch. An example whose label sequence
// cannot fit its time budget yields cost +Inf and zero gradients; that is
// a valid result, not an error.
func ComputeLoss(b Batch, costs []float32, transGrad, predGrad []float32, workspace []byte, opts Options) error {
	start := time.Now()
	err := computeLoss(b, costs, transGrad, predGrad, workspace, opts)
	computeDuration.Observe(time.Since(start).Seconds())
	computeCalls.Inc()
	if err != nil {
		computeFailures.WithLabelValues(StatusOf(err).String()).Inc()
	} else {
		examplesProcessed.Add(float64(b.Minibatch))
	}
	return err
}

func computeLoss(b Batch, costs []float32, transGrad, predGrad []float32, workspace []byte, opts Options) error {
	if err := validateBatch(&b, costs, transGrad, predGrad, opts); err != nil {
		return err
	}

	need, err := WorkspaceSize(opts.MaxT, opts.MaxU, b.Minibatch, b.AlphabetSize, opts.Location == LocationGPU)
	if err != nil {
		return err
	}
	if len(workspace) < need {
		return fmt.Errorf("%w: workspace of %d bytes, need %d for maxT=%d maxU=%d minibatch=%d alphabet=%d",
			ErrInvalidValue, len(workspace), need, opts.MaxT, opts.MaxU, b.Minibatch, b.AlphabetSize)
	}

	// Per-example offsets into the flat label sequence. Coverage of the
	// flat slice was already established by validateBatch.
	offsets := make([]int32, b.Minibatch)
	var sum int32
	for i := 0; i < b.Minibatch; i++ {
		offsets[i] = sum
		sum += b.LabelLengths[i]
	}

	if opts.Location == LocationGPU {
		return computeGPU(&b, offsets, costs, transGrad, predGrad, opts)
	}
	return computeCPU(&b, offsets, costs, transGrad, predGrad, workspace, opts)
}

// validateBatch performs every shape/length/pointer check before any
// numeric work. One invalid example fails the whole call.
func validateBatch(b *Batch, costs []float32, transGrad, predGrad []float32, opts Options) error {
	if b.Minibatch <= 0 {
		return fmt.Errorf("%w: minibatch must be positive, got %d", ErrInvalidValue, b.Minibatch)
	}
	if b.AlphabetSize <= 0 {
		return fmt.Errorf("%w: alphabet size must be positive, got %d", ErrInvalidValue, b.AlphabetSize)
	}
	if err := opts.validate(b.AlphabetSize); err != nil {
		return err
	}

	B, V := b.Minibatch, b.AlphabetSize
	if b.TransActs == nil || b.PredActs == nil {
		return fmt.Errorf("%w: activation streams are required", ErrInvalidValue)
	}
	if costs == nil {
		return fmt.Errorf("%w: costs output buffer is required", ErrInvalidValue)
	}
	if len(costs) < B {
		return fmt.Errorf("%w: costs buffer holds %d entries, need %d", ErrInvalidValue, len(costs), B)
	}
	if len(b.InputLengths) < B || len(b.LabelLengths) < B {
		return fmt.Errorf("%w: length slices must cover the minibatch", ErrInvalidValue)
	}
	if len(b.TransActs) < opts.MaxT*B*V {
		return fmt.Errorf("%w: transcription activations hold %d values, need %d", ErrInvalidValue, len(b.TransActs), opts.MaxT*B*V)
	}
	if len(b.PredActs) < opts.MaxU*B*V {
		return fmt.Errorf("%w: prediction activations hold %d values, need %d", ErrInvalidValue, len(b.PredActs), opts.MaxU*B*V)
	}
	if transGrad != nil && len(transGrad) < opts.MaxT*B*V {
		return fmt.Errorf("%w: transcription gradient buffer too small", ErrInvalidValue)
	}
	if predGrad != nil && len(predGrad) < opts.MaxU*B*V {
		return fmt.Errorf("%w: prediction gradient buffer too small", ErrInvalidValue)
	}

	for i := 0; i < B; i++ {
		if b.InputLengths[i] < 0 || int(b.InputLengths[i]) > opts.MaxT {
			return fmt.Errorf("%w: input length %d of example %d outside [0, %d]", ErrInvalidValue, b.InputLengths[i], i, opts.MaxT)
		}
		if b.LabelLengths[i] < 0 || int(b.LabelLengths[i]) > opts.MaxU-1 {
			return fmt.Errorf("%w: label length %d of example %d outside [0, %d]", ErrInvalidValue, b.LabelLengths[i], i, opts.MaxU-1)
		}
	}
	off := 0
	for i := 0; i < B; i++ {
		n := int(b.LabelLengths[i])
		if off+n > len(b.Labels) {
			return fmt.Errorf("%w: flat labels hold %d entries, examples 0..%d declare %d", ErrInvalidValue, len(b.Labels), i, off+n)
		}
		for j := 0; j < n; j++ {
			if lv := b.Labels[off+j]; lv < 0 || int(lv) >= V {
				return fmt.Errorf("%w: label %d of example %d outside alphabet of size %d", ErrInvalidValue, lv, i, V)
			}
		}
		off += n
	}
	return nil
}

// computeCPU is the parallel-threads batch driver: a bounded worker pool
// processes examples independently; each worker touches only its
// example's disjoint workspace and output slices, so no locking is
// needed. First failure wins.
func computeCPU(b *Batch, offsets []int32, costs []float32, transGrad, predGrad []float32, workspace []byte, opts Options) error {
	layout, err := carveWorkspace(workspace, opts.MaxT, opts.MaxU, b.Minibatch, b.AlphabetSize)
	if err != nil {
		return err
	}

	workers := opts.Threads
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > b.Minibatch {
		workers = b.Minibatch
	}

	p := pool.New(workers)
	defer p.Close()

	errs := make([]error, b.Minibatch)
	p.ParallelForAtomic(b.Minibatch, func(i int) {
		errs[i] = computeExample(b, offsets, costs, transGrad, predGrad, layout, opts, i)
	})

	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// computeExample runs the lattice engine and, if requested, the gradient
// distributor for one minibatch element.
func computeExample(batch *Batch, offsets []int32, costs []float32, transGrad, predGrad []float32, layout *wsLayout, opts Options, b int) error {
	B, V := batch.Minibatch, batch.AlphabetSize
	T := int(batch.InputLengths[b])
	L := int(batch.LabelLengths[b])
	U := L + 1

	wantGrads := transGrad != nil || predGrad != nil

	// Fewer time steps than labels: no alignment can emit every label and
	// the mandatory final blank. Infinite cost is a valid output.
	if T == 0 || T < L {
		costs[b] = float32(math.Inf(1))
		infiniteCosts.Inc()
		if wantGrads {
			zeroExampleGrads(transGrad, predGrad, opts.MaxT, opts.MaxU, B, V, b)
		}
		return nil
	}

	labels := batch.Labels[offsets[b] : offsets[b]+int32(L)]
	w := layout.example(b)

	fillEmissions(w, batch.TransActs, batch.PredActs, labels, T, U, B, V, opts.Blank, b)

	var llForward, llBackward float64
	if wantGrads {
		// The two passes read only the emission cache; run them together.
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			llForward = forwardLattice(w, T, U)
		}()
		go func() {
			defer wg.Done()
			llBackward = backwardLattice(w, T, U)
		}()
		wg.Wait()
	} else {
		llForward = forwardLattice(w, T, U)
	}

	if math.IsInf(llForward, -1) || math.IsNaN(llForward) {
		costs[b] = float32(math.Inf(1))
		infiniteCosts.Inc()
		if wantGrads {
			zeroExampleGrads(transGrad, predGrad, opts.MaxT, opts.MaxU, B, V, b)
		}
		return nil
	}

	costs[b] = float32(-llForward)

	if !wantGrads {
		return nil
	}

	if diff := math.Abs(llForward - llBackward); diff > consistencyTol*math.Max(1, math.Abs(llForward)) {
		consistencyWarnings.Inc()
		log.Warn().
			Int("example", b).
			Float64("forward", llForward).
			Float64("backward", llBackward).
			Msg("forward/backward log-likelihood mismatch")
	}

	distributeGradients(w, batch.TransActs, batch.PredActs, labels, T, U, B, V, opts.Blank, b, llForward)
	if transGrad != nil {
		storeTransGrad(transGrad, w.transAcc, T, opts.MaxT, B, V, b)
	}
	if predGrad != nil {
		storePredGrad(predGrad, w.predAcc, U, opts.MaxU, B, V, b)
	}
	return nil
}

// computeGPU submits the whole batch to the caller's execution queue as
// one job. The queue substrate reports transfer failures and launch
// failures separately; both abort the call.
func computeGPU(b *Batch, offsets []int32, costs []float32, transGrad, predGrad []float32, opts Options) error {
	job := &gpu.LossJob{
		TransActs:    b.TransActs,
		PredActs:     b.PredActs,
		Labels:       b.Labels,
		LabelOffsets: offsets,
		LabelLengths: b.LabelLengths,
		InputLengths: b.InputLengths,
		Alphabet:     b.AlphabetSize,
		Minibatch:    b.Minibatch,
		MaxT:         opts.MaxT,
		MaxU:         opts.MaxU,
		Blank:        opts.Blank,
		Costs:        costs,
		TransGrad:    transGrad,
		PredGrad:     predGrad,
	}

	if err := opts.Queue.ComputeLoss(job); err != nil {
		if errors.Is(err, gpu.ErrTransfer) {
			return fmt.Errorf("%w: %v", ErrMemopsFailed, err)
		}
		return fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}

	for i := 0; i < b.Minibatch; i++ {
		if math.IsInf(float64(costs[i]), 1) {
			infiniteCosts.Inc()
		}
	}
	return nil
}
