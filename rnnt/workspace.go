package rnnt

import (
	"fmt"
	"unsafe"
)

// gpuReduceWidth is the workgroup width the GPU emission kernel reduces
// the alphabet axis with. The GPU workspace term scales with it.
const gpuReduceWidth = 256

// WorkspaceSize returns the number of scratch bytes ComputeLoss requires
// for the given configuration. It never allocates. The result is
// monotonically non-decreasing in each of maxT, maxU, minibatch and
// alphabet, and must be honored before any computation call whose
// configuration differs from the previous one.
//
// The internal layout is private; only the total byte count is contract.
// Per example the workspace holds five float64 lattice-shaped planes
// (emission denominators, cached blank/label log-probabilities, alpha,
// beta), one fused-logits row, one gradient row, and the two axis
// gradient accumulation planes. The GPU target adds reduction scratch
// proportional to alphabet x workgroup width.
func WorkspaceSize(maxT, maxU, minibatch, alphabet int, gpuTarget bool) (int, error) {
	if maxT <= 0 || maxU <= 0 || minibatch <= 0 || alphabet <= 0 {
		return 0, fmt.Errorf("%w: workspace dimensions must be positive (maxT=%d maxU=%d minibatch=%d alphabet=%d)",
			ErrInvalidValue, maxT, maxU, minibatch, alphabet)
	}

	words := workspaceWords(maxT, maxU, minibatch, alphabet)
	size := words * 8
	if gpuTarget {
		size += 4 * alphabet * gpuReduceWidth
	}
	return size, nil
}

func workspaceWords(maxT, maxU, minibatch, alphabet int) int {
	cells := maxT * maxU
	perExample := 5*cells + 2*alphabet + (maxT+maxU)*alphabet
	return minibatch * perExample
}

// wsLayout carves the caller's opaque workspace into the internal planes.
// All planes are float64: the lattices and cached emissions are kept in
// the widest precision used anywhere in the computation.
type wsLayout struct {
	maxT, maxU int
	minibatch  int
	alphabet   int

	denom   []float64 // minibatch*maxT*maxU, per-cell log-softmax denominator
	lpBlank []float64 // minibatch*maxT*maxU
	lpLabel []float64 // minibatch*maxT*maxU
	alpha   []float64 // minibatch*maxT*maxU
	beta    []float64 // minibatch*maxT*maxU

	logits  []float64 // minibatch*alphabet, fused per-cell logits row
	gradRow []float64 // minibatch*alphabet, per-cell gradient row

	transAcc []float64 // minibatch*maxT*alphabet
	predAcc  []float64 // minibatch*maxU*alphabet
}

// carveWorkspace validates and partitions the caller-allocated region.
// The region must be at least the planned size and 8-byte aligned; both
// violations are input-validation failures, not silent degradation.
func carveWorkspace(ws []byte, maxT, maxU, minibatch, alphabet int) (*wsLayout, error) {
	words := workspaceWords(maxT, maxU, minibatch, alphabet)
	if len(ws) < words*8 {
		return nil, fmt.Errorf("%w: workspace of %d bytes, need at least %d", ErrInvalidValue, len(ws), words*8)
	}
	if uintptr(unsafe.Pointer(&ws[0]))%8 != 0 {
		return nil, fmt.Errorf("%w: workspace not 8-byte aligned", ErrInvalidValue)
	}

	f := unsafe.Slice((*float64)(unsafe.Pointer(&ws[0])), words)

	cells := minibatch * maxT * maxU
	rows := minibatch * alphabet

	l := &wsLayout{
		maxT:      maxT,
		maxU:      maxU,
		minibatch: minibatch,
		alphabet:  alphabet,
	}

	off := 0
	take := func(n int) []float64 {
		s := f[off : off+n : off+n]
		off += n
		return s
	}

	l.denom = take(cells)
	l.lpBlank = take(cells)
	l.lpLabel = take(cells)
	l.alpha = take(cells)
	l.beta = take(cells)
	l.logits = take(rows)
	l.gradRow = take(rows)
	l.transAcc = take(minibatch * maxT * alphabet)
	l.predAcc = take(minibatch * maxU * alphabet)

	return l, nil
}

// example returns the workspace view for one minibatch element. The
// lattice planes are addressed as plane[t*maxU+u].
func (l *wsLayout) example(b int) *exampleWorkspace {
	cells := l.maxT * l.maxU
	lo := b * cells

	return &exampleWorkspace{
		maxU:     l.maxU,
		denom:    l.denom[lo : lo+cells],
		lpBlank:  l.lpBlank[lo : lo+cells],
		lpLabel:  l.lpLabel[lo : lo+cells],
		alpha:    l.alpha[lo : lo+cells],
		beta:     l.beta[lo : lo+cells],
		logits:   l.logits[b*l.alphabet : (b+1)*l.alphabet],
		gradRow:  l.gradRow[b*l.alphabet : (b+1)*l.alphabet],
		transAcc: l.transAcc[b*l.maxT*l.alphabet : (b+1)*l.maxT*l.alphabet],
		predAcc:  l.predAcc[b*l.maxU*l.alphabet : (b+1)*l.maxU*l.alphabet],
	}
}

// exampleWorkspace is the disjoint scratch slice set one worker operates
// on. Disjointness across examples is what makes the batch driver
// lock-free.
type exampleWorkspace struct {
	maxU int

	denom   []float64
	lpBlank []float64
	lpLabel []float64
	alpha   []float64
	beta    []float64

	logits  []float64
	gradRow []float64

	transAcc []float64
	predAcc  []float64
}

func (w *exampleWorkspace) idx(t, u int) int {
	return t*w.maxU + u
}
