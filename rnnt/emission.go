package rnnt

import (
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-transducer/internal/simd"
)

// fillEmissions runs the joint emission model over every (t, u) cell of
// example b: the transcription row for time t and the prediction row for
// position u are summed elementwise into joint logits, normalized by a
// stable log-sum-exp over the alphabet, and the two values the lattice
// recursions consume are cached per cell:
//
//	lpBlank(t,u) = log P(blank | t, u)
//	lpLabel(t,u) = log P(labels[u] | t, u)   (undefined at u = U-1)
//
// Caching once per cell avoids recomputing the log-softmax in both the
// alpha and beta passes and again during gradient distribution.
func fillEmissions(w *exampleWorkspace, tr, pr []float32, labels []int32, T, U, B, V, blank, b int) {
	for t := 0; t < T; t++ {
		trOff := (t*B + b) * V
		trRow := tr[trOff : trOff+V]
		for u := 0; u < U; u++ {
			prOff := (u*B + b) * V
			prRow := pr[prOff : prOff+V]

			simd.SumPairInto(w.logits, trRow, prRow)
			d := floats.LogSumExp(w.logits)

			i := w.idx(t, u)
			w.denom[i] = d
			w.lpBlank[i] = w.logits[blank] - d
			if u < U-1 {
				w.lpLabel[i] = w.logits[labels[u]] - d
			}
		}
	}
}
