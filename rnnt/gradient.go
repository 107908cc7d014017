package rnnt

import (
	"math"

	"github.com/23skdu/longbow-transducer/internal/simd"
)

// distributeGradients converts the alpha/beta lattices into the gradient
// of the loss with respect to the joint pre-softmax logits at every cell,
// then reduces the 2-D cell gradients into the two axis accumulation
// planes (sum over u for the transcription axis, sum over t for the
// prediction axis), mirroring the forward combination rule: the joint
// logit is trans + pred, so each input's gradient is the cell gradient
// summed over the axis it does not index.
//
// Per cell (t,u) and symbol v, with ll the total log-likelihood:
//
//	grad(t,u,v) = exp(alpha(t,u) + beta(t,u) - ll + logp(v|t,u))
//	            - exp(alpha(t,u) + logp_arc + beta(arc target) - ll)
//
// where the subtracted term applies only to the symbol carried by an
// outgoing arc that exists: blank to (t+1,u) (or the terminal state from
// the last cell), label[u] to (t,u+1). The first term is the
// backpropagation of the per-cell log-softmax; the second routes the
// path probability mass through the used arcs.
func distributeGradients(w *exampleWorkspace, tr, pr []float32, labels []int32, T, U, B, V, blank, b int, ll float64) {
	simd.Fill(w.transAcc[:T*V], 0)
	simd.Fill(w.predAcc[:U*V], 0)

	for t := 0; t < T; t++ {
		trOff := (t*B + b) * V
		trRow := tr[trOff : trOff+V]
		accT := w.transAcc[t*V : (t+1)*V]

		for u := 0; u < U; u++ {
			prOff := (u*B + b) * V
			prRow := pr[prOff : prOff+V]

			i := w.idx(t, u)
			occ := w.alpha[i] + w.beta[i] - ll - w.denom[i]

			for v := 0; v < V; v++ {
				w.gradRow[v] = math.Exp(occ + float64(trRow[v]) + float64(prRow[v]))
			}

			if t == T-1 && u == U-1 {
				// Final blank arc exits to the terminal state (beta = 0).
				w.gradRow[blank] -= math.Exp(w.alpha[i] + w.lpBlank[i] - ll)
			} else if t < T-1 {
				w.gradRow[blank] -= math.Exp(w.alpha[i] + w.lpBlank[i] + w.beta[w.idx(t+1, u)] - ll)
			}
			if u < U-1 {
				w.gradRow[labels[u]] -= math.Exp(w.alpha[i] + w.lpLabel[i] + w.beta[w.idx(t, u+1)] - ll)
			}

			simd.VecAdd(accT, w.gradRow)
			simd.VecAdd(w.predAcc[u*V:(u+1)*V], w.gradRow)
		}
	}
}

// storeTransGrad writes example b's transcription gradient rows into the
// caller buffer, zeroing the padding rows t >= T so stale values never
// leak into the optimizer.
func storeTransGrad(dst []float32, acc []float64, T, maxT, B, V, b int) {
	for t := 0; t < maxT; t++ {
		off := (t*B + b) * V
		row := dst[off : off+V]
		if t < T {
			src := acc[t*V : (t+1)*V]
			for v := range row {
				row[v] = float32(src[v])
			}
		} else {
			clear(row)
		}
	}
}

// storePredGrad is the prediction-axis counterpart of storeTransGrad.
func storePredGrad(dst []float32, acc []float64, U, maxU, B, V, b int) {
	for u := 0; u < maxU; u++ {
		off := (u*B + b) * V
		row := dst[off : off+V]
		if u < U {
			src := acc[u*V : (u+1)*V]
			for v := range row {
				row[v] = float32(src[v])
			}
		} else {
			clear(row)
		}
	}
}

// zeroExampleGrads writes zeros into every gradient row of example b.
// Used when the example's cost is infinite: no finite gradient exists, and
// zeros keep downstream updates finite.
func zeroExampleGrads(transGrad, predGrad []float32, maxT, maxU, B, V, b int) {
	if transGrad != nil {
		for t := 0; t < maxT; t++ {
			off := (t*B + b) * V
			clear(transGrad[off : off+V])
		}
	}
	if predGrad != nil {
		for u := 0; u < maxU; u++ {
			off := (u*B + b) * V
			clear(predGrad[off : off+V])
		}
	}
}
