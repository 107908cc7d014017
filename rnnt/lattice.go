package rnnt

import (
	"github.com/23skdu/longbow-transducer/internal/simd"
)

// forwardLattice fills the alpha plane for a T x U grid and returns the
// total path log-likelihood alpha(T-1,U-1) + lpBlank(T-1,U-1).
//
//	alpha(0,0) = 0
//	alpha(t,0) = alpha(t-1,0) + lpBlank(t-1,0)
//	alpha(0,u) = alpha(0,u-1) + lpLabel(0,u-1)
//	alpha(t,u) = logsumexp(alpha(t-1,u)+lpBlank(t-1,u), alpha(t,u-1)+lpLabel(t,u-1))
//
// T = 1 or U = 1 degrade to the single border row/column; the border
// loops never read outside the grid.
func forwardLattice(w *exampleWorkspace, T, U int) float64 {
	alpha := w.alpha
	alpha[w.idx(0, 0)] = 0

	for t := 1; t < T; t++ {
		alpha[w.idx(t, 0)] = alpha[w.idx(t-1, 0)] + w.lpBlank[w.idx(t-1, 0)]
	}
	for u := 1; u < U; u++ {
		alpha[w.idx(0, u)] = alpha[w.idx(0, u-1)] + w.lpLabel[w.idx(0, u-1)]
	}
	for t := 1; t < T; t++ {
		for u := 1; u < U; u++ {
			noEmit := alpha[w.idx(t-1, u)] + w.lpBlank[w.idx(t-1, u)]
			emit := alpha[w.idx(t, u-1)] + w.lpLabel[w.idx(t, u-1)]
			alpha[w.idx(t, u)] = simd.LogSumExp(noEmit, emit)
		}
	}

	return alpha[w.idx(T-1, U-1)] + w.lpBlank[w.idx(T-1, U-1)]
}

// backwardLattice fills the beta plane in decreasing (t, u) order and
// returns beta(0,0), which must agree with the forward log-likelihood up
// to numerical tolerance.
//
//	beta(T-1,U-1) = lpBlank(T-1,U-1)
//	beta(T-1,u)   = beta(T-1,u+1) + lpLabel(T-1,u)
//	beta(t,U-1)   = beta(t+1,U-1) + lpBlank(t,U-1)
//	beta(t,u)     = logsumexp(beta(t+1,u)+lpBlank(t,u), beta(t,u+1)+lpLabel(t,u))
func backwardLattice(w *exampleWorkspace, T, U int) float64 {
	beta := w.beta
	beta[w.idx(T-1, U-1)] = w.lpBlank[w.idx(T-1, U-1)]

	for u := U - 2; u >= 0; u-- {
		beta[w.idx(T-1, u)] = beta[w.idx(T-1, u+1)] + w.lpLabel[w.idx(T-1, u)]
	}
	for t := T - 2; t >= 0; t-- {
		beta[w.idx(t, U-1)] = beta[w.idx(t+1, U-1)] + w.lpBlank[w.idx(t, U-1)]
	}
	for t := T - 2; t >= 0; t-- {
		for u := U - 2; u >= 0; u-- {
			noEmit := beta[w.idx(t+1, u)] + w.lpBlank[w.idx(t, u)]
			emit := beta[w.idx(t, u+1)] + w.lpLabel[w.idx(t, u)]
			beta[w.idx(t, u)] = simd.LogSumExp(noEmit, emit)
		}
	}

	return beta[w.idx(0, 0)]
}
