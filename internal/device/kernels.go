package device

import (
	"math"
)

// MatMul computes out = a @ w^T where a is (m, k) and w is (n, k), both
// row-major. out is (m, n).
func MatMul(out, a, w []float32, m, n, k int) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := float32(0.0)
			for l := 0; l < k; l++ {
				sum += a[i*k+l] * w[j*k+l]
			}
			out[i*n+j] = sum
		}
	}
}

// MatVec computes out = w @ x where w is (n, k) row-major and x is (k).
func MatVec(out, w, x []float32, n, k int) {
	for j := 0; j < n; j++ {
		sum := float32(0.0)
		row := w[j*k : (j+1)*k]
		for l := 0; l < k; l++ {
			sum += row[l] * x[l]
		}
		out[j] = sum
	}
}

// SiLU computes x * sigmoid(x). Transcendentals run in float64.
func SiLU(x float32) float32 {
	v := float64(x)
	return float32(v / (1.0 + math.Exp(-v)))
}

// Softplus computes log(1 + exp(x)) in float64, with the usual large-x
// shortcut to avoid overflow.
func Softplus(x float64) float64 {
	if x > 32.0 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

// InvSoftplus is the inverse of Softplus for positive y:
// x = y + log(-expm1(-y)).
func InvSoftplus(y float64) float64 {
	return y + math.Log(-math.Expm1(-y))
}

// SiLUInPlace applies SiLU elementwise.
func SiLUInPlace(x []float32) {
	for i := range x {
		x[i] = SiLU(x[i])
	}
}

// RMSNormGated normalizes each row of y (rows x dim) with gate modulation
// from z, scaling by weight. The RMS statistic is taken over contiguous
// blocks of groupSize channels, not the whole row, so normalizing a row
// shard yields the same values as normalizing the full row and slicing;
// groupSize must divide dim. With normBeforeGate false the gate is applied
// before normalization: out = rmsnorm(y * silu(z)) * weight. With it true
// the gate multiplies the normalized output: out = rmsnorm(y) * weight *
// silu(z).
func RMSNormGated(out, y, z, weight []float32, rows, dim, groupSize int, eps float32, normBeforeGate bool) {
	for r := 0; r < rows; r++ {
		yr := y[r*dim : (r+1)*dim]
		zr := z[r*dim : (r+1)*dim]
		or := out[r*dim : (r+1)*dim]

		if !normBeforeGate {
			for i := 0; i < dim; i++ {
				or[i] = yr[i] * SiLU(zr[i])
			}
			for g := 0; g < dim; g += groupSize {
				rmsScale(or[g:g+groupSize], or[g:g+groupSize], weight[g:g+groupSize], groupSize, eps)
			}
		} else {
			for g := 0; g < dim; g += groupSize {
				rmsScale(or[g:g+groupSize], yr[g:g+groupSize], weight[g:g+groupSize], groupSize, eps)
			}
			for i := 0; i < dim; i++ {
				or[i] *= SiLU(zr[i])
			}
		}
	}
}

func rmsScale(out, in, weight []float32, dim int, eps float32) {
	sum := 0.0
	for i := 0; i < dim; i++ {
		v := float64(in[i])
		sum += v * v
	}
	inv := 1.0 / math.Sqrt(sum/float64(dim)+float64(eps))
	for i := 0; i < dim; i++ {
		out[i] = float32(float64(in[i])*inv) * weight[i]
	}
}

// RMSNorm is the ungated variant used by the residual blocks.
func RMSNorm(out, in, weight []float32, rows, dim int, eps float32) {
	for r := 0; r < rows; r++ {
		rmsScale(out[r*dim:(r+1)*dim], in[r*dim:(r+1)*dim], weight, dim, eps)
	}
}
