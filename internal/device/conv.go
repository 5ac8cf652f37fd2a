package device

// Causal depthwise convolution. x and out are (batch, channels, seqLen)
// row-major, weight is (channels, w), bias is (channels) or nil. The input
// is implicitly left-padded with w-1 zeros, so out[t] depends only on
// x[t-w+1..t].
//
// CausalConv1D and CausalConvSiLUFused accumulate in exactly the same
// order, so the fused path is bit-identical to conv followed by SiLU.

type ConvFunc func(out, x, weight, bias []float32, batch, channels, seqLen, w int)

// CausalConv1D is the reference path: convolution pass, then an activation
// pass over the full output.
func CausalConv1D(out, x, weight, bias []float32, batch, channels, seqLen, w int) {
	convPass(out, x, weight, bias, batch, channels, seqLen, w)
	SiLUInPlace(out[:batch*channels*seqLen])
}

// CausalConvSiLUFused applies the activation as each output element is
// produced, in one pass.
func CausalConvSiLUFused(out, x, weight, bias []float32, batch, channels, seqLen, w int) {
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			row := weight[c*w : (c+1)*w]
			xc := x[(b*channels+c)*seqLen : (b*channels+c+1)*seqLen]
			oc := out[(b*channels+c)*seqLen : (b*channels+c+1)*seqLen]
			for t := 0; t < seqLen; t++ {
				sum := float32(0)
				if bias != nil {
					sum = bias[c]
				}
				for k := 0; k < w; k++ {
					src := t - w + 1 + k
					if src >= 0 {
						sum += row[k] * xc[src]
					}
				}
				oc[t] = SiLU(sum)
			}
		}
	}
}

func convPass(out, x, weight, bias []float32, batch, channels, seqLen, w int) {
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			row := weight[c*w : (c+1)*w]
			xc := x[(b*channels+c)*seqLen : (b*channels+c+1)*seqLen]
			oc := out[(b*channels+c)*seqLen : (b*channels+c+1)*seqLen]
			for t := 0; t < seqLen; t++ {
				sum := float32(0)
				if bias != nil {
					sum = bias[c]
				}
				for k := 0; k < w; k++ {
					src := t - w + 1 + k
					if src >= 0 {
						sum += row[k] * xc[src]
					}
				}
				oc[t] = sum
			}
		}
	}
}

// CausalConvStep advances the per-channel ring buffer by one position and
// returns the activated convolution output for that position. state is
// (batch, channels, w) holding the most recent w inputs, newest last; xin
// and out are (batch, channels). state is mutated in place.
func CausalConvStep(out, xin, state, weight, bias []float32, batch, channels, w int) {
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			s := state[(b*channels+c)*w : (b*channels+c+1)*w]
			copy(s, s[1:])
			s[w-1] = xin[b*channels+c]

			row := weight[c*w : (c+1)*w]
			sum := float32(0)
			if bias != nil {
				sum = bias[c]
			}
			for k := 0; k < w; k++ {
				sum += row[k] * s[k]
			}
			out[b*channels+c] = SiLU(sum)
		}
	}
}
