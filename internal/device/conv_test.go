package device

import (
	"math"
	"math/rand"
	"testing"
)

func randomConvCase(seed int64, batch, channels, seqLen, w int) (x, weight, bias []float32) {
	rng := rand.New(rand.NewSource(seed))
	x = make([]float32, batch*channels*seqLen)
	weight = make([]float32, channels*w)
	bias = make([]float32, channels)
	for i := range x {
		x[i] = rng.Float32()*2 - 1
	}
	for i := range weight {
		weight[i] = rng.Float32()*2 - 1
	}
	for i := range bias {
		bias[i] = rng.Float32() - 0.5
	}
	return
}

func TestCausalConvMatchesNaive(t *testing.T) {
	batch, channels, seqLen, w := 2, 3, 9, 4
	x, weight, bias := randomConvCase(10, batch, channels, seqLen, w)

	out := make([]float32, len(x))
	CausalConv1D(out, x, weight, bias, batch, channels, seqLen, w)

	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			for tpos := 0; tpos < seqLen; tpos++ {
				sum := float64(bias[c])
				for k := 0; k < w; k++ {
					src := tpos - w + 1 + k
					if src >= 0 {
						sum += float64(weight[c*w+k]) * float64(x[(b*channels+c)*seqLen+src])
					}
				}
				ref := sum / (1 + math.Exp(-sum))
				got := float64(out[(b*channels+c)*seqLen+tpos])
				if math.Abs(got-ref) > 1e-5 {
					t.Fatalf("b=%d c=%d t=%d: got %f want %f", b, c, tpos, got, ref)
				}
			}
		}
	}
}

func TestFusedConvBitIdentical(t *testing.T) {
	batch, channels, seqLen, w := 2, 5, 17, 4
	x, weight, bias := randomConvCase(11, batch, channels, seqLen, w)

	ref := make([]float32, len(x))
	fused := make([]float32, len(x))
	CausalConv1D(ref, x, weight, bias, batch, channels, seqLen, w)
	CausalConvSiLUFused(fused, x, weight, bias, batch, channels, seqLen, w)

	for i := range ref {
		if ref[i] != fused[i] {
			t.Fatalf("fused path diverges at %d: %v vs %v", i, fused[i], ref[i])
		}
	}
}

func TestCausalConvCausality(t *testing.T) {
	// Perturbing the input at position t must not change outputs before t.
	batch, channels, seqLen, w := 1, 2, 8, 4
	x, weight, bias := randomConvCase(12, batch, channels, seqLen, w)

	base := make([]float32, len(x))
	CausalConv1D(base, x, weight, bias, batch, channels, seqLen, w)

	for perturb := 1; perturb < seqLen; perturb++ {
		xp := append([]float32(nil), x...)
		for c := 0; c < channels; c++ {
			xp[c*seqLen+perturb] += 3.5
		}
		out := make([]float32, len(x))
		CausalConv1D(out, xp, weight, bias, batch, channels, seqLen, w)
		for c := 0; c < channels; c++ {
			for tpos := 0; tpos < perturb; tpos++ {
				if out[c*seqLen+tpos] != base[c*seqLen+tpos] {
					t.Fatalf("perturbation at %d leaked to position %d", perturb, tpos)
				}
			}
		}
	}
}

func TestConvStepMatchesPrefill(t *testing.T) {
	// Feeding the sequence one position at a time through the ring buffer
	// must reproduce the full causal convolution.
	batch, channels, seqLen, w := 2, 3, 10, 4
	x, weight, bias := randomConvCase(13, batch, channels, seqLen, w)

	full := make([]float32, len(x))
	CausalConv1D(full, x, weight, bias, batch, channels, seqLen, w)

	state := make([]float32, batch*channels*w)
	xin := make([]float32, batch*channels)
	out := make([]float32, batch*channels)
	for tpos := 0; tpos < seqLen; tpos++ {
		for b := 0; b < batch; b++ {
			for c := 0; c < channels; c++ {
				xin[b*channels+c] = x[(b*channels+c)*seqLen+tpos]
			}
		}
		CausalConvStep(out, xin, state, weight, bias, batch, channels, w)
		for b := 0; b < batch; b++ {
			for c := 0; c < channels; c++ {
				want := full[(b*channels+c)*seqLen+tpos]
				got := out[b*channels+c]
				if math.Abs(float64(got-want)) > 1e-6 {
					t.Fatalf("t=%d b=%d c=%d: step %f, prefill %f", tpos, b, c, got, want)
				}
			}
		}
	}
}

func TestComputeActivationStats(t *testing.T) {
	data := []float32{1, -2, 0, 4}
	stats := ComputeActivationStats(data, 3)
	if stats.Max != 4 {
		t.Errorf("Max = %f, want 4", stats.Max)
	}
	if stats.Min != -2 {
		t.Errorf("Min = %f, want -2", stats.Min)
	}
	if stats.Zeros != 1 {
		t.Errorf("Zeros = %d, want 1", stats.Zeros)
	}
	if len(stats.Sample) == 0 {
		t.Error("expected non-empty sample")
	}

	bad := []float32{1, float32(math.NaN()), float32(math.Inf(1))}
	stats = ComputeActivationStats(bad, 0)
	if stats.NaNs != 1 || stats.Infs != 1 {
		t.Errorf("NaNs/Infs = %d/%d, want 1/1", stats.NaNs, stats.Infs)
	}
}
