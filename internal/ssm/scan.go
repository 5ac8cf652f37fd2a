package ssm

import (
	"math"
	"sync"

	"github.com/ssmlab/sidewinder/internal/device"
	"github.com/ssmlab/sidewinder/internal/metrics"
)

// chunkedScan evaluates the selective state-space recurrence
//
//	dt_t    = softplus(dt_raw_t + dt_bias)
//	state_t = exp(dt_t * A) * state_{t-1} + dt_t * B_t * x_t
//	y_t     = C_t . state_t + D * x_t
//
// over the whole sequence, restructured into fixed-size chunks: decay
// products inside a chunk are accumulated in log domain and combined with
// an intra-chunk score matrix (C_t . B_i), while state is carried
// sequentially between chunks. The result is mathematically identical to
// the pure sequential recurrence for any chunk size.
//
// Layouts (all row-major): x, z, out are (seq, batch, d_inner_local);
// dtRaw is (seq, batch, n_heads_local); bIn, cIn are (seq, batch,
// n_groups_local*d_state). gate, when non-nil, multiplies the output by
// SiLU(gate) elementwise (the no-post-norm configuration). finalState,
// when non-nil, receives the last state as (batch, d_inner_local,
// d_state).
//
// (batch, head) pairs are independent and fan out across the context's
// worker budget.
func (m *Mixer) chunkedScan(x, dtRaw, bIn, cIn, gate []float32, seq, batch int, finalState []float32) []float32 {
	out := make([]float32, seq*batch*m.dInnerLocal)
	headsPerGroup := m.nHeadsLocal / m.nGroupsLocal
	gWidth := m.nGroupsLocal * m.cfg.DState

	tasks := make(chan [2]int)
	workers := m.ctx.NumThreads()
	if workers > batch*m.nHeadsLocal {
		workers = batch * m.nHeadsLocal
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				m.scanHead(task[0], task[1], x, dtRaw, bIn, cIn, gate, out, seq, batch, headsPerGroup, gWidth, finalState)
			}
		}()
	}
	for b := 0; b < batch; b++ {
		for h := 0; h < m.nHeadsLocal; h++ {
			tasks <- [2]int{b, h}
		}
	}
	close(tasks)
	wg.Wait()

	metrics.ScanChunksTotal.Add(float64((seq + m.cfg.ChunkSize - 1) / m.cfg.ChunkSize))
	return out
}

// scanHead runs the chunked recurrence for one (batch, head) pair.
func (m *Mixer) scanHead(b, h int, x, dtRaw, bIn, cIn, gate, out []float32, seq, batch, headsPerGroup, gWidth int, finalState []float32) {
	headDim := m.cfg.HeadDim
	dState := m.cfg.DState
	chunk := m.cfg.ChunkSize
	g := h / headsPerGroup

	a := -math.Exp(float64(m.aLog.Data[h]))
	dtBias := float64(m.dtBias.Data[h])

	// Effective timesteps for the whole sequence, in float64.
	dtEff := make([]float64, seq)
	for t := 0; t < seq; t++ {
		dtEff[t] = device.Softplus(float64(dtRaw[(t*batch+b)*m.nHeadsLocal+h]) + dtBias)
	}

	// Carried state, (headDim, dState).
	state := make([]float64, headDim*dState)
	logP := make([]float64, chunk)

	bAt := func(t int) []float32 {
		base := (t*batch+b)*gWidth + g*dState
		return bIn[base : base+dState]
	}
	cAt := func(t int) []float32 {
		base := (t*batch+b)*gWidth + g*dState
		return cIn[base : base+dState]
	}
	xAt := func(t, p int) float64 {
		return float64(x[(t*batch+b)*m.dInnerLocal+h*headDim+p])
	}

	for s := 0; s < seq; s += chunk {
		e := s + chunk
		if e > seq {
			e = seq
		}
		n := e - s

		// Cumulative log-decay within the chunk: logP[j] is the log of the
		// decay product over steps s..s+j inclusive. Log domain keeps long
		// chunks from underflowing the product.
		acc := 0.0
		for j := 0; j < n; j++ {
			acc += dtEff[s+j] * a
			logP[j] = acc
		}

		for j := 0; j < n; j++ {
			t := s + j
			ct := cAt(t)

			// Carry-in contribution: state entering the chunk, decayed
			// through steps s..t.
			carry := math.Exp(logP[j])
			for p := 0; p < headDim; p++ {
				sum := 0.0
				for nn := 0; nn < dState; nn++ {
					sum += float64(ct[nn]) * state[p*dState+nn]
				}
				out[(t*batch+b)*m.dInnerLocal+h*headDim+p] = float32(carry * sum)
			}

			// Intra-chunk contributions: inputs i <= t, decayed from i+1
			// through t, weighted by the (C_t . B_i) score.
			for i := s; i <= t; i++ {
				bi := bAt(i)
				score := 0.0
				for nn := 0; nn < dState; nn++ {
					score += float64(ct[nn]) * float64(bi[nn])
				}
				wgt := score * math.Exp(logP[j]-logP[i-s]) * dtEff[i]
				for p := 0; p < headDim; p++ {
					idx := (t*batch+b)*m.dInnerLocal + h*headDim + p
					out[idx] += float32(wgt * xAt(i, p))
				}
			}
		}

		// Inter-chunk state carry: decay the incoming state across the
		// whole chunk and add every input's decayed injection.
		chunkDecay := math.Exp(logP[n-1])
		next := make([]float64, headDim*dState)
		for p := 0; p < headDim; p++ {
			for nn := 0; nn < dState; nn++ {
				next[p*dState+nn] = chunkDecay * state[p*dState+nn]
			}
		}
		for i := s; i < e; i++ {
			bi := bAt(i)
			decay := math.Exp(logP[n-1]-logP[i-s]) * dtEff[i]
			for p := 0; p < headDim; p++ {
				xi := xAt(i, p)
				for nn := 0; nn < dState; nn++ {
					next[p*dState+nn] += decay * float64(bi[nn]) * xi
				}
			}
		}
		copy(state, next)
	}

	// Skip connection and optional in-scan gating.
	for t := 0; t < seq; t++ {
		for p := 0; p < headDim; p++ {
			idx := (t*batch+b)*m.dInnerLocal + h*headDim + p
			d := m.dSkip.Data[h]
			if m.cfg.DHasHeadDim {
				d = m.dSkip.Data[h*headDim+p]
			}
			v := out[idx] + d*x[idx]
			if gate != nil {
				v *= device.SiLU(gate[idx])
			}
			out[idx] = v
		}
	}

	if finalState != nil {
		for p := 0; p < headDim; p++ {
			for nn := 0; nn < dState; nn++ {
				finalState[(b*m.dInnerLocal+h*headDim+p)*dState+nn] = float32(state[p*dState+nn])
			}
		}
	}
}
