package engine

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/ssmlab/sidewinder/internal/config"
	"github.com/ssmlab/sidewinder/internal/device"
	"github.com/ssmlab/sidewinder/internal/parallel"
	"github.com/ssmlab/sidewinder/internal/ssm"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DModel = 16
	cfg.DState = 8
	cfg.HeadDim = 8
	cfg.ChunkSize = 6
	cfg.Layers = 2
	return cfg
}

func newTestModel(t *testing.T, cfg config.Config, seed uint64) *Model {
	t.Helper()
	m, err := NewModel(cfg, parallel.NewGroup(1).Comm(0), seed, device.NewContext())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func randomHidden(seed int64, seq, batch, dModel int) *device.Tensor {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, seq*batch*dModel)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return device.NewTensorFrom("hidden", data, seq, batch, dModel)
}

func maxAbsDiff(a, b []float32) float64 {
	worst := 0.0
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if d > worst {
			worst = d
		}
	}
	return worst
}

// Each layer must key its own slot in the session: token-by-token decode
// through a multi-layer stack has to reproduce the full prefill.
func TestModelDecodeMatchesPrefill(t *testing.T) {
	const seq, batch = 6, 2
	cfg := testConfig()
	hidden := randomHidden(30, seq, batch, cfg.DModel)

	ref, err := newTestModel(t, cfg, 42).Forward(hidden, nil)
	if err != nil {
		t.Fatal(err)
	}

	decode := newTestModel(t, cfg, 42)
	sess := ssm.NewSession()
	defer sess.Close()
	rowElems := batch * cfg.DModel
	for tok := 0; tok < seq; tok++ {
		one := append([]float32(nil), hidden.Data()[tok*rowElems:(tok+1)*rowElems]...)
		out, err := decode.Decode(device.NewTensorFrom("tok", one, 1, batch, cfg.DModel), sess)
		if err != nil {
			t.Fatalf("token %d: %v", tok, err)
		}
		want := ref.Data()[tok*rowElems : (tok+1)*rowElems]
		if diff := maxAbsDiff(out.Data(), want); diff > 1e-4 {
			t.Fatalf("token %d diverges by %g (want <= 1e-4)", tok, diff)
		}
	}
	if sess.Offset() != seq {
		t.Errorf("session offset %d, want %d", sess.Offset(), seq)
	}
	if got := len(sess.Layers()); got != cfg.Layers {
		t.Errorf("session tracks %d layers, want %d", got, cfg.Layers)
	}
}

// A block's output minus its input is the mixer applied to the normed input.
func TestBlockResidual(t *testing.T) {
	const seq, batch = 4, 2
	cfg := testConfig()
	cfg.Layers = 1
	hidden := randomHidden(31, seq, batch, cfg.DModel)

	comm := parallel.NewGroup(1).Comm(0)
	blk, err := NewBlock(cfg, comm, 0, 7, device.NewContext())
	if err != nil {
		t.Fatal(err)
	}
	ref, err := NewBlock(cfg, comm, 0, 7, device.NewContext())
	if err != nil {
		t.Fatal(err)
	}

	out, err := blk.Forward(hidden.Clone(), nil)
	if err != nil {
		t.Fatal(err)
	}

	rows := seq * batch
	normed := device.NewTensor("normed", seq, batch, cfg.DModel)
	device.RMSNorm(normed.Data(), hidden.Data(), ones(cfg.DModel), rows, cfg.DModel, cfg.Eps)
	mixed, err := ref.Mixer().Forward(normed, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range mixed.Data() {
		mixed.Data()[i] += hidden.Data()[i]
	}
	if diff := maxAbsDiff(out.Data(), mixed.Data()); diff > 0 {
		t.Fatalf("residual composition differs by %g", diff)
	}
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func TestLayerSeedsDiffer(t *testing.T) {
	m := newTestModel(t, testConfig(), 42)
	a := m.Block(0).Mixer().Params()[0].Data
	b := m.Block(1).Mixer().Params()[0].Data
	if maxAbsDiff(a, b) == 0 {
		t.Fatal("layers 0 and 1 drew identical in_proj weights")
	}
}

func TestModelAllocateCache(t *testing.T) {
	cfg := testConfig()
	cfg.Layers = 3
	m := newTestModel(t, cfg, 1)

	sess := ssm.NewSession()
	defer sess.Close()
	if err := m.AllocateCache(sess, 2); err != nil {
		t.Fatal(err)
	}
	if got := len(sess.Layers()); got != 3 {
		t.Fatalf("allocated %d layers, want 3", got)
	}
}

func TestModelDecodeErrors(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg, 1)

	one := device.NewTensor("tok", 1, 2, cfg.DModel)
	if _, err := m.Decode(one, nil); !errors.Is(err, ssm.ErrNoSession) {
		t.Errorf("nil session: got %v, want ErrNoSession", err)
	}

	sess := ssm.NewSession()
	defer sess.Close()
	long := device.NewTensor("seq", 3, 2, cfg.DModel)
	if _, err := m.Decode(long, sess); !errors.Is(err, ssm.ErrStepLength) {
		t.Errorf("multi-token decode: got %v, want ErrStepLength", err)
	}
}

// The stacked model must stay shard-invariant like the single mixer.
func TestModelShardedMatchesUnsharded(t *testing.T) {
	const p = 2
	const seq, batch, seed = 5, 2, 9

	cfg := testConfig()
	cfg.NGroups = p
	hidden := randomHidden(33, seq, batch, cfg.DModel)

	cfg.WorldSize = 1
	want, err := newTestModel(t, cfg, seed).Forward(hidden.Clone(), nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg.WorldSize = p
	err = parallel.Run(p, func(rank int, c *parallel.Comm) error {
		m, err := NewModel(cfg, c, seed, device.NewContext())
		if err != nil {
			return err
		}
		out, err := m.Forward(hidden.Clone(), nil)
		if err != nil {
			return err
		}
		if diff := maxAbsDiff(out.Data(), want.Data()); diff > 5e-5 {
			t.Errorf("rank %d diverges from unsharded by %g", rank, diff)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
