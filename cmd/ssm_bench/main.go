package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/ssmlab/sidewinder/internal/config"
	"github.com/ssmlab/sidewinder/internal/device"
	"github.com/ssmlab/sidewinder/internal/engine"
	"github.com/ssmlab/sidewinder/internal/parallel"
	"github.com/ssmlab/sidewinder/internal/ssm"
)

var (
	dModel    = flag.Int("d-model", 512, "Model width")
	dState    = flag.Int("d-state", 64, "State dimension per head")
	headDim   = flag.Int("head-dim", 64, "Channels per head")
	layers    = flag.Int("layers", 2, "Number of mixer layers")
	chunkSize = flag.Int("chunk-size", 128, "Scan chunk length")
	seqLen    = flag.Int("seq", 512, "Prefill sequence length")
	batch     = flag.Int("batch", 1, "Batch size")
	steps     = flag.Int("steps", 256, "Decode steps to benchmark")
	threads   = flag.Int("threads", runtime.NumCPU(), "Scan worker threads")
	seed      = flag.Uint64("seed", 42, "Parameter seed")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	cfg.DModel = *dModel
	cfg.DState = *dState
	cfg.HeadDim = *headDim
	cfg.Layers = *layers
	cfg.ChunkSize = *chunkSize
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "bad configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := device.NewContext()
	ctx.SetNumThreads(*threads)
	m, err := engine.NewModel(cfg, parallel.NewGroup(1).Comm(0), *seed, ctx)
	if err != nil {
		log.Fatalf("model construction failed: %v", err)
	}

	rng := rand.New(rand.NewSource(int64(*seed)))
	rowElems := *batch * cfg.DModel
	hidden := make([]float32, *seqLen*rowElems)
	for i := range hidden {
		hidden[i] = rng.Float32()*2 - 1
	}

	sess := ssm.NewSession()
	defer sess.Close()

	fmt.Printf("prefill: seq=%d batch=%d layers=%d d_model=%d threads=%d\n",
		*seqLen, *batch, *layers, *dModel, *threads)
	prefillStart := time.Now()
	out, err := m.Forward(device.NewTensorFrom("prompt", hidden, *seqLen, *batch, cfg.DModel), sess)
	if err != nil {
		log.Fatalf("prefill failed: %v", err)
	}
	prefillElapsed := time.Since(prefillStart).Seconds()
	fmt.Printf("prefill: %d tokens in %.3fs (%.1f tok/s)\n",
		*seqLen**batch, prefillElapsed, float64(*seqLen**batch)/prefillElapsed)

	bar := progressbar.NewOptions(*steps,
		progressbar.OptionSetDescription("Decoding"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	last := append([]float32(nil), out.Data()[(*seqLen-1)*rowElems:]...)
	decodeStart := time.Now()
	for i := 0; i < *steps; i++ {
		step, err := m.Decode(device.NewTensorFrom("tok", last, 1, *batch, cfg.DModel), sess)
		if err != nil {
			log.Fatalf("decode step %d failed: %v", i, err)
		}
		last = append(last[:0], step.Data()...)
		bar.Add(1)
	}
	decodeElapsed := time.Since(decodeStart).Seconds()
	fmt.Printf("\ndecode: %d tokens in %.3fs (%.1f tok/s)\n",
		*steps**batch, decodeElapsed, float64(*steps**batch)/decodeElapsed)
}
