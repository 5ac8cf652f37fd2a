package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/ssmlab/sidewinder/internal/checkpoint"
	"github.com/ssmlab/sidewinder/internal/config"
	"github.com/ssmlab/sidewinder/internal/device"
	"github.com/ssmlab/sidewinder/internal/engine"
	"github.com/ssmlab/sidewinder/internal/parallel"
	"github.com/ssmlab/sidewinder/internal/ssm"
)

var (
	out       = flag.String("out", "params.arrow", "Output path for the parameter snapshot")
	stateOut  = flag.String("state-out", "", "Also dump session state after a prefill to this path")
	dtypeFlag = flag.String("dtype", "f32", "Serialized element encoding (f32/f16/bf16)")
	dModel    = flag.Int("d-model", 256, "Model width")
	dState    = flag.Int("d-state", 64, "State dimension per head")
	headDim   = flag.Int("head-dim", 64, "Channels per head")
	layers    = flag.Int("layers", 2, "Number of mixer layers")
	seqLen    = flag.Int("seq", 32, "Prefill length for the state dump")
	batch     = flag.Int("batch", 1, "Batch size for the state dump")
	seed      = flag.Uint64("seed", 42, "Parameter seed")
	flightSrv = flag.String("flight", "", "Serve the parameter snapshot over Arrow Flight at this address instead of writing files")
)

func main() {
	flag.Parse()

	dt, err := checkpoint.ParseDType(*dtypeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.DModel = *dModel
	cfg.DState = *dState
	cfg.HeadDim = *headDim
	cfg.Layers = *layers
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "bad configuration: %v\n", err)
		os.Exit(1)
	}

	m, err := engine.NewModel(cfg, parallel.NewGroup(1).Comm(0), *seed, device.NewContext())
	if err != nil {
		log.Fatalf("model construction failed: %v", err)
	}
	snap := checkpoint.FromModel(m, dt)

	fmt.Printf("%-6s %-20s %-8s %-18s %s\n", "layer", "name", "dtype", "shape", "elements")
	for _, t := range snap.Tensors {
		elems := 1
		for _, d := range t.Shape {
			elems *= d
		}
		fmt.Printf("%-6d %-20s %-8s %-18v %d\n", t.Layer, t.Name, t.DType, t.Shape, elems)
	}

	if *flightSrv != "" {
		srv, err := checkpoint.NewServer(*flightSrv, snap)
		if err != nil {
			log.Fatalf("flight server failed: %v", err)
		}
		defer srv.Shutdown()
		fmt.Printf("serving %d tensors at %s (ctrl-c to stop)\n", len(snap.Tensors), srv.Addr())
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		return
	}

	if err := checkpoint.Save(*out, snap); err != nil {
		log.Fatalf("snapshot write failed: %v", err)
	}
	fmt.Printf("wrote %d tensors to %s\n", len(snap.Tensors), *out)

	if *stateOut != "" {
		rng := rand.New(rand.NewSource(int64(*seed)))
		hidden := make([]float32, *seqLen**batch*cfg.DModel)
		for i := range hidden {
			hidden[i] = rng.Float32()*2 - 1
		}
		sess := ssm.NewSession()
		defer sess.Close()
		if _, err := m.Forward(device.NewTensorFrom("prompt", hidden, *seqLen, *batch, cfg.DModel), sess); err != nil {
			log.Fatalf("prefill failed: %v", err)
		}
		if err := checkpoint.Save(*stateOut, checkpoint.FromSession(sess, dt)); err != nil {
			log.Fatalf("state write failed: %v", err)
		}
		fmt.Printf("wrote session state after %d positions to %s\n", *seqLen, *stateOut)
	}
}
