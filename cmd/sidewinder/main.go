package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssmlab/sidewinder/internal/checkpoint"
	"github.com/ssmlab/sidewinder/internal/config"
	"github.com/ssmlab/sidewinder/internal/device"
	"github.com/ssmlab/sidewinder/internal/engine"
	"github.com/ssmlab/sidewinder/internal/logger"
	"github.com/ssmlab/sidewinder/internal/metrics"
	"github.com/ssmlab/sidewinder/internal/parallel"
	"github.com/ssmlab/sidewinder/internal/ssm"
)

var (
	dModel      = flag.Int("d-model", 256, "Model width")
	dState      = flag.Int("d-state", 64, "State dimension per head")
	headDim     = flag.Int("head-dim", 64, "Channels per head")
	nGroups     = flag.Int("groups", 1, "B/C groups")
	layers      = flag.Int("layers", 4, "Number of mixer layers")
	chunkSize   = flag.Int("chunk-size", 128, "Scan chunk length")
	worldSize   = flag.Int("world-size", 1, "Tensor-parallel ranks to simulate")
	seqParallel = flag.Bool("seq-parallel", false, "Partition activations along the sequence")
	seqLen      = flag.Int("seq", 64, "Prefill sequence length")
	batch       = flag.Int("batch", 1, "Batch size")
	decodeN     = flag.Int("n", 32, "Tokens to decode after prefill")
	seed        = flag.Uint64("seed", 42, "Parameter seed")
	ckptPath    = flag.String("checkpoint", "", "Write per-rank parameter snapshots to this path prefix")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
	serve       = flag.Bool("serve", false, "Keep serving metrics after the run until interrupted")
	logLevel    = flag.String("log-level", "info", "Log level (trace/debug/info/warn/error)")
	logFormat   = flag.String("log-format", "console", "Log format (console/json)")
)

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"tokens_decoded": metrics.DecodedTokens(),
	})
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg := config.Default()
	cfg.DModel = *dModel
	cfg.DState = *dState
	cfg.HeadDim = *headDim
	cfg.NGroups = *nGroups
	cfg.Layers = *layers
	cfg.ChunkSize = *chunkSize
	cfg.WorldSize = *worldSize
	cfg.SequenceParallel = *seqParallel
	if err := cfg.Validate(); err != nil {
		logger.Log.Error("bad configuration", "error", err)
		os.Exit(1)
	}
	if cfg.SequenceParallel && *decodeN > 0 {
		logger.Log.Error("stepwise decode is incompatible with sequence parallelism; pass -n 0")
		os.Exit(1)
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		http.HandleFunc("/healthz", healthHandler)
		logger.Log.Info("metrics serving", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Log.Error("metrics server error", "error", err)
		}
	}()

	rng := rand.New(rand.NewSource(int64(*seed)))
	hidden := make([]float32, *seqLen**batch*cfg.DModel)
	for i := range hidden {
		hidden[i] = rng.Float32()*2 - 1
	}

	start := time.Now()
	err := parallel.Run(cfg.WorldSize, func(rank int, c *parallel.Comm) error {
		log := logger.Log.WithRank(rank)
		m, err := engine.NewModel(cfg, c, *seed, device.NewContext())
		if err != nil {
			return err
		}

		in := hidden
		seq := *seqLen
		if cfg.SequenceParallel {
			// Each rank feeds its contiguous slice of the sequence.
			seq = *seqLen / cfg.WorldSize
			lo := rank * seq * *batch * cfg.DModel
			in = hidden[lo : lo+seq**batch*cfg.DModel]
		}

		var sess *ssm.Session
		if *decodeN > 0 {
			sess = ssm.NewSession()
			defer sess.Close()
		}

		prefillStart := time.Now()
		out, err := m.Forward(device.NewTensorFrom("prompt", append([]float32(nil), in...), seq, *batch, cfg.DModel), sess)
		if err != nil {
			return err
		}
		log.Info("prefill done",
			"seq", seq,
			"batch", *batch,
			"elapsed", time.Since(prefillStart).String())

		// The demo has no embedding table: each decoded activation is fed
		// back as the next input.
		rowElems := *batch * cfg.DModel
		last := append([]float32(nil), out.Data()[(out.Dims()[0]-1)*rowElems:]...)
		decodeStart := time.Now()
		for i := 0; i < *decodeN; i++ {
			step, err := m.Decode(device.NewTensorFrom("tok", last, 1, *batch, cfg.DModel), sess)
			if err != nil {
				return err
			}
			last = append(last[:0], step.Data()...)
		}
		if *decodeN > 0 {
			elapsed := time.Since(decodeStart).Seconds()
			log.Info("decode done",
				"tokens", *decodeN,
				"tok_per_sec", fmt.Sprintf("%.1f", float64(*decodeN**batch)/elapsed))
		}

		if *ckptPath != "" {
			path := fmt.Sprintf("%s-rank%d.arrow", *ckptPath, rank)
			if err := checkpoint.Save(path, checkpoint.FromModel(m, checkpoint.F32)); err != nil {
				return err
			}
			log.Info("checkpoint written", "path", path)
		}
		return nil
	})
	if err != nil {
		logger.Log.Error("run failed", "error", err)
		os.Exit(1)
	}
	logger.Log.Info("run complete",
		"elapsed", time.Since(start).String(),
		"tokens_decoded", metrics.DecodedTokens())

	if *serve {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Log.Info("interrupt received, shutting down")
	}
}
