package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ssmlab/sidewinder/internal/config"
	"github.com/ssmlab/sidewinder/internal/parallel"
)

var (
	dModel  = flag.Int("d-model", 256, "Model width")
	dState  = flag.Int("d-state", 64, "State dimension per head")
	expand  = flag.Int("expand", 2, "Inner width multiplier")
	headDim = flag.Int("head-dim", 64, "Channels per head")
	nGroups = flag.Int("groups", 1, "B/C groups")
	worlds  = flag.String("world-sizes", "1,2,4,8", "Comma-separated world sizes to check")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	cfg.DModel = *dModel
	cfg.DState = *dState
	cfg.Expand = *expand
	cfg.HeadDim = *headDim
	cfg.NGroups = *nGroups

	fmt.Printf("d_model=%d d_inner=%d n_heads=%d n_groups=%d d_state=%d\n\n",
		cfg.DModel, cfg.DInner(), cfg.NHeads(), cfg.NGroups, cfg.DState)
	fmt.Printf("%-6s %-10s %-10s %-10s %-10s %-12s %s\n",
		"ranks", "inner/rank", "heads/rank", "grps/rank", "conv_dim", "in_proj/rank", "status")

	exitCode := 0
	for _, field := range strings.Split(*worlds, ",") {
		p, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || p <= 0 {
			fmt.Fprintf(os.Stderr, "bad world size %q\n", field)
			exitCode = 1
			continue
		}
		cfg.WorldSize = p
		if err := cfg.Validate(); err != nil {
			fmt.Printf("%-6d %-10s %-10s %-10s %-10s %-12s %v\n", p, "-", "-", "-", "-", "-", err)
			exitCode = 1
			continue
		}
		layout, err := parallel.NewLayout(p, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "layout: %v\n", err)
			os.Exit(1)
		}
		innerLocal, _ := layout.Divide(cfg.DInner(), "d_inner")
		headsLocal, _ := layout.Divide(cfg.NHeads(), "n_heads")
		groupsLocal, _ := layout.Divide(cfg.NGroups, "n_groups")
		convDim := innerLocal + 2*groupsLocal*cfg.DState
		inProjLocal := 2*innerLocal + 2*groupsLocal*cfg.DState + headsLocal
		fmt.Printf("%-6d %-10d %-10d %-10d %-10d %-12d ok\n",
			p, innerLocal, headsLocal, groupsLocal, convDim, inProjLocal)
	}
	os.Exit(exitCode)
}
