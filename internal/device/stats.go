package device

import (
	"math"

	"github.com/ssmlab/sidewinder/internal/logger"
	"github.com/ssmlab/sidewinder/internal/metrics"
)

type ActivationStats struct {
	Max    float32
	Min    float32
	Mean   float32
	RMS    float32
	Zeros  int
	NaNs   int
	Infs   int
	Sample []float32
}

func ComputeActivationStats(data []float32, sampleSize int) ActivationStats {
	stats := ActivationStats{
		Sample: make([]float32, 0),
	}
	if len(data) == 0 {
		return stats
	}

	stats.Max = data[0]
	stats.Min = data[0]
	for _, v := range data {
		if v > stats.Max {
			stats.Max = v
		}
		if v < stats.Min {
			stats.Min = v
		}
		if v == 0 {
			stats.Zeros++
		}
		stats.Mean += v
		stats.RMS += v * v

		if math.IsNaN(float64(v)) {
			stats.NaNs++
		}
		if math.IsInf(float64(v), 0) {
			stats.Infs++
		}
	}

	n := float32(len(data))
	stats.Mean /= n
	stats.RMS = float32(math.Sqrt(float64(stats.RMS / n)))

	if sampleSize > 0 {
		step := len(data) / sampleSize
		if step == 0 {
			step = 1
		}
		for i := 0; i < sampleSize && i*step < len(data); i++ {
			stats.Sample = append(stats.Sample, data[i*step])
		}
	}

	return stats
}

// Audit computes stats for a named activation, feeds NaN/Inf counts into
// metrics and logs when anything non-finite shows up. Returns the stats so
// debug paths can log them too.
func Audit(name string, data []float32) ActivationStats {
	stats := ComputeActivationStats(data, 8)
	metrics.RecordInstability(name, stats.NaNs, stats.Infs)
	if stats.NaNs > 0 || stats.Infs > 0 {
		logger.Log.Warn("non-finite activations detected",
			"tensor", name, "nans", stats.NaNs, "infs", stats.Infs,
			"max", stats.Max, "min", stats.Min)
	}
	return stats
}
