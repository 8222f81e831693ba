package monitoring

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes a sample of durations, in milliseconds.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_ms"`
	StdDev float64 `json:"stddev_ms"`
	P50    float64 `json:"p50_ms"`
	P99    float64 `json:"p99_ms"`
	Max    float64 `json:"max_ms"`
}

// Summarize computes a Summary of samples.
func Summarize(samples []time.Duration) Summary {
	ms := make([]float64, len(samples))
	for i, d := range samples {
		ms[i] = float64(d) / float64(time.Millisecond)
	}
	return summarize(ms)
}

// summarize sorts ms in place.
func summarize(ms []float64) Summary {
	if len(ms) == 0 {
		return Summary{}
	}
	sort.Float64s(ms)

	s := Summary{
		Count: len(ms),
		Mean:  stat.Mean(ms, nil),
		P50:   stat.Quantile(0.5, stat.Empirical, ms, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, ms, nil),
		Max:   floats.Max(ms),
	}
	if len(ms) > 1 {
		s.StdDev = stat.StdDev(ms, nil)
	}
	return s
}
