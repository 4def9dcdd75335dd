package anomaly

import (
	"math"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
)

// Config controls window scoring.
type Config struct {
	// BaselineWindows is the trailing history length N.
	BaselineWindows int
	// MinBaseline is the smallest baseline that yields a verdict.
	MinBaseline int
	Threshold   float64
	// Sentinel stands in for an infinite z when the baseline has no spread.
	Sentinel float64
}

func DefaultConfig() Config {
	return Config{
		BaselineWindows: DefaultBaselineWindows,
		MinBaseline:     DefaultMinBaseline,
		Threshold:       DefaultThreshold,
		Sentinel:        DefaultSentinel,
	}
}

// Scorer turns an open window into a closed one.
type Scorer struct {
	cfg Config
}

func NewScorer(cfg Config) *Scorer {
	d := DefaultConfig()
	if cfg.BaselineWindows <= 0 {
		cfg.BaselineWindows = d.BaselineWindows
	}
	if cfg.MinBaseline <= 0 {
		cfg.MinBaseline = d.MinBaseline
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.Sentinel <= 0 {
		cfg.Sentinel = d.Sentinel
	}
	return &Scorer{cfg: cfg}
}

func (s *Scorer) Config() Config {
	return s.cfg
}

// Score finalizes w against history, the closed windows of the same key in
// ascending order. The returned window is never OPEN.
func (s *Scorer) Score(w cohort.Window, history []cohort.Window) cohort.Window {
	baseline := Baseline(history, s.cfg.BaselineWindows)
	mean, sd := MeanStdDev(baseline)

	w.BaselineSize = len(baseline)
	w.MeanBaseline = mean
	w.StdDevBaseline = sd
	if len(baseline) > 0 {
		w.ZScore = ZScore(float64(w.EventCount), mean, sd, s.cfg.Sentinel)
	} else {
		w.ZScore = 0
	}

	switch {
	case len(baseline) < s.cfg.MinBaseline:
		w.Status = cohort.StatusInsufficientBaseline
	case w.ZScore > s.cfg.Threshold:
		w.Status = cohort.StatusAnomalous
	default:
		w.Status = cohort.StatusNormal
	}
	return w
}

// Baseline walks history backwards and collects up to n counts, skipping
// anomalous windows so a sustained spike cannot normalize itself.
func Baseline(history []cohort.Window, n int) []float64 {
	out := make([]float64, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		if history[i].IsAnomalous() {
			continue
		}
		out = append(out, float64(history[i].EventCount))
	}
	return out
}

// MeanStdDev returns the mean and the sample (n-1) standard deviation.
// The deviation of fewer than two values is 0.
func MeanStdDev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)-1))
}

// ZScore is (x-mean)/sd, with a zero spread mapped to 0 when x equals the
// mean and to a signed sentinel otherwise. The result is always finite.
func ZScore(x, mean, sd, sentinel float64) float64 {
	if sd == 0 || math.IsNaN(sd) {
		switch {
		case x == mean:
			return 0
		case x > mean:
			return sentinel
		default:
			return -sentinel
		}
	}
	z := (x - mean) / sd
	switch {
	case math.IsNaN(z):
		return 0
	case z > sentinel:
		return sentinel
	case z < -sentinel:
		return -sentinel
	}
	return z
}
