package signal

import (
	"fmt"
	"math"

	"quantdesk/pkg/types"
)

// Feature names the pipeline can compute. Model artifacts list the subset
// they were trained on; Compute produces them in the artifact's order so
// training and serving can never disagree on layout.
const (
	FeatRet1D    = "ret_1d"
	FeatRet5D    = "ret_5d"
	FeatRet20D   = "ret_20d"
	FeatVol20D   = "vol_20d"
	FeatVolumeZ  = "volume_z"
	minBarsNeeded = 21
)

// Compute derives the requested features from a daily bar history, oldest
// first. The last bar is "today".
func Compute(names []string, bars []types.Bar) ([]float64, error) {
	if len(bars) < minBarsNeeded {
		return nil, fmt.Errorf("need at least %d bars, got %d", minBarsNeeded, len(bars))
	}

	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
		volumes[i] = float64(b.Volume)
		if closes[i] <= 0 {
			return nil, fmt.Errorf("non-positive close at bar %d", i)
		}
	}

	out := make([]float64, len(names))
	for i, name := range names {
		var v float64
		switch name {
		case FeatRet1D:
			v = trailingReturn(closes, 1)
		case FeatRet5D:
			v = trailingReturn(closes, 5)
		case FeatRet20D:
			v = trailingReturn(closes, 20)
		case FeatVol20D:
			v = returnStddev(closes, 20)
		case FeatVolumeZ:
			v = zscore(volumes, 20)
		default:
			return nil, fmt.Errorf("unknown feature %q", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("feature %q is not finite", name)
		}
		out[i] = v
	}
	return out, nil
}

// trailingReturn is the simple return over the last n bars.
func trailingReturn(closes []float64, n int) float64 {
	last := len(closes) - 1
	return closes[last]/closes[last-n] - 1
}

// returnStddev is the sample stddev of daily returns over the last n bars.
func returnStddev(closes []float64, n int) float64 {
	last := len(closes) - 1
	rets := make([]float64, n)
	for i := 0; i < n; i++ {
		rets[i] = closes[last-i]/closes[last-i-1] - 1
	}
	return stddev(rets)
}

// zscore is today's value standardized against the previous n values.
func zscore(vals []float64, n int) float64 {
	last := len(vals) - 1
	window := vals[last-n : last]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(n)
	sd := stddevAround(window, mean)
	if sd == 0 {
		return 0
	}
	return (vals[last] - mean) / sd
}

func stddev(vals []float64) float64 {
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	return stddevAround(vals, mean)
}

func stddevAround(vals []float64, mean float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vals)-1))
}
