// Package qlearn implements the Free-Standing Decision (FSD) Q-learning
// agent from spec §4.6: state discretization, epsilon-greedy action
// selection, a bounded LRU Q-table, confidence scoring, position sizing,
// and the Bellman learning update. Floats are used throughout this
// package for the statistics that feed discretization (volatility,
// ratios) — per spec §9 that is the one place floats are allowed; they
// never reach the portfolio ledger.
package qlearn

import (
	"fmt"
	"math"

	"github.com/nitinkhare/tradingcore/internal/barfeed"
)

// Trend is the moving-average crossover regime.
type Trend string

const (
	TrendUp   Trend = "UP"
	TrendDown Trend = "DOWN"
	TrendFlat Trend = "FLAT"
)

// Volatility is the standard-deviation-of-returns regime.
type Volatility string

const (
	VolLow    Volatility = "LOW"
	VolNormal Volatility = "NORMAL"
	VolHigh   Volatility = "HIGH"
)

// State is the discretized observation the agent keys its Q-table on
// (spec §4.6): 9 price-change buckets x 5 volume-ratio buckets x 3 trend
// regimes x 3 volatility regimes x 5 position buckets ≈ 2,025 states per
// symbol.
type State struct {
	PriceChangeBucket int // 0..8, centered at 4
	VolumeRatioBucket int // 0..4
	Trend             Trend
	Volatility        Volatility
	PositionBucket    int // 0..4, 2 is flat
}

// Key renders the state as the Q-table's map key.
func (s State) Key() string {
	return fmt.Sprintf("%d|%d|%s|%s|%d", s.PriceChangeBucket, s.VolumeRatioBucket, s.Trend, s.Volatility, s.PositionBucket)
}

// bucketPriceChange maps a signed percentage move to one of 9 bins
// centered at zero, with open-ended outer bins (spec §4.6).
func bucketPriceChange(pctChange float64) int {
	edges := []float64{-0.05, -0.025, -0.01, -0.003, 0.003, 0.01, 0.025, 0.05}
	for i, e := range edges {
		if pctChange < e {
			return i
		}
	}
	return len(edges)
}

// bucketVolumeRatio maps latest-volume/trailing-mean-volume to 5 bins.
func bucketVolumeRatio(ratio float64) int {
	switch {
	case ratio < 0.5:
		return 0
	case ratio < 0.8:
		return 1
	case ratio < 1.5:
		return 2
	case ratio < 3.0:
		return 3
	default:
		return 4
	}
}

// bucketPositionPct maps current notional / equity (signed) to 5 bins
// including an explicit flat bucket.
func bucketPositionPct(pct float64) int {
	switch {
	case pct == 0:
		return 2
	case pct < -0.15:
		return 0
	case pct < 0:
		return 1
	case pct <= 0.15:
		return 3
	default:
		return 4
	}
}

// classifyTrend compares a short and long simple moving average.
func classifyTrend(shortMA, longMA float64) Trend {
	if longMA == 0 {
		return TrendFlat
	}
	delta := (shortMA - longMA) / longMA
	switch {
	case delta > 0.002:
		return TrendUp
	case delta < -0.002:
		return TrendDown
	default:
		return TrendFlat
	}
}

// classifyVolatility buckets the standard deviation of returns relative
// to configured thresholds.
func classifyVolatility(stddev, lowThreshold, highThreshold float64) Volatility {
	switch {
	case stddev < lowThreshold:
		return VolLow
	case stddev > highThreshold:
		return VolHigh
	default:
		return VolNormal
	}
}

// Features holds the intermediate floating-point statistics used to
// build a State, exposed for tests and for the confidence-score's
// cross-timeframe agreement factor.
type Features struct {
	PriceChangePct float64
	VolumeRatio    float64
	ShortMA        float64
	LongMA         float64
	StdDevReturns  float64
	PositionPct    float64
}

// ExtractFeatures computes the raw statistics from spec §4.6 over the
// trailing bars (oldest first). bars must contain at least longWindow+1
// entries for ShortMA/LongMA/StdDev to be meaningful; shorter input
// degrades gracefully to zero-valued statistics.
func ExtractFeatures(bars []barfeed.Bar, shortWindow, longWindow int, positionNotional, equity float64) Features {
	var f Features
	n := len(bars)
	if n < 2 {
		return f
	}

	last := bars[n-1]
	prev := bars[n-2]
	lastClose, _ := last.Close.Float64()
	prevClose, _ := prev.Close.Float64()
	if prevClose != 0 {
		f.PriceChangePct = (lastClose - prevClose) / prevClose
	}

	lastVol, _ := last.Volume.Float64()
	trailingMeanVol := meanVolume(bars[:n-1])
	if trailingMeanVol > 0 {
		f.VolumeRatio = lastVol / trailingMeanVol
	}

	f.ShortMA = closeSMA(bars, shortWindow)
	f.LongMA = closeSMA(bars, longWindow)
	f.StdDevReturns = stddevReturns(bars)

	if equity != 0 {
		f.PositionPct = positionNotional / equity
	}
	return f
}

func meanVolume(bars []barfeed.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bars {
		v, _ := b.Volume.Float64()
		sum += v
	}
	return sum / float64(len(bars))
}

// closeSMA computes the simple moving average of closes over the last
// `window` bars (or fewer, if bars is shorter).
func closeSMA(bars []barfeed.Bar, window int) float64 {
	n := len(bars)
	if n == 0 {
		return 0
	}
	if window > n {
		window = n
	}
	sum := 0.0
	for _, b := range bars[n-window:] {
		c, _ := b.Close.Float64()
		sum += c
	}
	return sum / float64(window)
}

// stddevReturns computes the standard deviation of close-to-close
// percentage returns over bars.
func stddevReturns(bars []barfeed.Bar) float64 {
	n := len(bars)
	if n < 3 {
		return 0
	}
	returns := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		prevClose, _ := bars[i-1].Close.Float64()
		curClose, _ := bars[i].Close.Float64()
		if prevClose == 0 {
			continue
		}
		returns = append(returns, (curClose-prevClose)/prevClose)
	}
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}

// BuildState discretizes Features into a State using the given
// volatility thresholds (spec §4.6).
func BuildState(f Features, lowVolThreshold, highVolThreshold float64) State {
	return State{
		PriceChangeBucket: bucketPriceChange(f.PriceChangePct),
		VolumeRatioBucket: bucketVolumeRatio(f.VolumeRatio),
		Trend:             classifyTrend(f.ShortMA, f.LongMA),
		Volatility:        classifyVolatility(f.StdDevReturns, lowVolThreshold, highVolThreshold),
		PositionBucket:    bucketPositionPct(f.PositionPct),
	}
}
