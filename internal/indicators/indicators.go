package indicators

import (
	"math"

	"gap-trading-bot/internal/marketdata"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the Simple Moving Average of closes over the last period bars
func SMA(bars []marketdata.Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].Close
	}

	return sum / float64(period)
}

// EMA calculates the Exponential Moving Average of closes
func EMA(bars []marketdata.Bar, period int) float64 {
	series := EMASeries(closes(bars), period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// EMASeries returns the EMA value for every index from period-1 onward,
// seeded with the SMA of the first period values.
func EMASeries(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nil
	}

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)

	multiplier := 2.0 / float64(period+1)
	series := make([]float64, 0, len(values)-period+1)
	series = append(series, seed)

	ema := seed
	for i := period; i < len(values); i++ {
		ema = (values[i] * multiplier) + (ema * (1 - multiplier))
		series = append(series, ema)
	}

	return series
}

// ============================================================================
// RSI (Relative Strength Index, Wilder smoothing)
// ============================================================================

// RSI calculates the Relative Strength Index with Wilder smoothing.
// Returns 50 (neutral) when there is not enough history.
func RSI(bars []marketdata.Bar, period int) float64 {
	if len(bars) < period+1 || period <= 0 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0
	for i := 1; i <= period; i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// ATR (Average True Range, Wilder smoothing)
// ============================================================================

// ATR calculates the Average True Range with Wilder smoothing
func ATR(bars []marketdata.Bar, period int) float64 {
	if len(bars) < period+1 || period <= 0 {
		return 0
	}

	trSum := 0.0
	for i := 1; i <= period; i++ {
		trSum += trueRange(bars[i], bars[i-1].Close)
	}
	atr := trSum / float64(period)

	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + trueRange(bars[i], bars[i-1].Close)) / float64(period)
	}

	return atr
}

func trueRange(bar marketdata.Bar, prevClose float64) float64 {
	return math.Max(
		bar.High-bar.Low,
		math.Max(
			math.Abs(bar.High-prevClose),
			math.Abs(bar.Low-prevClose),
		),
	)
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDPoint holds MACD values at one bar
type MACDPoint struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACDSeries calculates the full MACD, signal, and histogram series. The
// returned slice is aligned to the tail of the input: index len-1 is the
// latest bar. Returns nil when there is not enough history.
func MACDSeries(bars []marketdata.Bar, fastPeriod, slowPeriod, signalPeriod int) []MACDPoint {
	if len(bars) < slowPeriod+signalPeriod {
		return nil
	}

	cls := closes(bars)
	fast := EMASeries(cls, fastPeriod)
	slow := EMASeries(cls, slowPeriod)

	// Align fast to slow: slow starts slowPeriod-fastPeriod entries later.
	offset := slowPeriod - fastPeriod
	macdLine := make([]float64, len(slow))
	for i := range slow {
		macdLine[i] = fast[i+offset] - slow[i]
	}

	signal := EMASeries(macdLine, signalPeriod)
	if len(signal) == 0 {
		return nil
	}

	sigOffset := len(macdLine) - len(signal)
	points := make([]MACDPoint, len(signal))
	for i := range signal {
		m := macdLine[i+sigOffset]
		points[i] = MACDPoint{
			MACD:      m,
			Signal:    signal[i],
			Histogram: m - signal[i],
		}
	}

	return points
}

// MACD calculates the latest MACD point
func MACD(bars []marketdata.Bar, fastPeriod, slowPeriod, signalPeriod int) MACDPoint {
	series := MACDSeries(bars, fastPeriod, slowPeriod, signalPeriod)
	if len(series) == 0 {
		return MACDPoint{}
	}
	return series[len(series)-1]
}

// BullishCross reports whether the MACD line crossed above the signal line on
// the latest bar.
func BullishCross(series []MACDPoint) bool {
	if len(series) < 2 {
		return false
	}
	prev := series[len(series)-2]
	curr := series[len(series)-1]
	return prev.MACD <= prev.Signal && curr.MACD > curr.Signal
}

// BearishCross reports whether the MACD line crossed below the signal line on
// the latest bar.
func BearishCross(series []MACDPoint) bool {
	if len(series) < 2 {
		return false
	}
	prev := series[len(series)-2]
	curr := series[len(series)-1]
	return prev.MACD >= prev.Signal && curr.MACD < curr.Signal
}

// ============================================================================
// VWAP
// ============================================================================

// SessionVWAP calculates the volume-weighted average price over the given
// bars, which should cover the current session from the open.
func SessionVWAP(bars []marketdata.Bar) float64 {
	pv := 0.0
	vol := 0.0
	for _, b := range bars {
		typical := (b.High + b.Low + b.Close) / 3
		pv += typical * b.Volume
		vol += b.Volume
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// ============================================================================
// SUPPORT AND RESISTANCE
// ============================================================================

// SupportResistance returns the lowest low and highest high over the last
// period bars.
func SupportResistance(bars []marketdata.Bar, period int) (support float64, resistance float64) {
	if len(bars) < period || period <= 0 {
		return 0, 0
	}

	startIdx := len(bars) - period
	low := bars[startIdx].Low
	high := bars[startIdx].High

	for i := startIdx; i < len(bars); i++ {
		if bars[i].Low < low {
			low = bars[i].Low
		}
		if bars[i].High > high {
			high = bars[i].High
		}
	}

	return low, high
}

// ============================================================================
// VOLUME ANALYSIS
// ============================================================================

// AverageVolume calculates average volume over the last period bars
func AverageVolume(bars []marketdata.Bar, period int) float64 {
	if period <= 0 {
		return 0
	}
	if len(bars) < period {
		period = len(bars)
	}
	if period == 0 {
		return 0
	}

	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].Volume
	}

	return sum / float64(period)
}

// CumulativeVolume sums volume over the given bars
func CumulativeVolume(bars []marketdata.Bar) float64 {
	sum := 0.0
	for _, b := range bars {
		sum += b.Volume
	}
	return sum
}

// SessionVolumeRatio compares today's cumulative volume against the expected
// volume at this point of the session: the average full-session volume of the
// reference days scaled by the fraction of the session elapsed.
func SessionVolumeRatio(sessionBars []marketdata.Bar, avgSessionVolume float64, sessionElapsed float64) float64 {
	if avgSessionVolume <= 0 || sessionElapsed <= 0 {
		return 0
	}
	expected := avgSessionVolume * sessionElapsed
	if expected == 0 {
		return 0
	}
	return CumulativeVolume(sessionBars) / expected
}

func closes(bars []marketdata.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
