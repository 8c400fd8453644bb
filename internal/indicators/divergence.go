package indicators

import (
	"gap-trading-bot/internal/marketdata"
)

// Divergence detection compares price swing points against the MACD
// histogram at the same bars over a lookback window. A regular bullish
// divergence is a lower price low with a higher histogram low; a regular
// bearish divergence is a higher price high with a lower histogram high.

// DefaultDivergenceWindow is the lookback window in bars.
const DefaultDivergenceWindow = 20

// BullishDivergence reports whether the last window bars show a regular
// bullish divergence between price lows and the MACD histogram. The macd
// series must be tail-aligned to bars (MACDSeries output).
func BullishDivergence(bars []marketdata.Bar, macd []MACDPoint, window int) bool {
	lows := swingLows(bars, macd, window)
	if len(lows) < 2 {
		return false
	}
	prev, last := lows[len(lows)-2], lows[len(lows)-1]
	return last.price < prev.price && last.macd > prev.macd
}

// BearishDivergence reports whether the last window bars show a regular
// bearish divergence between price highs and the MACD histogram.
func BearishDivergence(bars []marketdata.Bar, macd []MACDPoint, window int) bool {
	highs := swingHighs(bars, macd, window)
	if len(highs) < 2 {
		return false
	}
	prev, last := highs[len(highs)-2], highs[len(highs)-1]
	return last.price > prev.price && last.macd < prev.macd
}

type swingPoint struct {
	price float64
	macd  float64
}

// swingLows finds bars in the window whose low is below both neighbors.
func swingLows(bars []marketdata.Bar, macd []MACDPoint, window int) []swingPoint {
	start, macdOffset := windowBounds(bars, macd, window)
	if start < 0 {
		return nil
	}

	var points []swingPoint
	for i := start + 1; i < len(bars)-1; i++ {
		if bars[i].Low < bars[i-1].Low && bars[i].Low < bars[i+1].Low {
			mi := i - macdOffset
			if mi < 0 {
				continue
			}
			points = append(points, swingPoint{price: bars[i].Low, macd: macd[mi].Histogram})
		}
	}
	return points
}

// swingHighs finds bars in the window whose high is above both neighbors.
func swingHighs(bars []marketdata.Bar, macd []MACDPoint, window int) []swingPoint {
	start, macdOffset := windowBounds(bars, macd, window)
	if start < 0 {
		return nil
	}

	var points []swingPoint
	for i := start + 1; i < len(bars)-1; i++ {
		if bars[i].High > bars[i-1].High && bars[i].High > bars[i+1].High {
			mi := i - macdOffset
			if mi < 0 {
				continue
			}
			points = append(points, swingPoint{price: bars[i].High, macd: macd[mi].Histogram})
		}
	}
	return points
}

func windowBounds(bars []marketdata.Bar, macd []MACDPoint, window int) (start, macdOffset int) {
	if window <= 0 {
		window = DefaultDivergenceWindow
	}
	if len(bars) < 3 || len(macd) == 0 {
		return -1, 0
	}
	start = len(bars) - window
	if start < 0 {
		start = 0
	}
	// macd index mi corresponds to bar index mi+offset
	macdOffset = len(bars) - len(macd)
	return start, macdOffset
}
