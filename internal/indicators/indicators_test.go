package indicators

import (
	"math"
	"testing"
	"time"

	"gap-trading-bot/internal/marketdata"
)

func makeBars(closes []float64) []marketdata.Bar {
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	bars := make([]marketdata.Bar, len(closes))
	for i, c := range closes {
		bars[i] = marketdata.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + 0.1,
			Low:       c - 0.1,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func TestSMA(t *testing.T) {
	bars := makeBars([]float64{1, 2, 3, 4, 5})

	got := SMA(bars, 5)
	if got != 3 {
		t.Errorf("SMA(5) = %v, want 3", got)
	}

	got = SMA(bars, 2)
	if got != 4.5 {
		t.Errorf("SMA(2) = %v, want 4.5", got)
	}

	if SMA(bars, 10) != 0 {
		t.Error("SMA with insufficient bars should return 0")
	}
}

func TestEMASeries(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6}
	series := EMASeries(values, 3)

	if len(series) != 4 {
		t.Fatalf("expected 4 EMA values, got %d", len(series))
	}

	// Seed is SMA of first 3 = 2; multiplier = 0.5
	want := []float64{2, 3, 4, 5}
	for i := range want {
		if math.Abs(series[i]-want[i]) > 1e-9 {
			t.Errorf("EMA[%d] = %v, want %v", i, series[i], want[i])
		}
	}
}

func TestRSIAllGains(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	rsi := RSI(makeBars(closes), 14)
	if rsi != 100 {
		t.Errorf("RSI of monotone rising series = %v, want 100", rsi)
	}
}

func TestRSINeutralOnShortHistory(t *testing.T) {
	rsi := RSI(makeBars([]float64{100, 101, 102}), 14)
	if rsi != 50 {
		t.Errorf("RSI with insufficient history = %v, want 50", rsi)
	}
}

func TestRSIOversoldAfterDecline(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 - float64(i)*0.5
	}
	rsi := RSI(makeBars(closes), 14)
	if rsi > 10 {
		t.Errorf("RSI of steady decline = %v, want near 0", rsi)
	}
}

func TestATRConstantRange(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	bars := make([]marketdata.Bar, 20)
	for i := range bars {
		bars[i] = marketdata.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100,
			Volume:    1000,
		}
	}

	atr := ATR(bars, 14)
	if math.Abs(atr-2.0) > 1e-9 {
		t.Errorf("ATR of constant 2-point range = %v, want 2", atr)
	}
}

func TestMACDSeriesLength(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + math.Sin(float64(i)/5)*3
	}
	series := MACDSeries(makeBars(closes), 12, 26, 9)

	if len(series) == 0 {
		t.Fatal("expected a non-empty MACD series")
	}
	// 60 closes: slow EMA spans 35 points, signal trims 8 more.
	if len(series) != 27 {
		t.Errorf("MACD series length = %d, want 27", len(series))
	}
	last := series[len(series)-1]
	if math.Abs(last.Histogram-(last.MACD-last.Signal)) > 1e-9 {
		t.Error("histogram should equal MACD minus signal")
	}
}

func TestMACDBullishCross(t *testing.T) {
	series := []MACDPoint{
		{MACD: -0.5, Signal: -0.2},
		{MACD: 0.1, Signal: -0.1},
	}
	if !BullishCross(series) {
		t.Error("expected a bullish cross")
	}
	if BearishCross(series) {
		t.Error("did not expect a bearish cross")
	}
}

func TestSessionVWAP(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	bars := []marketdata.Bar{
		{Timestamp: base, High: 10, Low: 10, Close: 10, Volume: 100},
		{Timestamp: base.Add(time.Minute), High: 20, Low: 20, Close: 20, Volume: 300},
	}

	// (10*100 + 20*300) / 400 = 17.5
	vwap := SessionVWAP(bars)
	if math.Abs(vwap-17.5) > 1e-9 {
		t.Errorf("VWAP = %v, want 17.5", vwap)
	}

	if SessionVWAP(nil) != 0 {
		t.Error("VWAP of empty session should be 0")
	}
}

func TestSupportResistance(t *testing.T) {
	bars := makeBars([]float64{100, 98, 103, 101, 99})
	support, resistance := SupportResistance(bars, 5)

	if support != 97.9 {
		t.Errorf("support = %v, want 97.9", support)
	}
	if resistance != 103.1 {
		t.Errorf("resistance = %v, want 103.1", resistance)
	}
}

func TestSessionVolumeRatio(t *testing.T) {
	bars := makeBars([]float64{100, 100, 100}) // 3000 cumulative volume

	// Expected at 50% of session against a 4000 average: 2000. Ratio 1.5.
	ratio := SessionVolumeRatio(bars, 4000, 0.5)
	if math.Abs(ratio-1.5) > 1e-9 {
		t.Errorf("ratio = %v, want 1.5", ratio)
	}

	if SessionVolumeRatio(bars, 0, 0.5) != 0 {
		t.Error("ratio with no reference volume should be 0")
	}
}

func TestBullishDivergence(t *testing.T) {
	// Price forms two swing lows, the second lower; MACD lows rise.
	lows := []float64{100, 97, 99, 101, 98, 96, 99, 100}
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	bars := make([]marketdata.Bar, len(lows))
	for i, l := range lows {
		bars[i] = marketdata.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			High:      l + 1,
			Low:       l,
			Close:     l + 0.5,
			Volume:    1000,
		}
	}
	macd := []MACDPoint{
		{Histogram: -1.0}, {Histogram: -2.0}, {Histogram: -1.5}, {Histogram: -1.0},
		{Histogram: -1.2}, {Histogram: -0.8}, {Histogram: -0.5}, {Histogram: -0.3},
	}

	if !BullishDivergence(bars, macd, 8) {
		t.Error("expected bullish divergence: lower price low, higher histogram low")
	}
	if BearishDivergence(bars, macd, 8) {
		t.Error("did not expect bearish divergence")
	}
}

func TestNoDivergenceOnConfirmingLows(t *testing.T) {
	lows := []float64{100, 97, 99, 101, 98, 96, 99, 100}
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	bars := make([]marketdata.Bar, len(lows))
	for i, l := range lows {
		bars[i] = marketdata.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			High:      l + 1,
			Low:       l,
			Close:     l + 0.5,
			Volume:    1000,
		}
	}
	// Histogram lows fall with price: momentum confirms the move.
	macd := []MACDPoint{
		{Histogram: -1.0}, {Histogram: -1.2}, {Histogram: -1.0}, {Histogram: -0.8},
		{Histogram: -1.5}, {Histogram: -2.0}, {Histogram: -1.8}, {Histogram: -1.6},
	}

	if BullishDivergence(bars, macd, 8) {
		t.Error("confirming momentum should not register as divergence")
	}
}
