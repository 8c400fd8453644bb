// Package strategy evaluates gap-continuation setups: a stock that gapped at
// the open, pulled back to a value area, and shows momentum re-asserting in
// the gap direction.
package strategy

import (
	"math"
	"time"

	"gap-trading-bot/config"
	"gap-trading-bot/internal/indicators"
	"gap-trading-bot/internal/logging"
	"gap-trading-bot/internal/marketdata"
)

// Side is the trade direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Divergence labels the MACD histogram divergence state.
type Divergence string

const (
	DivergenceNone    Divergence = "none"
	DivergenceBullish Divergence = "bullish"
	DivergenceBearish Divergence = "bearish"
)

// Snapshot bundles the indicator values the evaluator scores against.
// Derived per evaluation, never persisted.
type Snapshot struct {
	RSI14            float64    `json:"rsi14"`
	ATR14            float64    `json:"atr14"`
	MACDLine         float64    `json:"macd_line"`
	MACDSignal       float64    `json:"macd_signal"`
	MACDHist         float64    `json:"macd_hist"`
	MACDDivergence   Divergence `json:"macd_divergence"`
	MACDBullishCross bool       `json:"macd_bullish_cross"`
	MACDBearishCross bool       `json:"macd_bearish_cross"`
	VWAP             float64    `json:"vwap"`
	Support20        float64    `json:"support20"`
	Resistance20     float64    `json:"resistance20"`
	AvgVolume20      float64    `json:"avg_volume20"`
	CumVolumeRatio   float64    `json:"cumulative_volume_ratio"`
}

// BuildSnapshot computes a Snapshot from recent bars plus session context.
// sessionElapsed is the fraction of the trading session completed.
func BuildSnapshot(bars, sessionBars []marketdata.Bar, avgSessionVolume, sessionElapsed float64) Snapshot {
	macdSeries := indicators.MACDSeries(bars, 12, 26, 9)

	snap := Snapshot{
		RSI14:          indicators.RSI(bars, 14),
		ATR14:          indicators.ATR(bars, 14),
		MACDDivergence: DivergenceNone,
		VWAP:           indicators.SessionVWAP(sessionBars),
		AvgVolume20:    indicators.AverageVolume(bars, 20),
		CumVolumeRatio: indicators.SessionVolumeRatio(sessionBars, avgSessionVolume, sessionElapsed),
	}
	snap.Support20, snap.Resistance20 = indicators.SupportResistance(bars, 20)

	if len(macdSeries) > 0 {
		last := macdSeries[len(macdSeries)-1]
		snap.MACDLine = last.MACD
		snap.MACDSignal = last.Signal
		snap.MACDHist = last.Histogram
		snap.MACDBullishCross = indicators.BullishCross(macdSeries)
		snap.MACDBearishCross = indicators.BearishCross(macdSeries)

		switch {
		case indicators.BullishDivergence(bars, macdSeries, indicators.DefaultDivergenceWindow):
			snap.MACDDivergence = DivergenceBullish
		case indicators.BearishDivergence(bars, macdSeries, indicators.DefaultDivergenceWindow):
			snap.MACDDivergence = DivergenceBearish
		}
	}

	return snap
}

// Setup is an admitted trade candidate. Immutable once built.
type Setup struct {
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	EntryPrice     float64   `json:"entry_price"`
	StopPrice      float64   `json:"stop_price"`
	TargetPrice    float64   `json:"target_price"`
	SizeShares     int       `json:"size_shares"`
	RiskDollars    float64   `json:"risk_dollars"`
	StopDistance   float64   `json:"stop_distance_dollars"`
	SignalStrength int       `json:"signal_strength"`
	SetupKind      string    `json:"setup_kind"`
	CreatedAt      time.Time `json:"created_at"`
}

// Evaluation is the full scoring outcome, kept for the analysis log even
// when the setup is rejected.
type Evaluation struct {
	Symbol   string   `json:"symbol"`
	Accepted bool     `json:"accepted"`
	Score    int      `json:"score"`
	Reasons  []string `json:"reasons"`
	Setup    *Setup   `json:"setup,omitempty"`
}

// Evaluator scores symbols against the gap-continuation playbook.
type Evaluator struct {
	cfg config.StrategyConfig
	log *logging.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(cfg config.StrategyConfig, log *logging.Logger) *Evaluator {
	if log == nil {
		log = logging.Default().WithComponent("strategy")
	}
	return &Evaluator{cfg: cfg, log: log}
}

// Evaluate scores a symbol. The gap direction fixes the trade side: gap-ups
// are long continuations, gap-downs short. Scoring (long shown, short is the
// mirror): gap in band +2, pullback to VWAP or Support20 +2, MACD bullish
// cross or bullish divergence +3, RSI14 <35 +2 / <50 +1 / else reject, and a
// mandatory cumulative volume ratio floor worth +1.
func (e *Evaluator) Evaluate(symbol string, gap marketdata.GapObservation, snap Snapshot, last float64, now time.Time) Evaluation {
	ev := Evaluation{Symbol: symbol}

	absGap := math.Abs(gap.GapPct)
	if absGap < e.cfg.MinGapPct || absGap > e.cfg.MaxGapPct {
		ev.Reasons = append(ev.Reasons, "gap outside band")
		return ev
	}

	side := SideLong
	if gap.GapPct < 0 {
		side = SideShort
	}
	ev.Score += 2
	ev.Reasons = append(ev.Reasons, "gap in band")

	if e.nearValueArea(side, last, snap) {
		ev.Score += 2
		ev.Reasons = append(ev.Reasons, "pullback to value area")
	}

	if e.momentumConfirms(side, snap) {
		ev.Score += 3
		ev.Reasons = append(ev.Reasons, "macd confirmation")
	}

	rsiPoints, ok := rsiScore(side, snap.RSI14)
	if !ok {
		ev.Reasons = append(ev.Reasons, "rsi exhausted")
		return ev
	}
	ev.Score += rsiPoints

	if snap.CumVolumeRatio < e.cfg.MinVolumeRatio {
		ev.Reasons = append(ev.Reasons, "volume ratio below floor")
		return ev
	}
	ev.Score++
	ev.Reasons = append(ev.Reasons, "volume confirmation")

	if ev.Score < e.cfg.MinSignalScore {
		ev.Reasons = append(ev.Reasons, "score below threshold")
		return ev
	}

	setup, reason := e.buildSetup(symbol, side, last, snap, ev.Score, now)
	if setup == nil {
		ev.Reasons = append(ev.Reasons, reason)
		return ev
	}

	ev.Accepted = true
	ev.Setup = setup
	e.log.Info("Setup accepted",
		"symbol", symbol, "side", string(side), "score", ev.Score,
		"entry", setup.EntryPrice, "stop", setup.StopPrice, "target", setup.TargetPrice,
		"size", setup.SizeShares)
	return ev
}

// nearValueArea checks for a pullback to VWAP (within 1.5%) or to the 20-bar
// extreme on the entry side (within 2%).
func (e *Evaluator) nearValueArea(side Side, last float64, snap Snapshot) bool {
	if last <= 0 {
		return false
	}
	if snap.VWAP > 0 && math.Abs(last-snap.VWAP)/snap.VWAP*100 <= 1.5 {
		return true
	}
	level := snap.Support20
	if side == SideShort {
		level = snap.Resistance20
	}
	return level > 0 && math.Abs(last-level)/level*100 <= 2.0
}

func (e *Evaluator) momentumConfirms(side Side, snap Snapshot) bool {
	if side == SideLong {
		return snap.MACDBullishCross || snap.MACDDivergence == DivergenceBullish
	}
	return snap.MACDBearishCross || snap.MACDDivergence == DivergenceBearish
}

// rsiScore awards pullback-depth points. An RSI already running in the trade
// direction means the move is spent; those are rejected outright.
func rsiScore(side Side, rsi float64) (int, bool) {
	if side == SideLong {
		switch {
		case rsi < 35:
			return 2, true
		case rsi < 50:
			return 1, true
		default:
			return 0, false
		}
	}
	switch {
	case rsi > 65:
		return 2, true
	case rsi > 50:
		return 1, true
	default:
		return 0, false
	}
}

// buildSetup constructs stop, target, and size for an accepted signal.
func (e *Evaluator) buildSetup(symbol string, side Side, entry float64, snap Snapshot, score int, now time.Time) (*Setup, string) {
	if entry <= 0 {
		return nil, "no entry price"
	}

	atrComponent := e.cfg.ATRStopMult * snap.ATR14
	minComponent := math.Max(e.cfg.MinStopDollars, e.cfg.MinStopPct/100*entry)
	stopDistance := math.Max(atrComponent, minComponent)

	var stop, target float64
	if side == SideLong {
		stop = entry - stopDistance
		target = entry + e.cfg.TargetMult*stopDistance
	} else {
		stop = entry + stopDistance
		target = entry - e.cfg.TargetMult*stopDistance
	}

	size := int(math.Floor(e.cfg.RiskPerTrade / stopDistance))
	if e.cfg.SymbolNotionalCap > 0 {
		if maxShares := int(math.Floor(e.cfg.SymbolNotionalCap / entry)); size > maxShares {
			size = maxShares
		}
	}
	if size < 1 {
		return nil, "size below one share"
	}

	return &Setup{
		Symbol:         symbol,
		Side:           side,
		EntryPrice:     entry,
		StopPrice:      round2(stop),
		TargetPrice:    round2(target),
		SizeShares:     size,
		RiskDollars:    round2(float64(size) * stopDistance),
		StopDistance:   stopDistance,
		SignalStrength: score,
		SetupKind:      "gap_continuation",
		CreatedAt:      now,
	}, ""
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
