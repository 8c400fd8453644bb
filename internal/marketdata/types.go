package marketdata

import (
	"errors"
	"fmt"
	"time"
)

// Timeframe identifies a bar aggregation interval.
type Timeframe string

const (
	TimeframeMinute Timeframe = "1Min"
	Timeframe5Min   Timeframe = "5Min"
	TimeframeDay    Timeframe = "1Day"
)

// Duration returns the bar length of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeMinute:
		return time.Minute
	case Timeframe5Min:
		return 5 * time.Minute
	case TimeframeDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Intraday reports whether the timeframe is shorter than a session.
func (tf Timeframe) Intraday() bool {
	return tf.Duration() < 24*time.Hour
}

// Bar is a single OHLCV bar. Timestamp marks the bar open.
type Bar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

// Quote is the most recent trade price for a symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// GapObservation is the opening gap for a symbol, computed once per trading
// day from the prior session close and the current session open.
type GapObservation struct {
	Symbol    string    `json:"symbol"`
	Day       string    `json:"day"` // YYYY-MM-DD market-local
	PrevClose float64   `json:"prev_close"`
	OpenPrice float64   `json:"open_price"`
	GapPct    float64   `json:"gap_pct"` // Signed percentage
	Observed  time.Time `json:"observed"`
}

// Direction returns "long" for gap-ups and "short" for gap-downs.
func (g GapObservation) Direction() string {
	if g.GapPct >= 0 {
		return "long"
	}
	return "short"
}

// ErrDataUnavailable is returned when a symbol's history cannot be served:
// the upstream failed, returned too few bars, or returned a series with
// missing minutes. Bars are never fabricated to fill holes.
var ErrDataUnavailable = errors.New("market data unavailable")

// ErrUnknownSymbol is returned for symbols the data feed does not recognize.
var ErrUnknownSymbol = errors.New("unknown symbol")

// ValidateBars checks that bars are in ascending timestamp order with no
// duplicates. For intraday bars it additionally requires spacing of exactly
// one bar length within each calendar day; jumps across session boundaries
// are expected.
func ValidateBars(bars []Bar, tf Timeframe) error {
	barLen := tf.Duration()
	for i := 1; i < len(bars); i++ {
		prev, curr := bars[i-1].Timestamp, bars[i].Timestamp
		delta := curr.Sub(prev)
		if delta <= 0 {
			return fmt.Errorf("%w: bars out of order at index %d", ErrDataUnavailable, i)
		}
		if tf.Intraday() && delta != barLen && sameDay(prev, curr) {
			return fmt.Errorf("%w: gap of %s before bar %d", ErrDataUnavailable, delta, i)
		}
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
