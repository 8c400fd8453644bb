package marketdata

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

type fakeProvider struct {
	barsBySpec map[string][]Bar // "symbol:timeframe"
	lastPrice  float64
	barCalls   int
	lastCalls  int
	err        error
}

func (f *fakeProvider) Bars(ctx context.Context, symbol string, tf Timeframe, n int) ([]Bar, error) {
	f.barCalls++
	if f.err != nil {
		return nil, f.err
	}
	bars := f.barsBySpec[symbol+":"+string(tf)]
	if len(bars) < n {
		return nil, ErrDataUnavailable
	}
	return bars[len(bars)-n:], nil
}

func (f *fakeProvider) Last(ctx context.Context, symbol string) (Quote, error) {
	f.lastCalls++
	if f.err != nil {
		return Quote{}, f.err
	}
	return Quote{Symbol: symbol, Price: f.lastPrice, Timestamp: time.Now()}, nil
}

func nyLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("loading timezone: %v", err)
	}
	return loc
}

func minuteBars(start time.Time, closes ...float64) []Bar {
	bars := make([]Bar, len(closes))
	for i, c := range closes {
		bars[i] = Bar{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c, High: c, Low: c, Close: c,
			Volume: 1000,
		}
	}
	return bars
}

func TestValidateBarsRejectsHoles(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	bars := []Bar{
		{Timestamp: base},
		{Timestamp: base.Add(time.Minute)},
		{Timestamp: base.Add(3 * time.Minute)}, // minute 2 missing
	}

	err := ValidateBars(bars, TimeframeMinute)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable for a holed series, got %v", err)
	}
}

func TestValidateBarsAllowsSessionBoundary(t *testing.T) {
	bars := []Bar{
		{Timestamp: time.Date(2026, 3, 2, 20, 59, 0, 0, time.UTC)},
		{Timestamp: time.Date(2026, 3, 3, 14, 30, 0, 0, time.UTC)},
	}

	if err := ValidateBars(bars, TimeframeMinute); err != nil {
		t.Fatalf("overnight jump should pass: %v", err)
	}
}

func TestValidateBarsFiveMinuteSpacing(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	good := []Bar{
		{Timestamp: base},
		{Timestamp: base.Add(5 * time.Minute)},
		{Timestamp: base.Add(10 * time.Minute)},
		{Timestamp: base.Add(24 * time.Hour)}, // next session
	}
	if err := ValidateBars(good, Timeframe5Min); err != nil {
		t.Fatalf("contiguous 5-minute series should pass: %v", err)
	}

	holed := []Bar{
		{Timestamp: base},
		{Timestamp: base.Add(5 * time.Minute)},
		{Timestamp: base.Add(15 * time.Minute)}, // 14:40 bar missing
	}
	if err := ValidateBars(holed, Timeframe5Min); !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable for a holed 5-minute series, got %v", err)
	}
}

func TestValidateBarsRejectsOutOfOrder(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	bars := []Bar{
		{Timestamp: base.Add(time.Minute)},
		{Timestamp: base},
	}

	if err := ValidateBars(bars, TimeframeDay); err == nil {
		t.Fatal("expected an error for descending bars")
	}
}

func TestBarsServedFromCacheWhileFresh(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	fp := &fakeProvider{barsBySpec: map[string][]Bar{
		"TQQQ:1Min": minuteBars(base, 10, 11, 12, 13, 14),
	}}
	svc := NewService(fp, nil, time.Second, nyLoc(t))

	ctx := context.Background()
	if _, err := svc.Bars(ctx, "TQQQ", TimeframeMinute, 5); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, err := svc.Bars(ctx, "TQQQ", TimeframeMinute, 3); err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if fp.barCalls != 1 {
		t.Errorf("expected one upstream call, got %d", fp.barCalls)
	}
}

func TestObserveGapPinnedForDay(t *testing.T) {
	loc := nyLoc(t)
	now := time.Date(2026, 3, 2, 10, 5, 0, 0, loc)

	fp := &fakeProvider{barsBySpec: map[string][]Bar{
		"TQQQ:1Day": {
			{Timestamp: time.Date(2026, 2, 27, 9, 30, 0, 0, loc), Close: 100, Volume: 5e6},
			{Timestamp: time.Date(2026, 3, 2, 9, 30, 0, 0, loc), Open: 103, Close: 104, Volume: 2e6},
		},
	}}
	svc := NewService(fp, nil, time.Second, loc)

	g, err := svc.ObserveGap(context.Background(), "TQQQ", now)
	if err != nil {
		t.Fatalf("ObserveGap: %v", err)
	}
	if math.Abs(g.GapPct-3.0) > 1e-9 {
		t.Errorf("gap = %v, want 3.0", g.GapPct)
	}
	if g.Direction() != "long" {
		t.Errorf("direction = %q, want long", g.Direction())
	}

	// Second observation must not hit the provider again.
	calls := fp.barCalls
	g2, err := svc.ObserveGap(context.Background(), "TQQQ", now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("second ObserveGap: %v", err)
	}
	if fp.barCalls != calls {
		t.Error("gap observation should be computed once per day")
	}
	if g2.GapPct != g.GapPct {
		t.Error("pinned observation changed between reads")
	}
}

func TestObserveGapGapDown(t *testing.T) {
	loc := nyLoc(t)
	now := time.Date(2026, 3, 2, 10, 5, 0, 0, loc)

	fp := &fakeProvider{barsBySpec: map[string][]Bar{
		"SOXL:1Day": {
			{Timestamp: time.Date(2026, 2, 27, 9, 30, 0, 0, loc), Close: 50},
			{Timestamp: time.Date(2026, 3, 2, 9, 30, 0, 0, loc), Open: 48.5, Close: 48},
		},
	}}
	svc := NewService(fp, nil, time.Second, loc)

	g, err := svc.ObserveGap(context.Background(), "SOXL", now)
	if err != nil {
		t.Fatalf("ObserveGap: %v", err)
	}
	if g.GapPct >= 0 {
		t.Errorf("expected a negative gap, got %v", g.GapPct)
	}
	if g.Direction() != "short" {
		t.Errorf("direction = %q, want short", g.Direction())
	}
}

func TestAvgDailyVolumeExcludesToday(t *testing.T) {
	loc := nyLoc(t)
	now := time.Date(2026, 3, 2, 10, 5, 0, 0, loc)

	fp := &fakeProvider{barsBySpec: map[string][]Bar{
		"TQQQ:1Day": {
			{Timestamp: time.Date(2026, 2, 26, 9, 30, 0, 0, loc), Volume: 4e6, Close: 99},
			{Timestamp: time.Date(2026, 2, 27, 9, 30, 0, 0, loc), Volume: 6e6, Close: 100},
			{Timestamp: time.Date(2026, 3, 2, 9, 30, 0, 0, loc), Volume: 1e6, Close: 104},
		},
	}}
	svc := NewService(fp, nil, time.Second, loc)

	avg, err := svc.AvgDailyVolume(context.Background(), "TQQQ", 2, now)
	if err != nil {
		t.Fatalf("AvgDailyVolume: %v", err)
	}
	if math.Abs(avg-5e6) > 1 {
		t.Errorf("avg = %v, want 5e6 (today's partial bar excluded)", avg)
	}
}
