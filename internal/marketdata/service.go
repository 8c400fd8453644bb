package marketdata

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"gap-trading-bot/internal/cache"
)

type cachedBars struct {
	data      []Bar
	updatedAt time.Time
}

// Service layers caching over a Provider. Bars are memoized per
// (symbol, timeframe) for one bar length; last prices are memoized through
// the shared cache service so concurrent monitors reuse one fetch. Gap
// observations are computed once per symbol per day.
type Service struct {
	provider Provider
	kv       *cache.CacheService
	quoteTTL time.Duration
	loc      *time.Location

	bars sync.Map // "symbol:timeframe" -> *cachedBars

	gapMu sync.Mutex
	gaps  map[string]GapObservation // "symbol:day"

	hitCount  int64
	missCount int64
	statsMu   sync.RWMutex
}

// NewService creates a caching market data service.
func NewService(provider Provider, kv *cache.CacheService, quoteTTL time.Duration, loc *time.Location) *Service {
	if quoteTTL <= 0 {
		quoteTTL = cache.DefaultQuoteTTL
	}
	return &Service{
		provider: provider,
		kv:       kv,
		quoteTTL: quoteTTL,
		loc:      loc,
		gaps:     make(map[string]GapObservation),
	}
}

// Bars returns the most recent n bars, serving from cache while fresh. Cache
// freshness is one bar length, so minute-bar callers see at most one stale
// minute.
func (s *Service) Bars(ctx context.Context, symbol string, tf Timeframe, n int) ([]Bar, error) {
	key := symbol + ":" + string(tf)
	ttl := tf.Duration()
	if ttl > time.Hour {
		ttl = time.Hour
	}

	if val, ok := s.bars.Load(key); ok {
		cached := val.(*cachedBars)
		if time.Since(cached.updatedAt) < ttl && len(cached.data) >= n {
			s.recordHit()
			return cached.data[len(cached.data)-n:], nil
		}
	}
	s.recordMiss()

	bars, err := s.provider.Bars(ctx, symbol, tf, n)
	if err != nil {
		return nil, err
	}

	s.bars.Store(key, &cachedBars{data: bars, updatedAt: time.Now()})
	return bars, nil
}

// Last returns the latest trade price, memoized for quoteTTL.
func (s *Service) Last(ctx context.Context, symbol string) (Quote, error) {
	var q Quote
	if s.kv != nil {
		if err := s.kv.GetJSON(ctx, cache.QuoteKey(symbol), &q); err == nil && q.Price > 0 {
			s.recordHit()
			return q, nil
		}
	}
	s.recordMiss()

	q, err := s.provider.Last(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}

	if s.kv != nil {
		_ = s.kv.SetJSON(ctx, cache.QuoteKey(symbol), q, s.quoteTTL)
	}
	return q, nil
}

// ObserveGap returns the gap for a symbol on the given day, computing it once
// from the prior session close and today's session open. The observation is
// pinned for the rest of the day: later fetches return the same value.
func (s *Service) ObserveGap(ctx context.Context, symbol string, now time.Time) (GapObservation, error) {
	day := now.In(s.loc).Format("2006-01-02")
	key := symbol + ":" + day

	s.gapMu.Lock()
	if g, ok := s.gaps[key]; ok {
		s.gapMu.Unlock()
		return g, nil
	}
	s.gapMu.Unlock()

	if s.kv != nil {
		var g GapObservation
		if err := s.kv.GetJSON(ctx, cache.GapKey(symbol, day), &g); err == nil && g.PrevClose > 0 {
			s.gapMu.Lock()
			s.gaps[key] = g
			s.gapMu.Unlock()
			return g, nil
		}
	}

	g, err := s.computeGap(ctx, symbol, day, now)
	if err != nil {
		return GapObservation{}, err
	}

	s.gapMu.Lock()
	s.gaps[key] = g
	s.gapMu.Unlock()
	if s.kv != nil {
		_ = s.kv.SetJSON(ctx, cache.GapKey(symbol, day), g, cache.DefaultGapTTL)
	}
	return g, nil
}

func (s *Service) computeGap(ctx context.Context, symbol, day string, now time.Time) (GapObservation, error) {
	daily, err := s.provider.Bars(ctx, symbol, TimeframeDay, 2)
	if err != nil {
		return GapObservation{}, err
	}

	var prevClose, openPrice float64
	last := daily[len(daily)-1]
	if last.Timestamp.In(s.loc).Format("2006-01-02") == day {
		// Today's daily bar already exists: its open is the session open and
		// the bar before it carries the prior close.
		openPrice = last.Open
		prevClose = daily[len(daily)-2].Close
	} else {
		// Daily feed has not rolled yet; use the first minute bar's open.
		prevClose = last.Close
		minute, err := s.provider.Bars(ctx, symbol, TimeframeMinute, 1)
		if err != nil {
			return GapObservation{}, err
		}
		openPrice = minute[0].Open
	}

	if prevClose <= 0 {
		return GapObservation{}, fmt.Errorf("%w: no prior close for %s", ErrDataUnavailable, symbol)
	}

	return GapObservation{
		Symbol:    symbol,
		Day:       day,
		PrevClose: prevClose,
		OpenPrice: openPrice,
		GapPct:    (openPrice - prevClose) / prevClose * 100,
		Observed:  now,
	}, nil
}

// AvgDailyVolume returns the average full-session volume over the last n
// daily bars, excluding today's partial bar if present.
func (s *Service) AvgDailyVolume(ctx context.Context, symbol string, n int, now time.Time) (float64, error) {
	daily, err := s.provider.Bars(ctx, symbol, TimeframeDay, n+1)
	if err != nil {
		return 0, err
	}

	day := now.In(s.loc).Format("2006-01-02")
	if daily[len(daily)-1].Timestamp.In(s.loc).Format("2006-01-02") == day {
		daily = daily[:len(daily)-1]
	}
	if len(daily) > n {
		daily = daily[len(daily)-n:]
	}
	if len(daily) == 0 {
		return 0, fmt.Errorf("%w: no daily history for %s", ErrDataUnavailable, symbol)
	}

	sum := 0.0
	for _, b := range daily {
		sum += b.Volume
	}
	return sum / float64(len(daily)), nil
}

// SessionBars returns today's minute bars from the session open onward.
func (s *Service) SessionBars(ctx context.Context, symbol string, now time.Time, sessionOpen time.Time) ([]Bar, error) {
	elapsed := int(now.Sub(sessionOpen).Minutes())
	if elapsed < 1 {
		return nil, fmt.Errorf("%w: session not open for %s", ErrDataUnavailable, symbol)
	}
	n := int(math.Min(float64(elapsed), 390))

	bars, err := s.Bars(ctx, symbol, TimeframeMinute, n)
	if err != nil {
		return nil, err
	}

	// Drop anything from before the open that the tail window picked up.
	start := 0
	for start < len(bars) && bars[start].Timestamp.Before(sessionOpen) {
		start++
	}
	if start == len(bars) {
		return nil, fmt.Errorf("%w: no session bars for %s", ErrDataUnavailable, symbol)
	}
	return bars[start:], nil
}

func (s *Service) recordHit() {
	s.statsMu.Lock()
	s.hitCount++
	s.statsMu.Unlock()
}

func (s *Service) recordMiss() {
	s.statsMu.Lock()
	s.missCount++
	s.statsMu.Unlock()
}

// CacheStats returns bar/quote cache hit statistics.
func (s *Service) CacheStats() (hits, misses int64, hitRate float64) {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	hits = s.hitCount
	misses = s.missCount
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return
}
