// Package risk is the single admission path for new entries: every setup the
// strategy accepts still has to clear the session window, the day's limits,
// and the account's buying power before an order goes out.
package risk

import (
	"fmt"
	"time"

	"gap-trading-bot/config"
)

// sessionMinutes is the regular US equities session length.
const sessionMinutes = 390

// Session answers time-of-day questions against the market-local clock.
type Session struct {
	loc           *time.Location
	open          config.Clock
	cutoff        config.Clock
	positionClose config.Clock
	postOpenDelay time.Duration
}

// NewSession builds a Session from the market configuration.
func NewSession(cfg config.MarketConfig) (*Session, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load market timezone %q: %w", cfg.Timezone, err)
	}
	open, err := config.ParseClock(cfg.OpenLocal)
	if err != nil {
		return nil, fmt.Errorf("parse open_local: %w", err)
	}
	cutoff, err := config.ParseClock(cfg.TradingCutoff)
	if err != nil {
		return nil, fmt.Errorf("parse trading_cutoff: %w", err)
	}
	positionClose, err := config.ParseClock(cfg.PositionClose)
	if err != nil {
		return nil, fmt.Errorf("parse position_close: %w", err)
	}
	return &Session{
		loc:           loc,
		open:          open,
		cutoff:        cutoff,
		positionClose: positionClose,
		postOpenDelay: time.Duration(cfg.PostOpenDelaySec) * time.Second,
	}, nil
}

// Location returns the market timezone.
func (s *Session) Location() *time.Location {
	return s.loc
}

// Open returns the session open on now's market-local day.
func (s *Session) Open(now time.Time) time.Time {
	return s.open.At(now, s.loc)
}

// EntryStart returns when entries become eligible: the open-auction settle
// period has to pass first.
func (s *Session) EntryStart(now time.Time) time.Time {
	return s.Open(now).Add(s.postOpenDelay)
}

// EntryWindowOpen reports whether now sits inside the entry admission
// window: after the post-open delay and strictly before the trading cutoff.
func (s *Session) EntryWindowOpen(now time.Time) bool {
	return !now.Before(s.EntryStart(now)) && now.Before(s.cutoff.At(now, s.loc))
}

// CutoffActive reports whether the force-close sweep time has been reached.
// Once active, no new entries are admitted for the rest of the day.
func (s *Session) CutoffActive(now time.Time) bool {
	return !now.Before(s.positionClose.At(now, s.loc))
}

// PositionCloseAt returns the force-close sweep time on now's day.
func (s *Session) PositionCloseAt(now time.Time) time.Time {
	return s.positionClose.At(now, s.loc)
}

// CutoffAt returns the entry cutoff time on now's day.
func (s *Session) CutoffAt(now time.Time) time.Time {
	return s.cutoff.At(now, s.loc)
}

// ElapsedFraction returns how much of the regular session has passed at now,
// clamped to [0, 1]. Used to pro-rate cumulative volume comparisons.
func (s *Session) ElapsedFraction(now time.Time) float64 {
	elapsed := now.Sub(s.Open(now)).Minutes()
	switch {
	case elapsed <= 0:
		return 0
	case elapsed >= sessionMinutes:
		return 1
	}
	return elapsed / sessionMinutes
}
