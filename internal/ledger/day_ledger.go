// Package ledger holds the per-day trading state shared by the risk gate,
// the position manager, and the coordinator. All mutation goes through one
// mutex; callers never reach into the fields.
package ledger

import (
	"sync"
	"time"

	"gap-trading-bot/internal/logging"
)

// ExitReason names why a position closed.
type ExitReason string

const (
	ExitStopOut    ExitReason = "stop_out"
	ExitTarget     ExitReason = "target"
	ExitForceClose ExitReason = "force_close"
	ExitManual     ExitReason = "manual"
)

// ExitRecord is the immutable record of a completed trade.
type ExitRecord struct {
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"`
	Qty        int        `json:"qty"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	PnL        float64    `json:"pnl"`
	RMultiple  float64    `json:"r_multiple"`
	Reason     ExitReason `json:"reason"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   time.Time  `json:"closed_at"`
}

// RejectReason names why an admission was refused.
type RejectReason string

const (
	RejectHalted       RejectReason = "daily_loss_limit"
	RejectTradeCap     RejectReason = "trade_cap"
	RejectMaxConcurrent RejectReason = "max_concurrent"
	RejectAlreadyOpen  RejectReason = "already_open"
	RejectCooldown     RejectReason = "stop_out_cooldown"
	RejectEntryPending RejectReason = "entry_pending"
)

// Limits are the daily risk limits the ledger enforces on admission.
type Limits struct {
	MaxConcurrent   int
	TradeCapLosing  int
	TradeCapWinning int
	DailyLossLimit  float64
	StopOutCooldown time.Duration
	PendingLock     time.Duration
}

// Snapshot is a consistent read of the day's tallies.
type Snapshot struct {
	Day          string  `json:"day"`
	RealizedPnL  float64 `json:"realized_pnl"`
	TradesOpened int     `json:"trades_opened"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	OpenCount    int     `json:"open_count"`
	TradeCap     int     `json:"trade_cap"`
	Halted       bool    `json:"halted"`
}

// DayLedger tracks realized PnL, trade counts, open positions, per-symbol
// stop-out cooldowns, and pending entry locks for one trading day. It rolls
// over automatically when touched on a new day.
type DayLedger struct {
	mu     sync.Mutex
	limits Limits
	loc    *time.Location
	log    *logging.Logger

	day           string
	realizedPnL   float64
	tradesOpened  int
	wins          int
	losses        int
	open          map[string]struct{}
	cooldownUntil map[string]time.Time
	entryLocks    map[string]time.Time
	halted        bool
	exits         []ExitRecord
}

// New creates a DayLedger for the current day in loc.
func New(limits Limits, loc *time.Location, log *logging.Logger) *DayLedger {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logging.Default().WithComponent("ledger")
	}
	l := &DayLedger{
		limits: limits,
		loc:    loc,
		log:    log,
	}
	l.resetLocked(time.Now())
	return l
}

func (l *DayLedger) resetLocked(now time.Time) {
	l.day = now.In(l.loc).Format("2006-01-02")
	l.realizedPnL = 0
	l.tradesOpened = 0
	l.wins = 0
	l.losses = 0
	l.open = make(map[string]struct{})
	l.cooldownUntil = make(map[string]time.Time)
	l.entryLocks = make(map[string]time.Time)
	l.halted = false
	l.exits = nil
}

// rolloverLocked resets the ledger when the local day has changed.
func (l *DayLedger) rolloverLocked(now time.Time) {
	day := now.In(l.loc).Format("2006-01-02")
	if day != l.day {
		l.log.Info("Day rollover, resetting ledger", "from", l.day, "to", day)
		l.resetLocked(now)
	}
}

// tradeCapLocked is the dynamic cap: a flat or losing day gets the tight
// cap, a winning day the loose one.
func (l *DayLedger) tradeCapLocked() int {
	if l.realizedPnL <= 0 {
		return l.limits.TradeCapLosing
	}
	return l.limits.TradeCapWinning
}

// TryAdmit atomically runs the ledger-owned admission checks for a symbol
// and, on success, takes the pending entry lock. The lock expires after
// PendingLock or when released explicitly. Returns the first failing reason.
func (l *DayLedger) TryAdmit(symbol string, now time.Time) (bool, RejectReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(now)

	if _, isOpen := l.open[symbol]; isOpen {
		return false, RejectAlreadyOpen
	}
	if len(l.open) >= l.limits.MaxConcurrent {
		return false, RejectMaxConcurrent
	}
	if l.tradesOpened >= l.tradeCapLocked() {
		return false, RejectTradeCap
	}
	if l.halted {
		return false, RejectHalted
	}
	if until, ok := l.cooldownUntil[symbol]; ok && now.Before(until) {
		return false, RejectCooldown
	}
	if expiry, ok := l.entryLocks[symbol]; ok && now.Before(expiry) {
		return false, RejectEntryPending
	}

	l.entryLocks[symbol] = now.Add(l.limits.PendingLock)
	return true, ""
}

// ReleaseEntryLock drops the pending entry lock, used when a submit fails or
// the pending order reaches a terminal state without opening a position.
func (l *DayLedger) ReleaseEntryLock(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entryLocks, symbol)
}

// RegisterOpen records a filled entry: the symbol becomes an open position,
// the trade counts against the day's cap, and the entry lock is released.
func (l *DayLedger) RegisterOpen(symbol string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(now)

	l.open[symbol] = struct{}{}
	l.tradesOpened++
	delete(l.entryLocks, symbol)
	l.log.Info("Position opened", "symbol", symbol, "trades_opened", l.tradesOpened)
}

// RecordExit folds a completed trade into the day's tallies. Crossing the
// daily loss limit halts further admissions for the rest of the day.
func (l *DayLedger) RecordExit(rec ExitRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(rec.ClosedAt)

	delete(l.open, rec.Symbol)
	l.realizedPnL += rec.PnL
	if rec.PnL >= 0 {
		l.wins++
	} else {
		l.losses++
	}
	l.exits = append(l.exits, rec)

	if !l.halted && l.realizedPnL <= -l.limits.DailyLossLimit {
		l.halted = true
		l.log.Warn("Daily loss limit reached, halting new entries",
			"realized_pnl", l.realizedPnL, "limit", l.limits.DailyLossLimit)
	}

	l.log.Info("Position closed",
		"symbol", rec.Symbol, "pnl", rec.PnL, "reason", string(rec.Reason),
		"realized_pnl", l.realizedPnL)
}

// RecordStopOut starts the symbol's re-entry cooldown. Called in addition to
// RecordExit when the exit reason is a stop-out.
func (l *DayLedger) RecordStopOut(symbol string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until := now.Add(l.limits.StopOutCooldown)
	l.cooldownUntil[symbol] = until
	l.log.Info("Stop-out cooldown started", "symbol", symbol, "until", until.In(l.loc).Format("15:04:05"))
}

// RestoreTallies seeds the day's realized PnL and trade count after a
// restart, from the persisted event log. Restores the halt if the reloaded
// PnL already breaches the limit.
func (l *DayLedger) RestoreTallies(realizedPnL float64, tradesOpened, wins, losses int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.realizedPnL = realizedPnL
	l.tradesOpened = tradesOpened
	l.wins = wins
	l.losses = losses
	if l.realizedPnL <= -l.limits.DailyLossLimit {
		l.halted = true
	}
	l.log.Info("Restored day tallies", "realized_pnl", realizedPnL, "trades_opened", tradesOpened)
}

// Snapshot returns a consistent copy of the day's tallies.
func (l *DayLedger) Snapshot(now time.Time) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(now)

	return Snapshot{
		Day:          l.day,
		RealizedPnL:  l.realizedPnL,
		TradesOpened: l.tradesOpened,
		Wins:         l.wins,
		Losses:       l.losses,
		OpenCount:    len(l.open),
		TradeCap:     l.tradeCapLocked(),
		Halted:       l.halted,
	}
}

// Exits returns copies of the day's exit records, newest last.
func (l *DayLedger) Exits() []ExitRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ExitRecord, len(l.exits))
	copy(out, l.exits)
	return out
}

// HasOpen reports whether the symbol currently has an open position.
func (l *DayLedger) HasOpen(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.open[symbol]
	return ok
}

// OpenCount returns the number of open positions.
func (l *DayLedger) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}

// Halted reports whether the daily loss limit has been hit.
func (l *DayLedger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// InCooldown reports whether the symbol is inside its stop-out cooldown.
func (l *DayLedger) InCooldown(symbol string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.cooldownUntil[symbol]
	return ok && now.Before(until)
}
