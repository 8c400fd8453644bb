// Package position manages a live bracket trade from submission to close:
// it watches the entry fill, ratchets the protective stop as profit accrues,
// and records the exit. One Manager owns one position; the coordinator holds
// at most one Manager per symbol.
package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gap-trading-bot/config"
	"gap-trading-bot/internal/broker"
	"gap-trading-bot/internal/events"
	"gap-trading-bot/internal/ledger"
	"gap-trading-bot/internal/logging"
	"gap-trading-bot/internal/orders"
	"gap-trading-bot/internal/strategy"

	"github.com/jpillora/backoff"
)

// State is the position lifecycle state.
type State string

const (
	// StateAwaitingFill: bracket submitted, entry not yet filled.
	StateAwaitingFill State = "awaiting_fill"
	// StateOpenInitial: entry filled, stop still at the initial level.
	StateOpenInitial State = "open_initial"
	// StateOpenBreakeven: stop moved to entry, zero dollars locked.
	StateOpenBreakeven State = "open_breakeven"
	// StateTierLocked: stop locks a positive dollar tier.
	StateTierLocked State = "open_tier_locked"
	// StateClosing: an exit order is working; no stop management happens here.
	StateClosing State = "closing"
	// StateClosed: terminal. The Manager is inert.
	StateClosed State = "closed"
)

// Open reports whether the position is filled and still protected by a stop.
func (s State) Open() bool {
	switch s {
	case StateOpenInitial, StateOpenBreakeven, StateTierLocked:
		return true
	}
	return false
}

// Active reports whether the Manager still needs monitor ticks.
func (s State) Active() bool {
	return s != StateClosed
}

// defaultStatusInterval throttles leg-status polling so five concurrent
// positions stay well inside the broker's request budget. A price print
// beyond the stop or target forces an immediate check.
const defaultStatusInterval = 5 * time.Second

// Snapshot is a consistent read-only view of a managed position.
type Snapshot struct {
	Symbol        string        `json:"symbol"`
	Side          strategy.Side `json:"side"`
	Qty           int           `json:"qty"`
	State         State         `json:"state"`
	EntryPrice    float64       `json:"entry_price"`
	TargetPrice   float64       `json:"target_price"`
	CurrentStop   float64       `json:"current_stop"`
	LockedProfit  float64       `json:"locked_profit"`
	HasLock       bool          `json:"has_lock"`
	HighestProfit float64       `json:"highest_profit"`
	LastPrice     float64       `json:"last_price"`
	UnrealizedPnL float64       `json:"unrealized_pnl"`
	OpenedAt      time.Time     `json:"opened_at,omitempty"`
	CloseOrderID  string        `json:"close_order_id,omitempty"`
	NeedsOperator bool          `json:"needs_operator"`
}

// Manager drives one position through its lifecycle. All methods are safe
// for concurrent use; the coordinator serializes ticks per symbol anyway.
type Manager struct {
	mu     sync.Mutex
	broker broker.Broker
	ledger *ledger.DayLedger
	bus    *events.Bus
	cfg    config.PositionConfig
	log    *logging.Logger

	symbol string
	side   strategy.Side
	qty    int
	setup  *strategy.Setup
	baseID string

	state         State
	entryOrderID  string
	stopOrderID   string
	targetOrderID string
	closeOrderID  string
	closeReason   ledger.ExitReason

	entryPrice    float64
	currentStop   float64
	lockedProfit  float64
	hasLock       bool
	highestProfit float64
	lastPrice     float64
	openedAt      time.Time

	statusInterval  time.Duration
	lastStatusCheck time.Time
	flagged         bool
}

// NewManager wraps a just-submitted bracket entry. baseID is the entry's
// client order ID base, reused for the related close order.
func NewManager(b broker.Broker, dl *ledger.DayLedger, bus *events.Bus, cfg config.PositionConfig, log *logging.Logger, setup *strategy.Setup, entry broker.Order, baseID string) *Manager {
	if log == nil {
		log = logging.Default().WithComponent("position")
	}
	return &Manager{
		broker:         b,
		ledger:         dl,
		bus:            bus,
		cfg:            cfg,
		log:            log.WithField("symbol", setup.Symbol),
		symbol:         setup.Symbol,
		side:           setup.Side,
		qty:            setup.SizeShares,
		setup:          setup,
		baseID:         baseID,
		state:          StateAwaitingFill,
		entryOrderID:   entry.ID,
		entryPrice:     setup.EntryPrice,
		currentStop:    setup.StopPrice,
		statusInterval: defaultStatusInterval,
	}
}

// Symbol returns the position's symbol.
func (m *Manager) Symbol() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbol
}

// Done reports whether the position has reached its terminal state.
func (m *Manager) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateClosed
}

// Snapshot returns a copy of the position's current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Symbol:        m.symbol,
		Side:          m.side,
		Qty:           m.qty,
		State:         m.state,
		EntryPrice:    m.entryPrice,
		TargetPrice:   m.setup.TargetPrice,
		CurrentStop:   m.currentStop,
		LockedProfit:  m.lockedProfit,
		HasLock:       m.hasLock,
		HighestProfit: m.highestProfit,
		LastPrice:     m.lastPrice,
		UnrealizedPnL: m.dollarProfit(m.lastPrice),
		OpenedAt:      m.openedAt,
		CloseOrderID:  m.closeOrderID,
		NeedsOperator: m.flagged,
	}
}

// Tick advances the position one monitor step with the latest trade price.
// A zero last price is ignored for stop management but still drives order
// status polling.
func (m *Manager) Tick(ctx context.Context, last float64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateAwaitingFill:
		return m.pollEntryLocked(ctx, now)
	case StateOpenInitial, StateOpenBreakeven, StateTierLocked:
		if last > 0 {
			m.lastPrice = last
		}
		closed, err := m.checkExitLocked(ctx, now)
		if closed || err != nil {
			return err
		}
		if last <= 0 {
			return nil
		}
		return m.manageStopLocked(ctx, last, now)
	case StateClosing:
		return m.pollCloseLocked(ctx, now)
	}
	return nil
}

// ===== ENTRY FILL =====

func (m *Manager) pollEntryLocked(ctx context.Context, now time.Time) error {
	o, err := m.broker.GetOrder(ctx, m.entryOrderID)
	if err != nil {
		return fmt.Errorf("poll entry %s: %w", m.entryOrderID, err)
	}

	switch {
	case o.Status == broker.StatusFilled:
		if o.FilledAvgPx > 0 {
			m.entryPrice = o.FilledAvgPx
		}
		if o.FilledAt != nil {
			m.openedAt = *o.FilledAt
		} else {
			m.openedAt = now
		}
		if err := m.resolveLegsLocked(ctx, o); err != nil {
			return err
		}
		m.state = StateOpenInitial
		m.ledger.RegisterOpen(m.symbol, now)
		m.log.Info("Entry filled",
			"price", m.entryPrice, "qty", m.qty, "stop", m.currentStop, "target", m.setup.TargetPrice)
		if m.bus != nil {
			m.bus.PublishPositionOpened(m.symbol, string(m.side), m.entryPrice, m.qty)
		}
	case o.Status.Terminal():
		// Canceled, rejected, or expired before filling: never opened.
		m.state = StateClosed
		m.ledger.ReleaseEntryLock(m.symbol)
		m.log.Warn("Entry order ended without a fill", "status", string(o.Status))
	}
	return nil
}

// resolveLegsLocked finds the protective stop and target orders attached to
// the entry, either from the nested legs or via a follow-up lookup.
func (m *Manager) resolveLegsLocked(ctx context.Context, entry broker.Order) error {
	legs := entry.Legs
	if len(legs) == 0 {
		var err error
		legs, err = m.broker.ChildrenOf(ctx, m.entryOrderID)
		if err != nil {
			return fmt.Errorf("resolve bracket legs: %w", err)
		}
	}
	for _, leg := range legs {
		switch leg.Type {
		case broker.TypeStop:
			m.stopOrderID = leg.ID
			if leg.StopPrice > 0 {
				m.currentStop = leg.StopPrice
			}
		case broker.TypeLimit:
			m.targetOrderID = leg.ID
		}
	}
	if m.stopOrderID == "" || m.targetOrderID == "" {
		return fmt.Errorf("bracket legs missing for entry %s", m.entryOrderID)
	}
	return nil
}

// ===== EXIT DETECTION =====

// checkExitLocked polls the protective legs and finishes the position when
// one of them filled. Polling is throttled unless price has reached either
// leg. Returns true when the position left the open states.
func (m *Manager) checkExitLocked(ctx context.Context, now time.Time) (bool, error) {
	if !m.priceAtLegLocked() && now.Sub(m.lastStatusCheck) < m.statusInterval {
		return false, nil
	}
	m.lastStatusCheck = now

	stop, err := m.broker.GetOrder(ctx, m.stopOrderID)
	if err != nil {
		return false, fmt.Errorf("poll stop %s: %w", m.stopOrderID, err)
	}
	if stop.Status == broker.StatusFilled {
		m.finishLocked(ledger.ExitStopOut, stop.FilledAvgPx, now)
		return true, nil
	}

	target, err := m.broker.GetOrder(ctx, m.targetOrderID)
	if err != nil {
		return false, fmt.Errorf("poll target %s: %w", m.targetOrderID, err)
	}
	if target.Status == broker.StatusFilled {
		m.finishLocked(ledger.ExitTarget, target.FilledAvgPx, now)
		return true, nil
	}
	return false, nil
}

func (m *Manager) priceAtLegLocked() bool {
	if m.lastPrice <= 0 {
		return false
	}
	if m.side == strategy.SideLong {
		return m.lastPrice <= m.currentStop || m.lastPrice >= m.setup.TargetPrice
	}
	return m.lastPrice >= m.currentStop || m.lastPrice <= m.setup.TargetPrice
}

// ===== STOP MANAGEMENT =====

// manageStopLocked ratchets the stop toward the profit lock the peak
// unrealized profit has earned. The stop only ever tightens.
func (m *Manager) manageStopLocked(ctx context.Context, last float64, now time.Time) error {
	profit := m.dollarProfit(last)
	if profit > m.highestProfit {
		m.highestProfit = profit
	}

	lock, ok := m.desiredLockLocked(profit, now)
	if !ok {
		return nil
	}
	if m.hasLock && lock <= m.lockedProfit {
		return nil
	}

	candidate := m.stopForLock(lock)
	if !m.improvesStopLocked(candidate) {
		return nil
	}
	return m.replaceStopLocked(ctx, candidate, lock, now)
}

// desiredLockLocked maps peak profit to the dollar amount the stop should
// guarantee. Below the breakeven threshold nothing is locked; from there to
// the first tier the lock is breakeven; past that, whole tier increments. A
// fast mover gets breakeven early via the quick-profit override.
func (m *Manager) desiredLockLocked(profit float64, now time.Time) (float64, bool) {
	peak := m.highestProfit
	tierStart := m.cfg.TierBuffer + m.cfg.TierIncrement

	switch {
	case peak >= tierStart:
		return m.cfg.TierIncrement * math.Floor((peak-m.cfg.TierBuffer)/m.cfg.TierIncrement), true
	case peak >= m.cfg.BreakevenThreshold:
		return 0, true
	}

	if m.cfg.QuickProfitWindowS > 0 && !m.openedAt.IsZero() {
		window := time.Duration(m.cfg.QuickProfitWindowS) * time.Second
		if now.Sub(m.openedAt) <= window && profit >= m.cfg.QuickProfitDollars {
			return 0, true
		}
	}
	return 0, false
}

// stopForLock converts a dollar lock into the stop price that realizes it.
func (m *Manager) stopForLock(lock float64) float64 {
	perShare := lock / float64(m.qty)
	if m.side == strategy.SideLong {
		return round2(m.entryPrice + perShare)
	}
	return round2(m.entryPrice - perShare)
}

// improvesStopLocked enforces stop monotonicity: longs only move up, shorts
// only move down. Anything else is discarded.
func (m *Manager) improvesStopLocked(candidate float64) bool {
	if m.side == strategy.SideLong {
		return candidate > m.currentStop
	}
	return candidate < m.currentStop
}

// replaceStopLocked runs the stop replacement protocol. Transient failures
// retry with backoff; a terminal stop means the exit already happened; any
// other rejection keeps the prior stop working and flags the operator. A
// stop gap after a fallback cancel triggers an emergency market exit.
func (m *Manager) replaceStopLocked(ctx context.Context, candidate, lock float64, now time.Time) error {
	attempts := m.cfg.ReplaceRetries
	if attempts <= 0 {
		attempts = 3
	}
	bo := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}

	for attempt := 1; attempt <= attempts; attempt++ {
		replaced, err := m.broker.ReplaceStop(ctx, m.stopOrderID, candidate)
		if err == nil {
			old := m.currentStop
			m.stopOrderID = replaced.ID
			m.currentStop = candidate
			m.lockedProfit = lock
			m.hasLock = true
			m.promoteLocked(lock)
			m.log.Info("Stop raised",
				"old_stop", old, "new_stop", candidate, "locked_profit", lock, "state", string(m.state))
			if m.bus != nil {
				m.bus.PublishStopReplaced(m.symbol, old, candidate, lock)
			}
			return nil
		}

		if errors.Is(err, broker.ErrStopGap) {
			// The old stop is gone and the new one did not stick: the
			// position is unprotected. Get flat immediately.
			m.flagged = true
			m.log.Error("Stop gap, forcing market exit", "error", err)
			if m.bus != nil {
				m.bus.PublishOperatorAlert(m.symbol, "stop replacement left position unprotected", err)
			}
			return m.submitCloseLocked(ctx, ledger.ExitForceClose, now)
		}

		switch broker.KindOf(err) {
		case broker.KindAlreadyTerminal:
			// The stop filled under us. Pick up the exit instead of
			// resubmitting protection for a position that no longer exists.
			return m.resolveTerminalStopLocked(ctx, now)
		case broker.KindTransient, broker.KindRateLimited:
			if attempt == attempts {
				m.log.Warn("Stop replace retries exhausted, keeping prior stop",
					"candidate", candidate, "error", err)
				return nil
			}
			if serr := sleepCtx(ctx, bo.Duration()); serr != nil {
				return serr
			}
		default:
			// Rejected outright. The prior stop is still working; a human
			// should look at why the broker refused the move.
			m.flagged = true
			m.log.Error("Stop replace rejected, keeping prior stop",
				"candidate", candidate, "error", err)
			if m.bus != nil {
				m.bus.PublishOperatorAlert(m.symbol, "stop replacement rejected", err)
			}
			return nil
		}
	}
	return nil
}

// promoteLocked moves the state machine forward after a successful replace.
func (m *Manager) promoteLocked(lock float64) {
	if lock > 0 {
		m.state = StateTierLocked
	} else if m.state == StateOpenInitial {
		m.state = StateOpenBreakeven
	}
}

// resolveTerminalStopLocked handles a replace that failed because the stop
// order is already terminal: either it filled (stop-out) or the target side
// of the bracket closed it.
func (m *Manager) resolveTerminalStopLocked(ctx context.Context, now time.Time) error {
	stop, err := m.broker.GetOrder(ctx, m.stopOrderID)
	if err != nil {
		return fmt.Errorf("inspect terminal stop %s: %w", m.stopOrderID, err)
	}
	if stop.Status == broker.StatusFilled {
		m.finishLocked(ledger.ExitStopOut, stop.FilledAvgPx, now)
		return nil
	}

	target, err := m.broker.GetOrder(ctx, m.targetOrderID)
	if err != nil {
		return fmt.Errorf("inspect target %s: %w", m.targetOrderID, err)
	}
	if target.Status == broker.StatusFilled {
		m.finishLocked(ledger.ExitTarget, target.FilledAvgPx, now)
		return nil
	}

	// Stop canceled with no fill anywhere: the position has no protection.
	m.flagged = true
	m.log.Error("Stop order terminal without a fill, forcing market exit", "status", string(stop.Status))
	return m.submitCloseLocked(ctx, ledger.ExitForceClose, now)
}

// ===== FORCE CLOSE =====

// ForceClose flattens the position at market: both protective legs are
// canceled and a market exit is submitted. Used by the cutoff sweep and the
// manual close endpoints. A position in Closing or Closed is left alone.
func (m *Manager) ForceClose(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateClosing, StateClosed:
		return nil
	case StateAwaitingFill:
		return m.cancelUnfilledEntryLocked(ctx, now)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.EventForceClose, Symbol: m.symbol})
	}
	return m.submitCloseLocked(ctx, ledger.ExitForceClose, now)
}

// cancelUnfilledEntryLocked tries to pull an entry that has not filled yet.
// If the fill won the race, the normal force-close path takes over.
func (m *Manager) cancelUnfilledEntryLocked(ctx context.Context, now time.Time) error {
	if err := m.broker.Cancel(ctx, m.entryOrderID); err != nil && !broker.IsKind(err, broker.KindAlreadyTerminal) {
		return fmt.Errorf("cancel entry %s: %w", m.entryOrderID, err)
	}
	o, err := m.broker.GetOrder(ctx, m.entryOrderID)
	if err != nil {
		return fmt.Errorf("confirm entry cancel %s: %w", m.entryOrderID, err)
	}
	if o.Status == broker.StatusFilled {
		if err := m.pollEntryLockedFromOrder(ctx, o, now); err != nil {
			return err
		}
		return m.submitCloseLocked(ctx, ledger.ExitForceClose, now)
	}
	m.state = StateClosed
	m.ledger.ReleaseEntryLock(m.symbol)
	m.log.Info("Unfilled entry canceled", "status", string(o.Status))
	return nil
}

func (m *Manager) pollEntryLockedFromOrder(ctx context.Context, o broker.Order, now time.Time) error {
	if o.FilledAvgPx > 0 {
		m.entryPrice = o.FilledAvgPx
	}
	if o.FilledAt != nil {
		m.openedAt = *o.FilledAt
	} else {
		m.openedAt = now
	}
	if err := m.resolveLegsLocked(ctx, o); err != nil {
		return err
	}
	m.state = StateOpenInitial
	m.ledger.RegisterOpen(m.symbol, now)
	return nil
}

// submitCloseLocked cancels both protective legs and submits a market exit
// for the full size. Cancels treat already-terminal legs as success.
func (m *Manager) submitCloseLocked(ctx context.Context, reason ledger.ExitReason, now time.Time) error {
	for _, id := range []string{m.targetOrderID, m.stopOrderID} {
		if id == "" {
			continue
		}
		if err := m.broker.Cancel(ctx, id); err != nil && !broker.IsKind(err, broker.KindAlreadyTerminal) {
			m.log.Warn("Leg cancel failed during close", "order_id", id, "error", err)
		}
	}

	clientID := ""
	if m.baseID != "" {
		if id, err := orders.Related(m.baseID, orders.RoleClose); err == nil {
			clientID = id
		}
	}
	exit, err := m.broker.SubmitMarket(ctx, broker.MarketRequest{
		Symbol:        m.symbol,
		Side:          m.exitSide(),
		Qty:           m.qty,
		ClientOrderID: clientID,
	})
	if err != nil {
		m.flagged = true
		m.log.Error("Market exit submit failed", "error", err)
		if m.bus != nil {
			m.bus.PublishOperatorAlert(m.symbol, "market exit submit failed", err)
		}
		return fmt.Errorf("submit market exit: %w", err)
	}

	m.closeOrderID = exit.ID
	m.closeReason = reason
	m.state = StateClosing
	m.log.Info("Market exit submitted", "order_id", exit.ID, "qty", m.qty)
	return nil
}

func (m *Manager) pollCloseLocked(ctx context.Context, now time.Time) error {
	o, err := m.broker.GetOrder(ctx, m.closeOrderID)
	if err != nil {
		return fmt.Errorf("poll exit %s: %w", m.closeOrderID, err)
	}
	switch {
	case o.Status == broker.StatusFilled:
		m.finishLocked(m.closeReason, o.FilledAvgPx, now)
	case o.Status.Terminal():
		// Exit order died without filling. The position is flat-pending and
		// needs a human: resubmitting blindly risks doubling the exit.
		m.flagged = true
		m.log.Error("Market exit ended without a fill", "status", string(o.Status))
		if m.bus != nil {
			m.bus.PublishOperatorAlert(m.symbol, "market exit order "+string(o.Status), nil)
		}
	}
	return nil
}

// ===== EXIT RECORDING =====

// finishLocked records the completed trade and closes the Manager. For a
// stop-out the symbol also enters its re-entry cooldown.
func (m *Manager) finishLocked(reason ledger.ExitReason, exitPrice float64, now time.Time) {
	pnl := m.dollarProfit(exitPrice)
	r := 0.0
	if m.setup.RiskDollars > 0 {
		r = pnl / m.setup.RiskDollars
	}

	m.ledger.RecordExit(ledger.ExitRecord{
		Symbol:     m.symbol,
		Side:       string(m.side),
		Qty:        m.qty,
		EntryPrice: m.entryPrice,
		ExitPrice:  exitPrice,
		PnL:        round2(pnl),
		RMultiple:  math.Round(r*100) / 100,
		Reason:     reason,
		OpenedAt:   m.openedAt,
		ClosedAt:   now,
	})
	if reason == ledger.ExitStopOut {
		m.ledger.RecordStopOut(m.symbol, now)
		if m.bus != nil {
			m.bus.Publish(events.Event{Type: events.EventStopOut, Symbol: m.symbol})
		}
	}

	// Best effort: make sure the surviving leg is gone.
	for _, id := range []string{m.targetOrderID, m.stopOrderID} {
		if id == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = m.broker.Cancel(ctx, id)
		cancel()
	}

	m.state = StateClosed
	m.log.Info("Position closed",
		"reason", string(reason), "exit", exitPrice, "pnl", round2(pnl), "r", r)
	if m.bus != nil {
		m.bus.PublishPositionClosed(m.symbol, string(reason), m.entryPrice, exitPrice, m.qty, round2(pnl))
	}
}

// ===== HELPERS =====

// dollarProfit is the open profit at a price, sign-adjusted for the side.
func (m *Manager) dollarProfit(price float64) float64 {
	if price <= 0 || m.entryPrice <= 0 {
		return 0
	}
	if m.side == strategy.SideLong {
		return (price - m.entryPrice) * float64(m.qty)
	}
	return (m.entryPrice - price) * float64(m.qty)
}

func (m *Manager) exitSide() broker.Side {
	if m.side == strategy.SideLong {
		return broker.SideSell
	}
	return broker.SideBuy
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
