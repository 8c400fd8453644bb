package risk

import (
	"context"
	"fmt"
	"time"

	"gap-trading-bot/config"
	"gap-trading-bot/internal/broker"
	"gap-trading-bot/internal/ledger"
	"gap-trading-bot/internal/logging"
	"gap-trading-bot/internal/strategy"
)

// Reject reasons the gate produces itself; ledger rejections pass through
// with their own reasons.
const (
	RejectOutsideWindow   = "outside_entry_window"
	RejectCutoffActive    = "cutoff_active"
	RejectNotionalCap     = "notional_cap"
	RejectBuyingPower     = "insufficient_buying_power"
	RejectTradingBlocked  = "trading_blocked"
)

// Gate runs the ordered admission checks for a setup. The checks short-
// circuit: the first failing one names the rejection. A successful admission
// leaves the symbol's pending entry lock in place; the caller owns releasing
// it if the subsequent order submit fails.
type Gate struct {
	session     *Session
	ledger      *ledger.DayLedger
	broker      broker.Broker
	notionalCap float64
	log         *logging.Logger
}

// NewGate creates a Gate.
func NewGate(session *Session, dl *ledger.DayLedger, b broker.Broker, cfg config.StrategyConfig, log *logging.Logger) *Gate {
	if log == nil {
		log = logging.Default().WithComponent("risk")
	}
	return &Gate{
		session:     session,
		ledger:      dl,
		broker:      b,
		notionalCap: cfg.SymbolNotionalCap,
		log:         log,
	}
}

// Admit decides whether the setup may become an order right now. Order of
// checks: entry window, cutoff, the ledger's day limits (concurrency, trade
// cap, loss halt, cooldown, pending lock), then notional against the symbol
// cap and the account's buying power. A non-nil error means the decision
// could not be made; no order may be placed on an error.
func (g *Gate) Admit(ctx context.Context, setup *strategy.Setup, now time.Time) (bool, string, error) {
	if !g.session.EntryWindowOpen(now) {
		return false, RejectOutsideWindow, nil
	}
	if g.session.CutoffActive(now) {
		return false, RejectCutoffActive, nil
	}

	ok, reason := g.ledger.TryAdmit(setup.Symbol, now)
	if !ok {
		return false, string(reason), nil
	}

	// From here on the pending lock is held; every failure path gives it
	// back so the symbol is not frozen for five minutes by a local reject.
	notional := setup.EntryPrice * float64(setup.SizeShares)
	if g.notionalCap > 0 && notional > g.notionalCap {
		g.ledger.ReleaseEntryLock(setup.Symbol)
		return false, RejectNotionalCap, nil
	}

	acct, err := g.broker.GetAccount(ctx)
	if err != nil {
		g.ledger.ReleaseEntryLock(setup.Symbol)
		return false, "", fmt.Errorf("account check: %w", err)
	}
	if acct.TradingBlocked {
		g.ledger.ReleaseEntryLock(setup.Symbol)
		return false, RejectTradingBlocked, nil
	}
	if notional > acct.BuyingPower {
		g.ledger.ReleaseEntryLock(setup.Symbol)
		g.log.Warn("Setup rejected on buying power",
			"symbol", setup.Symbol, "notional", notional, "buying_power", acct.BuyingPower)
		return false, RejectBuyingPower, nil
	}

	return true, "", nil
}
