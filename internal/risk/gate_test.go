package risk

import (
	"context"
	"testing"
	"time"

	"gap-trading-bot/config"
	"gap-trading-bot/internal/broker"
	"gap-trading-bot/internal/ledger"
	"gap-trading-bot/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMarketConfig() config.MarketConfig {
	return config.MarketConfig{
		Timezone:         "America/New_York",
		OpenLocal:        "09:30",
		TradingCutoff:    "14:00",
		PositionClose:    "13:50",
		PostOpenDelaySec: 1800,
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(testMarketConfig())
	require.NoError(t, err)
	return s
}

// ny returns a market-local timestamp on a fixed trading day.
func ny(t *testing.T, hour, minute, second int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(2026, 3, 2, hour, minute, second, 0, loc)
}

func newTestGate(t *testing.T, mock *broker.MockBroker) (*Gate, *ledger.DayLedger) {
	t.Helper()
	dl := ledger.New(ledger.Limits{
		MaxConcurrent:   5,
		TradeCapLosing:  10,
		TradeCapWinning: 20,
		DailyLossLimit:  600,
		StopOutCooldown: 20 * time.Minute,
		PendingLock:     5 * time.Minute,
	}, time.UTC, nil)
	cfg := config.StrategyConfig{SymbolNotionalCap: 10000}
	return NewGate(newTestSession(t), dl, mock, cfg, nil), dl
}

func admissibleSetup() *strategy.Setup {
	return &strategy.Setup{
		Symbol:     "TQQQ",
		Side:       strategy.SideLong,
		EntryPrice: 50,
		SizeShares: 40, // $2,000 notional
	}
}

func TestSessionEntryWindowEdges(t *testing.T) {
	s := newTestSession(t)

	assert.False(t, s.EntryWindowOpen(ny(t, 9, 45, 0)), "post-open delay still running")
	assert.False(t, s.EntryWindowOpen(ny(t, 9, 59, 59)))
	assert.True(t, s.EntryWindowOpen(ny(t, 10, 0, 0)), "window opens exactly at open+delay")
	assert.True(t, s.EntryWindowOpen(ny(t, 13, 49, 59)))
	assert.False(t, s.EntryWindowOpen(ny(t, 14, 0, 0)), "cutoff is exclusive")
}

func TestSessionCutoff(t *testing.T) {
	s := newTestSession(t)

	assert.False(t, s.CutoffActive(ny(t, 13, 49, 59)))
	assert.True(t, s.CutoffActive(ny(t, 13, 50, 0)))
	assert.True(t, s.CutoffActive(ny(t, 15, 0, 0)))
}

func TestSessionElapsedFraction(t *testing.T) {
	s := newTestSession(t)

	assert.Equal(t, 0.0, s.ElapsedFraction(ny(t, 9, 0, 0)), "pre-open clamps to zero")
	assert.InDelta(t, 0.5, s.ElapsedFraction(ny(t, 12, 45, 0)), 1e-9, "195 of 390 minutes")
	assert.Equal(t, 1.0, s.ElapsedFraction(ny(t, 16, 30, 0)), "post-close clamps to one")
}

func TestGateAdmitsInsideWindow(t *testing.T) {
	g, dl := newTestGate(t, broker.NewMockBroker())

	ok, reason, err := g.Admit(context.Background(), admissibleSetup(), ny(t, 10, 30, 0))
	require.NoError(t, err)
	assert.True(t, ok, "reason: %s", reason)

	// The admission holds the pending lock until the order outcome is known.
	ok, r := dl.TryAdmit("TQQQ", ny(t, 10, 30, 1))
	assert.False(t, ok)
	assert.Equal(t, ledger.RejectEntryPending, r)
}

func TestGateRejectsOutsideWindow(t *testing.T) {
	g, _ := newTestGate(t, broker.NewMockBroker())

	ok, reason, err := g.Admit(context.Background(), admissibleSetup(), ny(t, 9, 45, 0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, RejectOutsideWindow, reason)
}

func TestGateRejectsAfterCutoffSweepTime(t *testing.T) {
	g, _ := newTestGate(t, broker.NewMockBroker())

	// 13:55 is still before the 14:00 window end, but the 13:50 force-close
	// sweep has fired: nothing new may open.
	ok, reason, err := g.Admit(context.Background(), admissibleSetup(), ny(t, 13, 55, 0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, RejectCutoffActive, reason)
}

func TestGatePassesThroughLedgerRejection(t *testing.T) {
	g, dl := newTestGate(t, broker.NewMockBroker())
	now := ny(t, 10, 30, 0)

	dl.RegisterOpen("TQQQ", now)
	ok, reason, err := g.Admit(context.Background(), admissibleSetup(), now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, string(ledger.RejectAlreadyOpen), reason)
}

func TestGateRejectsOverNotionalCap(t *testing.T) {
	g, dl := newTestGate(t, broker.NewMockBroker())
	now := ny(t, 10, 30, 0)

	setup := admissibleSetup()
	setup.SizeShares = 300 // $15,000 against a $10,000 cap

	ok, reason, err := g.Admit(context.Background(), setup, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, RejectNotionalCap, reason)

	ok, _ = dl.TryAdmit("TQQQ", now.Add(time.Second))
	assert.True(t, ok, "a local reject releases the pending lock")
}

func TestGateRejectsOnBuyingPower(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.SetAccount(broker.Account{ID: "mock", BuyingPower: 1500})
	g, dl := newTestGate(t, mock)
	now := ny(t, 10, 30, 0)

	ok, reason, err := g.Admit(context.Background(), admissibleSetup(), now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, RejectBuyingPower, reason)

	ok, _ = dl.TryAdmit("TQQQ", now.Add(time.Second))
	assert.True(t, ok, "a buying-power reject releases the pending lock")
}

func TestGateRejectsBlockedAccount(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.SetAccount(broker.Account{ID: "mock", BuyingPower: 100000, TradingBlocked: true})
	g, _ := newTestGate(t, mock)

	ok, reason, err := g.Admit(context.Background(), admissibleSetup(), ny(t, 10, 30, 0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, RejectTradingBlocked, reason)
}
