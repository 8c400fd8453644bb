package position

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gap-trading-bot/config"
	"gap-trading-bot/internal/broker"
	"gap-trading-bot/internal/ledger"
	"gap-trading-bot/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPositionConfig() config.PositionConfig {
	return config.PositionConfig{
		BreakevenThreshold: 15,
		QuickProfitDollars: 20,
		QuickProfitWindowS: 600,
		TierIncrement:      50,
		TierBuffer:         30,
		ReplaceRetries:     3,
	}
}

func testLedger() *ledger.DayLedger {
	return ledger.New(ledger.Limits{
		MaxConcurrent:   5,
		TradeCapLosing:  10,
		TradeCapWinning: 20,
		DailyLossLimit:  600,
		StopOutCooldown: 20 * time.Minute,
		PendingLock:     5 * time.Minute,
	}, time.UTC, nil)
}

func longSetup() *strategy.Setup {
	return &strategy.Setup{
		Symbol:       "TQQQ",
		Side:         strategy.SideLong,
		EntryPrice:   50.00,
		StopPrice:    48.00,
		TargetPrice:  56.00,
		SizeShares:   10,
		RiskDollars:  20,
		StopDistance: 2.00,
		SetupKind:    "gap_continuation",
	}
}

// openLong submits a bracket, fills the entry at 50.00, and ticks the manager
// into its open state.
func openLong(t *testing.T, mock *broker.MockBroker, dl *ledger.DayLedger, cfg config.PositionConfig, t0 time.Time) *Manager {
	t.Helper()
	ctx := context.Background()
	setup := longSetup()

	entry, err := mock.SubmitBracket(ctx, broker.BracketRequest{
		Symbol:        setup.Symbol,
		Side:          broker.SideBuy,
		Qty:           setup.SizeShares,
		StopPrice:     setup.StopPrice,
		TargetPrice:   setup.TargetPrice,
		ClientOrderID: "gap-20260302-000001-E",
	})
	require.NoError(t, err)

	m := NewManager(mock, dl, nil, cfg, nil, setup, entry, "gap-20260302-000001")
	mock.Fill(entry.ID, setup.EntryPrice)
	require.NoError(t, m.Tick(ctx, 0, t0))
	require.Equal(t, StateOpenInitial, m.Snapshot().State)
	return m
}

func legIDs(t *testing.T, mock *broker.MockBroker, m *Manager) (stopID, targetID string) {
	t.Helper()
	legs, err := mock.ChildrenOf(context.Background(), entryID(mock, m))
	require.NoError(t, err)
	require.Len(t, legs, 2)
	for _, leg := range legs {
		if leg.Type == broker.TypeStop {
			stopID = leg.ID
		} else {
			targetID = leg.ID
		}
	}
	return stopID, targetID
}

func entryID(mock *broker.MockBroker, m *Manager) string {
	return m.entryOrderID
}

func TestEntryFillOpensPosition(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()

	m := openLong(t, mock, dl, testPositionConfig(), t0)

	snap := m.Snapshot()
	assert.Equal(t, 50.00, snap.EntryPrice)
	assert.Equal(t, 48.00, snap.CurrentStop)
	assert.False(t, snap.HasLock)
	assert.True(t, dl.HasOpen("TQQQ"))
	assert.Equal(t, 1, dl.OpenCount())
}

func TestEntryCancelReleasesLock(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	ctx := context.Background()
	t0 := time.Now()

	ok, _ := dl.TryAdmit("TQQQ", t0)
	require.True(t, ok)

	setup := longSetup()
	entry, err := mock.SubmitBracket(ctx, broker.BracketRequest{
		Symbol: setup.Symbol, Side: broker.SideBuy, Qty: setup.SizeShares,
		StopPrice: setup.StopPrice, TargetPrice: setup.TargetPrice,
	})
	require.NoError(t, err)
	m := NewManager(mock, dl, nil, testPositionConfig(), nil, setup, entry, "")

	mock.SetOrderStatus(entry.ID, broker.StatusRejected, 0)
	require.NoError(t, m.Tick(ctx, 0, t0))

	assert.True(t, m.Done())
	assert.False(t, dl.HasOpen("TQQQ"))
	ok, _ = dl.TryAdmit("TQQQ", t0.Add(time.Second))
	assert.True(t, ok, "a dead entry must release the pending lock")
}

func TestNoLockBelowBreakevenThreshold(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)

	// $14 of open profit: below the $15 threshold, stop stays put.
	require.NoError(t, m.Tick(context.Background(), 51.40, t0.Add(10*time.Second)))

	snap := m.Snapshot()
	assert.Equal(t, 0, mock.ReplaceCalls)
	assert.Equal(t, 48.00, snap.CurrentStop)
	assert.Equal(t, StateOpenInitial, snap.State)
	assert.InDelta(t, 14.0, snap.HighestProfit, 1e-9)
}

func TestBreakevenLock(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)

	// $16 profit crosses the breakeven threshold: stop moves to entry.
	require.NoError(t, m.Tick(context.Background(), 51.60, t0.Add(10*time.Second)))

	snap := m.Snapshot()
	assert.Equal(t, 1, mock.ReplaceCalls)
	assert.Equal(t, 50.00, snap.CurrentStop)
	assert.Equal(t, StateOpenBreakeven, snap.State)
	assert.True(t, snap.HasLock)
	assert.Equal(t, 0.0, snap.LockedProfit)
}

func TestTierLock(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)

	// $85 peak: tier = 50 x floor((85-30)/50) = $50. Stop = 50 + 50/10.
	require.NoError(t, m.Tick(context.Background(), 58.50, t0.Add(10*time.Second)))

	snap := m.Snapshot()
	assert.Equal(t, 55.00, snap.CurrentStop)
	assert.Equal(t, 50.0, snap.LockedProfit)
	assert.Equal(t, StateTierLocked, snap.State)
}

func TestTierAdvances(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)

	require.NoError(t, m.Tick(context.Background(), 58.50, t0.Add(10*time.Second)))
	require.Equal(t, 50.0, m.Snapshot().LockedProfit)

	// $135 peak: tier = 50 x floor(105/50) = $100. Stop = 50 + 10.
	require.NoError(t, m.Tick(context.Background(), 63.50, t0.Add(20*time.Second)))

	snap := m.Snapshot()
	assert.Equal(t, 60.00, snap.CurrentStop)
	assert.Equal(t, 100.0, snap.LockedProfit)
	assert.Equal(t, 2, mock.ReplaceCalls)
}

func TestStopNeverRetreats(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)

	require.NoError(t, m.Tick(context.Background(), 58.50, t0.Add(10*time.Second)))
	require.Equal(t, 55.00, m.Snapshot().CurrentStop)
	calls := mock.ReplaceCalls

	// Price retreats but the peak, the lock, and the stop all hold.
	require.NoError(t, m.Tick(context.Background(), 55.90, t0.Add(20*time.Second)))

	snap := m.Snapshot()
	assert.Equal(t, 55.00, snap.CurrentStop)
	assert.Equal(t, 50.0, snap.LockedProfit)
	assert.InDelta(t, 85.0, snap.HighestProfit, 1e-9)
	assert.Equal(t, calls, mock.ReplaceCalls, "a worse stop is discarded without a broker call")
}

func TestQuickProfitOverride(t *testing.T) {
	cfg := testPositionConfig()
	cfg.BreakevenThreshold = 40 // tiers alone would not trigger at $21
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, cfg, t0)

	// $21 within the first ten minutes: quick-profit locks breakeven.
	require.NoError(t, m.Tick(context.Background(), 52.10, t0.Add(30*time.Second)))

	snap := m.Snapshot()
	assert.Equal(t, 50.00, snap.CurrentStop)
	assert.Equal(t, StateOpenBreakeven, snap.State)
}

func TestQuickProfitWindowExpires(t *testing.T) {
	cfg := testPositionConfig()
	cfg.BreakevenThreshold = 40
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, cfg, t0)

	// Same $21 profit but eleven minutes in: no override, no lock.
	require.NoError(t, m.Tick(context.Background(), 52.10, t0.Add(11*time.Minute)))

	snap := m.Snapshot()
	assert.Equal(t, 0, mock.ReplaceCalls)
	assert.Equal(t, 48.00, snap.CurrentStop)
	assert.Equal(t, StateOpenInitial, snap.State)
}

func TestShortSideLockMirrors(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	ctx := context.Background()
	t0 := time.Now()

	setup := &strategy.Setup{
		Symbol: "SOXL", Side: strategy.SideShort,
		EntryPrice: 100.00, StopPrice: 103.00, TargetPrice: 92.50,
		SizeShares: 5, RiskDollars: 15, StopDistance: 3.00,
	}
	entry, err := mock.SubmitBracket(ctx, broker.BracketRequest{
		Symbol: setup.Symbol, Side: broker.SideSell, Qty: setup.SizeShares,
		StopPrice: setup.StopPrice, TargetPrice: setup.TargetPrice,
	})
	require.NoError(t, err)
	m := NewManager(mock, dl, nil, testPositionConfig(), nil, setup, entry, "")
	mock.Fill(entry.ID, setup.EntryPrice)
	require.NoError(t, m.Tick(ctx, 0, t0))

	// Price 83: $85 profit, tier $50, stop = 100 - 50/5 = 90, moving DOWN.
	require.NoError(t, m.Tick(ctx, 83.00, t0.Add(10*time.Second)))

	snap := m.Snapshot()
	assert.Equal(t, 90.00, snap.CurrentStop)
	assert.Equal(t, 50.0, snap.LockedProfit)
	assert.Equal(t, StateTierLocked, snap.State)
}

func TestStopOutRecordsExitAndCooldown(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)
	stopID, _ := legIDs(t, mock, m)

	mock.SetOrderStatus(stopID, broker.StatusFilled, 48.00)
	// A print at the stop forces an immediate status check.
	require.NoError(t, m.Tick(context.Background(), 47.95, t0.Add(2*time.Second)))

	assert.True(t, m.Done())
	assert.False(t, dl.HasOpen("TQQQ"))
	assert.True(t, dl.InCooldown("TQQQ", t0.Add(3*time.Second)))

	exits := dl.Exits()
	require.Len(t, exits, 1)
	assert.Equal(t, ledger.ExitStopOut, exits[0].Reason)
	assert.InDelta(t, -20.0, exits[0].PnL, 1e-9)
	assert.InDelta(t, -1.0, exits[0].RMultiple, 1e-9)
}

func TestTargetFillRecordsWin(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)
	_, targetID := legIDs(t, mock, m)

	mock.SetOrderStatus(targetID, broker.StatusFilled, 56.00)
	require.NoError(t, m.Tick(context.Background(), 56.05, t0.Add(2*time.Second)))

	assert.True(t, m.Done())
	assert.False(t, dl.InCooldown("TQQQ", t0.Add(time.Minute)), "a target exit starts no cooldown")

	exits := dl.Exits()
	require.Len(t, exits, 1)
	assert.Equal(t, ledger.ExitTarget, exits[0].Reason)
	assert.InDelta(t, 60.0, exits[0].PnL, 1e-9)
	assert.InDelta(t, 3.0, exits[0].RMultiple, 1e-9)
}

func TestReplaceRetriesTransientThenSucceeds(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)

	mock.ReplaceErr = &broker.Error{Kind: broker.KindTransient, Status: 503, Message: "upstream unavailable"}
	require.NoError(t, m.Tick(context.Background(), 51.60, t0.Add(10*time.Second)))

	snap := m.Snapshot()
	assert.Equal(t, 2, mock.ReplaceCalls, "one transient failure, one successful retry")
	assert.Equal(t, 50.00, snap.CurrentStop)
	assert.False(t, snap.NeedsOperator)
}

func TestReplaceRejectedKeepsPriorStop(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)

	mock.ReplaceErr = &broker.Error{Kind: broker.KindRejected, Status: 422, Message: "stop price invalid"}
	require.NoError(t, m.Tick(context.Background(), 51.60, t0.Add(10*time.Second)))

	snap := m.Snapshot()
	assert.Equal(t, 1, mock.ReplaceCalls, "rejections are not retried")
	assert.Equal(t, 48.00, snap.CurrentStop, "the prior stop keeps working")
	assert.Equal(t, StateOpenInitial, snap.State)
	assert.True(t, snap.NeedsOperator)
}

func TestReplaceOnFilledStopResolvesExit(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)
	stopID, _ := legIDs(t, mock, m)

	// Warm the leg-status throttle with a quiet tick.
	require.NoError(t, m.Tick(context.Background(), 50.50, t0.Add(time.Second)))

	// The stop fills between ticks. The next tick sees a price that earns a
	// lock (inside the poll throttle, away from both legs), the replace comes
	// back already-terminal, and the exit is picked up instead.
	mock.SetOrderStatus(stopID, broker.StatusFilled, 48.00)
	require.NoError(t, m.Tick(context.Background(), 52.00, t0.Add(3*time.Second)))

	assert.True(t, m.Done())
	exits := dl.Exits()
	require.Len(t, exits, 1)
	assert.Equal(t, ledger.ExitStopOut, exits[0].Reason)
	assert.True(t, dl.InCooldown("TQQQ", t0.Add(time.Minute)))
}

func TestStopGapForcesMarketExit(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)

	mock.ReplaceErr = fmt.Errorf("%w: submit rejected", broker.ErrStopGap)
	require.NoError(t, m.Tick(context.Background(), 51.60, t0.Add(10*time.Second)))

	snap := m.Snapshot()
	require.Equal(t, StateClosing, snap.State)
	assert.True(t, snap.NeedsOperator)
	require.NotEmpty(t, snap.CloseOrderID)

	mock.Fill(snap.CloseOrderID, 51.55)
	require.NoError(t, m.Tick(context.Background(), 51.55, t0.Add(12*time.Second)))

	assert.True(t, m.Done())
	exits := dl.Exits()
	require.Len(t, exits, 1)
	assert.Equal(t, ledger.ExitForceClose, exits[0].Reason)
}

func TestForceCloseCancelsLegsAndExits(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	ctx := context.Background()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)
	stopID, targetID := legIDs(t, mock, m)

	require.NoError(t, m.ForceClose(ctx, t0.Add(time.Minute)))
	snap := m.Snapshot()
	require.Equal(t, StateClosing, snap.State)

	stop, _ := mock.Order(stopID)
	target, _ := mock.Order(targetID)
	assert.Equal(t, broker.StatusCanceled, stop.Status)
	assert.Equal(t, broker.StatusCanceled, target.Status)

	mock.Fill(snap.CloseOrderID, 49.20)
	require.NoError(t, m.Tick(ctx, 49.20, t0.Add(2*time.Minute)))

	assert.True(t, m.Done())
	exits := dl.Exits()
	require.Len(t, exits, 1)
	assert.Equal(t, ledger.ExitForceClose, exits[0].Reason)
	assert.InDelta(t, -8.0, exits[0].PnL, 1e-9)
	assert.False(t, dl.InCooldown("TQQQ", t0.Add(3*time.Minute)), "a force-close is not a stop-out")
}

func TestForceCloseIsIdempotentWhileClosing(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	ctx := context.Background()
	t0 := time.Now()
	m := openLong(t, mock, dl, testPositionConfig(), t0)

	require.NoError(t, m.ForceClose(ctx, t0.Add(time.Minute)))
	closeID := m.Snapshot().CloseOrderID
	require.NoError(t, m.ForceClose(ctx, t0.Add(time.Minute+time.Second)))

	assert.Equal(t, closeID, m.Snapshot().CloseOrderID, "no second exit order")
}

func TestForceCloseCancelsUnfilledEntry(t *testing.T) {
	mock := broker.NewMockBroker()
	dl := testLedger()
	ctx := context.Background()
	t0 := time.Now()

	ok, _ := dl.TryAdmit("TQQQ", t0)
	require.True(t, ok)

	setup := longSetup()
	entry, err := mock.SubmitBracket(ctx, broker.BracketRequest{
		Symbol: setup.Symbol, Side: broker.SideBuy, Qty: setup.SizeShares,
		StopPrice: setup.StopPrice, TargetPrice: setup.TargetPrice,
	})
	require.NoError(t, err)
	m := NewManager(mock, dl, nil, testPositionConfig(), nil, setup, entry, "")

	require.NoError(t, m.ForceClose(ctx, t0.Add(time.Minute)))

	assert.True(t, m.Done())
	assert.Empty(t, dl.Exits(), "a never-filled entry records no trade")
	ok, _ = dl.TryAdmit("TQQQ", t0.Add(2*time.Minute))
	assert.True(t, ok, "pending lock released after the cancel")
}
