// Package coordinator runs the trading day: the scanner loop that evaluates
// the watchlist, the monitor loop that ticks open positions, and the cutoff
// sweep that flattens everything before the close. It owns the per-symbol
// position managers and is the only writer of that map.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"gap-trading-bot/config"
	"gap-trading-bot/internal/broker"
	"gap-trading-bot/internal/events"
	"gap-trading-bot/internal/ledger"
	"gap-trading-bot/internal/logging"
	"gap-trading-bot/internal/marketdata"
	"gap-trading-bot/internal/orders"
	"gap-trading-bot/internal/position"
	"gap-trading-bot/internal/risk"
	"gap-trading-bot/internal/strategy"
)

// lookbackBars is how much 5-minute history each evaluation pulls: enough
// for a 26-period MACD with signal plus divergence lookback.
const lookbackBars = 100

// avgVolumeDays is the daily-volume reference window.
const avgVolumeDays = 20

// DataSource is the slice of the market data service the coordinator needs.
type DataSource interface {
	Bars(ctx context.Context, symbol string, tf marketdata.Timeframe, n int) ([]marketdata.Bar, error)
	Last(ctx context.Context, symbol string) (marketdata.Quote, error)
	ObserveGap(ctx context.Context, symbol string, now time.Time) (marketdata.GapObservation, error)
	AvgDailyVolume(ctx context.Context, symbol string, n int, now time.Time) (float64, error)
	SessionBars(ctx context.Context, symbol string, now, sessionOpen time.Time) ([]marketdata.Bar, error)
}

// SetupEvaluator scores one symbol. *strategy.Evaluator is the production
// implementation.
type SetupEvaluator interface {
	Evaluate(symbol string, gap marketdata.GapObservation, snap strategy.Snapshot, last float64, now time.Time) strategy.Evaluation
}

// EvaluationSink receives every scored evaluation for the analysis log.
type EvaluationSink interface {
	InsertEvaluation(ctx context.Context, ev strategy.Evaluation, at time.Time) error
}

// Coordinator wires the scanner, the monitor, and the cutoff sweep together.
type Coordinator struct {
	cfg       *config.Config
	data      DataSource
	broker    broker.Broker
	gate      *risk.Gate
	session   *risk.Session
	ledger    *ledger.DayLedger
	evaluator SetupEvaluator
	ids       *orders.Generator
	bus       *events.Bus
	sink      EvaluationSink
	log       *logging.Logger

	sem      *semaphore.Weighted
	symbolMu *keyedBusy

	mu        sync.RWMutex
	managers  map[string]*position.Manager
	blacklist map[string]struct{}
	watchlist []string
	running   bool
	paused    bool
	cutoffDay string
	haltedDay string
	stopCh    chan struct{}
	wg        sync.WaitGroup

	now func() time.Time
}

// New creates a Coordinator. sink may be nil when no database is configured.
func New(cfg *config.Config, data DataSource, b broker.Broker, gate *risk.Gate, session *risk.Session,
	dl *ledger.DayLedger, evaluator SetupEvaluator, ids *orders.Generator, bus *events.Bus,
	sink EvaluationSink, log *logging.Logger) *Coordinator {

	if log == nil {
		log = logging.Default().WithComponent("coordinator")
	}
	workers := cfg.ScannerConfig.WorkerCount
	if workers <= 0 {
		workers = 8
	}
	blacklist := make(map[string]struct{}, len(cfg.ScannerConfig.Blacklist))
	for _, s := range cfg.ScannerConfig.Blacklist {
		blacklist[s] = struct{}{}
	}
	return &Coordinator{
		cfg:       cfg,
		data:      data,
		broker:    b,
		gate:      gate,
		session:   session,
		ledger:    dl,
		evaluator: evaluator,
		ids:       ids,
		bus:       bus,
		sink:      sink,
		log:       log,
		sem:       semaphore.NewWeighted(int64(workers)),
		symbolMu:  newKeyedBusy(),
		managers:  make(map[string]*position.Manager),
		blacklist: blacklist,
		watchlist: append([]string(nil), cfg.ScannerConfig.Watchlist...),
		now:       time.Now,
	}
}

// Start launches the scanner, monitor, and cutoff loops.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("coordinator already running")
	}
	c.running = true
	c.paused = false
	c.stopCh = make(chan struct{})

	c.wg.Add(3)
	go c.scanLoop()
	go c.monitorLoop()
	go c.cutoffLoop()

	c.log.Info("Coordinator started",
		"watchlist", len(c.watchlist), "scanner_period_s", c.cfg.ScannerConfig.ScannerPeriodS)
	c.bus.Publish(events.Event{Type: events.EventEngineStarted})
	return nil
}

// Stop halts all loops and waits for in-flight work to finish. Open
// positions keep their broker-side protective stops; they are not closed.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	c.log.Info("Coordinator stopped")
	c.bus.Publish(events.Event{Type: events.EventEngineStopped})
}

// Pause suspends new entries. Position monitoring continues.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.paused = true
		c.bus.Publish(events.Event{Type: events.EventEnginePaused})
	}
}

// Resume re-enables new entries.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		c.bus.Publish(events.Event{Type: events.EventEngineResumed})
	}
}

// Running reports whether the loops are live.
func (c *Coordinator) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Paused reports whether new entries are suspended.
func (c *Coordinator) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// Watchlist returns the current watchlist in priority order.
func (c *Coordinator) Watchlist() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.watchlist...)
}

// SetWatchlist replaces the watchlist. Takes effect on the next scan tick.
func (c *Coordinator) SetWatchlist(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchlist = append([]string(nil), symbols...)
	c.log.Info("Watchlist updated", "count", len(symbols))
}

// Positions returns snapshots of all live position managers.
func (c *Coordinator) Positions() []position.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]position.Snapshot, 0, len(c.managers))
	for _, m := range c.managers {
		out = append(out, m.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ===== SCANNER LOOP =====

func (c *Coordinator) scanLoop() {
	defer c.wg.Done()

	period := time.Duration(c.cfg.ScannerConfig.ScannerPeriodS) * time.Second
	if period <= 0 {
		period = 3 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := c.now()
			if !c.scanEligible(now) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), period*2)
			c.ScanOnce(ctx, now)
			cancel()
		}
	}
}

// scanEligible gates a scanner tick: inside the entry window, not paused,
// and the loss circuit not tripped.
func (c *Coordinator) scanEligible(now time.Time) bool {
	c.mu.RLock()
	paused := c.paused
	c.mu.RUnlock()
	if paused {
		return false
	}
	if !c.session.EntryWindowOpen(now) || c.session.CutoffActive(now) {
		return false
	}
	if c.ledger.Halted() {
		c.noteHalted(now)
		return false
	}
	return true
}

// noteHalted announces the daily loss halt the first time it bites.
func (c *Coordinator) noteHalted(now time.Time) {
	day := now.Format("2006-01-02")
	c.mu.Lock()
	if c.haltedDay == day {
		c.mu.Unlock()
		return
	}
	c.haltedDay = day
	c.mu.Unlock()

	snap := c.ledger.Snapshot(now)
	c.log.Warn("Trading halted for the day", "realized_pnl", snap.RealizedPnL)
	c.bus.Publish(events.Event{
		Type: events.EventTradingHalted,
		Data: map[string]interface{}{"realized_pnl": snap.RealizedPnL},
	})
}

// ScanOnce runs one scanner pass: pre-filter the watchlist, evaluate the
// survivors on the worker pool, then admit accepted setups in descending
// signal strength until the concurrency cap.
func (c *Coordinator) ScanOnce(ctx context.Context, now time.Time) {
	candidates := c.candidates(now)
	if len(candidates) == 0 {
		return
	}

	results := make([]strategy.Evaluation, len(candidates))
	var wg sync.WaitGroup
	for i, symbol := range candidates {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()
			defer c.sem.Release(1)
			if !c.symbolMu.TryAcquire(symbol) {
				return // an earlier tick is still working this symbol
			}
			defer c.symbolMu.Release(symbol)
			results[i] = c.evaluateSymbol(ctx, symbol, now)
		}(i, symbol)
	}
	wg.Wait()

	var accepted []strategy.Evaluation
	for _, ev := range results {
		if ev.Accepted && ev.Setup != nil {
			accepted = append(accepted, ev)
			c.bus.Publish(events.Event{
				Type:   events.EventSetupAccepted,
				Symbol: ev.Symbol,
				Data: map[string]interface{}{
					"side":  string(ev.Setup.Side),
					"score": ev.Setup.SignalStrength,
					"entry": ev.Setup.EntryPrice,
					"stop":  ev.Setup.StopPrice,
				},
			})
		}
	}
	// Strongest signal first; watchlist priority breaks ties.
	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].Setup.SignalStrength > accepted[j].Setup.SignalStrength
	})

	for _, ev := range accepted {
		if c.activeCount() >= c.cfg.RiskConfig.MaxConcurrent {
			break
		}
		ok, reason, err := c.gate.Admit(ctx, ev.Setup, now)
		if err != nil {
			c.log.Error("Admission check failed", "symbol", ev.Symbol, "error", err)
			continue
		}
		if !ok {
			c.log.Debug("Setup rejected by gate", "symbol", ev.Symbol, "reason", reason)
			c.bus.Publish(events.Event{
				Type:   events.EventEntryRejected,
				Symbol: ev.Symbol,
				Data:   map[string]interface{}{"reason": reason, "score": ev.Score},
			})
			continue
		}
		c.submitEntry(ctx, ev.Setup, now)
	}
}

// candidates filters the watchlist down to symbols worth evaluating.
func (c *Coordinator) candidates(now time.Time) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for _, symbol := range c.watchlist {
		if _, banned := c.blacklist[symbol]; banned {
			continue
		}
		if m, managed := c.managers[symbol]; managed && !m.Done() {
			continue
		}
		if c.ledger.HasOpen(symbol) || c.ledger.InCooldown(symbol, now) {
			continue
		}
		out = append(out, symbol)
	}
	return out
}

// evaluateSymbol gathers data and scores one symbol. Failures are logged
// and produce an empty (rejected) evaluation; a scan tick never aborts on
// one bad symbol.
func (c *Coordinator) evaluateSymbol(ctx context.Context, symbol string, now time.Time) strategy.Evaluation {
	gap, err := c.data.ObserveGap(ctx, symbol, now)
	if err != nil {
		c.log.Debug("Gap unavailable", "symbol", symbol, "error", err)
		return strategy.Evaluation{Symbol: symbol}
	}

	// Indicators score on 5-minute bars; the minute series below only feeds
	// the session VWAP and volume ratio.
	bars, err := c.data.Bars(ctx, symbol, marketdata.Timeframe5Min, lookbackBars)
	if err != nil {
		c.log.Debug("Bars unavailable", "symbol", symbol, "error", err)
		return strategy.Evaluation{Symbol: symbol}
	}

	sessionBars, err := c.data.SessionBars(ctx, symbol, now, c.session.Open(now))
	if err != nil {
		c.log.Debug("Session bars unavailable", "symbol", symbol, "error", err)
		return strategy.Evaluation{Symbol: symbol}
	}

	avgVol, err := c.data.AvgDailyVolume(ctx, symbol, avgVolumeDays, now)
	if err != nil {
		c.log.Debug("Average volume unavailable", "symbol", symbol, "error", err)
		return strategy.Evaluation{Symbol: symbol}
	}

	quote, err := c.data.Last(ctx, symbol)
	if err != nil {
		c.log.Debug("Quote unavailable", "symbol", symbol, "error", err)
		return strategy.Evaluation{Symbol: symbol}
	}

	snap := strategy.BuildSnapshot(bars, sessionBars, avgVol, c.session.ElapsedFraction(now))
	ev := c.evaluator.Evaluate(symbol, gap, snap, quote.Price, now)

	if c.sink != nil {
		go func(ev strategy.Evaluation) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.sink.InsertEvaluation(ctx, ev, now); err != nil {
				c.log.Warn("Evaluation persist failed", "symbol", ev.Symbol, "error", err)
			}
		}(ev)
	}
	return ev
}

// submitEntry turns an admitted setup into a bracket order and a position
// manager. A failed submit gives the pending entry lock back.
func (c *Coordinator) submitEntry(ctx context.Context, setup *strategy.Setup, now time.Time) {
	clientID, baseID, err := c.ids.Generate(ctx, orders.RoleEntry)
	if err != nil {
		c.ledger.ReleaseEntryLock(setup.Symbol)
		c.log.Error("Client order ID generation failed", "symbol", setup.Symbol, "error", err)
		return
	}

	side := broker.SideBuy
	if setup.Side == strategy.SideShort {
		side = broker.SideSell
	}
	entry, err := c.broker.SubmitBracket(ctx, broker.BracketRequest{
		Symbol:        setup.Symbol,
		Side:          side,
		Qty:           setup.SizeShares,
		StopPrice:     setup.StopPrice,
		TargetPrice:   setup.TargetPrice,
		ClientOrderID: clientID,
	})
	if err != nil {
		if broker.IsKind(err, broker.KindDuplicateClientOrderID) {
			// The order already exists from a previous attempt; keep the
			// lock so the symbol is not re-entered while it works.
			c.log.Warn("Duplicate client order ID on submit", "symbol", setup.Symbol, "client_id", clientID)
			return
		}
		c.ledger.ReleaseEntryLock(setup.Symbol)
		c.log.Error("Bracket submit failed", "symbol", setup.Symbol, "error", err)
		c.bus.PublishError("coordinator", "bracket submit failed for "+setup.Symbol, err)
		return
	}

	mgr := position.NewManager(c.broker, c.ledger, c.bus, c.cfg.PositionConfig, c.log, setup, entry, baseID)
	c.mu.Lock()
	c.managers[setup.Symbol] = mgr
	c.mu.Unlock()

	c.log.Info("Entry submitted",
		"symbol", setup.Symbol, "side", string(setup.Side), "qty", setup.SizeShares,
		"stop", setup.StopPrice, "target", setup.TargetPrice, "order_id", entry.ID)
	c.bus.Publish(events.Event{
		Type:   events.EventOrderSubmitted,
		Symbol: setup.Symbol,
		Data: map[string]interface{}{
			"order_id": entry.ID,
			"side":     string(setup.Side),
			"qty":      setup.SizeShares,
			"stop":     setup.StopPrice,
			"target":   setup.TargetPrice,
			"score":    setup.SignalStrength,
		},
	})
}

func (c *Coordinator) activeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, m := range c.managers {
		if !m.Done() {
			n++
		}
	}
	return n
}

// ===== MONITOR LOOP =====

func (c *Coordinator) monitorLoop() {
	defer c.wg.Done()

	period := time.Duration(c.cfg.ScannerConfig.MonitorPeriodS) * time.Second
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), period*5)
			c.MonitorOnce(ctx, c.now())
			cancel()
		}
	}
}

// MonitorOnce ticks every live position manager once and sweeps out the
// finished ones. At most one step per symbol runs at a time.
func (c *Coordinator) MonitorOnce(ctx context.Context, now time.Time) {
	c.mu.RLock()
	live := make([]*position.Manager, 0, len(c.managers))
	for _, m := range c.managers {
		live = append(live, m)
	}
	c.mu.RUnlock()
	if len(live) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, m := range live {
		symbol := m.Symbol()
		if !c.symbolMu.TryAcquire(symbol) {
			continue
		}
		wg.Add(1)
		go func(m *position.Manager, symbol string) {
			defer wg.Done()
			defer c.symbolMu.Release(symbol)

			var last float64
			if quote, err := c.data.Last(ctx, symbol); err == nil {
				last = quote.Price
			}
			if err := m.Tick(ctx, last, now); err != nil {
				c.log.Warn("Monitor tick failed", "symbol", symbol, "error", err)
			}
		}(m, symbol)
	}
	wg.Wait()

	c.mu.Lock()
	for symbol, m := range c.managers {
		if m.Done() {
			delete(c.managers, symbol)
		}
	}
	c.mu.Unlock()
}

// ===== CUTOFF SWEEP =====

func (c *Coordinator) cutoffLoop() {
	defer c.wg.Done()

	for {
		now := c.now()
		next := c.session.PositionCloseAt(now)
		if !now.Before(next) {
			next = next.Add(24 * time.Hour)
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			c.CutoffSweep(c.now())
		}
	}
}

// CutoffSweep force-closes every live position. It runs at most once per
// day and always runs to completion once started.
func (c *Coordinator) CutoffSweep(now time.Time) {
	day := now.Format("2006-01-02")
	c.mu.Lock()
	if c.cutoffDay == day {
		c.mu.Unlock()
		return
	}
	c.cutoffDay = day
	live := make([]*position.Manager, 0, len(c.managers))
	for _, m := range c.managers {
		live = append(live, m)
	}
	c.mu.Unlock()

	c.log.Info("Cutoff sweep starting", "positions", len(live))
	c.bus.Publish(events.Event{
		Type: events.EventCutoffSweep,
		Data: map[string]interface{}{"positions": len(live)},
	})

	for _, m := range live {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.ForceClose(ctx, now); err != nil {
			c.log.Error("Cutoff force-close failed", "symbol", m.Symbol(), "error", err)
			c.bus.PublishOperatorAlert(m.Symbol(), "cutoff force-close failed", err)
		}
		cancel()
	}
}

// ClosePosition force-closes one symbol on request.
func (c *Coordinator) ClosePosition(ctx context.Context, symbol string, now time.Time) error {
	c.mu.RLock()
	m, ok := c.managers[symbol]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no managed position for %s", symbol)
	}
	return m.ForceClose(ctx, now)
}

// CloseAll force-closes every live position on request.
func (c *Coordinator) CloseAll(ctx context.Context, now time.Time) error {
	c.mu.RLock()
	live := make([]*position.Manager, 0, len(c.managers))
	for _, m := range c.managers {
		live = append(live, m)
	}
	c.mu.RUnlock()

	var firstErr error
	for _, m := range live {
		if err := m.ForceClose(ctx, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
