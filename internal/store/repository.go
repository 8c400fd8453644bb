package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gap-trading-bot/internal/events"
	"gap-trading-bot/internal/ledger"
	"gap-trading-bot/internal/strategy"
)

// Repository reads and writes the trade event log.
type Repository struct {
	db  *DB
	loc *time.Location
}

// NewRepository creates a Repository. loc fixes which calendar day a
// timestamp belongs to.
func NewRepository(db *DB, loc *time.Location) *Repository {
	if loc == nil {
		loc = time.UTC
	}
	return &Repository{db: db, loc: loc}
}

func (r *Repository) day(t time.Time) string {
	return t.In(r.loc).Format("2006-01-02")
}

// InsertExit appends a completed trade.
func (r *Repository) InsertExit(ctx context.Context, rec ledger.ExitRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trade_exits
			(trade_day, symbol, side, qty, entry_price, exit_price, pnl, r_multiple, reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.day(rec.ClosedAt), rec.Symbol, rec.Side, rec.Qty,
		rec.EntryPrice, rec.ExitPrice, rec.PnL, rec.RMultiple,
		string(rec.Reason), rec.OpenedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert exit: %w", err)
	}
	return nil
}

// InsertEvent appends a lifecycle event.
func (r *Repository) InsertEvent(ctx context.Context, ev events.Event) error {
	var payload []byte
	if ev.Data != nil {
		var err error
		payload, err = json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trade_events (trade_day, event_type, symbol, payload, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		r.day(ev.Timestamp), string(ev.Type), ev.Symbol, payload, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// InsertEvaluation appends a scored evaluation to the analysis log.
func (r *Repository) InsertEvaluation(ctx context.Context, ev strategy.Evaluation, at time.Time) error {
	var setup []byte
	if ev.Setup != nil {
		var err error
		setup, err = json.Marshal(ev.Setup)
		if err != nil {
			return fmt.Errorf("marshal setup: %w", err)
		}
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO evaluations (trade_day, symbol, accepted, score, reasons, setup, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.day(at), ev.Symbol, ev.Accepted, ev.Score, strings.Join(ev.Reasons, "; "), setup, at,
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// DayTallies are the persisted day totals used to reseed the ledger after a
// restart.
type DayTallies struct {
	RealizedPnL  float64
	TradesOpened int
	Wins         int
	Losses       int
}

// LoadDayTallies reconstructs the day's totals: realized PnL and win/loss
// counts from the exits, the opened-trade count from the event log.
func (r *Repository) LoadDayTallies(ctx context.Context, day time.Time) (DayTallies, error) {
	var t DayTallies
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(pnl), 0),
		       COUNT(*) FILTER (WHERE pnl >= 0),
		       COUNT(*) FILTER (WHERE pnl < 0)
		FROM trade_exits WHERE trade_day = $1`,
		r.day(day),
	).Scan(&t.RealizedPnL, &t.Wins, &t.Losses)
	if err != nil {
		return DayTallies{}, fmt.Errorf("load exit tallies: %w", err)
	}

	err = r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM trade_events
		WHERE trade_day = $1 AND event_type = $2`,
		r.day(day), string(events.EventPositionOpened),
	).Scan(&t.TradesOpened)
	if err != nil {
		return DayTallies{}, fmt.Errorf("load open count: %w", err)
	}
	return t, nil
}

// ExitsForDay returns the day's completed trades, oldest first.
func (r *Repository) ExitsForDay(ctx context.Context, day time.Time) ([]ledger.ExitRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, side, qty, entry_price, exit_price, pnl, r_multiple, reason, opened_at, closed_at
		FROM trade_exits WHERE trade_day = $1 ORDER BY closed_at`,
		r.day(day),
	)
	if err != nil {
		return nil, fmt.Errorf("query exits: %w", err)
	}
	defer rows.Close()

	var out []ledger.ExitRecord
	for rows.Next() {
		var rec ledger.ExitRecord
		var reason string
		if err := rows.Scan(&rec.Symbol, &rec.Side, &rec.Qty, &rec.EntryPrice, &rec.ExitPrice,
			&rec.PnL, &rec.RMultiple, &reason, &rec.OpenedAt, &rec.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan exit: %w", err)
		}
		rec.Reason = ledger.ExitReason(reason)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EvaluationRow is one analysis-log entry as stored.
type EvaluationRow struct {
	Symbol      string    `json:"symbol"`
	Accepted    bool      `json:"accepted"`
	Score       int       `json:"score"`
	Reasons     string    `json:"reasons"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// EvaluationsForDay returns the day's evaluations, newest first, capped.
func (r *Repository) EvaluationsForDay(ctx context.Context, day time.Time, limit int) ([]EvaluationRow, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, accepted, score, reasons, evaluated_at
		FROM evaluations WHERE trade_day = $1 ORDER BY evaluated_at DESC LIMIT $2`,
		r.day(day), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	var out []EvaluationRow
	for rows.Next() {
		var row EvaluationRow
		if err := rows.Scan(&row.Symbol, &row.Accepted, &row.Score, &row.Reasons, &row.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
