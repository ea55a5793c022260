package database

import (
	"context"
	"time"

	"grid-trading-bot/internal/executor"
)

// Execution mirrors one row of the executions table.
type Execution struct {
	ID                int64
	Symbol            string
	Side              string
	Quantity          float64
	Urgency           string
	ReferencePrice    float64
	EstimatedSlippage float64
	RealizedSlippage  float64
	LimitFallback     bool
	Failed            bool
	FailReason        string
	OrderID           int64
	ExecutedAt        time.Time
}

// GridFill mirrors one row of the grid_fills table.
type GridFill struct {
	ID          int64
	Symbol      string
	Side        string
	Price       float64
	Quantity    float64
	RealizedPnL float64
	OrderID     int64
	FilledAt    time.Time
}

// Repository persists execution reports and grid fills.
type Repository struct {
	db *DB
}

var _ executor.Recorder = (*Repository)(nil)

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the database.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// RecordExecution stores one execution report.
func (r *Repository) RecordExecution(ctx context.Context, rep executor.Report) error {
	query := `
		INSERT INTO executions (symbol, side, quantity, urgency, reference_price,
			estimated_slippage, realized_slippage, limit_fallback, failed, fail_reason, order_id, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		rep.Symbol, rep.Side, rep.Quantity, rep.Urgency, rep.ReferencePrice,
		rep.EstimatedSlippage, rep.RealizedSlippage, rep.LimitFallback, rep.Failed, rep.FailReason,
		rep.OrderID, rep.ExecutedAt,
	)
	return err
}

// RecentExecutions returns the latest executions for a symbol, newest first.
func (r *Repository) RecentExecutions(ctx context.Context, symbol string, limit int) ([]*Execution, error) {
	query := `
		SELECT id, symbol, side, quantity, urgency, reference_price,
		       estimated_slippage, realized_slippage, limit_fallback, failed, COALESCE(fail_reason, ''), order_id, executed_at
		FROM executions
		WHERE symbol = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e := &Execution{}
		if err := rows.Scan(
			&e.ID, &e.Symbol, &e.Side, &e.Quantity, &e.Urgency, &e.ReferencePrice,
			&e.EstimatedSlippage, &e.RealizedSlippage, &e.LimitFallback, &e.Failed, &e.FailReason, &e.OrderID, &e.ExecutedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveFill stores one grid fill.
func (r *Repository) SaveFill(ctx context.Context, f *GridFill) error {
	query := `
		INSERT INTO grid_fills (symbol, side, price, quantity, realized_pnl, order_id, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		f.Symbol, f.Side, f.Price, f.Quantity, f.RealizedPnL, f.OrderID, f.FilledAt,
	).Scan(&f.ID)
}

// FillsBySymbol returns fills for a symbol within the window, newest first.
func (r *Repository) FillsBySymbol(ctx context.Context, symbol string, since time.Time) ([]*GridFill, error) {
	query := `
		SELECT id, symbol, side, price, quantity, realized_pnl, order_id, filled_at
		FROM grid_fills
		WHERE symbol = $1 AND filled_at >= $2
		ORDER BY filled_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GridFill
	for rows.Next() {
		f := &GridFill{}
		if err := rows.Scan(
			&f.ID, &f.Symbol, &f.Side, &f.Price, &f.Quantity, &f.RealizedPnL, &f.OrderID, &f.FilledAt,
		); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DailyPnL sums realized PnL per symbol since the start of the UTC day.
func (r *Repository) DailyPnL(ctx context.Context) (map[string]float64, error) {
	query := `
		SELECT symbol, COALESCE(SUM(realized_pnl), 0)
		FROM grid_fills
		WHERE filled_at >= date_trunc('day', now() AT TIME ZONE 'utc')
		GROUP BY symbol
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var symbol string
		var pnl float64
		if err := rows.Scan(&symbol, &pnl); err != nil {
			return nil, err
		}
		out[symbol] = pnl
	}
	return out, rows.Err()
}
