package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// TRADE CRUD OPERATIONS
// =====================================================

// InsertTrade persists a newly opened trade and returns its row id
func (r *Repository) InsertTrade(ctx context.Context, t *Trade) (int64, error) {
	query := `
		INSERT INTO trades (
			user_id, decision_id, symbol, side, entry_price, quantity,
			status, opened_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	var id int64
	err := r.db.Pool.QueryRow(ctx, query,
		t.UserID,
		t.DecisionID,
		t.Symbol,
		t.Side,
		t.EntryPrice,
		t.Quantity,
		t.Status,
		t.OpenedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade: %w", err)
	}

	return id, nil
}

// CloseTrade records the exit of an open trade with its realized P&L
func (r *Repository) CloseTrade(ctx context.Context, tradeID int64, exitPrice, pnl, pnlPercent float64, closedAt time.Time) error {
	query := `
		UPDATE trades
		SET exit_price = $2, pnl = $3, pnl_percent = $4,
			status = 'CLOSED', closed_at = $5
		WHERE id = $1 AND status = 'OPEN'
	`

	tag, err := r.db.Pool.Exec(ctx, query, tradeID, exitPrice, pnl, pnlPercent, closedAt)
	if err != nil {
		return fmt.Errorf("failed to close trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %d not found or already closed", tradeID)
	}

	return nil
}

// GetTradeByID returns a single trade
func (r *Repository) GetTradeByID(ctx context.Context, tradeID int64) (*Trade, error) {
	query := `
		SELECT id, user_id, decision_id, symbol, side, entry_price, exit_price,
			quantity, pnl, pnl_percent, status, opened_at, closed_at, created_at
		FROM trades
		WHERE id = $1
	`

	t := &Trade{}
	err := r.db.Pool.QueryRow(ctx, query, tradeID).Scan(
		&t.ID, &t.UserID, &t.DecisionID, &t.Symbol, &t.Side, &t.EntryPrice,
		&t.ExitPrice, &t.Quantity, &t.PnL, &t.PnLPercent, &t.Status,
		&t.OpenedAt, &t.ClosedAt, &t.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}

	return t, nil
}

// GetClosedTrades returns closed trades for a user since a point in time,
// newest first. The safety layer scans these in order, so the ordering
// here is part of the contract.
func (r *Repository) GetClosedTrades(ctx context.Context, userID string, since time.Time, limit int) ([]*Trade, error) {
	query := `
		SELECT id, user_id, decision_id, symbol, side, entry_price, exit_price,
			quantity, pnl, pnl_percent, status, opened_at, closed_at, created_at
		FROM trades
		WHERE user_id = $1 AND status = 'CLOSED' AND closed_at >= $2
		ORDER BY closed_at DESC
		LIMIT $3
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetAllClosedTrades returns every closed trade for a user, newest first
func (r *Repository) GetAllClosedTrades(ctx context.Context, userID string) ([]*Trade, error) {
	query := `
		SELECT id, user_id, decision_id, symbol, side, entry_price, exit_price,
			quantity, pnl, pnl_percent, status, opened_at, closed_at, created_at
		FROM trades
		WHERE user_id = $1 AND status = 'CLOSED'
		ORDER BY closed_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetOpenTrades returns open trades for a user, newest first
func (r *Repository) GetOpenTrades(ctx context.Context, userID string) ([]*Trade, error) {
	query := `
		SELECT id, user_id, decision_id, symbol, side, entry_price, exit_price,
			quantity, pnl, pnl_percent, status, opened_at, closed_at, created_at
		FROM trades
		WHERE user_id = $1 AND status = 'OPEN'
		ORDER BY opened_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]*Trade, error) {
	trades := make([]*Trade, 0)
	for rows.Next() {
		t := &Trade{}
		err := rows.Scan(
			&t.ID, &t.UserID, &t.DecisionID, &t.Symbol, &t.Side, &t.EntryPrice,
			&t.ExitPrice, &t.Quantity, &t.PnL, &t.PnLPercent, &t.Status,
			&t.OpenedAt, &t.ClosedAt, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
