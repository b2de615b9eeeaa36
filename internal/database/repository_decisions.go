package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// TRADING DECISION CRUD OPERATIONS
// =====================================================

// SaveDecision persists a consensus decision record
func (r *Repository) SaveDecision(ctx context.Context, d *TradingDecision) error {
	query := `
		INSERT INTO trading_decisions (
			id, user_id, symbol, asset_type, final_decision, final_confidence,
			consensus_level, analyses, reasoning, should_execute, execution_reason,
			executed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		d.ID,
		d.UserID,
		d.Symbol,
		d.AssetType,
		d.FinalDecision,
		d.FinalConfidence,
		d.ConsensusLevel,
		d.Analyses,
		d.Reasoning,
		d.ShouldExecute,
		d.ExecutionReason,
		d.Executed,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save trading decision: %w", err)
	}

	return nil
}

// MarkDecisionExecuted records a successful order placement on the decision
func (r *Repository) MarkDecisionExecuted(ctx context.Context, decisionID, orderID string) error {
	query := `
		UPDATE trading_decisions
		SET executed = TRUE, executed_at = CURRENT_TIMESTAMP, order_id = $2
		WHERE id = $1
	`

	_, err := r.db.Pool.Exec(ctx, query, decisionID, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark decision executed: %w", err)
	}

	return nil
}

// MarkDecisionFailed records an order placement failure on the decision.
// The decision stays un-executed; only the error detail is stored.
func (r *Repository) MarkDecisionFailed(ctx context.Context, decisionID, execError string) error {
	query := `
		UPDATE trading_decisions
		SET execution_error = $2
		WHERE id = $1
	`

	_, err := r.db.Pool.Exec(ctx, query, decisionID, execError)
	if err != nil {
		return fmt.Errorf("failed to mark decision failed: %w", err)
	}

	return nil
}

// GetDecisions returns recent decisions for a user, optionally filtered by symbol
func (r *Repository) GetDecisions(ctx context.Context, userID string, limit int, symbol string) ([]*TradingDecision, error) {
	query := `
		SELECT id, user_id, symbol, asset_type, final_decision, final_confidence,
			consensus_level, analyses, reasoning, should_execute, execution_reason,
			executed, executed_at, order_id, execution_error, created_at
		FROM trading_decisions
		WHERE user_id = $1 AND ($3 = '' OR symbol = $3)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, limit, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	decisions := make([]*TradingDecision, 0)
	for rows.Next() {
		d := &TradingDecision{}
		err := rows.Scan(
			&d.ID, &d.UserID, &d.Symbol, &d.AssetType, &d.FinalDecision,
			&d.FinalConfidence, &d.ConsensusLevel, &d.Analyses, &d.Reasoning,
			&d.ShouldExecute, &d.ExecutionReason, &d.Executed, &d.ExecutedAt,
			&d.OrderID, &d.ExecutionError, &d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}

	return decisions, rows.Err()
}

// GetDecisionByID returns a single decision
func (r *Repository) GetDecisionByID(ctx context.Context, id string) (*TradingDecision, error) {
	query := `
		SELECT id, user_id, symbol, asset_type, final_decision, final_confidence,
			consensus_level, analyses, reasoning, should_execute, execution_reason,
			executed, executed_at, order_id, execution_error, created_at
		FROM trading_decisions
		WHERE id = $1
	`

	d := &TradingDecision{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.UserID, &d.Symbol, &d.AssetType, &d.FinalDecision,
		&d.FinalConfidence, &d.ConsensusLevel, &d.Analyses, &d.Reasoning,
		&d.ShouldExecute, &d.ExecutionReason, &d.Executed, &d.ExecutedAt,
		&d.OrderID, &d.ExecutionError, &d.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}

	return d, nil
}

// GetDecisionStats aggregates decision outcomes for a user since a point in time
func (r *Repository) GetDecisionStats(ctx context.Context, userID string, since time.Time) (*DecisionStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE executed),
			COUNT(*) FILTER (WHERE final_decision = 'BUY'),
			COUNT(*) FILTER (WHERE final_decision = 'SELL'),
			COUNT(*) FILTER (WHERE final_decision = 'HOLD'),
			COALESCE(AVG(final_confidence), 0)
		FROM trading_decisions
		WHERE user_id = $1 AND created_at >= $2
	`

	stats := &DecisionStats{}
	err := r.db.Pool.QueryRow(ctx, query, userID, since).Scan(
		&stats.Total,
		&stats.Executed,
		&stats.BuyCount,
		&stats.SellCount,
		&stats.HoldCount,
		&stats.AvgConfidence,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get decision stats: %w", err)
	}

	return stats, nil
}
