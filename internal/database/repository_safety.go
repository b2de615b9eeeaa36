package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// USER SAFETY STATE OPERATIONS
// =====================================================

// GetSafetyState returns the safety state row for a user, nil if none exists
func (r *Repository) GetSafetyState(ctx context.Context, userID string) (*UserSafetyState, error) {
	query := `
		SELECT user_id, pause_until, pause_reason, trust_rank, updated_at
		FROM user_safety_state
		WHERE user_id = $1
	`

	s := &UserSafetyState{}
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&s.UserID, &s.PauseUntil, &s.PauseReason, &s.TrustRank, &s.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, nil // No state yet for this user
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get safety state: %w", err)
	}

	return s, nil
}

// SetPause records a trading pause for a user
func (r *Repository) SetPause(ctx context.Context, userID string, until time.Time, reason string) error {
	query := `
		INSERT INTO user_safety_state (user_id, pause_until, pause_reason, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id)
		DO UPDATE SET
			pause_until = EXCLUDED.pause_until,
			pause_reason = EXCLUDED.pause_reason,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := r.db.Pool.Exec(ctx, query, userID, until, reason)
	if err != nil {
		return fmt.Errorf("failed to set pause: %w", err)
	}

	return nil
}

// ClearPause removes an expired or lifted trading pause. Safe to call
// when no pause is recorded.
func (r *Repository) ClearPause(ctx context.Context, userID string) error {
	query := `
		UPDATE user_safety_state
		SET pause_until = NULL, pause_reason = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = $1
	`

	_, err := r.db.Pool.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to clear pause: %w", err)
	}

	return nil
}

// SetTrustRank records a trust ladder rank change for a user
func (r *Repository) SetTrustRank(ctx context.Context, userID, rank string) error {
	query := `
		INSERT INTO user_safety_state (user_id, trust_rank, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id)
		DO UPDATE SET
			trust_rank = EXCLUDED.trust_rank,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := r.db.Pool.Exec(ctx, query, userID, rank)
	if err != nil {
		return fmt.Errorf("failed to set trust rank: %w", err)
	}

	return nil
}
