package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// USER CRUD OPERATIONS
// =====================================================

// CreateUser persists a new user account
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (id, email, password_hash, risk_profile, max_trade_amount)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		u.ID, u.Email, u.PasswordHash, u.RiskProfile, u.MaxTradeAmount,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetUserByEmail returns a user by email, nil if not found
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `
		SELECT id, email, password_hash, risk_profile, max_trade_amount, created_at, updated_at
		FROM users
		WHERE email = $1
	`

	u := &User{}
	err := r.db.Pool.QueryRow(ctx, query, email).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.RiskProfile, &u.MaxTradeAmount,
		&u.CreatedAt, &u.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	return u, nil
}

// GetUserByID returns a user by id, nil if not found
func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, email, password_hash, risk_profile, max_trade_amount, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	u := &User{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.RiskProfile, &u.MaxTradeAmount,
		&u.CreatedAt, &u.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}

	return u, nil
}

// UpdateUserRiskProfile updates the risk profile for a user
func (r *Repository) UpdateUserRiskProfile(ctx context.Context, userID, riskProfile string) error {
	query := `
		UPDATE users
		SET risk_profile = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	_, err := r.db.Pool.Exec(ctx, query, userID, riskProfile)
	if err != nil {
		return fmt.Errorf("failed to update risk profile: %w", err)
	}

	return nil
}
