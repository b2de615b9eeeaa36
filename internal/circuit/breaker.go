// Package circuit implements the trading circuit breaker. The breaker
// derives its state from trade history on every check; the only durable
// state it owns is the pause timestamp.
package circuit

import (
	"context"
	"fmt"
	"math"
	"time"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/database"
	"consensus-trading-bot/internal/events"
	"consensus-trading-bot/internal/logging"
	"consensus-trading-bot/internal/notification"
)

// Status is the point-in-time safety state for one user
type Status struct {
	IsTradingPaused   bool       `json:"is_trading_paused"`
	PauseReason       string     `json:"pause_reason,omitempty"`
	PauseUntil        *time.Time `json:"pause_until,omitempty"`
	RemainingHours    int        `json:"remaining_hours,omitempty"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	DailyLossPct      float64    `json:"daily_loss_pct"`
	WeeklyLossPct     float64    `json:"weekly_loss_pct"`
}

// TradeHistoryStore is the read side of the trade ledger
type TradeHistoryStore interface {
	GetAllClosedTrades(ctx context.Context, userID string) ([]*database.Trade, error)
}

// SafetyStateStore persists the pause timestamp
type SafetyStateStore interface {
	GetSafetyState(ctx context.Context, userID string) (*database.UserSafetyState, error)
	SetPause(ctx context.Context, userID string, until time.Time, reason string) error
	ClearPause(ctx context.Context, userID string) error
}

// Breaker recomputes the safety state from trade history on every check
type Breaker struct {
	cfg      config.CircuitBreakerConfig
	trades   TradeHistoryStore
	state    SafetyStateStore
	notifier *notification.Manager
	bus      *events.EventBus
	logger   *logging.Logger
	now      func() time.Time
}

// NewBreaker creates a circuit breaker. Notifier and bus may be nil.
func NewBreaker(cfg config.CircuitBreakerConfig, trades TradeHistoryStore, state SafetyStateStore, notifier *notification.Manager, bus *events.EventBus) *Breaker {
	return &Breaker{
		cfg:      cfg,
		trades:   trades,
		state:    state,
		notifier: notifier,
		bus:      bus,
		logger:   logging.WithComponent("circuit"),
		now:      time.Now,
	}
}

// GetStatus evaluates the breaker for one user. Triggers fire in a fixed
// order and the first one wins: stored pause, loss streak, daily loss,
// weekly loss. Triggering a pause persists the timestamp and notifies
// the user; an expired stored pause is cleared idempotently.
func (b *Breaker) GetStatus(ctx context.Context, userID string) (*Status, error) {
	status := &Status{}

	if !b.cfg.Enabled {
		return status, nil
	}

	// Stored pause takes precedence over everything derived
	state, err := b.state.GetSafetyState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load safety state: %w", err)
	}
	if state != nil && state.PauseUntil != nil {
		if b.now().Before(*state.PauseUntil) {
			status.IsTradingPaused = true
			status.PauseUntil = state.PauseUntil
			if state.PauseReason != nil {
				status.PauseReason = *state.PauseReason
			}
			status.RemainingHours = remainingWholeHours(b.now(), *state.PauseUntil)
			return status, nil
		}
		// Pause expired: clear it. Safe to repeat.
		if err := b.state.ClearPause(ctx, userID); err != nil {
			return nil, fmt.Errorf("failed to clear expired pause: %w", err)
		}
		b.logger.Info("Circuit breaker pause expired", "user_id", userID)
	}

	trades, err := b.trades.GetAllClosedTrades(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trade history: %w", err)
	}

	status.ConsecutiveLosses = countConsecutiveLosses(trades)
	status.DailyLossPct = b.lossPct(trades, startOfDay(b.now()))
	status.WeeklyLossPct = b.lossPct(trades, b.now().Add(-7*24*time.Hour))

	switch {
	case status.ConsecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		reason := fmt.Sprintf("%d consecutive losses reached limit of %d",
			status.ConsecutiveLosses, b.cfg.MaxConsecutiveLosses)
		return b.trip(ctx, userID, status, reason, b.cfg.LossStreakCooldownH)

	case status.DailyLossPct <= b.cfg.MaxDailyLossPct:
		reason := fmt.Sprintf("daily loss %.2f%% breached limit of %.2f%%",
			status.DailyLossPct, b.cfg.MaxDailyLossPct)
		return b.trip(ctx, userID, status, reason, b.cfg.DailyCooldownH)

	case status.WeeklyLossPct <= b.cfg.MaxWeeklyLossPct:
		reason := fmt.Sprintf("weekly loss %.2f%% breached limit of %.2f%%",
			status.WeeklyLossPct, b.cfg.MaxWeeklyLossPct)
		return b.trip(ctx, userID, status, reason, b.cfg.WeeklyCooldownH)
	}

	return status, nil
}

// CanTrade is a convenience wrapper returning a displayable denial reason
func (b *Breaker) CanTrade(ctx context.Context, userID string) (bool, string, error) {
	status, err := b.GetStatus(ctx, userID)
	if err != nil {
		return false, "", err
	}
	if status.IsTradingPaused {
		return false, fmt.Sprintf("circuit breaker paused trading: %s (resumes in %dh)",
			status.PauseReason, status.RemainingHours), nil
	}
	return true, "", nil
}

// trip persists the pause and fires the side effects
func (b *Breaker) trip(ctx context.Context, userID string, status *Status, reason string, cooldownHours int) (*Status, error) {
	until := b.now().Add(time.Duration(cooldownHours) * time.Hour)

	if err := b.state.SetPause(ctx, userID, until, reason); err != nil {
		return nil, fmt.Errorf("failed to persist pause: %w", err)
	}

	status.IsTradingPaused = true
	status.PauseReason = reason
	status.PauseUntil = &until
	status.RemainingHours = cooldownHours

	b.logger.Warn("Circuit breaker tripped",
		"user_id", userID, "reason", reason, "cooldown_hours", cooldownHours)

	if b.notifier != nil {
		if err := b.notifier.SendBreakerTrip(userID, reason, until); err != nil {
			b.logger.WithError(err).Warn("Breaker trip notification failed")
		}
	}
	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type:   events.EventCircuitBreakerUpdate,
			UserID: userID,
			Data: map[string]interface{}{
				"reason":      reason,
				"pause_until": until,
			},
		})
	}
	events.BroadcastCircuitBreaker(userID, status)

	return status, nil
}

// countConsecutiveLosses walks closed trades newest-first, counting
// while realized P&L percent is negative and stopping at the first
// non-negative result.
func countConsecutiveLosses(trades []*database.Trade) int {
	losses := 0
	for _, t := range trades {
		if t.RealizedPnLPercent() < 0 {
			losses++
			continue
		}
		break
	}
	return losses
}

// lossPct sums realized P&L amounts for trades opened at or after the
// window start and expresses them against the capital base.
func (b *Breaker) lossPct(trades []*database.Trade, since time.Time) float64 {
	if b.cfg.CapitalBase <= 0 {
		return 0
	}
	var total float64
	for _, t := range trades {
		if !t.OpenedAt.Before(since) {
			total += t.RealizedPnL()
		}
	}
	return total / b.cfg.CapitalBase * 100
}

func remainingWholeHours(now, until time.Time) int {
	return int(math.Ceil(until.Sub(now).Hours()))
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
