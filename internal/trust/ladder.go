// Package trust implements the trust ladder: a progression state
// machine that gates how much autonomy a trading identity has earned
// from its track record.
package trust

import (
	"context"
	"fmt"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/database"
	"consensus-trading-bot/internal/events"
	"consensus-trading-bot/internal/logging"
	"consensus-trading-bot/internal/notification"
)

// Rank is one trust ladder level
type Rank string

const (
	RankNovice     Rank = "novice"
	RankApprentice Rank = "apprentice"
	RankTrader     Rank = "trader"
	RankExpert     Rank = "expert"
)

// rankOrder gives the total ordering of ranks
var rankOrder = map[Rank]int{
	RankNovice:     0,
	RankApprentice: 1,
	RankTrader:     2,
	RankExpert:     3,
}

var ranksAscending = []Rank{RankNovice, RankApprentice, RankTrader, RankExpert}

// Permissions describe what a rank is allowed to do. Capabilities only
// grow as the rank increases.
type Permissions struct {
	CanExecuteTrades         bool    `json:"can_execute_trades"`
	MaxTradeAmount           float64 `json:"max_trade_amount"`
	RequiresApproval         bool    `json:"requires_approval"`
	CanUseMultipleStrategies bool    `json:"can_use_multiple_strategies"`
	CanAutoAdjustParameters  bool    `json:"can_auto_adjust_parameters"`
}

// Capability flags are structural per rank; the numeric thresholds and
// trade ceilings come from configuration.
var rankCapabilities = map[Rank]Permissions{
	RankNovice: {
		CanExecuteTrades: false,
		RequiresApproval: true,
	},
	RankApprentice: {
		CanExecuteTrades: true,
	},
	RankTrader: {
		CanExecuteTrades:         true,
		CanUseMultipleStrategies: true,
	},
	RankExpert: {
		CanExecuteTrades:         true,
		CanUseMultipleStrategies: true,
		CanAutoAdjustParameters:  true,
	},
}

// Evaluation is the outcome of one ladder evaluation
type Evaluation struct {
	Current      Rank    `json:"current"`
	New          Rank    `json:"new"`
	Changed      bool    `json:"changed"`
	Reason       string  `json:"reason"`
	ClosedTrades int     `json:"closed_trades"`
	WinRate      float64 `json:"win_rate"`
}

// PermissionCheck is the outcome of a per-trade permission check
type PermissionCheck struct {
	Allowed   bool    `json:"allowed"`
	Reason    string  `json:"reason"`
	MaxAmount float64 `json:"max_amount"`
	Rank      Rank    `json:"rank"`
}

// TradeHistoryStore is the read side of the trade ledger
type TradeHistoryStore interface {
	GetAllClosedTrades(ctx context.Context, userID string) ([]*database.Trade, error)
}

// RankStore persists the current rank per user
type RankStore interface {
	GetSafetyState(ctx context.Context, userID string) (*database.UserSafetyState, error)
	SetTrustRank(ctx context.Context, userID, rank string) error
}

// Ladder evaluates rank changes and per-trade permissions
type Ladder struct {
	cfg      config.TrustLadderConfig
	trades   TradeHistoryStore
	ranks    RankStore
	notifier *notification.Manager
	bus      *events.EventBus
	logger   *logging.Logger
}

// NewLadder creates a trust ladder. Notifier and bus may be nil.
func NewLadder(cfg config.TrustLadderConfig, trades TradeHistoryStore, ranks RankStore, notifier *notification.Manager, bus *events.EventBus) *Ladder {
	return &Ladder{
		cfg:      cfg,
		trades:   trades,
		ranks:    ranks,
		notifier: notifier,
		bus:      bus,
		logger:   logging.WithComponent("trust"),
	}
}

// CurrentRank returns the persisted rank for a user, novice when none
// is recorded.
func (l *Ladder) CurrentRank(ctx context.Context, userID string) (Rank, error) {
	state, err := l.ranks.GetSafetyState(ctx, userID)
	if err != nil {
		return RankNovice, fmt.Errorf("failed to load trust rank: %w", err)
	}
	if state == nil || state.TrustRank == "" {
		return RankNovice, nil
	}
	rank := Rank(state.TrustRank)
	if _, ok := rankOrder[rank]; !ok {
		return RankNovice, nil
	}
	return rank, nil
}

// Evaluate recomputes the rank from trade history and moves at most one
// step. Rank changes are persisted and notified.
func (l *Ladder) Evaluate(ctx context.Context, userID string) (*Evaluation, error) {
	current, err := l.CurrentRank(ctx, userID)
	if err != nil {
		return nil, err
	}

	trades, err := l.trades.GetAllClosedTrades(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trade history: %w", err)
	}

	closed := len(trades)
	wins := 0
	for _, t := range trades {
		if t.RealizedPnLPercent() > 0 {
			wins++
		}
	}
	winRate := 0.0
	if closed > 0 {
		winRate = float64(wins) / float64(closed) * 100
	}

	eval := &Evaluation{
		Current:      current,
		New:          current,
		ClosedTrades: closed,
		WinRate:      winRate,
	}

	target := l.qualifyingRank(closed, winRate)

	switch {
	case rankOrder[target] > rankOrder[current]:
		// Climb one step per evaluation, even when the history would
		// qualify for a higher tier
		eval.New = ranksAscending[rankOrder[current]+1]
		eval.Changed = true
		eval.Reason = fmt.Sprintf("promoted after %d closed trades at %.1f%% win rate", closed, winRate)

	case current != RankNovice && winRate < l.cfg.DemotionWinRate && closed >= l.cfg.DemotionMinClosed:
		eval.New = ranksAscending[rankOrder[current]-1]
		eval.Changed = true
		eval.Reason = fmt.Sprintf("demoted after win rate dropped to %.1f%% over %d closed trades", winRate, closed)

	default:
		eval.Reason = fmt.Sprintf("no change at %d closed trades and %.1f%% win rate", closed, winRate)
	}

	if eval.Changed {
		if err := l.ranks.SetTrustRank(ctx, userID, string(eval.New)); err != nil {
			return nil, fmt.Errorf("failed to persist trust rank: %w", err)
		}

		l.logger.Info("Trust rank changed",
			"user_id", userID, "from", string(eval.Current), "to", string(eval.New),
			"win_rate", winRate, "closed_trades", closed)

		if l.notifier != nil {
			if err := l.notifier.SendRankChange(userID, string(eval.Current), string(eval.New), eval.Reason); err != nil {
				l.logger.WithError(err).Warn("Rank change notification failed")
			}
		}
		if l.bus != nil {
			l.bus.Publish(events.Event{
				Type:   events.EventTrustRankChanged,
				UserID: userID,
				Data: map[string]interface{}{
					"from":   string(eval.Current),
					"to":     string(eval.New),
					"reason": eval.Reason,
				},
			})
		}
		events.BroadcastTrustRank(userID, eval)
	}

	return eval, nil
}

// rankConfig returns the configured thresholds for a rank
func (l *Ladder) rankConfig(rank Rank) config.RankConfig {
	switch rank {
	case RankApprentice:
		return l.cfg.Apprentice
	case RankTrader:
		return l.cfg.Trader
	case RankExpert:
		return l.cfg.Expert
	default:
		return l.cfg.Novice
	}
}

// PermissionsFor returns the permission set of a rank under this
// ladder's configuration
func (l *Ladder) PermissionsFor(rank Rank) Permissions {
	perms := rankCapabilities[rank]
	perms.MaxTradeAmount = l.rankConfig(rank).MaxTradeAmount
	return perms
}

// qualifyingRank returns the highest rank the history qualifies for
func (l *Ladder) qualifyingRank(closed int, winRate float64) Rank {
	for i := len(ranksAscending) - 1; i >= 0; i-- {
		rank := ranksAscending[i]
		req := l.rankConfig(rank)
		if closed >= req.MinTrades && winRate >= req.MinWinRate {
			return rank
		}
	}
	return RankNovice
}

// CheckTradePermission decides whether the user's current rank allows
// an autonomous trade of the given amount
func (l *Ladder) CheckTradePermission(ctx context.Context, userID string, amount float64) (*PermissionCheck, error) {
	rank, err := l.CurrentRank(ctx, userID)
	if err != nil {
		return nil, err
	}

	perms := l.PermissionsFor(rank)
	check := &PermissionCheck{
		Rank:      rank,
		MaxAmount: perms.MaxTradeAmount,
	}

	if !perms.CanExecuteTrades {
		check.Reason = fmt.Sprintf("rank %s may not execute autonomous trades", rank)
		return check, nil
	}
	if amount > perms.MaxTradeAmount {
		check.Reason = fmt.Sprintf("amount %.2f exceeds rank %s limit of %.2f", amount, rank, perms.MaxTradeAmount)
		return check, nil
	}

	check.Allowed = true
	check.Reason = fmt.Sprintf("rank %s permits trades up to %.2f", rank, perms.MaxTradeAmount)
	return check, nil
}
