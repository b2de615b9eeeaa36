package trust

import (
	"context"
	"strings"
	"testing"
	"time"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/database"
)

type mockTradeStore struct {
	trades []*database.Trade
}

func (m *mockTradeStore) GetAllClosedTrades(ctx context.Context, userID string) ([]*database.Trade, error) {
	return m.trades, nil
}

type mockRankStore struct {
	rank     string
	setCalls int
}

func (m *mockRankStore) GetSafetyState(ctx context.Context, userID string) (*database.UserSafetyState, error) {
	if m.rank == "" {
		return nil, nil
	}
	return &database.UserSafetyState{UserID: userID, TrustRank: m.rank}, nil
}

func (m *mockRankStore) SetTrustRank(ctx context.Context, userID, rank string) error {
	m.setCalls++
	m.rank = rank
	return nil
}

func testLadderConfig() config.TrustLadderConfig {
	return config.TrustLadderConfig{
		DemotionWinRate:   45,
		DemotionMinClosed: 20,
		Novice:            config.RankConfig{MinTrades: 0, MinWinRate: 0, MaxTradeAmount: 50},
		Apprentice:        config.RankConfig{MinTrades: 10, MinWinRate: 50, MaxTradeAmount: 100},
		Trader:            config.RankConfig{MinTrades: 50, MinWinRate: 55, MaxTradeAmount: 500},
		Expert:            config.RankConfig{MinTrades: 100, MinWinRate: 60, MaxTradeAmount: 1000},
	}
}

// makeTrades builds a closed-trade history with the given win/loss mix
func makeTrades(wins, losses int) []*database.Trade {
	trades := make([]*database.Trade, 0, wins+losses)
	now := time.Now()
	add := func(pct float64) {
		pnl := pct * 10
		closed := now
		trades = append(trades, &database.Trade{
			Symbol:     "BTCUSDT",
			Status:     "CLOSED",
			PnL:        &pnl,
			PnLPercent: &pct,
			OpenedAt:   now.Add(-time.Hour),
			ClosedAt:   &closed,
		})
	}
	for i := 0; i < wins; i++ {
		add(2.0)
	}
	for i := 0; i < losses; i++ {
		add(-1.5)
	}
	return trades
}

// TestPromotionToApprentice verifies a qualifying novice is promoted
func TestPromotionToApprentice(t *testing.T) {
	// 12 closed trades, 7 wins = 58.3% win rate
	trades := &mockTradeStore{trades: makeTrades(7, 5)}
	ranks := &mockRankStore{rank: "novice"}
	ladder := NewLadder(testLadderConfig(), trades, ranks, nil, nil)

	eval, err := ladder.Evaluate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if !eval.Changed {
		t.Fatal("Expected a rank change")
	}
	if eval.New != RankApprentice {
		t.Errorf("Expected promotion to apprentice, got %s", eval.New)
	}
	if !strings.Contains(eval.Reason, "12 closed trades") {
		t.Errorf("Reason should include the trade count, got: %s", eval.Reason)
	}
	if !strings.Contains(eval.Reason, "58.3") {
		t.Errorf("Reason should include the win rate, got: %s", eval.Reason)
	}
	if ranks.rank != "apprentice" {
		t.Errorf("New rank should be persisted, store has %s", ranks.rank)
	}
}

// TestSingleStepClimb verifies an over-qualified novice still climbs
// only one rank per evaluation
func TestSingleStepClimb(t *testing.T) {
	// 120 trades at 65% win rate qualifies for expert on paper
	trades := &mockTradeStore{trades: makeTrades(78, 42)}
	ranks := &mockRankStore{rank: "novice"}
	ladder := NewLadder(testLadderConfig(), trades, ranks, nil, nil)

	eval, err := ladder.Evaluate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.New != RankApprentice {
		t.Errorf("First evaluation should stop at apprentice, got %s", eval.New)
	}

	// The climb completes over subsequent cycles
	eval, err = ladder.Evaluate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.New != RankTrader {
		t.Errorf("Second evaluation should reach trader, got %s", eval.New)
	}

	eval, err = ladder.Evaluate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.New != RankExpert {
		t.Errorf("Third evaluation should reach expert, got %s", eval.New)
	}
}

// TestNoChangeBelowThreshold verifies an under-qualified history leaves
// the rank alone
func TestNoChangeBelowThreshold(t *testing.T) {
	// 8 trades is below the apprentice minimum of 10
	trades := &mockTradeStore{trades: makeTrades(6, 2)}
	ranks := &mockRankStore{rank: "novice"}
	ladder := NewLadder(testLadderConfig(), trades, ranks, nil, nil)

	eval, err := ladder.Evaluate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.Changed {
		t.Errorf("Expected no change, got %s -> %s", eval.Current, eval.New)
	}
	if ranks.setCalls != 0 {
		t.Error("Unchanged evaluations must not write the rank")
	}
}

// TestDemotionRequiresLargeSample verifies a short losing streak does
// not demote with fewer than the minimum closed trades
func TestDemotionRequiresLargeSample(t *testing.T) {
	// 10 trades at 30% win rate: bad, but below the 20-trade sample floor
	trades := &mockTradeStore{trades: makeTrades(3, 7)}
	ranks := &mockRankStore{rank: "trader"}
	ladder := NewLadder(testLadderConfig(), trades, ranks, nil, nil)

	eval, err := ladder.Evaluate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.Changed {
		t.Errorf("Expected no demotion on a small sample, got %s", eval.New)
	}
}

// TestDemotionOneStep verifies a sustained losing record demotes one
// rank at a time
func TestDemotionOneStep(t *testing.T) {
	// 25 trades at 40% win rate
	trades := &mockTradeStore{trades: makeTrades(10, 15)}
	ranks := &mockRankStore{rank: "trader"}
	ladder := NewLadder(testLadderConfig(), trades, ranks, nil, nil)

	eval, err := ladder.Evaluate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !eval.Changed || eval.New != RankApprentice {
		t.Errorf("Expected demotion to apprentice, got %s (changed=%v)", eval.New, eval.Changed)
	}
	if !strings.Contains(eval.Reason, "demoted") {
		t.Errorf("Reason should mention demotion, got: %s", eval.Reason)
	}
}

// TestNoviceNeverDemoted verifies the floor of the ladder
func TestNoviceNeverDemoted(t *testing.T) {
	trades := &mockTradeStore{trades: makeTrades(2, 28)}
	ranks := &mockRankStore{rank: "novice"}
	ladder := NewLadder(testLadderConfig(), trades, ranks, nil, nil)

	eval, err := ladder.Evaluate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.Changed {
		t.Errorf("Novice cannot be demoted, got %s", eval.New)
	}
}

// TestPermissionDeniedForNovice verifies novices may not trade
// autonomously
func TestPermissionDeniedForNovice(t *testing.T) {
	ladder := NewLadder(testLadderConfig(), &mockTradeStore{}, &mockRankStore{}, nil, nil)

	check, err := ladder.CheckTradePermission(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("CheckTradePermission failed: %v", err)
	}
	if check.Allowed {
		t.Error("Novice should be denied autonomous execution")
	}
	if !strings.Contains(check.Reason, "novice") {
		t.Errorf("Reason should name the rank, got: %s", check.Reason)
	}
}

// TestPermissionAmountLimit verifies the per-rank amount ceiling
func TestPermissionAmountLimit(t *testing.T) {
	ranks := &mockRankStore{rank: "apprentice"}
	ladder := NewLadder(testLadderConfig(), &mockTradeStore{}, ranks, nil, nil)

	check, err := ladder.CheckTradePermission(context.Background(), "user-1", 150)
	if err != nil {
		t.Fatalf("CheckTradePermission failed: %v", err)
	}
	if check.Allowed {
		t.Error("Amount above the rank limit should be denied")
	}
	if check.MaxAmount != 100 {
		t.Errorf("Expected max amount 100, got %.2f", check.MaxAmount)
	}

	check, err = ladder.CheckTradePermission(context.Background(), "user-1", 90)
	if err != nil {
		t.Fatalf("CheckTradePermission failed: %v", err)
	}
	if !check.Allowed {
		t.Errorf("Amount within the limit should be allowed, reason: %s", check.Reason)
	}
}

// TestConfiguredThresholdsApply verifies promotion thresholds and trade
// ceilings come from the ladder configuration, not fixed values
func TestConfiguredThresholdsApply(t *testing.T) {
	cfg := testLadderConfig()
	cfg.Apprentice = config.RankConfig{MinTrades: 5, MinWinRate: 40, MaxTradeAmount: 75}

	// 6 trades at 66.7% clears the lowered bar but not the stock one
	trades := &mockTradeStore{trades: makeTrades(4, 2)}
	ranks := &mockRankStore{rank: "novice"}
	ladder := NewLadder(cfg, trades, ranks, nil, nil)

	eval, err := ladder.Evaluate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !eval.Changed || eval.New != RankApprentice {
		t.Errorf("Configured threshold should promote, got %s (changed=%v)", eval.New, eval.Changed)
	}

	check, err := ladder.CheckTradePermission(context.Background(), "user-1", 80)
	if err != nil {
		t.Fatalf("CheckTradePermission failed: %v", err)
	}
	if check.Allowed {
		t.Error("Amount above the configured ceiling should be denied")
	}
	if check.MaxAmount != 75 {
		t.Errorf("Expected configured max amount 75, got %.2f", check.MaxAmount)
	}
}

// TestPermissionsMonotonic verifies capability only grows with rank
func TestPermissionsMonotonic(t *testing.T) {
	ladder := NewLadder(testLadderConfig(), &mockTradeStore{}, &mockRankStore{}, nil, nil)
	prev := ladder.PermissionsFor(RankNovice)
	for _, rank := range []Rank{RankApprentice, RankTrader, RankExpert} {
		cur := ladder.PermissionsFor(rank)
		if cur.MaxTradeAmount < prev.MaxTradeAmount {
			t.Errorf("Rank %s lowers max trade amount", rank)
		}
		if prev.CanExecuteTrades && !cur.CanExecuteTrades {
			t.Errorf("Rank %s revokes execution", rank)
		}
		if prev.CanUseMultipleStrategies && !cur.CanUseMultipleStrategies {
			t.Errorf("Rank %s revokes multi-strategy", rank)
		}
		prev = cur
	}
}
