package consensus

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/llm"
)

// mockAdapter is a scriptable provider for engine tests
type mockAdapter struct {
	name     string
	weight   float64
	decision string
	conf     float64
	err      error
	delay    time.Duration
	calls    int
}

func (m *mockAdapter) Name() string    { return m.name }
func (m *mockAdapter) Weight() float64 { return m.weight }

func (m *mockAdapter) Analyze(ctx context.Context, snapshot llm.MarketSnapshot) (*llm.AnalysisResponse, error) {
	m.calls++
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llm.AnalysisResponse{
		Decision:   m.decision,
		Confidence: m.conf,
		Reasoning:  fmt.Sprintf("%s says %s", m.name, m.decision),
	}, nil
}

func testConsensusConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		MinExecutionConfidence: 75,
		UnanimousBonus:         15,
		SplitPenalty:           20,
		MajorityQuorum:         2,
		ConservativeThreshold:  85,
		ModerateThreshold:      75,
		AggressiveThreshold:    65,
	}
}

func testSnapshot() llm.MarketSnapshot {
	return llm.MarketSnapshot{
		Symbol:    "BTCUSDT",
		AssetType: "crypto",
		Price:     65000,
		Change24h: 2.5,
	}
}

func floatEquals(a, b, tolerance float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// TestUnanimousBuyConsensus verifies the weighted blend plus unanimity bonus
func TestUnanimousBuyConsensus(t *testing.T) {
	adapters := []Adapter{
		&mockAdapter{name: "claude", weight: 0.40, decision: DecisionBuy, conf: 80},
		&mockAdapter{name: "gemini", weight: 0.35, decision: DecisionBuy, conf: 85},
		&mockAdapter{name: "glm", weight: 0.25, decision: DecisionBuy, conf: 82},
	}
	engine := NewEngine(testConsensusConfig(), adapters)

	result := engine.AnalyzeWithConsensus(context.Background(), testSnapshot(), "moderate")

	if result.Level != LevelUnanimous {
		t.Errorf("Expected unanimous level, got %s", result.Level)
	}
	if result.FinalDecision != DecisionBuy {
		t.Errorf("Expected BUY decision, got %s", result.FinalDecision)
	}
	// 80*0.40 + 85*0.35 + 82*0.25 = 82.25, +15 bonus = 97.25 -> 97
	if !floatEquals(result.FinalConfidence, 97, 0.001) {
		t.Errorf("Expected confidence 97, got %.2f", result.FinalConfidence)
	}
	if !result.ShouldExecute {
		t.Errorf("Expected shouldExecute true, reason: %s", result.ExecutionReason)
	}
}

// TestSplitVoteForcesHold verifies a 1-1-1 round never trades
func TestSplitVoteForcesHold(t *testing.T) {
	adapters := []Adapter{
		&mockAdapter{name: "claude", weight: 0.40, decision: DecisionBuy, conf: 80},
		&mockAdapter{name: "gemini", weight: 0.35, decision: DecisionSell, conf: 80},
		&mockAdapter{name: "glm", weight: 0.25, decision: DecisionHold, conf: 80},
	}
	engine := NewEngine(testConsensusConfig(), adapters)

	result := engine.AnalyzeWithConsensus(context.Background(), testSnapshot(), "aggressive")

	if result.Level != LevelSplit {
		t.Errorf("Expected split level, got %s", result.Level)
	}
	if result.FinalDecision != DecisionHold {
		t.Errorf("Split round must force HOLD, got %s", result.FinalDecision)
	}
	// Plurality pick is BUY (tie priority): 80*0.40 = 32, -20 penalty = 12
	if !floatEquals(result.FinalConfidence, 12, 0.001) {
		t.Errorf("Expected confidence 12, got %.2f", result.FinalConfidence)
	}
	if result.ShouldExecute {
		t.Error("Split round must not execute")
	}
}

// TestAllProvidersFailed verifies the error level short-circuits scoring
func TestAllProvidersFailed(t *testing.T) {
	adapters := []Adapter{
		&mockAdapter{name: "claude", weight: 0.40, err: fmt.Errorf("timeout")},
		&mockAdapter{name: "gemini", weight: 0.35, err: fmt.Errorf("401 unauthorized")},
		&mockAdapter{name: "glm", weight: 0.25, err: fmt.Errorf("bad json")},
	}
	engine := NewEngine(testConsensusConfig(), adapters)

	result := engine.AnalyzeWithConsensus(context.Background(), testSnapshot(), "moderate")

	if result.Level != LevelError {
		t.Errorf("Expected error level, got %s", result.Level)
	}
	if result.FinalDecision != DecisionHold {
		t.Errorf("Expected HOLD, got %s", result.FinalDecision)
	}
	if result.FinalConfidence != 0 {
		t.Errorf("Expected confidence 0, got %.2f", result.FinalConfidence)
	}
	if result.ShouldExecute {
		t.Error("Failed round must not execute")
	}
	if len(result.Analyses) != 3 {
		t.Errorf("Analyses must include failed providers, got %d entries", len(result.Analyses))
	}
	for _, a := range result.Analyses {
		if a.Error == "" {
			t.Errorf("Provider %s should carry an error", a.Provider)
		}
	}
}

// TestPartialFailureStillCounts verifies one failed provider does not
// abort the round and is represented in the analyses list
func TestPartialFailureStillCounts(t *testing.T) {
	adapters := []Adapter{
		&mockAdapter{name: "claude", weight: 0.40, decision: DecisionBuy, conf: 90},
		&mockAdapter{name: "gemini", weight: 0.35, err: fmt.Errorf("rate limited")},
		&mockAdapter{name: "glm", weight: 0.25, decision: DecisionBuy, conf: 88},
	}
	engine := NewEngine(testConsensusConfig(), adapters)

	result := engine.AnalyzeWithConsensus(context.Background(), testSnapshot(), "moderate")

	if len(result.Analyses) != 3 {
		t.Fatalf("Expected 3 analyses, got %d", len(result.Analyses))
	}
	if result.Analyses[1].Error == "" {
		t.Error("Failed provider should be recorded with its error")
	}
	if result.FinalDecision != DecisionBuy {
		t.Errorf("Expected BUY, got %s", result.FinalDecision)
	}
	// Both valid analyses agree: unanimous among valid votes.
	if result.Level != LevelUnanimous {
		t.Errorf("Expected unanimous level, got %s", result.Level)
	}
	// (90*0.40 + 88*0.25) / (0.40+0.25) = 58/0.65 = 89.23, +15 = 104.23 capped 100
	if !floatEquals(result.FinalConfidence, 100, 0.001) {
		t.Errorf("Expected capped confidence 100, got %.2f", result.FinalConfidence)
	}
}

// TestMajorityConsensus verifies a 2-1 round is classified as majority
func TestMajorityConsensus(t *testing.T) {
	adapters := []Adapter{
		&mockAdapter{name: "claude", weight: 0.40, decision: DecisionBuy, conf: 80},
		&mockAdapter{name: "gemini", weight: 0.35, decision: DecisionBuy, conf: 70},
		&mockAdapter{name: "glm", weight: 0.25, decision: DecisionSell, conf: 60},
	}
	engine := NewEngine(testConsensusConfig(), adapters)

	result := engine.AnalyzeWithConsensus(context.Background(), testSnapshot(), "moderate")

	if result.Level != LevelMajority {
		t.Errorf("Expected majority level, got %s", result.Level)
	}
	if result.FinalDecision != DecisionBuy {
		t.Errorf("Expected BUY, got %s", result.FinalDecision)
	}
	// 80*0.40 + 70*0.35 = 56.5 -> 57, below the 75 floor
	if result.ShouldExecute {
		t.Error("Sub-threshold confidence must not execute")
	}
	if !strings.Contains(result.ExecutionReason, "minimum execution confidence") {
		t.Errorf("Reason should cite the global floor, got: %s", result.ExecutionReason)
	}
}

// TestModerateBoundaryInclusive verifies confidence exactly at the
// moderate threshold executes (inclusive comparison)
func TestModerateBoundaryInclusive(t *testing.T) {
	adapters := []Adapter{
		&mockAdapter{name: "claude", weight: 0.40, decision: DecisionBuy, conf: 100},
		&mockAdapter{name: "gemini", weight: 0.35, decision: DecisionBuy, conf: 100},
		&mockAdapter{name: "glm", weight: 0.25, decision: DecisionSell, conf: 50},
	}
	engine := NewEngine(testConsensusConfig(), adapters)

	result := engine.AnalyzeWithConsensus(context.Background(), testSnapshot(), "moderate")

	// 100*0.40 + 100*0.35 = 75 exactly, majority so no bonus
	if !floatEquals(result.FinalConfidence, 75, 0.001) {
		t.Fatalf("Expected confidence 75, got %.2f", result.FinalConfidence)
	}
	if !result.ShouldExecute {
		t.Errorf("Confidence exactly at threshold must execute, reason: %s", result.ExecutionReason)
	}
}

// TestTieBetweenBuyAndHold verifies BUY wins the plurality tie but a
// two-way tie still lands below quorum and becomes a split
func TestTieBetweenBuyAndHold(t *testing.T) {
	adapters := []Adapter{
		&mockAdapter{name: "claude", weight: 0.50, decision: DecisionBuy, conf: 80},
		&mockAdapter{name: "gemini", weight: 0.50, decision: DecisionHold, conf: 80},
	}
	engine := NewEngine(testConsensusConfig(), adapters)

	result := engine.AnalyzeWithConsensus(context.Background(), testSnapshot(), "moderate")

	if result.Level != LevelSplit {
		t.Errorf("Expected split level on 1-1 tie, got %s", result.Level)
	}
	if result.FinalDecision != DecisionHold {
		t.Errorf("Split must force HOLD, got %s", result.FinalDecision)
	}
	// Tie resolves to BUY for scoring: 80*0.5 = 40, -20 = 20
	if !floatEquals(result.FinalConfidence, 20, 0.001) {
		t.Errorf("Expected confidence 20, got %.2f", result.FinalConfidence)
	}
}

// TestAnalysesPreserveProviderOrder verifies slow providers do not
// reorder the analyses list
func TestAnalysesPreserveProviderOrder(t *testing.T) {
	adapters := []Adapter{
		&mockAdapter{name: "claude", weight: 0.40, decision: DecisionBuy, conf: 80, delay: 30 * time.Millisecond},
		&mockAdapter{name: "gemini", weight: 0.35, decision: DecisionBuy, conf: 80, delay: 10 * time.Millisecond},
		&mockAdapter{name: "glm", weight: 0.25, decision: DecisionBuy, conf: 80},
	}
	engine := NewEngine(testConsensusConfig(), adapters)

	result := engine.AnalyzeWithConsensus(context.Background(), testSnapshot(), "moderate")

	expected := []string{"claude", "gemini", "glm"}
	for i, name := range expected {
		if result.Analyses[i].Provider != name {
			t.Errorf("Position %d: expected %s, got %s", i, name, result.Analyses[i].Provider)
		}
	}
}

// TestUnanimousHoldDoesNotExecute verifies the hold short-circuit fires
// before any threshold comparison
func TestUnanimousHoldDoesNotExecute(t *testing.T) {
	adapters := []Adapter{
		&mockAdapter{name: "claude", weight: 0.40, decision: DecisionHold, conf: 95},
		&mockAdapter{name: "gemini", weight: 0.35, decision: DecisionHold, conf: 95},
		&mockAdapter{name: "glm", weight: 0.25, decision: DecisionHold, conf: 95},
	}
	engine := NewEngine(testConsensusConfig(), adapters)

	result := engine.AnalyzeWithConsensus(context.Background(), testSnapshot(), "aggressive")

	if result.ShouldExecute {
		t.Error("HOLD decision must never execute")
	}
	if result.ExecutionReason != "hold decision" {
		t.Errorf("Expected hold reason, got: %s", result.ExecutionReason)
	}
}

// TestReasoningEnumeratesProviders verifies the combined reasoning lists
// every provider including failures
func TestReasoningEnumeratesProviders(t *testing.T) {
	adapters := []Adapter{
		&mockAdapter{name: "claude", weight: 0.40, decision: DecisionBuy, conf: 80},
		&mockAdapter{name: "gemini", weight: 0.35, err: fmt.Errorf("connection refused")},
		&mockAdapter{name: "glm", weight: 0.25, decision: DecisionBuy, conf: 85},
	}
	engine := NewEngine(testConsensusConfig(), adapters)

	result := engine.AnalyzeWithConsensus(context.Background(), testSnapshot(), "moderate")

	for _, name := range []string{"claude", "gemini", "glm"} {
		if !strings.Contains(result.Reasoning, name) {
			t.Errorf("Reasoning should mention %s:\n%s", name, result.Reasoning)
		}
	}
	if !strings.Contains(result.Reasoning, "connection refused") {
		t.Errorf("Reasoning should include the failure detail:\n%s", result.Reasoning)
	}
}
