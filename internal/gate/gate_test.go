package gate

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"consensus-trading-bot/internal/broker"
	"consensus-trading-bot/internal/circuit"
	"consensus-trading-bot/internal/consensus"
	"consensus-trading-bot/internal/database"
	"consensus-trading-bot/internal/llm"
	"consensus-trading-bot/internal/trust"
)

type mockEngine struct {
	result *consensus.ConsensusResult
	calls  int
}

func (m *mockEngine) AnalyzeWithConsensus(ctx context.Context, snapshot llm.MarketSnapshot, riskProfile string) *consensus.ConsensusResult {
	m.calls++
	return m.result
}

type mockBreaker struct {
	status *circuit.Status
	calls  int
}

func (m *mockBreaker) GetStatus(ctx context.Context, userID string) (*circuit.Status, error) {
	m.calls++
	return m.status, nil
}

type mockLadder struct {
	check *trust.PermissionCheck
	calls int
}

func (m *mockLadder) CheckTradePermission(ctx context.Context, userID string, amount float64) (*trust.PermissionCheck, error) {
	m.calls++
	return m.check, nil
}

type mockBroker struct {
	orderErr    error
	zeroQuote   bool
	placeCalls  int
	placedSides []broker.Side
}

func (m *mockBroker) Name() string { return "mock" }

func (m *mockBroker) PlaceOrder(ctx context.Context, symbol string, side broker.Side, quantity float64, price *float64) (*broker.OrderResult, error) {
	m.placeCalls++
	m.placedSides = append(m.placedSides, side)
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	return &broker.OrderResult{
		OrderID:        "order-1",
		Symbol:         symbol,
		Side:           side,
		FilledPrice:    100,
		FilledQuantity: quantity,
	}, nil
}

func (m *mockBroker) GetQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	if m.zeroQuote {
		return &broker.Quote{Symbol: symbol}, nil
	}
	return &broker.Quote{Symbol: symbol, LastPrice: 100, ChangePct24h: 1.0}, nil
}

func (m *mockBroker) GetHistoricalCandles(ctx context.Context, symbol, interval string, limit int) ([]broker.Candle, error) {
	return nil, fmt.Errorf("no candles")
}

type mockStore struct {
	saved    []*database.TradingDecision
	executed []string
	failed   []string
	trades   []*database.Trade
	saveErr  error
}

func (m *mockStore) SaveDecision(ctx context.Context, d *database.TradingDecision) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, d)
	return nil
}

func (m *mockStore) MarkDecisionExecuted(ctx context.Context, decisionID, orderID string) error {
	m.executed = append(m.executed, decisionID)
	return nil
}

func (m *mockStore) MarkDecisionFailed(ctx context.Context, decisionID, execError string) error {
	m.failed = append(m.failed, decisionID)
	return nil
}

func (m *mockStore) InsertTrade(ctx context.Context, t *database.Trade) (int64, error) {
	m.trades = append(m.trades, t)
	return int64(len(m.trades)), nil
}

func executableResult(decision string) *consensus.ConsensusResult {
	return &consensus.ConsensusResult{
		Symbol:          "BTCUSDT",
		FinalDecision:   decision,
		FinalConfidence: 90,
		Level:           consensus.LevelUnanimous,
		Analyses:        make([]consensus.ModelAnalysis, 3),
		ShouldExecute:   true,
		ExecutionReason: "unanimous consensus at 90 confidence meets moderate threshold 75",
		Timestamp:       time.Now(),
	}
}

func deniedResult() *consensus.ConsensusResult {
	r := executableResult(consensus.DecisionHold)
	r.ShouldExecute = false
	r.ExecutionReason = "hold decision"
	return r
}

func allowAll() (*mockBreaker, *mockLadder) {
	return &mockBreaker{status: &circuit.Status{}},
		&mockLadder{check: &trust.PermissionCheck{Allowed: true, MaxAmount: 100}}
}

func testRequest() Request {
	return Request{
		UserID:      "user-1",
		Symbol:      "BTCUSDT",
		AssetType:   "crypto",
		RiskProfile: "moderate",
		Amount:      50,
	}
}

// TestDeniedByConsensus verifies a non-executable consensus stops the
// pipeline before any safety gate is consulted
func TestDeniedByConsensus(t *testing.T) {
	engine := &mockEngine{result: deniedResult()}
	breaker, ladder := allowAll()
	brk := &mockBroker{}
	store := &mockStore{}
	g := NewGate(engine, breaker, ladder, brk, store, nil, nil, zerolog.Nop())

	verdict, err := g.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if verdict.Executed {
		t.Fatal("Hold decision must not execute")
	}
	if verdict.DeniedStage != StageConsensus {
		t.Errorf("Expected consensus stage denial, got %s", verdict.DeniedStage)
	}
	if breaker.calls != 0 || ladder.calls != 0 {
		t.Error("Consensus denial should not consult breaker or ladder")
	}
	if brk.placeCalls != 0 {
		t.Error("No order may be placed on denial")
	}
	if len(store.saved) != 1 {
		t.Errorf("Decision should still be persisted, got %d saves", len(store.saved))
	}
}

// TestDeniedByCircuitBreaker verifies a paused account stops before the
// trust ladder is consulted
func TestDeniedByCircuitBreaker(t *testing.T) {
	engine := &mockEngine{result: executableResult(consensus.DecisionBuy)}
	breaker := &mockBreaker{status: &circuit.Status{
		IsTradingPaused: true,
		PauseReason:     "3 consecutive losses reached limit of 3",
		RemainingHours:  4,
	}}
	ladder := &mockLadder{check: &trust.PermissionCheck{Allowed: true}}
	brk := &mockBroker{}
	g := NewGate(engine, breaker, ladder, brk, &mockStore{}, nil, nil, zerolog.Nop())

	verdict, err := g.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if verdict.DeniedStage != StageCircuitBreaker {
		t.Errorf("Expected circuit breaker denial, got %s", verdict.DeniedStage)
	}
	if !strings.Contains(verdict.Reason, "consecutive losses") {
		t.Errorf("Reason should carry the pause detail, got: %s", verdict.Reason)
	}
	if ladder.calls != 0 {
		t.Error("Paused account must not consume a trust ladder check")
	}
	if brk.placeCalls != 0 {
		t.Error("No order may be placed while paused")
	}
}

// TestDeniedByTrustLadder verifies ladder denials carry the ladder reason
func TestDeniedByTrustLadder(t *testing.T) {
	engine := &mockEngine{result: executableResult(consensus.DecisionBuy)}
	breaker := &mockBreaker{status: &circuit.Status{}}
	ladder := &mockLadder{check: &trust.PermissionCheck{
		Allowed:   false,
		Reason:    "rank novice may not execute autonomous trades",
		MaxAmount: 50,
	}}
	brk := &mockBroker{}
	g := NewGate(engine, breaker, ladder, brk, &mockStore{}, nil, nil, zerolog.Nop())

	verdict, err := g.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if verdict.DeniedStage != StageTrustLadder {
		t.Errorf("Expected trust ladder denial, got %s", verdict.DeniedStage)
	}
	if !strings.Contains(verdict.Reason, "novice") {
		t.Errorf("Reason should come from the ladder, got: %s", verdict.Reason)
	}
	if brk.placeCalls != 0 {
		t.Error("No order may be placed on ladder denial")
	}
}

// TestSuccessfulExecution verifies the full pass-through path books the
// trade and marks the decision
func TestSuccessfulExecution(t *testing.T) {
	engine := &mockEngine{result: executableResult(consensus.DecisionBuy)}
	breaker, ladder := allowAll()
	brk := &mockBroker{}
	store := &mockStore{}
	g := NewGate(engine, breaker, ladder, brk, store, nil, nil, zerolog.Nop())

	verdict, err := g.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !verdict.Executed {
		t.Fatalf("Expected execution, denied at %s: %s", verdict.DeniedStage, verdict.Reason)
	}
	if verdict.Order == nil || verdict.Order.OrderID != "order-1" {
		t.Error("Verdict should carry the order acknowledgment")
	}
	if len(store.executed) != 1 {
		t.Errorf("Decision should be marked executed, got %d marks", len(store.executed))
	}
	if len(store.trades) != 1 {
		t.Fatalf("Trade should be booked, got %d", len(store.trades))
	}
	if store.trades[0].Status != "OPEN" {
		t.Errorf("Booked trade should be OPEN, got %s", store.trades[0].Status)
	}
	// Amount 50 at price 100 buys 0.5
	if !floatEquals(store.trades[0].Quantity, 0.5, 0.0001) {
		t.Errorf("Expected quantity 0.5, got %.4f", store.trades[0].Quantity)
	}
}

// TestSellDecisionPlacesSellOrder verifies the side mapping
func TestSellDecisionPlacesSellOrder(t *testing.T) {
	engine := &mockEngine{result: executableResult(consensus.DecisionSell)}
	breaker, ladder := allowAll()
	brk := &mockBroker{}
	g := NewGate(engine, breaker, ladder, brk, &mockStore{}, nil, nil, zerolog.Nop())

	verdict, err := g.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !verdict.Executed {
		t.Fatalf("Expected execution, got denial: %s", verdict.Reason)
	}
	if len(brk.placedSides) != 1 || brk.placedSides[0] != broker.SideSell {
		t.Errorf("Expected a SELL order, got %v", brk.placedSides)
	}
}

// TestBrokerFailureSurfacedNotRetried verifies an order failure leaves
// the decision un-executed, surfaces the error, and never retries
func TestBrokerFailureSurfacedNotRetried(t *testing.T) {
	engine := &mockEngine{result: executableResult(consensus.DecisionBuy)}
	breaker, ladder := allowAll()
	brk := &mockBroker{orderErr: fmt.Errorf("insufficient balance")}
	store := &mockStore{}
	g := NewGate(engine, breaker, ladder, brk, store, nil, nil, zerolog.Nop())

	verdict, err := g.Execute(context.Background(), testRequest())
	if err == nil {
		t.Fatal("Broker failure should surface as an error")
	}
	if verdict == nil {
		t.Fatal("Verdict should still be returned alongside the error")
	}
	if verdict.Executed {
		t.Error("Failed order must not be reported as executed")
	}
	if verdict.DeniedStage != StageBroker {
		t.Errorf("Expected broker stage, got %s", verdict.DeniedStage)
	}
	if !strings.Contains(verdict.TradeError, "insufficient balance") {
		t.Errorf("Trade error should carry the broker detail, got: %s", verdict.TradeError)
	}
	if brk.placeCalls != 1 {
		t.Errorf("Order must not be retried, got %d attempts", brk.placeCalls)
	}
	if len(store.failed) != 1 {
		t.Errorf("Execution error should be recorded, got %d", len(store.failed))
	}
	if len(store.executed) != 0 || len(store.trades) != 0 {
		t.Error("Failed order must not book a trade")
	}
}

// TestZeroQuoteDeniesOrder verifies a non-positive quote price denies
// the order instead of sizing an infinite quantity
func TestZeroQuoteDeniesOrder(t *testing.T) {
	engine := &mockEngine{result: executableResult(consensus.DecisionBuy)}
	breaker, ladder := allowAll()
	brk := &mockBroker{zeroQuote: true}
	store := &mockStore{}
	g := NewGate(engine, breaker, ladder, brk, store, nil, nil, zerolog.Nop())

	verdict, err := g.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if verdict.Executed {
		t.Fatal("A zero quote must not execute")
	}
	if verdict.DeniedStage != StageBroker {
		t.Errorf("Expected broker stage denial, got %s", verdict.DeniedStage)
	}
	if !strings.Contains(verdict.Reason, "quote price") {
		t.Errorf("Reason should name the quote, got: %s", verdict.Reason)
	}
	if brk.placeCalls != 0 {
		t.Error("No order may be placed on an unusable quote")
	}
	if len(store.trades) != 0 {
		t.Error("No trade may be booked on an unusable quote")
	}
}

// TestAnalyzeOnlySkipsGates verifies analysis-only requests stop after
// the consensus round even when it is executable
func TestAnalyzeOnlySkipsGates(t *testing.T) {
	engine := &mockEngine{result: executableResult(consensus.DecisionBuy)}
	breaker, ladder := allowAll()
	brk := &mockBroker{}
	g := NewGate(engine, breaker, ladder, brk, &mockStore{}, nil, nil, zerolog.Nop())

	req := testRequest()
	req.AnalyzeOnly = true

	verdict, err := g.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if verdict.Executed {
		t.Error("Analyze-only request must not execute")
	}
	if breaker.calls != 0 || ladder.calls != 0 || brk.placeCalls != 0 {
		t.Error("Analyze-only request should stop after consensus")
	}
}

func floatEquals(a, b, tolerance float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
