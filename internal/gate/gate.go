// Package gate combines consensus output, the circuit breaker, and the
// trust ladder into the final go/no-go decision before any order is
// placed.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"consensus-trading-bot/internal/broker"
	"consensus-trading-bot/internal/circuit"
	"consensus-trading-bot/internal/consensus"
	"consensus-trading-bot/internal/database"
	"consensus-trading-bot/internal/events"
	"consensus-trading-bot/internal/llm"
	"consensus-trading-bot/internal/notification"
	"consensus-trading-bot/internal/trust"
)

// Denial stages, reported so callers can tell which gate said no
const (
	StageConsensus      = "consensus"
	StageCircuitBreaker = "circuit_breaker"
	StageTrustLadder    = "trust_ladder"
	StageBroker         = "broker"
)

// ConsensusAnalyzer produces one consensus round per request
type ConsensusAnalyzer interface {
	AnalyzeWithConsensus(ctx context.Context, snapshot llm.MarketSnapshot, riskProfile string) *consensus.ConsensusResult
}

// BreakerChecker reports the circuit breaker state
type BreakerChecker interface {
	GetStatus(ctx context.Context, userID string) (*circuit.Status, error)
}

// PermissionChecker reports trust ladder permissions
type PermissionChecker interface {
	CheckTradePermission(ctx context.Context, userID string, amount float64) (*trust.PermissionCheck, error)
}

// DecisionStore persists decisions and trades
type DecisionStore interface {
	SaveDecision(ctx context.Context, d *database.TradingDecision) error
	MarkDecisionExecuted(ctx context.Context, decisionID, orderID string) error
	MarkDecisionFailed(ctx context.Context, decisionID, execError string) error
	InsertTrade(ctx context.Context, t *database.Trade) (int64, error)
}

// Request is one analyze-and-maybe-execute invocation
type Request struct {
	UserID       string  `json:"user_id"`
	Symbol       string  `json:"symbol"`
	AssetType    string  `json:"asset_type"`
	RiskProfile  string  `json:"risk_profile"`
	Amount       float64 `json:"amount"` // intended trade size in quote currency
	ContextScore float64 `json:"context_score"`
	AnalyzeOnly  bool    `json:"analyze_only"`
}

// Verdict is the end-to-end outcome. Denials are values, not errors:
// the reason is display-ready and DeniedStage names the gate that
// stopped the trade.
type Verdict struct {
	DecisionID  string                     `json:"decision_id"`
	Consensus   *consensus.ConsensusResult `json:"consensus"`
	Executed    bool                       `json:"executed"`
	DeniedStage string                     `json:"denied_stage,omitempty"`
	Reason      string                     `json:"reason"`
	Order       *broker.OrderResult        `json:"order,omitempty"`
	TradeError  string                     `json:"trade_error,omitempty"`
}

// Gate orchestrates the full pipeline for one request at a time
type Gate struct {
	engine   ConsensusAnalyzer
	breaker  BreakerChecker
	ladder   PermissionChecker
	broker   broker.Broker
	store    DecisionStore
	notifier *notification.Manager
	bus      *events.EventBus
	logger   zerolog.Logger
}

// NewGate wires the pipeline. Notifier and bus may be nil.
func NewGate(
	engine ConsensusAnalyzer,
	breaker BreakerChecker,
	ladder PermissionChecker,
	brk broker.Broker,
	store DecisionStore,
	notifier *notification.Manager,
	bus *events.EventBus,
	logger zerolog.Logger,
) *Gate {
	return &Gate{
		engine:   engine,
		breaker:  breaker,
		ladder:   ladder,
		broker:   brk,
		store:    store,
		notifier: notifier,
		bus:      bus,
		logger:   logger.With().Str("component", "gate").Logger(),
	}
}

// Execute runs the pipeline: market snapshot, consensus, safety gates,
// order placement, bookkeeping. A broker failure is surfaced in the
// verdict and as the returned error; it is never retried here.
func (g *Gate) Execute(ctx context.Context, req Request) (*Verdict, error) {
	snapshot, err := g.buildSnapshot(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build market snapshot: %w", err)
	}

	result := g.engine.AnalyzeWithConsensus(ctx, snapshot, req.RiskProfile)

	decisionID, err := g.persistDecision(ctx, req, result)
	if err != nil {
		// The decision record is the system of record; losing it is fatal
		return nil, fmt.Errorf("failed to persist decision: %w", err)
	}

	verdict := &Verdict{
		DecisionID: decisionID,
		Consensus:  result,
		Reason:     result.ExecutionReason,
	}

	g.logger.Info().
		Str("user_id", req.UserID).
		Str("symbol", req.Symbol).
		Str("decision", result.FinalDecision).
		Float64("confidence", result.FinalConfidence).
		Str("level", string(result.Level)).
		Msg("consensus decision recorded")

	if g.bus != nil {
		g.bus.PublishDecision(req.UserID, req.Symbol, result.FinalDecision, string(result.Level), result.FinalConfidence)
	}
	events.BroadcastDecision(req.UserID, result)

	if !result.ShouldExecute {
		return g.deny(req, verdict, StageConsensus, result.ExecutionReason), nil
	}
	if req.AnalyzeOnly {
		verdict.Reason = "analysis only, execution not requested"
		return verdict, nil
	}

	// Circuit breaker before trust ladder: a paused account must not
	// consume a ladder check
	status, err := g.breaker.GetStatus(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("circuit breaker check failed: %w", err)
	}
	if status.IsTradingPaused {
		reason := fmt.Sprintf("circuit breaker paused trading: %s (resumes in %dh)",
			status.PauseReason, status.RemainingHours)
		return g.deny(req, verdict, StageCircuitBreaker, reason), nil
	}

	check, err := g.ladder.CheckTradePermission(ctx, req.UserID, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("trust ladder check failed: %w", err)
	}
	if !check.Allowed {
		return g.deny(req, verdict, StageTrustLadder, check.Reason), nil
	}

	return g.placeOrder(ctx, req, snapshot, verdict)
}

// buildSnapshot assembles the market context from the broker
func (g *Gate) buildSnapshot(ctx context.Context, req Request) (llm.MarketSnapshot, error) {
	quote, err := g.broker.GetQuote(ctx, req.Symbol)
	if err != nil {
		return llm.MarketSnapshot{}, err
	}

	snapshot := llm.MarketSnapshot{
		Symbol:       req.Symbol,
		AssetType:    req.AssetType,
		Price:        quote.LastPrice,
		Change24h:    quote.ChangePct24h,
		High24h:      quote.High24h,
		Low24h:       quote.Low24h,
		Volume24h:    quote.Volume24h,
		RiskProfile:  req.RiskProfile,
		ContextScore: req.ContextScore,
	}

	// Candles are context, not a requirement; analysis proceeds without
	candles, err := g.broker.GetHistoricalCandles(ctx, req.Symbol, "1h", 24)
	if err == nil && len(candles) > 0 {
		snapshot.CandleTable = formatCandles(candles)
	}

	return snapshot, nil
}

func formatCandles(candles []broker.Candle) string {
	out := "open,high,low,close,volume\n"
	for _, c := range candles {
		out += fmt.Sprintf("%.4f,%.4f,%.4f,%.4f,%.2f\n", c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	return out
}

// persistDecision writes the decision row and returns its id
func (g *Gate) persistDecision(ctx context.Context, req Request, result *consensus.ConsensusResult) (string, error) {
	analysesJSON, err := json.Marshal(result.Analyses)
	if err != nil {
		return "", fmt.Errorf("failed to marshal analyses: %w", err)
	}

	decision := &database.TradingDecision{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		Symbol:          req.Symbol,
		AssetType:       req.AssetType,
		FinalDecision:   result.FinalDecision,
		FinalConfidence: result.FinalConfidence,
		ConsensusLevel:  string(result.Level),
		Analyses:        analysesJSON,
		Reasoning:       result.Reasoning,
		ShouldExecute:   result.ShouldExecute,
		ExecutionReason: result.ExecutionReason,
		CreatedAt:       time.Now(),
	}

	if err := g.store.SaveDecision(ctx, decision); err != nil {
		return "", err
	}
	return decision.ID, nil
}

// deny finalizes a non-executed verdict and fires the denial side effects
func (g *Gate) deny(req Request, verdict *Verdict, stage, reason string) *Verdict {
	verdict.Executed = false
	verdict.DeniedStage = stage
	verdict.Reason = reason

	g.logger.Info().
		Str("user_id", req.UserID).
		Str("symbol", req.Symbol).
		Str("stage", stage).
		Str("reason", reason).
		Msg("execution denied")

	if g.bus != nil {
		g.bus.PublishExecutionDenied(req.UserID, req.Symbol, stage, reason)
	}

	return verdict
}

// placeOrder invokes the broker and books the result. Failures leave
// the decision un-executed and are surfaced, never retried.
func (g *Gate) placeOrder(ctx context.Context, req Request, snapshot llm.MarketSnapshot, verdict *Verdict) (*Verdict, error) {
	side := broker.SideBuy
	if verdict.Consensus.FinalDecision == consensus.DecisionSell {
		side = broker.SideSell
	}

	// A non-positive quote cannot size an order
	if snapshot.Price <= 0 {
		reason := fmt.Sprintf("quote price %.8f for %s cannot size an order", snapshot.Price, req.Symbol)
		return g.deny(req, verdict, StageBroker, reason), nil
	}

	quantity := req.Amount / snapshot.Price

	order, err := g.broker.PlaceOrder(ctx, req.Symbol, side, quantity, nil)
	if err != nil {
		verdict.Executed = false
		verdict.DeniedStage = StageBroker
		verdict.Reason = fmt.Sprintf("order placement failed: %v", err)
		verdict.TradeError = err.Error()

		g.logger.Error().
			Err(err).
			Str("user_id", req.UserID).
			Str("symbol", req.Symbol).
			Msg("order placement failed")

		if markErr := g.store.MarkDecisionFailed(ctx, verdict.DecisionID, err.Error()); markErr != nil {
			g.logger.Error().Err(markErr).Msg("failed to record execution error")
		}
		return verdict, err
	}

	verdict.Executed = true
	verdict.Order = order
	verdict.Reason = fmt.Sprintf("executed %s %s: %.8f at %.4f",
		string(side), req.Symbol, order.FilledQuantity, order.FilledPrice)

	if err := g.store.MarkDecisionExecuted(ctx, verdict.DecisionID, order.OrderID); err != nil {
		g.logger.Error().Err(err).Msg("failed to mark decision executed")
	}

	decisionID := verdict.DecisionID
	if _, err := g.store.InsertTrade(ctx, &database.Trade{
		UserID:     req.UserID,
		DecisionID: &decisionID,
		Symbol:     req.Symbol,
		Side:       string(side),
		EntryPrice: order.FilledPrice,
		Quantity:   order.FilledQuantity,
		Status:     "OPEN",
		OpenedAt:   time.Now(),
	}); err != nil {
		// The decision record already holds the execution; losing the
		// trade row degrades breaker accuracy but must not fail the call
		g.logger.Error().Err(err).Msg("failed to record trade")
	}

	g.logger.Info().
		Str("user_id", req.UserID).
		Str("symbol", req.Symbol).
		Str("order_id", order.OrderID).
		Float64("price", order.FilledPrice).
		Float64("quantity", order.FilledQuantity).
		Msg("trade executed")

	// Post-trade side effects are fire-and-forget: a notification
	// failure never turns a filled order into an error
	go g.postTradeEffects(req, order)

	return verdict, nil
}

func (g *Gate) postTradeEffects(req Request, order *broker.OrderResult) {
	if g.notifier != nil {
		if err := g.notifier.SendTradeExecuted(req.UserID, order.Symbol, string(order.Side), order.FilledPrice, order.FilledQuantity); err != nil {
			g.logger.Warn().Err(err).Msg("trade notification failed")
		}
	}
	if g.bus != nil {
		g.bus.PublishTradeExecuted(req.UserID, order.Symbol, string(order.Side), order.FilledPrice, order.FilledQuantity)
	}
}
