package consensus

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/llm"
	"consensus-trading-bot/internal/logging"
)

// Engine runs every configured model adapter in parallel and reconciles
// their verdicts into one decision with a calibrated confidence.
type Engine struct {
	adapters []Adapter
	cfg      config.ConsensusConfig
	logger   *logging.Logger
}

// NewEngine creates a consensus engine over the given adapters. Adapter
// order is preserved in every result's analyses list.
func NewEngine(cfg config.ConsensusConfig, adapters []Adapter) *Engine {
	return &Engine{
		adapters: adapters,
		cfg:      cfg,
		logger:   logging.WithComponent("consensus"),
	}
}

// Providers returns the configured adapter names in call order
func (e *Engine) Providers() []string {
	names := make([]string, len(e.adapters))
	for i, a := range e.adapters {
		names[i] = a.Name()
	}
	return names
}

// AnalyzeWithConsensus collects one analysis per adapter concurrently,
// tallies votes, scores the winner, and attaches the risk-profile
// execution pre-check. Provider failures never abort the round; they
// become HOLD/0 entries in the result.
func (e *Engine) AnalyzeWithConsensus(ctx context.Context, snapshot llm.MarketSnapshot, riskProfile string) *ConsensusResult {
	analyses := e.collectAnalyses(ctx, snapshot)

	result := &ConsensusResult{
		Symbol:    snapshot.Symbol,
		AssetType: snapshot.AssetType,
		Analyses:  analyses,
		Timestamp: time.Now(),
	}

	valid := make([]ModelAnalysis, 0, len(analyses))
	for _, a := range analyses {
		if a.Valid() {
			valid = append(valid, a)
		}
	}

	// All providers failed: no scoring, the round is unusable
	if len(valid) == 0 {
		result.Level = LevelError
		result.FinalDecision = DecisionHold
		result.FinalConfidence = 0
		result.Reasoning = buildReasoning(analyses, LevelError)
		result.ShouldExecute = false
		result.ExecutionReason = "all model providers failed, holding"
		return result
	}

	winner, votes := tallyVotes(valid)
	result.Level = e.classify(valid, votes, winner)
	result.FinalConfidence = e.scoreConfidence(valid, winner, result.Level)
	result.FinalDecision = winner

	// Safety override: a split round never trades on the plurality pick
	if result.Level == LevelSplit {
		result.FinalDecision = DecisionHold
	}

	result.Reasoning = buildReasoning(analyses, result.Level)
	result.ShouldExecute, result.ExecutionReason = e.executionPreCheck(result, riskProfile)

	e.logger.Info("Consensus computed",
		"symbol", snapshot.Symbol,
		"decision", result.FinalDecision,
		"confidence", result.FinalConfidence,
		"level", string(result.Level),
	)

	return result
}

// collectAnalyses fans out to every adapter concurrently and joins with
// partial-failure tolerance. The returned slice is indexed by adapter
// position so the configured provider order survives out-of-order
// completion.
func (e *Engine) collectAnalyses(ctx context.Context, snapshot llm.MarketSnapshot) []ModelAnalysis {
	analyses := make([]ModelAnalysis, len(e.adapters))

	g, gctx := errgroup.WithContext(ctx)
	for i, adapter := range e.adapters {
		i, adapter := i, adapter
		g.Go(func() error {
			start := time.Now()
			resp, err := adapter.Analyze(gctx, snapshot)
			elapsed := time.Since(start)

			if err != nil {
				e.logger.Warn("Provider analysis failed",
					"provider", adapter.Name(), "error", err.Error())
				analyses[i] = ModelAnalysis{
					Provider:   adapter.Name(),
					Decision:   DecisionHold,
					Confidence: 0,
					Weight:     adapter.Weight(),
					Error:      err.Error(),
					Elapsed:    elapsed,
				}
				return nil // one failure must not cancel the others
			}

			analyses[i] = ModelAnalysis{
				Provider:   adapter.Name(),
				Decision:   resp.Decision,
				Confidence: resp.Confidence,
				Reasoning:  resp.Reasoning,
				Weight:     adapter.Weight(),
				Elapsed:    elapsed,
			}
			return nil
		})
	}
	g.Wait() // never returns an error; goroutines swallow their own

	return analyses
}

// tallyVotes counts raw votes among valid analyses and picks the winner.
// Ties resolve in fixed priority order BUY, SELL, HOLD; HOLD only wins a
// tie when nothing else got a vote.
func tallyVotes(valid []ModelAnalysis) (string, map[string]int) {
	votes := map[string]int{}
	for _, a := range valid {
		votes[a.Decision]++
	}

	winner := DecisionHold
	best := 0
	for _, d := range []string{DecisionBuy, DecisionSell, DecisionHold} {
		if votes[d] > best {
			winner = d
			best = votes[d]
		}
	}
	return winner, votes
}

// classify maps the vote distribution to a consensus level
func (e *Engine) classify(valid []ModelAnalysis, votes map[string]int, winner string) ConsensusLevel {
	switch {
	case votes[winner] == len(valid):
		return LevelUnanimous
	case votes[winner] >= e.cfg.MajorityQuorum:
		return LevelMajority
	default:
		return LevelSplit
	}
}

// scoreConfidence blends the agreeing providers' confidences by trust
// weight, then applies the unanimity bonus or split penalty. The result
// is rounded to an integer-valued score in [0, 100].
func (e *Engine) scoreConfidence(valid []ModelAnalysis, winner string, level ConsensusLevel) float64 {
	var weightedSum, totalWeight float64
	for _, a := range valid {
		totalWeight += a.Weight
		if a.Decision == winner {
			weightedSum += a.Confidence * a.Weight
		}
	}
	if totalWeight == 0 {
		return 0
	}

	confidence := weightedSum / totalWeight

	switch level {
	case LevelUnanimous:
		confidence = math.Min(confidence+e.cfg.UnanimousBonus, 100)
	case LevelSplit:
		confidence = math.Max(confidence-e.cfg.SplitPenalty, 0)
	}

	return math.Round(confidence)
}

// executionPreCheck applies the risk-profile threshold rules, first
// match wins. The circuit breaker and trust ladder are the execution
// gate's business, not the engine's.
func (e *Engine) executionPreCheck(r *ConsensusResult, riskProfile string) (bool, string) {
	if r.FinalDecision == DecisionHold {
		return false, "hold decision"
	}
	if r.Level == LevelSplit {
		return false, "no consensus, holding for safety"
	}
	if r.FinalConfidence < e.cfg.MinExecutionConfidence {
		return false, fmt.Sprintf("confidence %.0f below minimum execution confidence %.0f",
			r.FinalConfidence, e.cfg.MinExecutionConfidence)
	}

	threshold := e.profileThreshold(riskProfile)
	if r.FinalConfidence >= threshold {
		return true, fmt.Sprintf("%s consensus at %.0f confidence meets %s threshold %.0f",
			r.Level, r.FinalConfidence, riskProfile, threshold)
	}
	return false, fmt.Sprintf("confidence %.0f below %s profile threshold %.0f",
		r.FinalConfidence, riskProfile, threshold)
}

func (e *Engine) profileThreshold(riskProfile string) float64 {
	switch riskProfile {
	case "conservative":
		return e.cfg.ConservativeThreshold
	case "aggressive":
		return e.cfg.AggressiveThreshold
	default:
		return e.cfg.ModerateThreshold
	}
}

// buildReasoning enumerates each provider's vote and any failures into a
// display-ready summary
func buildReasoning(analyses []ModelAnalysis, level ConsensusLevel) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Consensus: %s\n", level))
	for _, a := range analyses {
		if a.Error != "" {
			sb.WriteString(fmt.Sprintf("- %s: failed (%s)\n", a.Provider, a.Error))
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: %s at %.0f%% confidence. %s\n",
			a.Provider, a.Decision, a.Confidence, a.Reasoning))
	}
	return strings.TrimRight(sb.String(), "\n")
}
