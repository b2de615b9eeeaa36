package consensus

import "time"

// Decision values
const (
	DecisionBuy  = "BUY"
	DecisionSell = "SELL"
	DecisionHold = "HOLD"
)

// ConsensusLevel describes how strongly the models agreed
type ConsensusLevel string

const (
	// LevelUnanimous means every configured provider returned the same decision
	LevelUnanimous ConsensusLevel = "unanimous"
	// LevelMajority means a strict majority of valid analyses agreed
	LevelMajority ConsensusLevel = "majority"
	// LevelSplit means no strict majority emerged; the decision is forced to HOLD
	LevelSplit ConsensusLevel = "split"
	// LevelError means too few providers produced a usable analysis
	LevelError ConsensusLevel = "error"
)

// ModelAnalysis is one provider's verdict, or its failure.
// Error is a string rather than an error so the struct serializes cleanly
// into the decision record.
type ModelAnalysis struct {
	Provider   string        `json:"provider"`
	Decision   string        `json:"decision,omitempty"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning,omitempty"`
	Weight     float64       `json:"weight"`
	Error      string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ms"`
}

// Valid reports whether the analysis carries a usable verdict
func (m *ModelAnalysis) Valid() bool {
	return m.Error == ""
}

// ConsensusResult is the aggregated outcome of one analysis round.
// Analyses always has one entry per configured provider, in provider
// configuration order, whether the provider succeeded or not.
type ConsensusResult struct {
	Symbol          string          `json:"symbol"`
	AssetType       string          `json:"asset_type"`
	FinalDecision   string          `json:"final_decision"`
	FinalConfidence float64         `json:"final_confidence"`
	Level           ConsensusLevel  `json:"consensus_level"`
	Analyses        []ModelAnalysis `json:"analyses"`
	Reasoning       string          `json:"reasoning"`

	// ShouldExecute is the engine's own recommendation based on the risk
	// profile thresholds alone. The execution gate layers the circuit
	// breaker and trust ladder on top; the two verdicts stay separate.
	ShouldExecute   bool      `json:"should_execute"`
	ExecutionReason string    `json:"execution_reason"`
	Timestamp       time.Time `json:"timestamp"`
}
