package llm

import "fmt"

// SystemPromptTradeAnalysis instructs the model to return a strict JSON verdict
const SystemPromptTradeAnalysis = `You are a professional trading analyst. Analyze the provided market data and respond with your trade verdict.

Respond ONLY with a JSON object in this exact format, no other text:
{
  "decision": "BUY" | "SELL" | "HOLD",
  "confidence": <number between 0 and 100>,
  "reasoning": "<one or two sentences explaining the verdict>"
}

Rules:
- "decision" must be exactly BUY, SELL, or HOLD (uppercase).
- "confidence" reflects how strongly the data supports the decision.
- Prefer HOLD when signals are weak or conflicting.`

// BuildAnalysisPrompt formats a market snapshot into the user prompt
func BuildAnalysisPrompt(s MarketSnapshot) string {
	prompt := fmt.Sprintf(`Analyze %s (%s) and give your trade verdict.

Current market data:
- Price: %.8f
- 24h change: %.2f%%
- 24h high: %.8f
- 24h low: %.8f
- 24h volume: %.2f`,
		s.Symbol, s.AssetType, s.Price, s.Change24h, s.High24h, s.Low24h, s.Volume24h)

	if s.CandleTable != "" {
		prompt += "\n\nRecent candles:\n" + s.CandleTable
	}

	if s.RiskProfile != "" {
		prompt += fmt.Sprintf("\n\nTrader risk profile: %s", s.RiskProfile)
	}
	if s.ContextScore > 0 {
		prompt += fmt.Sprintf("\nTrader context score (0-100, lower means impaired judgment): %.0f", s.ContextScore)
	}

	return prompt
}
