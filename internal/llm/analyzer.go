package llm

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// stripMarkdownCodeBlock removes markdown code block formatting from model
// responses. Handles formats like: ```json\n{...}\n``` or ```\n{...}\n```
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)

	re := regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")
	if matches := re.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	return response
}

// extractJSONObject locates the outermost JSON object in free-form model
// output. Some models wrap the JSON in prose despite instructions.
func extractJSONObject(response string) (string, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return response[start : end+1], nil
}

// AnalyzerConfig holds analyzer configuration
type AnalyzerConfig struct {
	Provider        Provider      `json:"provider"`
	APIKey          string        `json:"api_key"`
	Model           string        `json:"model"`
	MaxTokens       int           `json:"max_tokens"`
	Temperature     float64       `json:"temperature"`
	CacheDuration   time.Duration `json:"cache_duration"`
	RateLimitPerMin int           `json:"rate_limit_per_min"`
}

// DefaultAnalyzerConfig returns default configuration
func DefaultAnalyzerConfig() *AnalyzerConfig {
	return &AnalyzerConfig{
		Provider:        ProviderClaude,
		Model:           "claude-sonnet-4-20250514",
		MaxTokens:       1024,
		Temperature:     0.3,
		CacheDuration:   5 * time.Minute,
		RateLimitPerMin: 10,
	}
}

// MarketSnapshot is the market context handed to each model
type MarketSnapshot struct {
	Symbol      string  `json:"symbol"`
	AssetType   string  `json:"asset_type"`
	Price       float64 `json:"price"`
	Change24h   float64 `json:"change_24h"`
	High24h     float64 `json:"high_24h"`
	Low24h      float64 `json:"low_24h"`
	Volume24h   float64 `json:"volume_24h"`
	CandleTable string  `json:"candle_table,omitempty"`

	// Caller context folded into the prompt
	RiskProfile  string  `json:"risk_profile,omitempty"`
	ContextScore float64 `json:"context_score,omitempty"`
}

// AnalysisResponse is the structured verdict parsed from a model reply
type AnalysisResponse struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

type cachedAnalysis struct {
	analysis  *AnalysisResponse
	timestamp time.Time
}

// Analyzer asks one model provider for a trade verdict on a symbol.
// Results are cached briefly and requests are rate limited per minute.
type Analyzer struct {
	config       *AnalyzerConfig
	client       *Client
	cache        map[string]*cachedAnalysis
	requestCount int
	lastReset    time.Time
	mu           sync.RWMutex
}

// NewAnalyzer creates a new analyzer
func NewAnalyzer(config *AnalyzerConfig) *Analyzer {
	if config == nil {
		config = DefaultAnalyzerConfig()
	}

	clientConfig := &ClientConfig{
		Provider:    config.Provider,
		APIKey:      config.APIKey,
		Model:       config.Model,
		MaxTokens:   config.MaxTokens,
		Temperature: config.Temperature,
		Timeout:     60 * time.Second,
	}

	return &Analyzer{
		config:    config,
		client:    NewClient(clientConfig),
		cache:     make(map[string]*cachedAnalysis),
		lastReset: time.Now(),
	}
}

// Provider returns the configured provider name
func (a *Analyzer) Provider() Provider {
	return a.config.Provider
}

// Analyze asks the model for a BUY/SELL/HOLD verdict on the given market
func (a *Analyzer) Analyze(ctx context.Context, snapshot MarketSnapshot) (*AnalysisResponse, error) {
	prompt := BuildAnalysisPrompt(snapshot)

	cacheKey := a.cacheKey(prompt)
	if cached := a.getFromCache(cacheKey); cached != nil {
		return cached, nil
	}

	if !a.checkRateLimit() {
		return nil, fmt.Errorf("rate limit exceeded for provider %s", a.config.Provider)
	}

	response, err := a.client.Complete(ctx, SystemPromptTradeAnalysis, prompt)
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}

	analysis, err := parseAnalysisResponse(response)
	if err != nil {
		return nil, err
	}

	a.setCache(cacheKey, analysis)
	return analysis, nil
}

// parseAnalysisResponse decodes and validates a model reply. The decision
// must be one of BUY/SELL/HOLD and the confidence must land in [0, 100];
// anything else is rejected rather than coerced.
func parseAnalysisResponse(response string) (*AnalysisResponse, error) {
	clean := stripMarkdownCodeBlock(response)

	jsonStr, err := extractJSONObject(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}

	var analysis AnalysisResponse
	if err := json.Unmarshal([]byte(jsonStr), &analysis); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}

	analysis.Decision = strings.ToUpper(strings.TrimSpace(analysis.Decision))
	switch analysis.Decision {
	case "BUY", "SELL", "HOLD":
	default:
		return nil, fmt.Errorf("invalid decision %q in model response", analysis.Decision)
	}

	if analysis.Confidence < 0 || analysis.Confidence > 100 {
		return nil, fmt.Errorf("confidence %.2f out of range in model response", analysis.Confidence)
	}

	return &analysis, nil
}

// cacheKey hashes the full prompt so callers whose risk profile or
// context score differ never share a cached verdict. The analyzer is
// shared across identities; the prompt is the identity-bearing input.
func (a *Analyzer) cacheKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%s_%x", a.config.Provider, sum[:12])
}

func (a *Analyzer) getFromCache(key string) *AnalysisResponse {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if cached, ok := a.cache[key]; ok {
		if time.Since(cached.timestamp) < a.config.CacheDuration {
			return cached.analysis
		}
	}
	return nil
}

func (a *Analyzer) setCache(key string, analysis *AnalysisResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[key] = &cachedAnalysis{
		analysis:  analysis,
		timestamp: time.Now(),
	}
}

// checkRateLimit enforces the per-minute request cap
func (a *Analyzer) checkRateLimit() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if time.Since(a.lastReset) >= time.Minute {
		a.requestCount = 0
		a.lastReset = time.Now()
	}

	if a.requestCount >= a.config.RateLimitPerMin {
		return false
	}

	a.requestCount++
	return true
}

// ClearCache drops all cached analyses
func (a *Analyzer) ClearCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = make(map[string]*cachedAnalysis)
}
