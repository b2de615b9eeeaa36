package consensus

import (
	"context"

	"consensus-trading-bot/internal/llm"
)

// Adapter is one model provider the engine can consult
type Adapter interface {
	Name() string
	Weight() float64
	Analyze(ctx context.Context, snapshot llm.MarketSnapshot) (*llm.AnalysisResponse, error)
}

// ModelAdapter wraps an llm.Analyzer with its consensus weight
type ModelAdapter struct {
	name     string
	weight   float64
	analyzer *llm.Analyzer
}

// NewModelAdapter creates an adapter for one provider
func NewModelAdapter(name string, weight float64, analyzer *llm.Analyzer) *ModelAdapter {
	return &ModelAdapter{
		name:     name,
		weight:   weight,
		analyzer: analyzer,
	}
}

func (a *ModelAdapter) Name() string {
	return a.name
}

func (a *ModelAdapter) Weight() float64 {
	return a.weight
}

func (a *ModelAdapter) Analyze(ctx context.Context, snapshot llm.MarketSnapshot) (*llm.AnalysisResponse, error) {
	return a.analyzer.Analyze(ctx, snapshot)
}
