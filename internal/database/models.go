package database

import "time"

// TradingDecision is the persisted form of one consensus run
type TradingDecision struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Symbol          string     `json:"symbol"`
	AssetType       string     `json:"asset_type"`
	FinalDecision   string     `json:"final_decision"`
	FinalConfidence float64    `json:"final_confidence"`
	ConsensusLevel  string     `json:"consensus_level"`
	Analyses        []byte     `json:"analyses"` // JSONB payload of per-provider analyses
	Reasoning       string     `json:"reasoning"`
	ShouldExecute   bool       `json:"should_execute"`
	ExecutionReason string     `json:"execution_reason"`
	Executed        bool       `json:"executed"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
	OrderID         *string    `json:"order_id,omitempty"`
	ExecutionError  *string    `json:"execution_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Trade is a realized or open trade row
type Trade struct {
	ID         int64      `json:"id"`
	UserID     string     `json:"user_id"`
	DecisionID *string    `json:"decision_id,omitempty"`
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  *float64   `json:"exit_price,omitempty"`
	Quantity   float64    `json:"quantity"`
	PnL        *float64   `json:"pnl,omitempty"`
	PnLPercent *float64   `json:"pnl_percent,omitempty"`
	Status     string     `json:"status"` // OPEN or CLOSED
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// IsClosed reports whether the trade has been realized
func (t *Trade) IsClosed() bool {
	return t.Status == "CLOSED"
}

// RealizedPnL returns the realized P&L amount, zero for open trades
func (t *Trade) RealizedPnL() float64 {
	if t.PnL == nil {
		return 0
	}
	return *t.PnL
}

// RealizedPnLPercent returns the realized P&L percent, zero for open trades
func (t *Trade) RealizedPnLPercent() float64 {
	if t.PnLPercent == nil {
		return 0
	}
	return *t.PnLPercent
}

// UserSafetyState is the single durable row the safety layer mutates
type UserSafetyState struct {
	UserID      string     `json:"user_id"`
	PauseUntil  *time.Time `json:"pause_until,omitempty"`
	PauseReason *string    `json:"pause_reason,omitempty"`
	TrustRank   string     `json:"trust_rank"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// User is an API user account
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	RiskProfile    string    `json:"risk_profile"`
	MaxTradeAmount float64   `json:"max_trade_amount"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DecisionStats aggregates decision outcomes over a period
type DecisionStats struct {
	Total         int     `json:"total"`
	Executed      int     `json:"executed"`
	BuyCount      int     `json:"buy_count"`
	SellCount     int     `json:"sell_count"`
	HoldCount     int     `json:"hold_count"`
	AvgConfidence float64 `json:"avg_confidence"`
}
