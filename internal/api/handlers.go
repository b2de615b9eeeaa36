package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"consensus-trading-bot/internal/auth"
	"consensus-trading-bot/internal/cache"
	"consensus-trading-bot/internal/gate"
	"consensus-trading-bot/internal/vault"
)

// AnalyzeRequest asks for a consensus round on one symbol
type AnalyzeRequest struct {
	Symbol       string  `json:"symbol" binding:"required"`
	AssetType    string  `json:"asset_type"`
	Amount       float64 `json:"amount"`
	ContextScore float64 `json:"context_score"`
}

// consensusCacheTTL bounds how stale a served consensus round may be
const consensusCacheTTL = 5 * time.Minute

// analysisCacheKey scopes cached rounds to every request input that
// shapes the consensus prompt, so a changed context score is never
// answered with a stale round
func analysisCacheKey(userID string, req AnalyzeRequest) string {
	return cache.AnalysisKey(userID, "consensus", fmt.Sprintf("%s:%.2f", req.Symbol, req.ContextScore))
}

// handleAnalyze runs the consensus round without placing an order.
// A recent round for the same symbol is served from cache so repeated
// dashboard refreshes do not burn provider quota.
func (s *Server) handleAnalyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	userID := auth.GetUserID(c)
	cacheKey := analysisCacheKey(userID, req)
	if s.cacheSvc != nil {
		var cached gate.Verdict
		if err := s.cacheSvc.GetJSON(c.Request.Context(), cacheKey, &cached); err == nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	verdict, err := s.gate.Execute(c.Request.Context(), gate.Request{
		UserID:       userID,
		Symbol:       req.Symbol,
		AssetType:    req.AssetType,
		RiskProfile:  auth.GetRiskProfile(c),
		Amount:       req.Amount,
		ContextScore: req.ContextScore,
		AnalyzeOnly:  true,
	})
	if err != nil {
		s.logger.WithError(err).Error("Analysis failed", "symbol", req.Symbol)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ANALYSIS_FAILED", "message": err.Error()})
		return
	}

	if s.cacheSvc != nil {
		if err := s.cacheSvc.SetJSON(c.Request.Context(), cacheKey, verdict, consensusCacheTTL); err != nil {
			s.logger.WithError(err).Warn("Failed to cache analysis", "symbol", req.Symbol)
		}
	}

	c.JSON(http.StatusOK, verdict)
}

// handleExecute runs the full pipeline including order placement.
// Denials come back 200 with the verdict; only infrastructure failures
// are errors.
func (s *Server) handleExecute(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "amount must be positive"})
		return
	}

	verdict, err := s.gate.Execute(c.Request.Context(), gate.Request{
		UserID:       auth.GetUserID(c),
		Symbol:       req.Symbol,
		AssetType:    req.AssetType,
		RiskProfile:  auth.GetRiskProfile(c),
		Amount:       req.Amount,
		ContextScore: req.ContextScore,
	})
	if err != nil {
		// A broker failure still carries a verdict with the decision id
		if verdict != nil {
			c.JSON(http.StatusBadGateway, verdict)
			return
		}
		s.logger.WithError(err).Error("Execution failed", "symbol", req.Symbol)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "EXECUTION_FAILED", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, verdict)
}

// handleGetDecisions returns recent decisions, optionally filtered by
// symbol
func (s *Server) handleGetDecisions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		limit = 50
	}
	symbol := c.Query("symbol")

	decisions, err := s.repo.GetDecisions(c.Request.Context(), auth.GetUserID(c), limit, symbol)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load decisions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to load decisions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"decisions": decisions, "count": len(decisions)})
}

// handleGetDecision returns one decision by id
func (s *Server) handleGetDecision(c *gin.Context) {
	decision, err := s.repo.GetDecisionByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.WithError(err).Error("Failed to load decision")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to load decision"})
		return
	}
	if decision == nil || decision.UserID != auth.GetUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "decision not found"})
		return
	}

	c.JSON(http.StatusOK, decision)
}

// handleGetDecisionStats aggregates decision outcomes over a window
func (s *Server) handleGetDecisionStats(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days < 1 || days > 365 {
		days = 7
	}
	since := time.Now().AddDate(0, 0, -days)

	stats, err := s.repo.GetDecisionStats(c.Request.Context(), auth.GetUserID(c), since)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load decision stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to load stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats, "days": days})
}

// handleGetOpenTrades returns all open positions
func (s *Server) handleGetOpenTrades(c *gin.Context) {
	trades, err := s.repo.GetOpenTrades(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.logger.WithError(err).Error("Failed to load open trades")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to load trades"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// handleGetClosedTrades returns realized trades over a window
func (s *Server) handleGetClosedTrades(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 1 || days > 365 {
		days = 30
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 || limit > 1000 {
		limit = 100
	}

	since := time.Now().AddDate(0, 0, -days)
	trades, err := s.repo.GetClosedTrades(c.Request.Context(), auth.GetUserID(c), since, limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load closed trades")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to load trades"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// CloseTradeRequest realizes an open trade at the given price
type CloseTradeRequest struct {
	ExitPrice float64 `json:"exit_price" binding:"required,gt=0"`
}

// handleCloseTrade closes an open trade, books the P&L, and re-runs the
// trust ladder evaluation on the updated history
func (s *Server) handleCloseTrade(c *gin.Context) {
	tradeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "invalid trade id"})
		return
	}

	var req CloseTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	userID := auth.GetUserID(c)
	trade, err := s.repo.GetTradeByID(c.Request.Context(), tradeID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load trade", "trade_id", tradeID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to load trade"})
		return
	}
	if trade == nil || trade.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "trade not found"})
		return
	}
	if trade.IsClosed() {
		c.JSON(http.StatusConflict, gin.H{"error": "ALREADY_CLOSED", "message": "trade is already closed"})
		return
	}

	pnl := (req.ExitPrice - trade.EntryPrice) * trade.Quantity
	if trade.Side == "SELL" {
		pnl = -pnl
	}
	pnlPercent := 0.0
	if cost := trade.EntryPrice * trade.Quantity; cost > 0 {
		pnlPercent = pnl / cost * 100
	}

	if err := s.repo.CloseTrade(c.Request.Context(), tradeID, req.ExitPrice, pnl, pnlPercent, time.Now()); err != nil {
		s.logger.WithError(err).Error("Failed to close trade", "trade_id", tradeID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to close trade"})
		return
	}

	// Every realized trade can move the trust rank
	evaluation, err := s.ladder.Evaluate(c.Request.Context(), userID)
	if err != nil {
		s.logger.WithError(err).Warn("Trust ladder evaluation failed after close", "user_id", userID)
	}

	c.JSON(http.StatusOK, gin.H{
		"trade_id":    tradeID,
		"exit_price":  req.ExitPrice,
		"pnl":         pnl,
		"pnl_percent": pnlPercent,
		"evaluation":  evaluation,
	})
}

// handleCircuitBreakerStatus reports the safety pause state
func (s *Server) handleCircuitBreakerStatus(c *gin.Context) {
	status, err := s.breaker.GetStatus(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.logger.WithError(err).Error("Circuit breaker status failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to evaluate circuit breaker"})
		return
	}

	c.JSON(http.StatusOK, status)
}

// handleTrustLadderStatus reports the current rank and its permissions
func (s *Server) handleTrustLadderStatus(c *gin.Context) {
	rank, err := s.ladder.CurrentRank(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.logger.WithError(err).Error("Trust rank lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to load trust rank"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rank":        rank,
		"permissions": s.ladder.PermissionsFor(rank),
	})
}

// handleTrustLadderEvaluate forces a rank evaluation against the full
// trade history
func (s *Server) handleTrustLadderEvaluate(c *gin.Context) {
	evaluation, err := s.ladder.Evaluate(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.logger.WithError(err).Error("Trust ladder evaluation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "evaluation failed"})
		return
	}

	c.JSON(http.StatusOK, evaluation)
}

// handleGetProfile returns the authenticated user's account
func (s *Server) handleGetProfile(c *gin.Context) {
	user, err := s.repo.GetUserByID(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.logger.WithError(err).Error("Failed to load user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to load user"})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "user not found"})
		return
	}

	c.JSON(http.StatusOK, user)
}

// UpdateRiskProfileRequest changes the user's risk appetite
type UpdateRiskProfileRequest struct {
	RiskProfile string `json:"risk_profile" binding:"required,oneof=conservative moderate aggressive"`
}

// handleUpdateRiskProfile switches the execution threshold profile
func (s *Server) handleUpdateRiskProfile(c *gin.Context) {
	var req UpdateRiskProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	userID := auth.GetUserID(c)
	if err := s.repo.UpdateUserRiskProfile(c.Request.Context(), userID, req.RiskProfile); err != nil {
		s.logger.WithError(err).Error("Failed to update risk profile")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to update profile"})
		return
	}

	s.logger.Info("Risk profile updated", "user_id", userID, "risk_profile", req.RiskProfile)
	c.JSON(http.StatusOK, gin.H{"risk_profile": req.RiskProfile})
}

// StoreProviderKeyRequest saves a model provider API key
type StoreProviderKeyRequest struct {
	Provider string `json:"provider" binding:"required,oneof=claude gemini glm"`
	APIKey   string `json:"api_key" binding:"required"`
}

// handleStoreProviderKey writes a model provider key to the vault
func (s *Server) handleStoreProviderKey(c *gin.Context) {
	var req StoreProviderKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	err := s.vaultClient.StoreProviderKey(c.Request.Context(), auth.GetUserID(c), vault.ProviderKeyData{
		Provider: req.Provider,
		APIKey:   req.APIKey,
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to store provider key", "provider", req.Provider)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to store key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"provider": req.Provider, "stored": true})
}

// handleGetProviderKey reports whether a provider key is on file. The
// key itself is returned masked.
func (s *Server) handleGetProviderKey(c *gin.Context) {
	provider := c.Param("provider")

	key, err := s.vaultClient.GetProviderKey(c.Request.Context(), auth.GetUserID(c), provider)
	if err != nil {
		// Missing key and vault outage look the same to the caller
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "no key stored for provider"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"provider": key.Provider,
		"api_key":  maskKey(key.APIKey),
	})
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// StoreBrokerKeyRequest saves exchange credentials
type StoreBrokerKeyRequest struct {
	APIKey    string `json:"api_key" binding:"required"`
	SecretKey string `json:"secret_key" binding:"required"`
	IsTestnet bool   `json:"is_testnet"`
}

// handleStoreBrokerKey writes exchange credentials to the vault
func (s *Server) handleStoreBrokerKey(c *gin.Context) {
	var req StoreBrokerKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	err := s.vaultClient.StoreBrokerKey(c.Request.Context(), auth.GetUserID(c), vault.BrokerKeyData{
		APIKey:    req.APIKey,
		SecretKey: req.SecretKey,
		IsTestnet: req.IsTestnet,
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to store broker key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "failed to store key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stored": true})
}

// handleHealth reports subsystem health without requiring auth
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	if err := s.db.HealthCheck(c.Request.Context()); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if s.cacheSvc != nil {
		if err := s.cacheSvc.Ping(c.Request.Context()); err != nil {
			checks["redis"] = err.Error()
		} else {
			checks["redis"] = "ok"
		}
	} else {
		checks["redis"] = "disabled"
	}

	if s.vaultClient != nil && s.vaultClient.IsEnabled() {
		if err := s.vaultClient.Health(c.Request.Context()); err != nil {
			checks["vault"] = err.Error()
		} else {
			checks["vault"] = "ok"
		}
	} else {
		checks["vault"] = "disabled"
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	c.JSON(status, gin.H{"status": overall, "checks": checks, "timestamp": time.Now()})
}
