package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"consensus-trading-bot/internal/database"
	"consensus-trading-bot/internal/logging"
)

// Service handles user registration and login
type Service struct {
	repo      *database.Repository
	jwt       *JWTManager
	passwords *PasswordManager
	logger    *logging.Logger
}

// NewService creates a new auth service
func NewService(repo *database.Repository, jwt *JWTManager, passwords *PasswordManager) *Service {
	return &Service{
		repo:      repo,
		jwt:       jwt,
		passwords: passwords,
		logger:    logging.WithComponent("auth"),
	}
}

// GetJWTManager exposes the token manager for transports that cannot
// send an Authorization header, like WebSocket upgrades
func (s *Service) GetJWTManager() *JWTManager {
	return s.jwt
}

// Register creates a new user account
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*UserResponse, error) {
	existing, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailExists
	}

	hash, err := s.passwords.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	riskProfile := req.RiskProfile
	if riskProfile == "" {
		riskProfile = "moderate"
	}

	user := &database.User{
		ID:             uuid.New().String(),
		Email:          req.Email,
		PasswordHash:   hash,
		RiskProfile:    riskProfile,
		MaxTradeAmount: 100,
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("User registered", "user_id", user.ID, "risk_profile", riskProfile)

	return &UserResponse{
		ID:             user.ID,
		Email:          user.Email,
		RiskProfile:    user.RiskProfile,
		MaxTradeAmount: user.MaxTradeAmount,
		CreatedAt:      user.CreatedAt,
	}, nil
}

// Login authenticates a user and issues an access token
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if user == nil || !s.passwords.VerifyPassword(req.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwt.GenerateAccessToken(UserClaims{
		UserID:      user.ID,
		Email:       user.Email,
		RiskProfile: user.RiskProfile,
	})
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		User: UserResponse{
			ID:             user.ID,
			Email:          user.Email,
			RiskProfile:    user.RiskProfile,
			MaxTradeAmount: user.MaxTradeAmount,
			CreatedAt:      user.CreatedAt,
		},
		AccessToken: token,
		ExpiresIn:   s.jwt.GetAccessTokenDuration(),
	}, nil
}

// RegisterHandler handles POST /api/auth/register
func (s *Service) RegisterHandler(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	user, err := s.Register(c.Request.Context(), req)
	if err != nil {
		if authErr, ok := err.(AuthError); ok {
			c.JSON(http.StatusConflict, gin.H{"error": authErr.Code, "message": authErr.Message})
			return
		}
		s.logger.WithError(err).Error("Registration failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "registration failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": user})
}

// LoginHandler handles POST /api/auth/login
func (s *Service) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	resp, err := s.Login(c.Request.Context(), req)
	if err != nil {
		if authErr, ok := err.(AuthError); ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": authErr.Code, "message": authErr.Message})
			return
		}
		s.logger.WithError(err).Error("Login failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "login failed"})
		return
	}

	c.JSON(http.StatusOK, resp)
}
