package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerConfig         ServerConfig         `json:"server"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
	RedisConfig          RedisConfig          `json:"redis"`
	VaultConfig          VaultConfig          `json:"vault"`
	AuthConfig           AuthConfig           `json:"auth"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	NotificationConfig   NotificationConfig   `json:"notification"`
	ProvidersConfig      ProvidersConfig      `json:"providers"`
	ConsensusConfig      ConsensusConfig      `json:"consensus"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	TrustLadderConfig    TrustLadderConfig    `json:"trust_ladder"`
	BrokerConfig         BrokerConfig         `json:"broker"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type AuthConfig struct {
	JWTSecret          string `json:"jwt_secret"`
	AccessTokenMinutes int    `json:"access_token_minutes"`
	RefreshTokenHours  int    `json:"refresh_token_hours"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// ProviderConfig holds configuration for a single AI provider
type ProviderConfig struct {
	Enabled     bool    `json:"enabled"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Weight      float64 `json:"weight"` // Trust weight; weights of all providers sum to 1.0
	TimeoutSec  int     `json:"timeout_sec"`
}

type ProvidersConfig struct {
	Claude ProviderConfig `json:"claude"`
	Gemini ProviderConfig `json:"gemini"`
	GLM    ProviderConfig `json:"glm"`
}

// ConsensusConfig holds the decision aggregation knobs
type ConsensusConfig struct {
	MinExecutionConfidence float64 `json:"min_execution_confidence"` // Global floor
	UnanimousBonus         float64 `json:"unanimous_bonus"`          // Added when all valid analyses agree
	SplitPenalty           float64 `json:"split_penalty"`            // Subtracted on split
	MajorityQuorum         int     `json:"majority_quorum"`          // Votes needed for majority
	ConservativeThreshold  float64 `json:"conservative_threshold"`
	ModerateThreshold      float64 `json:"moderate_threshold"`
	AggressiveThreshold    float64 `json:"aggressive_threshold"`
	CacheTTLSeconds        int     `json:"cache_ttl_seconds"`
}

type CircuitBreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"`  // Negative threshold
	MaxWeeklyLossPct     float64 `json:"max_weekly_loss_pct"` // Negative threshold
	LossStreakCooldownH  int     `json:"loss_streak_cooldown_h"`
	DailyCooldownH       int     `json:"daily_cooldown_h"`
	WeeklyCooldownH      int     `json:"weekly_cooldown_h"`
	CapitalBase          float64 `json:"capital_base"` // Quote-currency base for loss pct
}

// RankConfig holds the promotion thresholds and trade ceiling of one
// trust rank
type RankConfig struct {
	MinTrades      int     `json:"min_trades"`
	MinWinRate     float64 `json:"min_win_rate"`
	MaxTradeAmount float64 `json:"max_trade_amount"`
}

type TrustLadderConfig struct {
	DemotionWinRate   float64    `json:"demotion_win_rate"`
	DemotionMinClosed int        `json:"demotion_min_closed"`
	Novice            RankConfig `json:"novice"`
	Apprentice        RankConfig `json:"apprentice"`
	Trader            RankConfig `json:"trader"`
	Expert            RankConfig `json:"expert"`
}

// Ranks returns the per-rank configs in ascending ladder order
func (c *TrustLadderConfig) Ranks() []RankConfig {
	return []RankConfig{c.Novice, c.Apprentice, c.Trader, c.Expert}
}

type BrokerConfig struct {
	DryRun    bool   `json:"dry_run"` // Paper broker, no real orders
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TestNet   bool   `json:"testnet"`
}

// Load reads the configuration file and applies environment overrides
func Load() (*Config, error) {
	cfg := defaultConfig()

	path := getEnv("CONFIG_PATH", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Host: "0.0.0.0",
			Port: 8088,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "consensus_bot",
			Password: "consensus_bot_password",
			Database: "consensus_bot",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Address: "localhost:6379",
		},
		VaultConfig: VaultConfig{
			MountPath: "secret",
		},
		AuthConfig: AuthConfig{
			AccessTokenMinutes: 60,
			RefreshTokenHours:  168,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		ProvidersConfig: ProvidersConfig{
			Claude: ProviderConfig{Enabled: true, Model: "claude-sonnet-4-20250514", MaxTokens: 1024, Temperature: 0.3, Weight: 0.40, TimeoutSec: 60},
			Gemini: ProviderConfig{Enabled: true, Model: "gemini-2.0-flash", MaxTokens: 1024, Temperature: 0.3, Weight: 0.35, TimeoutSec: 60},
			GLM:    ProviderConfig{Enabled: true, Model: "glm-4-plus", MaxTokens: 1024, Temperature: 0.3, Weight: 0.25, TimeoutSec: 60},
		},
		ConsensusConfig: ConsensusConfig{
			MinExecutionConfidence: 75,
			UnanimousBonus:         15,
			SplitPenalty:           20,
			MajorityQuorum:         2,
			ConservativeThreshold:  85,
			ModerateThreshold:      75,
			AggressiveThreshold:    65,
			CacheTTLSeconds:        300,
		},
		CircuitBreakerConfig: CircuitBreakerConfig{
			Enabled:              true,
			MaxConsecutiveLosses: 3,
			MaxDailyLossPct:      -5.0,
			MaxWeeklyLossPct:     -10.0,
			LossStreakCooldownH:  4,
			DailyCooldownH:       24,
			WeeklyCooldownH:      48,
			CapitalBase:          10000,
		},
		TrustLadderConfig: TrustLadderConfig{
			DemotionWinRate:   45,
			DemotionMinClosed: 20,
			Novice:            RankConfig{MinTrades: 0, MinWinRate: 0, MaxTradeAmount: 50},
			Apprentice:        RankConfig{MinTrades: 10, MinWinRate: 50, MaxTradeAmount: 100},
			Trader:            RankConfig{MinTrades: 50, MinWinRate: 55, MaxTradeAmount: 500},
			Expert:            RankConfig{MinTrades: 100, MinWinRate: 60, MaxTradeAmount: 1000},
		},
		BrokerConfig: BrokerConfig{
			DryRun: true,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.DatabaseConfig.Host = getEnv("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvInt("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnv("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnv("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnv("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnv("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Address = getEnv("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnv("REDIS_PASSWORD", cfg.RedisConfig.Password)

	cfg.VaultConfig.Address = getEnv("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnv("VAULT_TOKEN", cfg.VaultConfig.Token)

	cfg.AuthConfig.JWTSecret = getEnv("JWT_SECRET", cfg.AuthConfig.JWTSecret)

	cfg.ProvidersConfig.Claude.APIKey = getEnv("CLAUDE_API_KEY", cfg.ProvidersConfig.Claude.APIKey)
	cfg.ProvidersConfig.Gemini.APIKey = getEnv("GEMINI_API_KEY", cfg.ProvidersConfig.Gemini.APIKey)
	cfg.ProvidersConfig.GLM.APIKey = getEnv("GLM_API_KEY", cfg.ProvidersConfig.GLM.APIKey)

	cfg.BrokerConfig.APIKey = getEnv("BINANCE_API_KEY", cfg.BrokerConfig.APIKey)
	cfg.BrokerConfig.SecretKey = getEnv("BINANCE_SECRET_KEY", cfg.BrokerConfig.SecretKey)

	cfg.ServerConfig.Host = getEnv("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvInt("WEB_PORT", cfg.ServerConfig.Port)
}

// Validate checks invariants that would otherwise surface as subtle
// decision-math bugs at runtime
func (c *Config) Validate() error {
	providers := c.EnabledProviders()
	sum := 0.0
	for _, p := range providers {
		sum += p.Weight
	}
	if len(providers) > 0 && (sum < 0.999 || sum > 1.001) {
		return fmt.Errorf("provider trust weights must sum to 1.0, got %.3f", sum)
	}

	if c.CircuitBreakerConfig.MaxDailyLossPct >= 0 {
		return fmt.Errorf("circuit breaker max_daily_loss_pct must be negative, got %.2f", c.CircuitBreakerConfig.MaxDailyLossPct)
	}
	if c.CircuitBreakerConfig.MaxWeeklyLossPct >= 0 {
		return fmt.Errorf("circuit breaker max_weekly_loss_pct must be negative, got %.2f", c.CircuitBreakerConfig.MaxWeeklyLossPct)
	}
	if c.CircuitBreakerConfig.CapitalBase <= 0 {
		return fmt.Errorf("circuit breaker capital_base must be positive, got %.2f", c.CircuitBreakerConfig.CapitalBase)
	}

	if c.ConsensusConfig.MajorityQuorum < 1 {
		return fmt.Errorf("consensus majority_quorum must be at least 1")
	}

	ranks := c.TrustLadderConfig.Ranks()
	for i := 1; i < len(ranks); i++ {
		if ranks[i].MinTrades < ranks[i-1].MinTrades ||
			ranks[i].MinWinRate < ranks[i-1].MinWinRate ||
			ranks[i].MaxTradeAmount < ranks[i-1].MaxTradeAmount {
			return fmt.Errorf("trust ladder rank thresholds must not decrease with rank")
		}
	}

	return nil
}

// EnabledProviders returns the enabled provider configs in fixed order
// (Claude, Gemini, GLM). The order is load-bearing: the consensus
// engine preserves it in every result's analyses list.
func (c *Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, 3)
	if c.ProvidersConfig.Claude.Enabled {
		out = append(out, c.ProvidersConfig.Claude)
	}
	if c.ProvidersConfig.Gemini.Enabled {
		out = append(out, c.ProvidersConfig.Gemini)
	}
	if c.ProvidersConfig.GLM.Enabled {
		out = append(out, c.ProvidersConfig.GLM)
	}
	return out
}

// AccessTokenDuration returns the configured access token lifetime
func (c *AuthConfig) AccessTokenDuration() time.Duration {
	return time.Duration(c.AccessTokenMinutes) * time.Minute
}

// RefreshTokenDuration returns the configured refresh token lifetime
func (c *AuthConfig) RefreshTokenDuration() time.Duration {
	return time.Duration(c.RefreshTokenHours) * time.Hour
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
