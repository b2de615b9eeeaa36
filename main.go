package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/api"
	"consensus-trading-bot/internal/auth"
	"consensus-trading-bot/internal/broker"
	"consensus-trading-bot/internal/cache"
	"consensus-trading-bot/internal/circuit"
	"consensus-trading-bot/internal/consensus"
	"consensus-trading-bot/internal/database"
	"consensus-trading-bot/internal/events"
	"consensus-trading-bot/internal/gate"
	"consensus-trading-bot/internal/llm"
	"consensus-trading-bot/internal/logging"
	"consensus-trading-bot/internal/notification"
	"consensus-trading-bot/internal/trust"
	"consensus-trading-bot/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	eventBus := events.NewEventBus()

	var notifyManager *notification.Manager
	if cfg.NotificationConfig.Enabled {
		notifyManager = notification.NewManager()

		if cfg.NotificationConfig.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  true,
			}))
			logger.Info("Telegram notifications enabled")
		}
		if cfg.NotificationConfig.Discord.Enabled {
			notifyManager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    true,
			}))
			logger.Info("Discord notifications enabled")
		}
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := database.NewRepository(db)

	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to initialize vault client: %v", err)
	}

	var cacheSvc *cache.CacheService
	if cfg.RedisConfig.Enabled {
		cacheSvc, err = cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			// Cache is an accelerator, not a dependency
			logger.WithError(err).Warn("Redis unavailable, continuing without cache")
			cacheSvc = nil
		}
	}

	adapters := buildAdapters(cfg)
	if len(adapters) == 0 {
		log.Fatalf("No model providers enabled, cannot form a consensus")
	}
	engine := consensus.NewEngine(cfg.ConsensusConfig, adapters)
	logger.Info("Consensus engine initialized", "providers", engine.Providers())

	breaker := circuit.NewBreaker(cfg.CircuitBreakerConfig, repo, repo, notifyManager, eventBus)
	ladder := trust.NewLadder(cfg.TrustLadderConfig, repo, repo, notifyManager, eventBus)

	brk := buildBroker(cfg, logger)

	zl := zerolog.New(os.Stdout).With().Timestamp().Logger()
	gateway := gate.NewGate(engine, breaker, ladder, brk, repo, notifyManager, eventBus, zl)

	jwtManager := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration())
	authService := auth.NewService(repo, jwtManager, auth.NewPasswordManager(auth.DefaultBcryptCost))

	server := api.NewServer(
		api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ProductionMode: true,
		},
		repo, db, gateway, breaker, ladder, cacheSvc, vaultClient, authService, eventBus,
	)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start API server: %v", err)
		}
	}()

	eventBus.Publish(events.Event{
		Type: events.EventBotStarted,
		Data: map[string]interface{}{
			"dry_run": cfg.BrokerConfig.DryRun,
			"broker":  brk.Name(),
		},
	})

	logger.Info("Consensus trading bot started",
		"addr", cfg.ServerConfig.Host, "port", cfg.ServerConfig.Port,
		"dry_run", cfg.BrokerConfig.DryRun)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")

	eventBus.Publish(events.Event{Type: events.EventBotStopped, Data: map[string]interface{}{}})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("API server shutdown failed")
	}
	if cacheSvc != nil {
		if err := cacheSvc.Close(); err != nil {
			logger.WithError(err).Warn("Cache close failed")
		}
	}

	logger.Info("Shutdown complete")
}

// buildAdapters creates one consensus adapter per enabled provider, in
// the fixed Claude, Gemini, GLM order
func buildAdapters(cfg *config.Config) []consensus.Adapter {
	type providerDef struct {
		name     llm.Provider
		provider config.ProviderConfig
	}
	defs := []providerDef{
		{llm.ProviderClaude, cfg.ProvidersConfig.Claude},
		{llm.ProviderGemini, cfg.ProvidersConfig.Gemini},
		{llm.ProviderGLM, cfg.ProvidersConfig.GLM},
	}

	cacheTTL := time.Duration(cfg.ConsensusConfig.CacheTTLSeconds) * time.Second

	adapters := make([]consensus.Adapter, 0, len(defs))
	for _, d := range defs {
		if !d.provider.Enabled {
			continue
		}
		analyzer := llm.NewAnalyzer(&llm.AnalyzerConfig{
			Provider:        d.name,
			APIKey:          d.provider.APIKey,
			Model:           d.provider.Model,
			MaxTokens:       d.provider.MaxTokens,
			Temperature:     d.provider.Temperature,
			CacheDuration:   cacheTTL,
			RateLimitPerMin: 10,
		})
		adapters = append(adapters, consensus.NewModelAdapter(string(d.name), d.provider.Weight, analyzer))
	}
	return adapters
}

// buildBroker picks the execution venue. Dry run keeps real market data
// behind a paper fill engine so analysis stays realistic.
func buildBroker(cfg *config.Config, logger *logging.Logger) broker.Broker {
	marketData := broker.NewBinanceBroker(cfg.BrokerConfig.APIKey, cfg.BrokerConfig.SecretKey, cfg.BrokerConfig.TestNet)

	if cfg.BrokerConfig.DryRun {
		logger.Info("Dry run enabled, orders fill on paper")
		return broker.NewPaperBroker(marketData)
	}

	logger.Info("Live trading enabled", "testnet", cfg.BrokerConfig.TestNet)
	return marketData
}
