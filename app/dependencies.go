package app

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/harinish45/xare-core/config"
	"github.com/harinish45/xare-core/middleware"
	"github.com/harinish45/xare-core/repositories"
	"github.com/harinish45/xare-core/repositories/postgres"
	"github.com/harinish45/xare-core/services/costs"
	"github.com/harinish45/xare-core/services/credentials"
	"github.com/harinish45/xare-core/services/health"
	"github.com/harinish45/xare-core/services/orchestrator"
	"github.com/harinish45/xare-core/services/providers"
	"github.com/harinish45/xare-core/services/providers/gemini"
	"github.com/harinish45/xare-core/services/providers/ollama"
	"github.com/harinish45/xare-core/services/providers/openai"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection; the health
// monitor, cost tracker, and orchestrator are process-wide singletons.
type Dependencies struct {
	// Infrastructure
	Config    *config.Config
	DB        *postgres.DB
	Logger    *zap.Logger
	Snapshots repositories.SnapshotStore

	// Core services
	Registry     *providers.Registry
	Health       *health.Monitor
	Costs        *costs.Tracker
	Credentials  *credentials.Resolver
	Orchestrator *orchestrator.Service

	// Auth
	AuthMiddleware *middleware.AuthMiddleware
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initSnapshotStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize snapshot store: %w", err)
	}
	if err := deps.initCredentials(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize credentials: %w", err)
	}
	deps.initProviders(cfg)
	deps.initServices(ctx, cfg)
	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initSnapshotStore opens Postgres when configured, in-memory otherwise
func (d *Dependencies) initSnapshotStore(ctx context.Context, cfg *config.Config) error {
	if cfg.Database == nil {
		d.Snapshots = repositories.NewMemorySnapshotStore()
		d.Logger.Info("snapshot persistence disabled, state is in-memory")
		return nil
	}

	db, err := postgres.NewDB(*cfg.Database, d.Logger)
	if err != nil {
		return err
	}
	if err := db.InitSchema(ctx); err != nil {
		return err
	}
	d.DB = db
	d.Snapshots = postgres.NewSnapshotRepository(db)
	return nil
}

// initCredentials builds the encrypted credential resolver and seeds it
// from environment-configured API keys
func (d *Dependencies) initCredentials(cfg *config.Config) error {
	masterKey := cfg.Auth.MasterKey
	if len(masterKey) == 0 {
		// Development fallback: credentials survive only for the process
		// lifetime since the key is random.
		masterKey = make([]byte, 32)
		if _, err := rand.Read(masterKey); err != nil {
			return fmt.Errorf("generate ephemeral master key: %w", err)
		}
		d.Logger.Warn("no credential master key configured, using an ephemeral key")
	}
	store, err := credentials.NewAESSecretStore(masterKey)
	if err != nil {
		return err
	}
	d.Credentials = credentials.NewResolver(store, d.Logger)

	if cfg.Providers.OpenAI.APIKey != "" {
		if err := d.Credentials.SetAPIKey("openai", cfg.Providers.OpenAI.APIKey); err != nil {
			return err
		}
	}
	if cfg.Providers.Gemini.APIKey != "" {
		if err := d.Credentials.SetAPIKey("gemini", cfg.Providers.Gemini.APIKey); err != nil {
			return err
		}
	}
	return nil
}

// initProviders registers the built-in adapters
func (d *Dependencies) initProviders(cfg *config.Config) {
	d.Registry = providers.NewRegistry()

	_ = d.Registry.Register(ollama.NewAdapter(ollama.Config{
		BaseURL:      cfg.Providers.Ollama.BaseURL,
		DefaultModel: cfg.Providers.Ollama.DefaultModel,
		Timeout:      cfg.Providers.Ollama.Timeout,
		Vision:       cfg.Providers.Ollama.Vision,
	}, d.Logger))

	_ = d.Registry.Register(gemini.NewAdapter(gemini.Config{
		BaseURL:      cfg.Providers.Gemini.BaseURL,
		DefaultModel: cfg.Providers.Gemini.DefaultModel,
		Timeout:      cfg.Providers.Gemini.Timeout,
	}, d.Logger))

	_ = d.Registry.Register(openai.NewAdapter(openai.Config{
		BaseURL:      cfg.Providers.OpenAI.BaseURL,
		DefaultModel: cfg.Providers.OpenAI.DefaultModel,
		Timeout:      cfg.Providers.OpenAI.Timeout,
		Vision:       cfg.Providers.OpenAI.Vision,
	}, d.Logger))

	d.Logger.Info("providers registered",
		zap.Strings("providers", d.Registry.List()))
}

// initServices builds the health monitor, cost tracker, and orchestrator,
// restoring persisted state when a snapshot store is available
func (d *Dependencies) initServices(ctx context.Context, cfg *config.Config) {
	d.Health = health.NewMonitor(health.Config{
		FailureThreshold:   cfg.Health.FailureThreshold,
		ResetTimeout:       cfg.Health.ResetTimeout,
		HalfOpenRequests:   cfg.Health.HalfOpenRequests,
		DegradedThreshold:  cfg.Health.DegradedThreshold,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
	}, d.Logger)

	d.Costs = costs.NewTracker(d.Logger)
	registerDefaultPricing(d.Costs)
	if cfg.Quotas.OpenAIUSD > 0 {
		d.Costs.SetQuota("openai", cfg.Quotas.OpenAIUSD)
	}
	if cfg.Quotas.GeminiUSD > 0 {
		d.Costs.SetQuota("gemini", cfg.Quotas.GeminiUSD)
	}

	if err := d.Health.ImportData(ctx, d.Snapshots); err != nil {
		d.Logger.Warn("failed to restore health state", zap.Error(err))
	}
	if err := d.Costs.ImportData(ctx, d.Snapshots); err != nil {
		d.Logger.Warn("failed to restore usage state", zap.Error(err))
	}

	d.Orchestrator = orchestrator.NewService(
		d.Registry, d.Health, d.Costs, d.Credentials,
		orchestrator.Config{
			MaxRetries:     cfg.Dispatch.MaxRetries,
			BackoffBase:    cfg.Dispatch.BackoffBase,
			BackoffCap:     cfg.Dispatch.BackoffCap,
			AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		}, d.Logger)
}

// initAuth wires the admin token middleware
func (d *Dependencies) initAuth(cfg *config.Config) {
	validator := middleware.NewJWTValidator(cfg.Auth.JWTSecret)
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
}

// Persist writes current health and usage state to the snapshot store.
// Called on shutdown so breaker state and spend survive restarts.
func (d *Dependencies) Persist(ctx context.Context) error {
	if err := d.Health.ExportData(ctx, d.Snapshots); err != nil {
		return fmt.Errorf("persist health state: %w", err)
	}
	if err := d.Costs.ExportData(ctx, d.Snapshots); err != nil {
		return fmt.Errorf("persist usage state: %w", err)
	}
	return nil
}

// Close releases held resources
func (d *Dependencies) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

// registerDefaultPricing seeds the tracker with per-1K USD prices for
// common models. Local models are free and intentionally absent.
func registerDefaultPricing(tracker *costs.Tracker) {
	tracker.RegisterPricing("openai", "gpt-4o", costs.ModelPricing{InputPer1K: 0.0025, OutputPer1K: 0.01})
	tracker.RegisterPricing("openai", "gpt-4o-mini", costs.ModelPricing{InputPer1K: 0.00015, OutputPer1K: 0.0006})
	tracker.RegisterPricing("openai", "gpt-4-turbo", costs.ModelPricing{InputPer1K: 0.01, OutputPer1K: 0.03})
	tracker.RegisterPricing("gemini", "gemini-1.5-flash", costs.ModelPricing{InputPer1K: 0.000075, OutputPer1K: 0.0003})
	tracker.RegisterPricing("gemini", "gemini-1.5-pro", costs.ModelPricing{InputPer1K: 0.00125, OutputPer1K: 0.005})
}
