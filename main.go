package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"regime-governor/config"
	"regime-governor/internal/api"
	"regime-governor/internal/cache"
	"regime-governor/internal/database"
	"regime-governor/internal/events"
	"regime-governor/internal/governor"
	"regime-governor/internal/logging"
	"regime-governor/internal/performance"
	"regime-governor/internal/playbook"
	"regime-governor/internal/profile"
	"regime-governor/internal/regime"
	"regime-governor/internal/tuner"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	// Initialize event bus
	eventBus := events.NewBus()
	logger.Info("Event bus initialized")

	// Initialize database (optional; the engine runs in-memory without it)
	var db *database.DB
	var repo *database.Repository
	db, err = database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Name,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
		MaxConns: int32(cfg.DatabaseConfig.MaxConns),
	})
	if err != nil {
		logger.Warn("Database unavailable, running without persistence", "error", err)
	} else {
		defer db.Close()
		migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.RunMigrations(migrateCtx); err != nil {
			migrateCancel()
			log.Fatalf("Failed to run migrations: %v", err)
		}
		migrateCancel()
		repo = database.NewRepository(db)
		logger.Info("Database connected and migrated")
	}

	// Audit log writes through to the database when available
	auditZL := zerolog.New(os.Stdout).With().Timestamp().Str("component", "audit").Logger()
	var auditRepo profile.AuditRepository
	if repo != nil {
		auditRepo = repo
	}
	auditLog := profile.NewAuditLog(auditRepo, auditZL)

	// Profile store
	profiles := profile.NewStore(auditLog, eventBus, logger)
	if repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if stored, err := repo.ListProfiles(ctx); err != nil {
			logger.Warn("Failed to restore profiles", "error", err)
		} else {
			profiles.Restore(stored)
			logger.Info("Profiles restored", "count", len(stored))
		}
		cancel()
	}
	if profiles.ActiveProfileID() == "" {
		p := profiles.Create("default", map[string]float64{
			"leverage":             5.0,
			"risk_reward":          2.0,
			"confidence_threshold": 0.65,
			"position_size_pct":    2.0,
		})
		if repo != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := repo.SaveProfile(ctx, p); err != nil {
				logger.Warn("Failed to persist default profile", "error", err)
			}
			cancel()
		}
		logger.Info("Default profile created", "profile_id", p.ID)
	}

	// Playbook engine
	playbooks := playbook.NewEngine(profiles, eventBus, logger)
	if repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if stored, err := repo.ListPlaybooks(ctx); err != nil {
			logger.Warn("Failed to restore playbooks", "error", err)
		} else {
			playbooks.Restore(stored)
			logger.Info("Playbooks restored", "count", len(stored))
		}
		cancel()
	}

	// Parameter tuner with its expiry sweeper
	tun := tuner.New(tuner.Config{
		MinTrades:    cfg.TunerConfig.MinTrades,
		LookbackDays: cfg.TunerConfig.LookbackDays,
		MinCoverage:  cfg.TunerConfig.MinCoverage,
		SessionTTL:   cfg.TunerConfig.SessionTTL(),
	}, profiles, eventBus, logger)

	// Analysis pipeline
	classifier := regime.NewClassifier(regime.ClassifierConfig{
		ADXTrendThreshold:  cfg.ClassifierConfig.ADXTrendThreshold,
		ADXRangeThreshold:  cfg.ClassifierConfig.ADXRangeThreshold,
		TrendDirectionMin:  cfg.ClassifierConfig.TrendDirectionMin,
		HighVolPercentile:  cfg.ClassifierConfig.HighVolPercentile,
		LowVolPercentile:   cfg.ClassifierConfig.LowVolPercentile,
		VolWindowSize:      cfg.ClassifierConfig.VolWindowSize,
		SmoothingAlpha:     cfg.ClassifierConfig.SmoothingAlpha,
		TransitionMargin:   cfg.ClassifierConfig.TransitionMargin,
		MinSmoothedSamples: cfg.ClassifierConfig.MinSmoothedSamples,
	}, logger)
	recorder := performance.NewRecorder(logger)
	scorer := performance.NewScorer(performance.ScorerConfig{
		BaselineWindow:    cfg.ScorerConfig.BaselineWindow,
		OutlierZThreshold: cfg.ScorerConfig.OutlierZThreshold,
		ROIWeight:         cfg.ScorerConfig.ROIWeight,
		WinRateWeight:     cfg.ScorerConfig.WinRateWeight,
		MinTradesForFull:  cfg.ScorerConfig.MinTradesForFull,
		MinDurationMins:   cfg.ScorerConfig.MinDurationMins,
		MinBaselineCount:  cfg.ScorerConfig.MinBaselineCount,
	}, logger)

	// Redis cache (optional)
	var regimeCache *cache.RegimeCache
	if cfg.RedisConfig.Enabled {
		cacheService, err := cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			logger.Warn("Redis unavailable, running without cache", "error", err)
		} else {
			defer cacheService.Close()
			regimeCache = cache.NewRegimeCache(cacheService, time.Duration(cfg.RedisConfig.TTLSecs)*time.Second)
			logger.Info("Redis cache initialized", "address", cfg.RedisConfig.Address)
		}
	}

	// Governor engine ties the pipeline together. Typed nil checks keep the
	// interface fields genuinely nil when persistence or caching is disabled.
	var tradeSource governor.TradeSource
	var govRepo governor.Repository
	if repo != nil {
		tradeSource = repo
		govRepo = repo
	}
	var cacheWriter governor.CacheWriter
	if regimeCache != nil {
		cacheWriter = regimeCache
	}
	engine := governor.New(governor.Config{
		AutoGeneratePlaybooks: cfg.PlaybookConfig.AutoGenerate,
		SeedLimit:             cfg.PlaybookConfig.SeedLimit,
	}, classifier, recorder, scorer, playbooks, profiles, tradeSource, govRepo, cacheWriter, eventBus, logger)

	// Reconcile open regime instances left over from a previous run
	if repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := engine.Reconcile(ctx, time.Now()); err != nil {
			logger.Warn("Startup reconciliation failed", "error", err)
		}
		cancel()
	}

	// Background sweeper for stale tuning sessions
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	go tun.RunExpirySweeper(rootCtx, cfg.TunerConfig.SweepInterval())

	// HTTP API server
	serverConfig := api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		AllowedOrigins: cfg.ServerConfig.AllowedOrigins,
		ProductionMode: cfg.LoggingConfig.Level != "DEBUG",
	}
	server := api.NewServer(serverConfig, repo, engine, profiles, playbooks, tun, regimeCache, eventBus, logger)

	go func() {
		logger.Info("Starting API server", "host", serverConfig.Host, "port", serverConfig.Port)
		if err := server.Start(); err != nil {
			logger.Error("API server stopped", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", "signal", sig.String())

	rootCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}
	logger.Info("Shutdown complete")
}
