package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/adops-io/entity-engine/pkg/auth"
	"github.com/adops-io/entity-engine/pkg/config"
	"github.com/adops-io/entity-engine/pkg/database"
	"github.com/adops-io/entity-engine/pkg/handlers"
	"github.com/adops-io/entity-engine/pkg/metrics"
	"github.com/adops-io/entity-engine/pkg/models"
	"github.com/adops-io/entity-engine/pkg/repositories"
	"github.com/adops-io/entity-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Env == "local" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("database", cfg.Database.Database),
		zap.String("redis_host", cfg.Redis.Host),
		zap.Int("blob_promotion_threshold", cfg.Storage.BlobPromotionThreshold),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification))

	ctx := context.Background()

	// Migrations run over database/sql; pgx serves as the driver.
	migrationDB, err := sql.Open("pgx", cfg.Database.URL())
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, cfg.Database.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	_ = migrationDB.Close()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	jwksClient, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoint:       cfg.Auth.JWKSEndpoint,
	})
	if err != nil {
		logger.Fatal("Failed to create JWKS client", zap.Error(err))
	}
	authMiddleware := auth.NewMiddleware(jwksClient, logger)

	m := metrics.New()

	indexStore := repositories.NewPostgresIndexStore(db)
	entityStore := repositories.NewPostgresEntityStore(db)
	blobStore := repositories.NewCachedBlobStore(
		repositories.NewPostgresBlobStore(db),
		redisClient,
		time.Duration(cfg.Redis.CacheTTLSeconds)*time.Second,
		logger)

	entityService := services.NewEntityService(
		indexStore, entityStore, blobStore,
		models.DefaultRegistry(),
		cfg.Storage.BlobPromotionThreshold,
		m, logger)

	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(cfg, logger)
	healthHandler.RegisterRoutes(mux)

	entityHandler := handlers.NewEntityHandler(entityService, logger)
	entityHandler.RegisterRoutes(mux, authMiddleware)

	mux.Handle("/metrics", m.Handler())

	addr := cfg.BindAddr + ":" + cfg.Port
	logger.Info("Starting entity-engine",
		zap.String("addr", addr), zap.String("version", cfg.Version))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}
