package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"labfolio/api/internal/app"
	"labfolio/api/internal/config"
	"labfolio/api/internal/email"
	"labfolio/api/internal/identity"
	"labfolio/api/internal/observ"
	"labfolio/api/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	// The privileged pool bypasses row-level policy; migrations and
	// repair writes prefer it when configured.
	admin := db
	if strings.TrimSpace(cfg.AdminDatabaseURL) != "" {
		adminDB, err := store.Open(ctx, cfg.AdminDatabaseURL)
		if err != nil {
			logger.Fatal("privileged database connection failed", zap.Error(err))
		}
		defer adminDB.Close()
		admin = adminDB
	}

	if err := store.ApplyMigrations(ctx, admin, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	var dataStore *store.PostgresStore
	if admin != db {
		dataStore = store.NewPostgresStore(db, admin)
	} else {
		dataStore = store.NewPostgresStore(db, nil)
		logger.Warn("ADMIN_DATABASE_URL not set, privileged repairs disabled")
	}

	var cache *identity.ProfileCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err = identity.NewProfileCache(cfg.RedisURL, cfg.ProfileCacheTTL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer cache.Close()
		logger.Info("profile cache enabled")
	}

	var avatars *identity.AvatarStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		avatars, err = identity.NewAvatarStore(identity.AvatarOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal("avatar store init failed", zap.Error(err))
		}
	}

	provider := identity.NewClient(identity.ClientOptions{
		BaseURL:    cfg.IdentityURL,
		ServiceKey: cfg.IdentityServiceKey,
	})
	if !provider.Configured() {
		logger.Warn("identity provider not configured, invite delivery and profile fallback disabled")
	}

	var directory *identity.Directory
	if avatars != nil {
		directory = identity.NewDirectory(dataStore, provider, cache, avatars, logger)
	} else {
		directory = identity.NewDirectory(dataStore, provider, cache, nil, logger)
	}

	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	service := app.New(cfg, dataStore, directory, provider, mail, cache, logger)
	if cfg.Bootstrap {
		if err := service.Bootstrap(ctx); err != nil {
			logger.Warn("bootstrap error, will retry on next restart", zap.Error(err))
		}
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Labfolio collaboration API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
