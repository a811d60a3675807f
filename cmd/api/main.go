package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"atrium/api/internal/activity"
	"atrium/api/internal/app"
	"atrium/api/internal/authpw"
	"atrium/api/internal/cache"
	"atrium/api/internal/config"
	"atrium/api/internal/email"
	"atrium/api/internal/githost"
	"atrium/api/internal/search"
	"atrium/api/internal/store"

	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "atrium-api").Logger()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	var host githost.Client
	switch cfg.GitHostMode {
	case "local":
		if err := os.MkdirAll(cfg.GitHostDir, 0o755); err != nil {
			logger.Fatal().Err(err).Msg("failed to create repos dir")
		}
		host = githost.NewLocalHost(cfg.GitHostDir, cfg.GitHostURL)
		logger.Info().Str("dir", cfg.GitHostDir).Msg("using local git host")
	default:
		host = githost.NewGitHubClient(cfg.GitHubAPIURL, githost.StaticTokenSource{AccessToken: cfg.GitHubToken})
		logger.Info().Str("api", cfg.GitHubAPIURL).Msg("using GitHub host")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	var countsCache *cache.PendingCounts
	if strings.TrimSpace(cfg.RedisURL) != "" {
		countsCache, err = cache.NewPendingCounts(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer countsCache.Close()
		logger.Info().Msg("using Redis for pending counts")
	}

	var notifier *email.Service
	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if emailService.IsConfigured() {
		notifier = emailService
		logger.Info().Msg("commit failure notifications enabled")
	}

	passwords := authpw.NewService(dataStore)
	recorder := activity.NewRecorder(dataStore, logger)

	// app.New takes nilable interfaces; passing a typed nil pointer here
	// would make the nil checks in the service lie, so branch explicitly.
	var service *app.Service
	switch {
	case countsCache != nil && notifier != nil:
		service = app.New(cfg, dataStore, host, passwords, recorder, searchService, countsCache, notifier, logger)
	case countsCache != nil:
		service = app.New(cfg, dataStore, host, passwords, recorder, searchService, countsCache, nil, logger)
	case notifier != nil:
		service = app.New(cfg, dataStore, host, passwords, recorder, searchService, nil, notifier, logger)
	default:
		service = app.New(cfg, dataStore, host, passwords, recorder, searchService, nil, nil, logger)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Atrium API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
