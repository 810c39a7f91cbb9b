package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"notetree/api/internal/app"
	"notetree/api/internal/config"
	"notetree/api/internal/email"
	"notetree/api/internal/export"
	"notetree/api/internal/gitrepo"
	"notetree/api/internal/livesync"
	"notetree/api/internal/logging"
	"notetree/api/internal/search"
	"notetree/api/internal/session"
	"notetree/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var dataStore app.Store
	var fallback search.Searcher
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		memory := store.NewMemoryStore()
		dataStore = memory
		fallback = search.NewScan(memory)
	default:
		db := openDatabase(ctx, cfg, logger)
		defer db.Close()
		dataStore = store.NewPostgresStore(db)
		fallback = search.NewPgFTS(db)
	}

	hub := livesync.NewHub(dataStore, logger)
	defer hub.Close()

	var sessions session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		sessions = redisStore
		logger.Info().Msg("using redis for refresh sessions and change fan-out")

		fanout := livesync.NewRedisFanout(redisStore.Client(), hub, logger)
		ready := make(chan struct{})
		go func() {
			if err := fanout.Run(ctx, ready); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("change fan-out stopped")
			}
		}()
		select {
		case <-ready:
			hub.SetPublisher(fanout)
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("change fan-out not ready, notifying local subscribers only")
		}
	}

	service := app.New(cfg, dataStore, sessions, hub, logger)

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		index = meiliClient
	}
	service.WithSearch(search.NewService(index, fallback, logger))

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create repos dir")
	}
	service.WithHistory(gitrepo.New(cfg.ReposDir, logger))

	var objects export.ObjectStore
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		s3, err := export.NewS3Store(ctx, export.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("object storage unavailable, export uploads disabled")
		} else {
			objects = s3
		}
	}
	service.WithExporter(export.NewService(dataStore, objects, logger))

	service.WithMailer(email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		AppURL:   cfg.AppURL,
	}))

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreDriver).Msg("notetree API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func openDatabase(ctx context.Context, cfg config.Config, logger zerolog.Logger) *sql.DB {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	if err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir), logger); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	return db
}
