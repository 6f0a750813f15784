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

	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/app"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/authpw"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/config"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/email"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/export"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/gitrepo"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/search"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/session"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/store"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/upload"
)

// exportSource serves the live guide from Postgres and archived versions
// from the per-guide revision repos.
type exportSource struct {
	store *store.PostgresStore
	git   *gitrepo.Service
}

func (s exportSource) GetGuide(ctx context.Context, guideID int64) (store.Guide, error) {
	return s.store.GetGuide(ctx, guideID)
}

func (s exportSource) SnapshotByHash(guideID int64, hash string) (store.Guide, error) {
	return s.git.SnapshotByHash(guideID, hash)
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)

	pgSearch := search.NewPgSearch(dataStore)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgSearch)
	searchService.ReindexAll(ctx)

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	var uploadService *upload.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		uploadService, err = upload.NewService(ctx, upload.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Printf("WARNING: object storage unavailable, uploads disabled: %v", err)
			uploadService = nil
		}
	}

	mailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	passwordService := authpw.NewService(dataStore, cfg.OTPTTL)
	exportService := export.NewService(exportSource{store: dataStore, git: gitService})

	deps := app.Deps{
		Store:    dataStore,
		Sessions: redisStore,
		Archive:  gitService,
		Search:   searchService,
		Mail:     mailService,
		Exporter: exportService,
		Password: passwordService,
	}
	if uploadService != nil {
		deps.Uploads = uploadService
	}
	service := app.New(cfg, deps)

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
		log.Printf("DefenseSteps API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
