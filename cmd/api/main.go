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

	"proofmark/api/internal/app"
	"proofmark/api/internal/config"
	"proofmark/api/internal/filestore"
	"proofmark/api/internal/notify"
	"proofmark/api/internal/search"
	"proofmark/api/internal/store"
)

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

	dataStore := store.NewSQLStore(db)

	var files filestore.Store
	if strings.TrimSpace(cfg.MinIOEndpoint) != "" {
		log.Printf("Using MinIO bucket %q for uploads", cfg.MinIOBucket)
		objects, err := filestore.NewMinIO(filestore.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
			PublicURL: cfg.MinIOPublicURL,
		})
		if err != nil {
			log.Fatalf("minio setup failed: %v", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			log.Fatalf("minio bucket check failed: %v", err)
		}
		files = objects
	} else {
		log.Printf("Using %s for uploads", cfg.UploadDir)
		dir, err := filestore.NewDir(cfg.UploadDir, cfg.APIBaseURL+"/uploads")
		if err != nil {
			log.Fatalf("failed to create upload dir: %v", err)
		}
		files = dir
	}

	notes := search.NewSQLNotes(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, notes)
	go searchService.ReindexAll(ctx)

	fanout := notify.NewFanout(searchService)
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		fanout.Add(notify.NewWebhook(cfg.WebhookURL))
	}
	email := notify.NewEmail(notify.EmailConfig{
		Host:          cfg.SMTPHost,
		Port:          cfg.SMTPPort,
		Username:      cfg.SMTPUsername,
		Password:      cfg.SMTPPassword,
		From:          cfg.SMTPFrom,
		FromName:      cfg.SMTPFromName,
		To:            cfg.NotifyEmailTo,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if email.IsConfigured() {
		fanout.Add(email)
	}

	service := app.New(cfg, dataStore, app.Deps{
		Files:    files,
		Search:   searchService,
		Notifier: fanout,
	})
	if err := service.Bootstrap(ctx); err != nil {
		log.Fatalf("backfill failed, refusing to serve: %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Proofmark API listening on %s", cfg.Addr)
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
	fanout.Wait()
}
