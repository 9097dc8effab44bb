package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/api"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/auth"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/config"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/connectivity"
	internalhttp "github.com/emmecoopconsulting-arch/RegNidoV2/internal/http"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/jobs"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/keys"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/store"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/syncer"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.KeyFilePath == "" {
		log.Fatalf("KEY_FILE is required")
	}
	material, err := keys.Load(cfg.KeyFilePath)
	if err != nil {
		log.Fatalf("key file load failed: %v", err)
	}
	if material.Expired(time.Now().UTC()) {
		log.Printf("warning: key %s is expired; contact an administrator for a new key", material.KeyID)
	}

	eventStore, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("local store open failed: %v", err)
	}
	defer eventStore.Close()

	apiClient := api.New(cfg.ServerBaseURL, cfg.RequestTimeout)
	skewGuard := auth.NewSkewGuard(cfg.SkewWarning, cfg.SkewCritical)
	authClient := auth.NewClient(apiClient, material, eventStore, skewGuard, cfg.DeviceName, cfg.TokenLeeway)
	if cfg.KeyPassphrase != "" {
		authClient.SetPassphrase(cfg.KeyPassphrase)
	}

	monitor := connectivity.NewMonitor(apiClient, cfg.ProbeInterval, cfg.ProbeTimeout, func(serverTime time.Time) {
		authClient.ObserveServerTime(serverTime)
	})
	monitor.Start(ctx)

	engine := syncer.New(eventStore, authClient, apiClient, monitor, syncer.Config{
		BaseInterval: cfg.SyncInterval,
		MaxInterval:  cfg.SyncMaxInterval,
		BatchSize:    cfg.SyncBatchSize,
		AuthRetries:  cfg.AuthRetries,
	})
	engine.Start(ctx)

	jobs.StartRetentionJob(ctx, eventStore, cfg.RetentionWindow, cfg.RetentionInterval)

	server := internalhttp.NewServer(eventStore, engine, authClient, monitor)
	httpServer := &http.Server{
		Addr:              cfg.LocalHTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("agent local api listening on %s", cfg.LocalHTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
