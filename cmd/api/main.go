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

	"ucl/api/internal/app"
	"ucl/api/internal/cache"
	"ucl/api/internal/config"
	"ucl/api/internal/events"
	"ucl/api/internal/ratelimit"
	"ucl/api/internal/search"
	"ucl/api/internal/store"
	"ucl/api/internal/syncer"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	dataStore := store.NewPostgresStore(db)
	if err := dataStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema setup failed: %v", err)
	}

	// The cache is optional; every read path falls back to the store
	// when Redis is unreachable.
	var cacheStore *cache.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cacheStore, err = cache.New(cfg.RedisURL, cfg.CacheNamespace)
		if err != nil {
			log.Printf("WARNING: redis unavailable, context caching disabled: %v", err)
			cacheStore = nil
		} else {
			defer cacheStore.Close()
		}
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	var vectorStore *search.Vector
	if strings.TrimSpace(cfg.EmbeddingURL) != "" {
		vectorStore, err = search.NewVector(cfg.VectorDir, search.NewHTTPEmbedder(cfg.EmbeddingURL, cfg.EmbeddingModel))
		if err != nil {
			log.Printf("WARNING: vector store unavailable, semantic search disabled: %v", err)
			vectorStore = nil
		}
	}
	searchService := search.NewService(meiliClient, vectorStore)

	eventManager := events.NewManager()

	policy := syncer.DefaultPolicy()
	policy.RequireApprovalThreshold = cfg.ApprovalThreshold
	policy.PollInterval = cfg.SyncPollInterval
	policy.ErrorBackoff = cfg.SyncErrorBackoff
	policy.MaxBatchSize = cfg.SyncMaxBatchSize

	var invalidator syncer.Invalidator
	if cacheStore != nil {
		invalidator = cacheStore
	}
	syncService := syncer.NewService(dataStore, invalidator, eventManager, policy)
	syncService.Start(ctx)
	defer syncService.Stop()

	service := app.NewService(dataStore, cacheStore, searchService, syncService)
	limiter := ratelimit.NewKeyed(cfg.DefaultRequestsPerMinute, time.Minute)
	orchestrator := app.NewOrchestrator(service, cacheStore, limiter)

	httpServer := app.NewHTTPServer(service, orchestrator, eventManager, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: the event stream endpoints hold their
		// connections open indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("UCL API listening on %s", cfg.Addr)
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
