package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"inspection-sync/internal/api"
	"inspection-sync/internal/archive"
	"inspection-sync/internal/config"
	"inspection-sync/internal/export"
	"inspection-sync/internal/models"
	"inspection-sync/internal/ratelimit"
	"inspection-sync/internal/sharepoint"
	"inspection-sync/internal/store"
	"inspection-sync/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	processor, err := buildProcessor(ctx, cfg, st, redisClient)
	if err != nil {
		log.Fatalf("build processor: %v", err)
	}

	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, processor, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildProcessor(ctx context.Context, cfg config.Config, st *store.Store, redisClient *redis.Client) (*worker.Processor, error) {
	tokens := sharepoint.NewCachedTokenSource(
		redisClient,
		"sharepoint:token",
		cfg.TokenCacheSlack,
		sharepoint.NewClientCredentialsSource(
			sharepoint.TokenURL(cfg.SharePointTenantID),
			cfg.SharePointClientID,
			cfg.SharePointClientSecret,
			cfg.SharePointScope,
		),
	)
	client := sharepoint.NewClient(cfg.SharePointBaseURL, cfg.SharePointDriveID, tokens, 30*time.Second)
	renderer := export.NewRenderer(cfg.PhotoTimeout, cfg.PhotoMaxBytes, cfg.PhotoWidth)

	arc, err := archive.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	processor := worker.NewProcessor(st, cfg)
	handler := worker.NewSharePointHandler(st, client, renderer, arc)
	processor.RegisterHandler(models.JobTypeSharePointExport, handler.Handle)
	return processor, nil
}
