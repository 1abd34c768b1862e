// Command runner claims and processes a batch of pending export jobs, then
// exits. Meant to be invoked by cron or scheduled compute; job failures are
// recorded on the job rows, not reflected in the exit code.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"inspection-sync/internal/archive"
	"inspection-sync/internal/config"
	"inspection-sync/internal/export"
	"inspection-sync/internal/models"
	"inspection-sync/internal/sharepoint"
	"inspection-sync/internal/store"
	"inspection-sync/internal/worker"
)

func main() {
	cfg := config.Load()

	batch := flag.Int("batch", cfg.BatchSize, "maximum jobs to claim this run")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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
		log.Fatalf("init archive: %v", err)
	}

	processor := worker.NewProcessor(st, cfg)
	handler := worker.NewSharePointHandler(st, client, renderer, arc)
	processor.RegisterHandler(models.JobTypeSharePointExport, handler.Handle)

	stats, err := processor.ProcessPending(ctx, *batch)
	if err != nil {
		log.Fatalf("process pending: %v", err)
	}
	log.Printf("run finished: claimed=%d succeeded=%d retried=%d failed=%d swept=%d",
		stats.Claimed, stats.Succeeded, stats.Retried, stats.Failed, stats.Swept)
}
