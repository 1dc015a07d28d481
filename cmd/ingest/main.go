package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/eventpix/facematch/internal/analysis"
	"github.com/eventpix/facematch/internal/audit"
	"github.com/eventpix/facematch/internal/cache"
	"github.com/eventpix/facematch/internal/config"
	"github.com/eventpix/facematch/internal/database"
	"github.com/eventpix/facematch/internal/face"
	"github.com/eventpix/facematch/internal/repository"
	"github.com/eventpix/facematch/internal/resolver"
	"github.com/eventpix/facematch/internal/service"
	"github.com/eventpix/facematch/internal/store"
	"github.com/eventpix/facematch/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := config.NewLogger(cfg.Environment)
	slog.SetDefault(logger)

	logger.Info("starting photo ingest",
		slog.String("environment", cfg.Environment),
		slog.String("photo_dir", cfg.PhotoDir),
		slog.String("detector", cfg.DetectorType),
		slog.String("encoder", cfg.EncoderType),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPgxPool(ctx, database.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	detector, err := face.NewDetector(ctx, cfg)
	if err != nil {
		return err
	}
	encoder, err := face.NewEncoder(cfg)
	if err != nil {
		return err
	}

	identities := repository.NewIdentityRepository(pool)
	detections := repository.NewDetectionRepository(pool)
	associations := repository.NewAssociationRepository(pool)
	embeddings := repository.NewEmbeddingRepository(pool)

	population := store.New(embeddings, logger, store.Options{
		MaxPerIdentity: cfg.MaxEmbeddingsPerIdentity,
		CacheTTL:       cfg.PopulationCacheTTL,
	})
	faceResolver := resolver.New(population, identities, cfg, logger)
	analyzer := analysis.New(logger)

	results := cache.New(pool)
	if dropped, err := results.CleanupExpired(ctx); err != nil {
		logger.Warn("result cache cleanup failed", "error", err)
	} else if dropped > 0 {
		logger.Info("dropped expired photo results", "count", dropped)
	}

	webhooks := webhook.NewService(pool, logger)
	retryWorker := webhook.NewWorker(pool, webhooks, logger)
	go retryWorker.Run(ctx)
	defer retryWorker.Stop()

	photos := service.NewPhotoService(
		detector, encoder, analyzer, faceResolver,
		identities, detections, associations, population,
		audit.NewSlogLogger(logger), cfg.DetectorType, logger,
	)

	return ingestDir(ctx, cfg, logger, photos, results, webhooks)
}

func ingestDir(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	photos *service.PhotoService,
	results *cache.ResultCache,
	webhooks *webhook.Service,
) error {
	entries, err := os.ReadDir(cfg.PhotoDir)
	if err != nil {
		return fmt.Errorf("read photo dir: %w", err)
	}

	var processed, skipped, failed int
	for _, entry := range entries {
		if ctx.Err() != nil {
			logger.Info("ingest interrupted", "processed", processed)
			return ctx.Err()
		}
		if entry.IsDir() || !isPhoto(entry.Name()) {
			continue
		}

		path := filepath.Join(cfg.PhotoDir, entry.Name())

		// Photo IDs are derived from the filename so re-running the
		// ingest maps each file to the same photo.
		photoID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(entry.Name()))

		if _, err := results.Get(ctx, photoID); err == nil {
			logger.Debug("photo already processed", "photo", entry.Name())
			skipped++
			continue
		} else if !errors.Is(err, cache.ErrResultMiss) && !errors.Is(err, cache.ErrResultExpired) {
			return fmt.Errorf("result cache lookup: %w", err)
		}

		imageData, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read photo %s: %w", path, err)
		}

		result, err := photos.ProcessPhoto(ctx, photoID, imageData)
		if err != nil {
			logger.Error("photo processing failed", "photo", entry.Name(), "error", err)
			failed++
			continue
		}
		processed++

		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		if err := results.Put(ctx, photoID, payload, cfg.ResultCacheTTL); err != nil {
			logger.Warn("result cache store failed", "photo", entry.Name(), "error", err)
		}

		if err := webhooks.Dispatch(ctx, webhook.EventPhotoProcessed, result); err != nil {
			logger.Warn("webhook dispatch failed", "photo", entry.Name(), "error", err)
		}
	}

	logger.Info("ingest finished",
		"processed", processed,
		"skipped", skipped,
		"failed", failed,
	)
	return nil
}

func isPhoto(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
