package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/comptapilot/comptapilot/internal/ai"
	"github.com/comptapilot/comptapilot/internal/common"
	"github.com/comptapilot/comptapilot/internal/config"
	"github.com/comptapilot/comptapilot/internal/export"
	"github.com/comptapilot/comptapilot/internal/ingest"
	"github.com/comptapilot/comptapilot/internal/ocr"
	"github.com/comptapilot/comptapilot/internal/pipeline"
	"github.com/comptapilot/comptapilot/internal/queue"
	"github.com/comptapilot/comptapilot/internal/repository"
	"github.com/comptapilot/comptapilot/internal/securefield"
	"github.com/comptapilot/comptapilot/internal/server"
	"github.com/comptapilot/comptapilot/internal/storage"
	"github.com/comptapilot/comptapilot/pkg/database"
	"github.com/comptapilot/comptapilot/pkg/utils"
)

func main() {
	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting ComptaPilot",
		zap.Int("port", cfg.Server.Port))

	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	migrator := database.NewMigrator(db, logger)
	if err := migrator.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	invoiceRepo := repository.NewInvoiceRepository(db, logger)
	lineRepo := repository.NewLedgerLineRepository(db, logger)
	batchRepo := repository.NewExportBatchRepository(db, logger)

	blobs, err := storage.NewLocalBlobStore(cfg.Storage.BaseDir, logger)
	if err != nil {
		logger.Fatal("Failed to initialize blob storage", zap.Error(err))
	}

	codec, err := securefield.New(cfg.Crypto.EncryptionKey)
	if err != nil {
		logger.Fatal("Failed to initialize field encryption", zap.Error(err))
	}

	ctx := context.Background()
	extractor, err := ocr.NewDocumentAIExtractor(ctx, ocr.DocumentAIConfig{
		ProjectID:       cfg.OCR.ProjectID,
		Location:        cfg.OCR.Location,
		ProcessorID:     cfg.OCR.ProcessorID,
		CredentialsFile: cfg.OCR.CredentialsFile,
		Timeout:         cfg.OCR.Timeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Document AI client", zap.Error(err))
	}
	defer extractor.Close()

	classifier := ai.NewOpenAIClassifier(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.Model,
		cfg.OpenAI.Temperature,
		cfg.OpenAI.MaxTokens,
		logger,
	)

	publisher := queue.NewHTTPPublisher(cfg.Queue.BaseURL, cfg.Queue.SigningKey, cfg.Queue.Timeout, logger)
	verifier := queue.NewVerifier(cfg.Queue.SigningKey, logger)
	inspector := ingest.NewInspector(logger)

	pipelineService := pipeline.NewService(
		invoiceRepo,
		blobs,
		inspector,
		extractor,
		classifier,
		codec,
		publisher,
		common.DefaultRetryOptions(),
		logger,
	)
	exportService := export.NewService(invoiceRepo, lineRepo, batchRepo, blobs, logger)

	srv := server.New(cfg.Server, pipelineService, exportService, invoiceRepo, lineRepo, verifier, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	case sig := <-quit:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", zap.Error(err))
		}
	}
}
