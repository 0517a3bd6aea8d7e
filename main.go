package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"priceflow/config"
	"priceflow/internal/collector"
	"priceflow/internal/dashboard"
	"priceflow/internal/reader/rest"
	"priceflow/internal/reader/stream"
	"priceflow/internal/store"
	"priceflow/internal/symbols"
	"priceflow/logger"
	"priceflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Priceflow.Name,
		"version": cfg.Priceflow.Version,
	}).Info("starting priceflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportEach)
	}

	priceStore, err := store.Open(cfg.Storage.SQLite.Path)
	if err != nil {
		log.WithError(err).Error("failed to open price store")
		os.Exit(1)
	}
	defer priceStore.Close()

	pairs := symbols.NewMap(cfg.Collector.QuoteCurrency)
	restClient := rest.NewClient(cfg, pairs)
	streamClient := stream.NewClient(cfg, pairs)

	col := collector.New(cfg, pairs, streamClient, restClient, priceStore)

	var archiveWriter *writer.ArchiveWriter
	if cfg.Storage.Archive.Enabled {
		archiveWriter, err = writer.NewArchiveWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
		col.AddCallback(archiveWriter.Add)
	} else {
		log.WithComponent("main").Info("tick archive disabled; skipping S3 writer")
	}

	if archiveWriter != nil {
		if err := archiveWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	}

	if err := col.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start collector")
		os.Exit(1)
	}

	statusServer := dashboard.NewServer(cfg.Dashboard, col)
	go func() {
		if err := statusServer.Run(ctx); err != nil {
			log.WithError(err).Warn("status server exited with error")
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		col.Stop()
		if archiveWriter != nil {
			archiveWriter.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("priceflow stopped")
}
