package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"docbatch/internal/batch"
	"docbatch/internal/config"
	"docbatch/internal/convert"
	fileutil "docbatch/internal/file"
	"docbatch/internal/queue"
	"docbatch/internal/store"
)

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}

	statusStore, err := store.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open status store")
	}

	workQueue, err := queue.NewRedis(cfg.RedisAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to work queue")
	}

	converter := convert.NewClient(cfg.ConverterURL, cfg.ConvertTimeout())

	pipeline := batch.NewPipeline(statusStore, workQueue, converter, batch.Options{
		DataDir:         cfg.DataDir,
		SourceExtension: cfg.SourceExtension,
		TargetExtension: cfg.TargetExtension,
	})

	consumer := queue.NewConsumer(workQueue, cfg.MaxConcurrentWorkers)
	consumer.Handle(batch.ChannelExpandBatch, pipeline.HandleExpandItem)
	consumer.Handle(batch.ChannelConvertDocument, pipeline.HandleConvertItem)

	baseCtx, cancel := context.WithCancel(context.Background())
	go func() {
		waitForShutdownSignal()
		cancel()
	}()

	if err := consumer.Run(baseCtx); err != nil {
		log.Fatal().Err(err).Msg("consumer failed")
	}

	if err := workQueue.Close(); err != nil {
		log.Warn().Err(err).Msg("work queue close warning")
	}
	log.Info().Msg("worker exited cleanly")
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}
