package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shallabuf/collabd/internal/bus"
	"github.com/shallabuf/collabd/internal/config"
	"github.com/shallabuf/collabd/internal/logger"
	"github.com/shallabuf/collabd/internal/objectstorage"
	"github.com/shallabuf/collabd/internal/wasmworker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "wasmworker: "+err.Error())
		os.Exit(1)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.Worker()

	log.Info().Str("url", cfg.NATSURL).Msg("connecting to nats")
	transport, err := bus.NewNatsTransport(bus.NatsConfig{URL: cfg.NATSURL})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer transport.Close()

	ctx := context.Background()
	objects, err := objectstorage.New(ctx, objectstorage.Config{
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		ResultsBucket:   cfg.S3ResultsBucket,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize object storage client")
	}

	runTimeout := time.Duration(cfg.WasmRunTimeoutSeconds) * time.Second
	httpBridge := wasmworker.NewHTTPBridge(runTimeout)
	engine := wasmworker.NewEngine(httpBridge, objects, runTimeout)
	worker := wasmworker.NewWorker(transport, objects, objects, engine, cfg.MaxNATSMessageBytes)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msg("wasmworker listening for pipeline node executions")
		errCh <- worker.Run(runCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("worker stopped unexpectedly")
		}
	}
}
