package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shallabuf/collabd/internal/auth"
	"github.com/shallabuf/collabd/internal/bus"
	"github.com/shallabuf/collabd/internal/config"
	"github.com/shallabuf/collabd/internal/logger"
	"github.com/shallabuf/collabd/internal/metrics"
	"github.com/shallabuf/collabd/internal/presence"
	"github.com/shallabuf/collabd/internal/storage"
	"github.com/shallabuf/collabd/internal/ws"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "collabd: "+err.Error())
		os.Exit(1)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	log.Info().Msg("connecting to redis")
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	documentStore, err := storage.NewRedisDocumentStore(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize document store")
	}
	defer documentStore.Close()

	sessionRegistry := presence.NewRedisSessionRegistry(redisClient)

	log.Info().Msg("connecting to metrics database")
	metricsRepo, err := metrics.NewRepository(cfg.MetricsDatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics repository")
	}
	defer metricsRepo.Close()

	collector := metrics.NewCollector(metricsRepo)
	defer collector.Close()

	log.Info().Str("url", cfg.NATSURL).Msg("connecting to nats")
	transport, err := bus.NewNatsTransport(bus.NatsConfig{URL: cfg.NATSURL})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer transport.Close()

	fanout := ws.NewFanout()
	broadcastChan := make(chan bus.BroadcastMessage, bus.BroadcastChannelCapacity)
	go fanout.Run(broadcastChan)

	broadcastHandler := bus.NewBroadcastHandler(broadcastChan)
	messageBus := bus.New(transport, bus.JSONProcessor{}, broadcastHandler)
	proxy := bus.NewProxy(messageBus, documentStore)

	validator := auth.NewValidator(cfg.JWTSecret)
	handler := ws.NewHandler(documentStore, proxy, collector)
	server := ws.NewServer(validator, sessionRegistry, handler, fanout, collector)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	go func() {
		if err := messageBus.Start(rootCtx); err != nil {
			log.Error().Err(err).Msg("message bus stopped")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", server)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("collabd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	cancelRoot()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}
}
