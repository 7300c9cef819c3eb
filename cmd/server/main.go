package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/config"
	"github.com/emberchat/ember/internal/db"
	"github.com/emberchat/ember/internal/delivery"
	"github.com/emberchat/ember/internal/deliverylog"
	"github.com/emberchat/ember/internal/fabric"
	"github.com/emberchat/ember/internal/httpapi"
	"github.com/emberchat/ember/internal/message"
	"github.com/emberchat/ember/internal/session"
	"github.com/emberchat/ember/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "ember").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}

	// Pretty logging for local dev
	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	pools, err := db.Open(ctx, cfg.DatabaseURL, cfg.DatabaseReplicaURL, cfg.QueryTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pools.Close()

	rdb, err := db.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	st := store.New(pools, cfg.ReplicaMaxLag)
	sessions := session.New(pools.Primary)
	tokens := auth.New(cfg.JWTSecret, cfg.JWTRefreshSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, sessions)

	dlog, err := deliverylog.NewRedisLog(ctx, rdb.Command)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize delivery log")
	}

	nodeID := uuid.New().String()
	hub := fabric.NewHub(nodeID, fabric.NewRedisBus(rdb.Publisher, rdb.Subscriber), fabric.NewRedisPresence(rdb.Command), st, sessions)
	msgSvc := message.New(st, dlog, hub)
	hub.SetMessageService(msgSvc)

	workers := delivery.NewPool(cfg.WorkerCount, dlog, st, hub, delivery.Options{
		BatchSize:    cfg.BatchSize,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
		PollInterval: cfg.PollInterval,
		ErrorBackoff: cfg.ErrorBackoff,
	})

	srv := &httpapi.Server{
		Store:         st,
		Pools:         pools,
		Redis:         rdb,
		DLog:          dlog,
		Hub:           hub,
		Tokens:        tokens,
		WS:            fabric.NewHandler(hub, tokens, cfg.FrontendURL),
		ReplicaMaxLag: cfg.ReplicaMaxLag,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	runCtx, stop := context.WithCancel(ctx)
	go hub.Run(runCtx)
	go workers.Run(runCtx)

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("node_id", nodeID).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new HTTP work first, then let workers finish their
	// current batch, then close sockets with a going-away frame.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	stop()
	select {
	case <-workers.Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("delivery workers did not stop in time")
	}

	hub.Shutdown(shutdownCtx)

	log.Info().Msg("server stopped")
}
