package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/modelchat/internal/ai"
	"github.com/suPer8Hu/modelchat/internal/chat"
	"github.com/suPer8Hu/modelchat/internal/common"
	"github.com/suPer8Hu/modelchat/internal/config"
	"github.com/suPer8Hu/modelchat/internal/db"
	"github.com/suPer8Hu/modelchat/internal/httpapi"
	"github.com/suPer8Hu/modelchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/modelchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/modelchat/internal/store/redisstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	common.SetupLogging(cfg.LogLevel)

	gdb := db.Connect(cfg.DBDSN)

	live := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LiveTranscriptTTL())
	defer live.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	var liveStore chat.LiveStore
	if err := live.Ping(pingCtx); err != nil {
		// live transcripts are optional, streaming still works without them
		slog.Warn("redis unavailable, live transcripts disabled", "addr", cfg.RedisAddr, "error", err)
	} else {
		liveStore = live
	}
	cancel()

	reg := ai.NewRegistryFromConfig(cfg)
	svc := chat.NewService(chat.NewRepo(gdb), reg, cfg.ChatContextWindowSize, chat.WithLiveStore(liveStore))

	var rabbit handlers.JobPublisher
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		slog.Warn("rabbitmq unavailable, async jobs disabled", "error", err)
	} else {
		defer pub.Close()
		rabbit = pub
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(gdb, cfg, svc, rabbit),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("server listening", "addr", cfg.HTTPAddr, "provider", cfg.AIProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("server shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}
