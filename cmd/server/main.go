package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/suPer8Hu/rental-chat/internal/chat"
	"github.com/suPer8Hu/rental-chat/internal/config"
	"github.com/suPer8Hu/rental-chat/internal/db"
	"github.com/suPer8Hu/rental-chat/internal/httpapi"
	"github.com/suPer8Hu/rental-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/rental-chat/internal/intent"
	"github.com/suPer8Hu/rental-chat/internal/logger"
	"github.com/suPer8Hu/rental-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/rental-chat/internal/store/redisstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	zl, err := logger.New(logger.Config{Level: cfg.LogLevel, Dev: !cfg.IsProduction()})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	gdb := db.Connect(cfg.DBDSN)
	if err := db.Migrate(gdb); err != nil {
		zl.Fatal("migrate", zap.Error(err))
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rds.Ping(pctx); err != nil {
		zl.Warn("redis unreachable, deferred intents will fail until it recovers", zap.Error(err))
	}
	cancel()

	// events are best effort: the API works without the broker
	var events chat.EventPublisher
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		zl.Warn("rabbitmq unavailable, message notifications disabled", zap.Error(err))
	} else {
		defer pub.Close()
		events = pub
	}

	svc := chat.NewService(chat.NewRepo(gdb), events, zl, cfg.StoreTimeout)
	h := handlers.NewHandler(gdb, cfg, svc, func(deviceID string) intent.KV {
		return rds.DeviceKV(deviceID, cfg.IntentTTL)
	}, zl)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg, h),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info("http server started", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zl.Info("http server shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		zl.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}
