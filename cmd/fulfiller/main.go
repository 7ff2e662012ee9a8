package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/akunstore/go-stock-engine/internal/config"
	"github.com/akunstore/go-stock-engine/internal/fulfiller"
	kafkax "github.com/akunstore/go-stock-engine/internal/kafka"
	"github.com/akunstore/go-stock-engine/internal/logging"
	"github.com/akunstore/go-stock-engine/internal/postgres"
	"github.com/akunstore/go-stock-engine/internal/redisx"
	"github.com/akunstore/go-stock-engine/internal/shop"
	pgstore "github.com/akunstore/go-stock-engine/internal/shop/postgres"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	name := cfg.ServiceName + "-fulfiller"
	log := logging.New(name)
	defer func() { _ = log.Sync() }()

	if cfg.StoreBackend == "memory" {
		log.Fatal("fulfiller needs the shared postgres backend")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, shop.TopicOrderDelivered, 1024, log)
	prod.Start(ctx)

	svc := &fulfiller.Service{
		Store:       &pgstore.Store{DB: db},
		Redis:       rdb,
		Producer:    prod,
		ServiceName: name,
		Log:         log,
	}

	group := getenv("FULFILLER_GROUP", "fulfiller-svc")
	workers := atoi(os.Getenv("FULFILLER_WORKERS"), 8)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, shop.TopicOrderCompleted, workers, log)

	go func() {
		log.Info("consumer started",
			zap.String("group", group),
			zap.String("topic", shop.TopicOrderCompleted),
			zap.Int("workers", workers))
		if err := cons.Start(ctx, svc.HandleOrderCompleted); err != nil {
			log.Error("consumer exit", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down consumer")
	time.Sleep(500 * time.Millisecond)
	prod.Close()
	prod.WaitClosed()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoi(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
