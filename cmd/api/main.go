package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/akunstore/go-stock-engine/internal/cart"
	"github.com/akunstore/go-stock-engine/internal/checkout"
	"github.com/akunstore/go-stock-engine/internal/config"
	"github.com/akunstore/go-stock-engine/internal/httpx"
	kafkax "github.com/akunstore/go-stock-engine/internal/kafka"
	"github.com/akunstore/go-stock-engine/internal/logging"
	"github.com/akunstore/go-stock-engine/internal/postgres"
	"github.com/akunstore/go-stock-engine/internal/redisx"
	"github.com/akunstore/go-stock-engine/internal/shop"
	memstore "github.com/akunstore/go-stock-engine/internal/shop/memory"
	pgstore "github.com/akunstore/go-stock-engine/internal/shop/postgres"
	"github.com/akunstore/go-stock-engine/internal/sweeper"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.ServiceName)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store   shop.Store
		catalog shop.Catalog
	)
	switch cfg.StoreBackend {
	case "memory":
		store = memstore.NewStore()
		if cfg.CatalogFile != "" {
			c, err := memstore.LoadCatalog(cfg.CatalogFile)
			if err != nil {
				log.Fatal("load catalog", zap.Error(err))
			}
			catalog = c
		} else {
			catalog = memstore.NewCatalog()
		}
		log.Warn("memory backend keeps no state across restarts")
	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("db connect", zap.Error(err))
		}
		defer db.Close()
		store = &pgstore.Store{DB: db}
		catalog = &pgstore.Catalog{DB: db}
	}

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	orderProd := kafkax.NewProducer(cfg.KafkaBrokers, shop.TopicOrderCompleted, 1024, log)
	orderProd.Start(ctx)
	expiryProd := kafkax.NewProducer(cfg.KafkaBrokers, shop.TopicReservationExpired, 1024, log)
	expiryProd.Start(ctx)

	cartMgr := &cart.Manager{
		Store:   store,
		Catalog: catalog,
		HoldTTL: cfg.HoldTTL,
		Redis:   rdb,
		Log:     log,
	}
	coordinator := &checkout.Coordinator{
		Store:    store,
		Producer: orderProd,
		Redis:    rdb,
		Service:  cfg.ServiceName,
		Log:      log,
	}
	sweep := &sweeper.Sweeper{
		Store:    store,
		Interval: cfg.SweepInterval,
		Batch:    cfg.SweepBatch,
		Producer: expiryProd,
		Service:  cfg.ServiceName,
		Log:      log,
	}

	router := httpx.NewRouter()
	(&httpx.StoreHandler{Cart: cartMgr, Checkout: coordinator, Store: store, Redis: rdb}).Register(router)
	(&httpx.AdminHandler{Store: store, Catalog: catalog}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sweep.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("service exited", zap.Error(err))
	}

	orderProd.Close()
	expiryProd.Close()
	orderProd.WaitClosed()
	expiryProd.WaitClosed()
}
