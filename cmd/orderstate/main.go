// Command orderstate runs the order-state cache layer: the reconciliation
// admin surface, the live portfolio feed and the cross-process event bus.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tradewire/orderstate/internal/bus"
	"github.com/tradewire/orderstate/internal/cache"
	"github.com/tradewire/orderstate/internal/config"
	"github.com/tradewire/orderstate/internal/order"
	"github.com/tradewire/orderstate/internal/pindex"
	"github.com/tradewire/orderstate/internal/recon"
	"github.com/tradewire/orderstate/internal/server"
	"github.com/tradewire/orderstate/internal/sqlstore"
	"github.com/tradewire/orderstate/internal/ws"
	"github.com/tradewire/orderstate/pkg/logger"
	"github.com/tradewire/orderstate/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("orderstate exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	cacheClient, err := cache.NewClient(&cfg.Redis, log.Sugar())
	if err != nil {
		return err
	}
	defer func() { _ = cacheClient.Close() }()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	defer func() { _ = sqlDB.Close() }()

	met := metrics.New()
	repo := sqlstore.NewRepository(db, log)
	store := order.NewStore(cacheClient.Redis(), repo, log)
	indexes := pindex.NewManager(cacheClient.Redis(), log)

	eventBus := bus.New(cacheClient.Redis(), &cfg.Bus, log, met)
	if err := eventBus.Start(context.Background()); err != nil {
		return err
	}
	defer eventBus.Stop()

	svc := recon.NewService(cacheClient, store, repo, indexes, eventBus, met, log)
	feed := ws.NewFeed(eventBus, log)
	router := server.NewRouter(svc, feed, met, log)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("admin server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown incomplete", zap.Error(err))
	}
	return nil
}
