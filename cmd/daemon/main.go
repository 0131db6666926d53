package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"seedgate/internal/config"
	"seedgate/internal/engine"
	"seedgate/internal/gateway"
	"seedgate/internal/manager"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Download.DataDir, 0o755); err != nil {
		logger.Fatalf("create download dir: %v", err)
	}

	trackers := cfg.Trackers
	if len(trackers) == 0 {
		trackers = engine.DefaultTrackers()
	}
	eng, err := engine.NewAnacrolix(engine.Config{
		DataDir:  cfg.Download.DataDir,
		Seed:     cfg.Download.Seed,
		Trackers: trackers,
	})
	if err != nil {
		logger.Fatalf("start torrent engine: %v", err)
	}
	defer eng.Close()

	mgr := manager.New(manager.Config{
		SavePath:        cfg.Download.DataDir,
		StatusInterval:  cfg.Session.StatusInterval,
		FlushInterval:   cfg.Session.FlushInterval,
		DiagInterval:    cfg.Session.DiagInterval,
		CommandTimeout:  cfg.Session.CommandTimeout,
		MetadataTimeout: cfg.Session.MetadataTimeout,
		PendingTTL:      cfg.Session.PendingTTL,
		Logger:          logger,
	}, eng)
	mgr.Run(ctx)

	gw := gateway.New(gateway.Config{Logger: logger}, mgr)
	go gw.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	gw.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	mgr.Shutdown()

	logger.Info("bye")
}
