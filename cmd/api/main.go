package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zapcore"

	"github.com/Slade66/media-tracker/internal/api"
	"github.com/Slade66/media-tracker/internal/app"
	"github.com/Slade66/media-tracker/internal/config"
	"github.com/Slade66/media-tracker/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	log := logging.New(zapcore.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(err, "failed to load configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker, err := app.New(ctx, &cfg)
	if err != nil {
		log.Error(err, "failed to initialise tracker")
		os.Exit(1)
	}
	defer tracker.Close()

	log = tracker.Loggers.Root()
	tracker.Manager.Start(ctx)
	defer tracker.Manager.Shutdown()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    cfg.API.Address,
		Handler: api.NewRouter(tracker.Manager, tracker.Loggers.For("API")),
	}

	go func() {
		log.Info("API listening", "address", cfg.API.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "API server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "API server shutdown")
	}
}
