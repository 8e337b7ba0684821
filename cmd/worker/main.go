package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/Slade66/media-tracker/internal/app"
	"github.com/Slade66/media-tracker/internal/config"
	"github.com/Slade66/media-tracker/internal/logging"
	"github.com/Slade66/media-tracker/internal/notify"
)

// consumerName 返回本 worker 在消费者组中的名字
func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("worker-%d", time.Now().Unix())
	}
	return host
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	log := logging.New(zapcore.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(err, "failed to load configuration")
		os.Exit(1)
	}
	loggers := logging.NewLoggers(&cfg)
	log = loggers.For("Worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := app.ConnectRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		log.Error(err, "worker cannot reach redis")
		os.Exit(1)
	}
	defer rdb.Close()
	log.Info("connected to redis", "addr", cfg.Storage.Redis.Addr)

	stream := cfg.Notify.Stream
	if stream == "" {
		stream = notify.DefaultStream
	}
	consumer := notify.NewConsumer(rdb, stream, cfg.Notify.Group, consumerName(),
		notify.NewLogNotifier(loggers.For("Notifier")), log)

	if err := consumer.EnsureGroup(ctx); err != nil {
		log.Error(err, "failed to prepare consumer group")
		os.Exit(1)
	}
	if err := consumer.Run(ctx); err != nil {
		log.Error(err, "consumer stopped")
		os.Exit(1)
	}
	log.Info("worker stopped")
}
