// internal/app/app.go
package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/Slade66/media-tracker/internal/client"
	"github.com/Slade66/media-tracker/internal/clock"
	"github.com/Slade66/media-tracker/internal/config"
	"github.com/Slade66/media-tracker/internal/logging"
	"github.com/Slade66/media-tracker/internal/manager"
	"github.com/Slade66/media-tracker/internal/notify"
	"github.com/Slade66/media-tracker/internal/retry"
	"github.com/Slade66/media-tracker/internal/scheduler"
	"github.com/Slade66/media-tracker/internal/store"
)

// App 是组装好的一个 tracker 进程
type App struct {
	Config  *config.Config
	Loggers *logging.Loggers
	Client  *client.Client
	Manager *manager.Manager
	// 只有存储或通知需要时 Redis 才不为 nil
	Redis *redis.Client

	closers []func() error
}

// New 根据 cfg 创建所有组件，不会启动 manager
func New(ctx context.Context, cfg *config.Config, extra ...notify.Notifier) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Loggers: logging.NewLoggers(cfg)}

	if cfg.Storage.Backend == config.BackendRedis || cfg.Notify.Stream != "" {
		rdb, err := ConnectRedis(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		a.Redis = rdb
		a.closers = append(a.closers, rdb.Close)
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	notifiers := append([]notify.Notifier{}, extra...)
	if cfg.Notify.Log {
		notifiers = append(notifiers, notify.NewLogNotifier(a.Loggers.For("Notifier")))
	}
	if cfg.Notify.Stream != "" {
		notifiers = append(notifiers, notify.NewStreamNotifier(a.Redis, cfg.Notify.Stream, a.Loggers.For("Notifier")))
	}

	a.Client = client.New(cfg.Server.BaseURL, client.Options{
		Timeout: cfg.Server.Timeout,
		Log:     a.Loggers.For("Client"),
	})

	a.Manager = manager.New(manager.Deps{
		Client:   a.Client,
		Store:    store.New(backend, a.Loggers.For("Store")),
		Timers:   scheduler.New(a.Loggers.For("Scheduler")),
		Notifier: notify.Multi(notifiers...),
		Clock:    clock.NewClock(),
		Log:      a.Loggers.For("Manager"),
	}, manager.Options{
		Cadence:          scheduler.Cadence{Initial: cfg.Polling.Initial, Normal: cfg.Polling.Normal},
		Retry:            retry.Policy{MaxFailures: cfg.Polling.MaxFailures},
		Retention:        cfg.Retention.Window,
		GCInterval:       cfg.Retention.GCInterval,
		ExternallyHosted: cfg.Artifacts.ExternallyHosted,
	})

	return a, nil
}

func (a *App) openBackend(ctx context.Context) (store.Backend, error) {
	s := a.Config.Storage
	switch s.Backend {
	case config.BackendRedis:
		return store.NewRedisBackend(a.Redis, s.Key), nil
	case config.BackendBlob:
		b, err := store.OpenBlobBackend(ctx, s.BlobURL, s.Key)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	case config.BackendObs:
		b, err := store.NewObsBackend(s.Obs.Endpoint, s.Obs.AK, s.Obs.SK, s.Obs.Bucket, s.Key)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			b.Close()
			return nil
		})
		return b, nil
	case config.BackendMemory:
		return store.NewMemoryBackend(), nil
	default:
		return nil, errors.Newf("unknown storage backend %q", s.Backend)
	}
}

// Close 按创建的逆序释放存储和 Redis 连接
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// ConnectRedis 创建 Redis 客户端并用 PING 检查连接
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", cfg.Addr)
	}
	return rdb, nil
}
