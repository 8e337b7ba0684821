package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Storage backends understood by the tracker.
const (
	BackendBlob   = "blob"
	BackendRedis  = "redis"
	BackendObs    = "obs"
	BackendMemory = "memory"
)

type ServerConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type PollingConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Normal      time.Duration `yaml:"normal"`
	MaxFailures int           `yaml:"max_failures"`
}

type RetentionConfig struct {
	Window time.Duration `yaml:"window"`
	// GCInterval of zero runs garbage collection only at startup.
	GCInterval time.Duration `yaml:"gc_interval"`
}

type ArtifactsConfig struct {
	// ExternallyHosted means download URLs point at a third-party host, so the
	// media server holds nothing to delete when a job is cleared.
	ExternallyHosted bool `yaml:"externally_hosted"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ObsConfig struct {
	Endpoint string `yaml:"endpoint"`
	AK       string `yaml:"ak"`
	SK       string `yaml:"sk"`
	Bucket   string `yaml:"bucket"`
}

type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Key     string      `yaml:"key"`
	BlobURL string      `yaml:"blob_url"`
	Redis   RedisConfig `yaml:"redis"`
	Obs     ObsConfig   `yaml:"obs"`
}

type NotifyConfig struct {
	// Stream enables publishing notifications to a Redis stream.
	Stream string `yaml:"stream"`
	Group  string `yaml:"group"`
	Log    bool   `yaml:"log"`
}

type APIConfig struct {
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	DefaultLevel string            `yaml:"default_level"`
	Components   map[string]string `yaml:"components"`
}

// Config is the full tracker configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Polling   PollingConfig   `yaml:"polling"`
	Retention RetentionConfig `yaml:"retention"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Storage   StorageConfig   `yaml:"storage"`
	Notify    NotifyConfig    `yaml:"notify"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns a Config with the built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Polling: PollingConfig{
			Initial:     2 * time.Second,
			Normal:      5 * time.Second,
			MaxFailures: 3,
		},
		Retention: RetentionConfig{
			Window: 7 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			Backend: BackendBlob,
			Key:     "activeDownloads",
			BlobURL: "file:///var/lib/media-tracker",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Notify: NotifyConfig{
			Group: "notify-group",
			Log:   true,
		},
		API: APIConfig{
			Address: ":8080",
		},
		Logging: LoggingConfig{
			DefaultLevel: "info",
			Components:   map[string]string{},
		},
	}
}

// LoadFromFile overlays the YAML file at path on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config file")
	}
	return cfg, nil
}

// Load returns the defaults overlaid with the optional YAML file at path and
// then with the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("TRACKER_SERVER_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("TRACKER_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid REDIS_DB %q", v)
		}
		c.Storage.Redis.DB = db
	}
	if v := os.Getenv("OBS_ENDPOINT"); v != "" {
		c.Storage.Obs.Endpoint = v
	}
	if v := os.Getenv("OBS_AK"); v != "" {
		c.Storage.Obs.AK = v
	}
	if v := os.Getenv("OBS_SK"); v != "" {
		c.Storage.Obs.SK = v
	}
	if v := os.Getenv("OBS_BUCKET"); v != "" {
		c.Storage.Obs.Bucket = v
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.BaseURL == "" {
		problems = append(problems, "server.base_url is required")
	}
	if c.Polling.Initial <= 0 || c.Polling.Normal <= 0 {
		problems = append(problems, "polling intervals must be positive")
	}
	if c.Polling.MaxFailures < 1 {
		problems = append(problems, "polling.max_failures must be at least 1")
	}
	if c.Retention.Window <= 0 {
		problems = append(problems, "retention.window must be positive")
	}
	if c.Storage.Key == "" {
		problems = append(problems, "storage.key is required")
	}
	switch c.Storage.Backend {
	case BackendBlob:
		if c.Storage.BlobURL == "" {
			problems = append(problems, "storage.blob_url is required for the blob backend")
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			problems = append(problems, "storage.redis.addr is required for the redis backend")
		}
	case BackendObs:
		o := c.Storage.Obs
		if o.Endpoint == "" || o.AK == "" || o.SK == "" || o.Bucket == "" {
			problems = append(problems, "OBS configuration is incomplete, check OBS_ENDPOINT, OBS_AK, OBS_SK, OBS_BUCKET")
		}
	case BackendMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Newf("invalid configuration: %s", strings.Join(problems, "; "))
}

// ComponentLevel returns the configured level for a named component.
func (c *Config) ComponentLevel(name string) zapcore.Level {
	if lvl, ok := c.Logging.Components[name]; ok {
		return ParseLevel(lvl)
	}
	return ParseLevel(c.Logging.DefaultLevel)
}

func ParseLevel(lvl string) zapcore.Level {
	var level zapcore.Level
	switch lvl {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	case "none":
		level = zapcore.PanicLevel
	default:
		level = zapcore.InfoLevel
	}
	return level
}
