package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
	Executor  ExecutorConfig  `yaml:"executor" mapstructure:"executor"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Media     MediaConfig     `yaml:"media" mapstructure:"media"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// ExecutorConfig locates the external task-execution platform
type ExecutorConfig struct {
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type ReconcileConfig struct {
	Interval     time.Duration `yaml:"interval" mapstructure:"interval"`
	Concurrency  int           `yaml:"concurrency" mapstructure:"concurrency"`
	SkipTerminal bool          `yaml:"skip_terminal" mapstructure:"skip_terminal"`
}

type StorageConfig struct {
	Driver        string        `yaml:"driver" mapstructure:"driver"`
	SQLitePath    string        `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	EtcdEndpoints []string      `yaml:"etcd_endpoints" mapstructure:"etcd_endpoints"`
	EtcdTimeout   time.Duration `yaml:"etcd_timeout" mapstructure:"etcd_timeout"`
	PostgresDSN   string        `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
}

type MediaConfig struct {
	Dir           string `yaml:"dir" mapstructure:"dir"`
	PublicURL     string `yaml:"public_url" mapstructure:"public_url"`
	MaxImageBytes int64  `yaml:"max_image_bytes" mapstructure:"max_image_bytes"`
	MaxVideoBytes int64  `yaml:"max_video_bytes" mapstructure:"max_video_bytes"`
}

// Default returns the built-in configuration. It is not valid on its own:
// the executor base URL and JWT secret have no defaults.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":3000",
			ShutdownTimeout: 10 * time.Second,
		},
		Executor: ExecutorConfig{
			Timeout: 10 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:    10 * time.Minute,
			Concurrency: 4,
		},
		Storage: StorageConfig{
			Driver:        "sqlite",
			SQLitePath:    "data/tasks.db",
			EtcdEndpoints: []string{"localhost:2379"},
			EtcdTimeout:   5 * time.Second,
		},
		Media: MediaConfig{
			Dir:           "data/media",
			PublicURL:     "http://localhost:3000/media",
			MaxImageBytes: 1 << 20,
			MaxVideoBytes: 5 << 20,
		},
	}
}

// envAliases are the variable names the service has historically been deployed with
var envAliases = map[string]string{
	"executor.base_url": "TASK_EXECUTOR_API",
	"auth.jwt_secret":   "JWT_SECRET",
}

// Load merges defaults, the YAML file at path (optional) and the environment.
// Environment variables use the DISPATCHER_ prefix, e.g. DISPATCHER_EXECUTOR_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("DISPATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		if err := v.BindEnv(key, "DISPATCHER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), alias); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// PORT is honoured when no explicit address is configured
	if port := os.Getenv("PORT"); port != "" && os.Getenv("DISPATCHER_HTTP_ADDR") == "" && !v.InConfig("http.addr") {
		cfg.HTTP.Addr = ":" + port
	}
	return cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can override it
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("executor.base_url", d.Executor.BaseURL)
	v.SetDefault("executor.timeout", d.Executor.Timeout)
	v.SetDefault("reconcile.interval", d.Reconcile.Interval)
	v.SetDefault("reconcile.concurrency", d.Reconcile.Concurrency)
	v.SetDefault("reconcile.skip_terminal", d.Reconcile.SkipTerminal)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.etcd_endpoints", d.Storage.EtcdEndpoints)
	v.SetDefault("storage.etcd_timeout", d.Storage.EtcdTimeout)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("media.dir", d.Media.Dir)
	v.SetDefault("media.public_url", d.Media.PublicURL)
	v.SetDefault("media.max_image_bytes", d.Media.MaxImageBytes)
	v.SetDefault("media.max_video_bytes", d.Media.MaxVideoBytes)
}

// Validate reports every setting the service cannot start without
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Executor.BaseURL) == "" {
		errs = append(errs, errors.New("executor.base_url is required (set TASK_EXECUTOR_API or DISPATCHER_EXECUTOR_BASE_URL)"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required (set JWT_SECRET or DISPATCHER_AUTH_JWT_SECRET)"))
	}
	if c.Executor.Timeout <= 0 {
		errs = append(errs, errors.New("executor.timeout must be positive"))
	}
	if c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile.interval must be positive"))
	}
	if c.Reconcile.Concurrency <= 0 {
		errs = append(errs, errors.New("reconcile.concurrency must be positive"))
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "etcd":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, sqlite, etcd, postgres", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// WriteDefault writes the default configuration as YAML to path
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
