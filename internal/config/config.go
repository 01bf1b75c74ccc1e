package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Device     DeviceConfig     `mapstructure:"device"`
	Bus        BusConfig        `mapstructure:"bus"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Backoff    BackoffConfig    `mapstructure:"backoff"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// DeviceConfig addresses the datalogger web server.
type DeviceConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	Serial    string        `mapstructure:"serial"`
	Timezone  string        `mapstructure:"timezone"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BatchSize int           `mapstructure:"batch_size"`
}

type BusConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicRoot      string        `mapstructure:"topic_root"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	CleanSession   bool          `mapstructure:"clean_session"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	SubscribeTopic string        `mapstructure:"subscribe_topic"`
}

type CheckpointConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	DSN       string `mapstructure:"dsn"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisPass string `mapstructure:"redis_password"`
	RedisDB   int    `mapstructure:"redis_db"`
	RedisKey  string `mapstructure:"redis_key"`
	OnCorrupt string `mapstructure:"on_corrupt"`

	DB DBConfig `mapstructure:"db"`
}

type DBConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type SyncConfig struct {
	ExcludeTables []string      `mapstructure:"exclude_tables"`
	AdvanceStep   time.Duration `mapstructure:"advance_step"`
	PublishPace   time.Duration `mapstructure:"publish_pace"`
}

type SupervisorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type BackoffConfig struct {
	Min        time.Duration `mapstructure:"min"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     bool          `mapstructure:"jitter"`
}

type MonitorConfig struct {
	LagReport string        `mapstructure:"lag_report"`
	LagWarn   time.Duration `mapstructure:"lag_warn"`
}

type AuditConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"

	OnCorruptAbort = "abort"
	OnCorruptReset = "reset"
)

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.http_addr", ":8090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)

	v.SetDefault("device.base_url", "http://192.168.66.1")
	v.SetDefault("device.username", "")
	v.SetDefault("device.password", "")
	v.SetDefault("device.serial", "")
	v.SetDefault("device.timezone", "UTC")
	v.SetDefault("device.timeout", "10s")
	v.SetDefault("device.batch_size", 100)

	v.SetDefault("bus.broker_url", "tcp://localhost:1883")
	v.SetDefault("bus.client_id", "")
	v.SetDefault("bus.topic_root", "CR6")
	v.SetDefault("bus.qos", 2)
	v.SetDefault("bus.keep_alive", "60s")
	v.SetDefault("bus.clean_session", true)
	v.SetDefault("bus.connect_timeout", "30s")
	v.SetDefault("bus.publish_timeout", "10s")
	v.SetDefault("bus.subscribe_topic", "")

	v.SetDefault("checkpoint.backend", BackendFile)
	v.SetDefault("checkpoint.path", "tables.json")
	v.SetDefault("checkpoint.dsn", "")
	v.SetDefault("checkpoint.redis_addr", "localhost:6379")
	v.SetDefault("checkpoint.redis_password", "")
	v.SetDefault("checkpoint.redis_db", 0)
	v.SetDefault("checkpoint.redis_key", "crlogger:checkpoints")
	v.SetDefault("checkpoint.on_corrupt", OnCorruptAbort)
	v.SetDefault("checkpoint.db.max_open_conns", 4)
	v.SetDefault("checkpoint.db.max_idle_conns", 2)
	v.SetDefault("checkpoint.db.conn_max_lifetime", "30m")
	v.SetDefault("checkpoint.db.conn_max_idle_time", "5m")
	v.SetDefault("checkpoint.db.timezone", "UTC")

	v.SetDefault("sync.exclude_tables", []string{"Status", "Public"})
	v.SetDefault("sync.advance_step", "1ns")
	v.SetDefault("sync.publish_pace", "100ms")

	v.SetDefault("supervisor.poll_interval", "30s")
	v.SetDefault("backoff.min", "3s")
	v.SetDefault("backoff.max", "60s")
	v.SetDefault("backoff.multiplier", 2.0)
	v.SetDefault("backoff.jitter", false)

	v.SetDefault("monitor.lag_report", "@every 1m")
	v.SetDefault("monitor.lag_warn", "1h")

	v.SetDefault("audit.base_url", "")
	v.SetDefault("audit.api_key", "")
	v.SetDefault("audit.timeout", "2s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadDotEnv reads a local .env outside production. A missing file is fine.
func LoadDotEnv(env string) {
	if strings.EqualFold(strings.TrimSpace(env), "production") {
		return
	}
	_ = godotenv.Load()
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Device.BaseURL) == "" {
		errs = append(errs, errors.New("device.base_url is required"))
	}
	if _, err := time.LoadLocation(c.Device.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("device.timezone: %w", err))
	}
	if strings.TrimSpace(c.Bus.BrokerURL) == "" {
		errs = append(errs, errors.New("bus.broker_url is required"))
	}
	if strings.TrimSpace(c.Bus.TopicRoot) == "" {
		errs = append(errs, errors.New("bus.topic_root is required"))
	}
	if c.Bus.QoS > 2 {
		errs = append(errs, fmt.Errorf("bus.qos must be 0, 1 or 2, got %d", c.Bus.QoS))
	}
	if c.Sync.AdvanceStep <= 0 {
		errs = append(errs, errors.New("sync.advance_step must be positive"))
	}
	if c.Backoff.Min <= 0 || c.Backoff.Max < c.Backoff.Min {
		errs = append(errs, fmt.Errorf("backoff: need 0 < min <= max, got min=%s max=%s", c.Backoff.Min, c.Backoff.Max))
	}
	switch c.Checkpoint.Backend {
	case BackendFile, BackendSQLite:
		if strings.TrimSpace(c.Checkpoint.Path) == "" {
			errs = append(errs, errors.New("checkpoint.path is required"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Checkpoint.DSN) == "" {
			errs = append(errs, errors.New("checkpoint.dsn is required for postgres"))
		}
	case BackendRedis:
		if strings.TrimSpace(c.Checkpoint.RedisAddr) == "" {
			errs = append(errs, errors.New("checkpoint.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint.backend %q is not supported", c.Checkpoint.Backend))
	}
	switch c.Checkpoint.OnCorrupt {
	case OnCorruptAbort, OnCorruptReset:
	default:
		errs = append(errs, fmt.Errorf("checkpoint.on_corrupt %q is not supported", c.Checkpoint.OnCorrupt))
	}
	return errors.Join(errs...)
}

// DeviceLocation resolves the datalogger clock zone. Validate has already
// checked it, so failures fall back to UTC.
func (c Config) DeviceLocation() *time.Location {
	loc, err := time.LoadLocation(c.Device.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
