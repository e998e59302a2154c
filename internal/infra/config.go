package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации ядра mesh.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Bus        BusConfig        `mapstructure:"bus"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Connectors ConnectorsConfig `mapstructure:"connectors"`
	Fanout     FanoutConfig     `mapstructure:"fanout"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает ops HTTP API и ограничение параллелизма обработчиков шины.
type ServerConfig struct {
	HTTPAddr     string        `mapstructure:"http_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxInflight  int           `mapstructure:"max_inflight"`
}

// BusConfig выбирает транспорт: memory (один процесс) или redis (Pub/Sub).
type BusConfig struct {
	Driver         string        `mapstructure:"driver"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub транспорт).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

type AuditConfig struct {
	Store         string `mapstructure:"store"` // memory, postgres
	MaxQueryLimit int    `mapstructure:"max_query_limit"`
}

type PolicyConfig struct {
	Mode               string        `mapstructure:"mode"` // embedded, bus
	Subject            string        `mapstructure:"subject"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RulesFile          string        `mapstructure:"rules_file"`
	DefaultEffect      string        `mapstructure:"default_effect"` // без rules_file: allow, deny
	NonSensitiveFields []string      `mapstructure:"non_sensitive_fields"`
	RedactionMarker    string        `mapstructure:"redaction_marker"`
}

type TrackerConfig struct {
	InvocationTimeout time.Duration `mapstructure:"invocation_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	Retention         time.Duration `mapstructure:"retention"`
}

type RegistryConfig struct {
	HealthInterval time.Duration `mapstructure:"health_interval"`
	HeartbeatTTL   time.Duration `mapstructure:"heartbeat_ttl"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	Persist        bool          `mapstructure:"persist"`
	// Канал внешнего health-checker (только bus.driver=redis), пусто: не слушаем
	StatusChannel string `mapstructure:"status_channel"`
}

// ConnectorsConfig: настройки Rate Limit / Circuit Breaker для KB-адаптеров
type ConnectorsConfig struct {
	RateLimit     float64       `mapstructure:"rate_limit"`
	Burst         int           `mapstructure:"burst"`
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
}

type FanoutConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
}

// AuthConfig: публичный RSA ключ для проверки токенов ops API.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// Если path пустой, ищем config.yaml в корне и в ./configs.
func LoadConfig(path string) (*Config, *viper.Viper, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// BUS_DRIVER=redis перекроет bus.driver
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path == "" && os.IsNotExist(err)) {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отсекает заведомо неработающие комбинации до старта сервиса
func (c *Config) Validate() error {
	switch c.Bus.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unsupported bus.driver %q", c.Bus.Driver)
	}
	switch c.Audit.Store {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: audit.store=postgres requires database.url")
		}
	default:
		return fmt.Errorf("config: unsupported audit.store %q", c.Audit.Store)
	}
	switch c.Policy.Mode {
	case "embedded", "bus":
	default:
		return fmt.Errorf("config: unsupported policy.mode %q", c.Policy.Mode)
	}
	switch c.Policy.DefaultEffect {
	case "allow", "deny":
	default:
		return fmt.Errorf("config: unsupported policy.default_effect %q", c.Policy.DefaultEffect)
	}
	if c.Registry.Persist && c.Database.URL == "" {
		return errors.New("config: registry.persist requires database.url")
	}
	if c.Tracker.InvocationTimeout <= 0 {
		return errors.New("config: tracker.invocation_timeout must be positive")
	}
	return nil
}

// Watch перечитывает конфиг при изменении файла и отдает новую версию в onChange.
// Невалидные правки логируются вызывающим и не применяются.
func Watch(v *viper.Viper, onChange func(*Config, error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.max_inflight", 256)

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.request_timeout", 10*time.Second)
	v.SetDefault("bus.queue_size", 1024)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("audit.store", "memory")
	v.SetDefault("audit.max_query_limit", 1000)

	v.SetDefault("policy.mode", "embedded")
	v.SetDefault("policy.subject", SubjectPolicyEvaluate)
	v.SetDefault("policy.timeout", 2*time.Second)
	v.SetDefault("policy.non_sensitive_fields", []string{"name"})
	v.SetDefault("policy.redaction_marker", "[REDACTED]")
	v.SetDefault("policy.default_effect", "deny")

	v.SetDefault("tracker.invocation_timeout", 60*time.Second)
	v.SetDefault("tracker.sweep_interval", 1*time.Second)
	v.SetDefault("tracker.retention", 10*time.Minute)

	v.SetDefault("registry.health_interval", 15*time.Second)
	v.SetDefault("registry.heartbeat_ttl", 45*time.Second)
	v.SetDefault("registry.probe_timeout", 3*time.Second)
	v.SetDefault("registry.status_channel", "mesh:agents:status")

	v.SetDefault("connectors.rate_limit", 100)
	v.SetDefault("connectors.burst", 20)
	v.SetDefault("connectors.cb_max_requests", 3)
	v.SetDefault("connectors.cb_interval", 5*time.Second)
	v.SetDefault("connectors.cb_timeout", 30*time.Second)
	v.SetDefault("connectors.call_timeout", 8*time.Second)

	v.SetDefault("fanout.queue_size", 4096)
	v.SetDefault("fanout.workers", 4)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource: PEM-ключ либо прямо из ENV (Docker/K8s), либо из файла
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
