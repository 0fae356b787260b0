package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Licensing LicensingConfig `mapstructure:"licensing"`
	Token     TokenConfig     `mapstructure:"token"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// TrustedProxies lists addresses or CIDRs whose forwarding headers are
	// believed. Empty means the peer address is always the client.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type DatabaseConfig struct {
	Driver            string        `mapstructure:"driver"`
	URL               string        `mapstructure:"url"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxIdleTime   time.Duration `mapstructure:"conn_max_idle_time"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	BootstrapAttempts int           `mapstructure:"bootstrap_attempts"`
	BootstrapBackoff  time.Duration `mapstructure:"bootstrap_backoff"`
	AutoMigrate       bool          `mapstructure:"auto_migrate"`
}

// AdminConfig holds the single main administrator identity. It is never
// written to the supports table.
type AdminConfig struct {
	MainAdminID string `mapstructure:"main_admin_id"`
}

type LicensingConfig struct {
	MaxAppsPerOwner    int `mapstructure:"max_apps_per_owner"`
	KeyCodeLength      int `mapstructure:"key_code_length"`
	DefaultDeviceLimit int `mapstructure:"default_device_limit"`
	RedeemMaxAttempts  int `mapstructure:"redeem_max_attempts"`
}

type TokenConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
	Issuer string        `mapstructure:"issuer"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Enabled reports whether a shared Redis instance is configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != "" || c.Address != ""
}

type RateLimitConfig struct {
	RedeemPerMinute int `mapstructure:"redeem_per_minute"`
	AdminPerMinute  int `mapstructure:"admin_per_minute"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

type CacheConfig struct {
	ApplicationTTL time.Duration `mapstructure:"application_ttl"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

type MetricsConfig struct {
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	WorkerAddr    string        `mapstructure:"worker_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 45*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 40*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.url", "file:keyauth.db")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_idle_time", 10*time.Second)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.connect_timeout", 30*time.Second)
	v.SetDefault("database.acquire_timeout", 30*time.Second)
	v.SetDefault("database.bootstrap_attempts", 5)
	v.SetDefault("database.bootstrap_backoff", 2*time.Second)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("admin.main_admin_id", "")

	v.SetDefault("licensing.max_apps_per_owner", 10)
	v.SetDefault("licensing.key_code_length", 12)
	v.SetDefault("licensing.default_device_limit", 1)
	v.SetDefault("licensing.redeem_max_attempts", 5)

	v.SetDefault("token.secret", "")
	v.SetDefault("token.ttl", 24*time.Hour)
	v.SetDefault("token.issuer", "keyauth")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("rate_limit.redeem_per_minute", 120)
	v.SetDefault("rate_limit.admin_per_minute", 300)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"POST", "OPTIONS", "GET", "PUT", "DELETE"})
	v.SetDefault("cors.allowed_headers", []string{"Content-Type", "Authorization"})
	v.SetDefault("cors.max_age", 600)

	v.SetDefault("cache.application_ttl", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")

	v.SetDefault("metrics.stats_interval", time.Minute)
	v.SetDefault("metrics.worker_addr", ":9091")
}

// Load reads the YAML file at path (optional when empty or missing) and
// overlays environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// Hosting providers inject the connection string under their own names.
	if err := v.BindEnv("database.url", "NETLIFY_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("admin.main_admin_id", "MAIN_ADMIN_ID", "ADMIN_MAIN_ADMIN_ID"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Admin.MainAdminID) == "" {
		return errors.New("admin.main_admin_id is required")
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	for _, proxy := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(proxy); err != nil && net.ParseIP(proxy) == nil {
			return fmt.Errorf("server.trusted_proxies: invalid address %q", proxy)
		}
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Licensing.MaxAppsPerOwner <= 0 {
		return errors.New("licensing.max_apps_per_owner must be positive")
	}
	if c.Licensing.KeyCodeLength < 6 {
		return errors.New("licensing.key_code_length must be at least 6")
	}
	if c.Database.BootstrapAttempts <= 0 {
		c.Database.BootstrapAttempts = 1
	}
	if c.Licensing.DefaultDeviceLimit <= 0 {
		c.Licensing.DefaultDeviceLimit = 1
	}
	if c.Licensing.RedeemMaxAttempts <= 0 {
		c.Licensing.RedeemMaxAttempts = 1
	}
	return nil
}
