// Package config loads service configuration from an optional YAML file and
// PUPPETD_-prefixed environment variables. Env wins over file, file wins over
// defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ServerConfig covers the HTTP listener and its per-user rate limit.
type ServerConfig struct {
	Addr            string `mapstructure:"addr"`
	RequestsPerHour int    `mapstructure:"requests_per_hour"`
	Burst           int    `mapstructure:"burst"`
}

// LoggerConfig mirrors the observability package's knobs.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	LogFile    string `mapstructure:"log_file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DatabaseConfig selects the record store.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig covers the queue and quota counters.
type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	QueueKey    string `mapstructure:"queue_key"`
	QuotaPrefix string `mapstructure:"quota_prefix"`
}

// CryptoConfig holds the cookie encryption secret.
type CryptoConfig struct {
	Secret string `mapstructure:"secret"`
}

// ProxyConfig configures the upstream egress provider.
type ProxyConfig struct {
	Provider  string `mapstructure:"provider"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Host      string `mapstructure:"host"`
	PortStart int    `mapstructure:"port_start"`
	PortEnd   int    `mapstructure:"port_end"`
	Endpoint  string `mapstructure:"endpoint"`
}

// EngineConfig configures the remote container engine.
type EngineConfig struct {
	Host             string `mapstructure:"host"`
	TLSEnabled       bool   `mapstructure:"tls_enabled"`
	TLSCAFile        string `mapstructure:"tls_ca_file"`
	TLSCertFile      string `mapstructure:"tls_cert_file"`
	TLSKeyFile       string `mapstructure:"tls_key_file"`
	TLSCAData        string `mapstructure:"tls_ca_data"`
	TLSCertData      string `mapstructure:"tls_cert_data"`
	TLSKeyData       string `mapstructure:"tls_key_data"`
	Image            string `mapstructure:"image"`
	PortRangeStart   int    `mapstructure:"port_range_start"`
	PortRangeEnd     int    `mapstructure:"port_range_end"`
	PublicStreamHost string `mapstructure:"public_stream_host"`
	PublicEngineHost string `mapstructure:"public_engine_host"`
	LoginURL         string `mapstructure:"login_url"`
}

// CloudConfig configures the hosted sandbox fallback.
type CloudConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// WorkerConfig tunes the action worker and the default account gating.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxAttempts int `mapstructure:"max_attempts"`

	// Default working window, applied when no per-account source is wired.
	WorkdayStartHour int    `mapstructure:"workday_start_hour"`
	WorkdayEndHour   int    `mapstructure:"workday_end_hour"`
	Timezone         string `mapstructure:"timezone"`
	WeekendsOff      bool   `mapstructure:"weekends_off"`

	DailyConnectionLimit int `mapstructure:"daily_connection_limit"`
	DailyMessageLimit    int `mapstructure:"daily_message_limit"`
	ConnectionCredits    int `mapstructure:"connection_credits"`
	MessageCredits       int `mapstructure:"message_credits"`
}

// Config is the root of everything.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Crypto   CryptoConfig   `mapstructure:"crypto"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Cloud    CloudConfig    `mapstructure:"cloud"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.requests_per_hour", 100)
	v.SetDefault("server.burst", 20)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)

	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.compress", false)

	v.SetDefault("database.dsn", "puppetd.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue_key", "puppetd:jobs")
	v.SetDefault("redis.quota_prefix", "quota")

	// Keys without a meaningful default still need registering so AutomaticEnv
	// picks up their PUPPETD_ variants during Unmarshal.
	v.SetDefault("crypto.secret", "")

	v.SetDefault("proxy.provider", "")
	v.SetDefault("proxy.username", "")
	v.SetDefault("proxy.password", "")
	v.SetDefault("proxy.host", "")
	v.SetDefault("proxy.port_start", 0)
	v.SetDefault("proxy.port_end", 0)
	v.SetDefault("proxy.endpoint", "")

	v.SetDefault("engine.host", "")
	v.SetDefault("engine.tls_enabled", false)
	v.SetDefault("engine.tls_ca_file", "")
	v.SetDefault("engine.tls_cert_file", "")
	v.SetDefault("engine.tls_key_file", "")
	v.SetDefault("engine.tls_ca_data", "")
	v.SetDefault("engine.tls_cert_data", "")
	v.SetDefault("engine.tls_key_data", "")
	v.SetDefault("engine.image", "linuxserver/chromium:latest")
	v.SetDefault("engine.port_range_start", 0)
	v.SetDefault("engine.port_range_end", 0)
	v.SetDefault("engine.public_stream_host", "")
	v.SetDefault("engine.public_engine_host", "")
	v.SetDefault("engine.login_url", "https://www.linkedin.com/login")

	v.SetDefault("cloud.base_url", "")
	v.SetDefault("cloud.token", "")

	v.SetDefault("worker.concurrency", 3)
	v.SetDefault("worker.max_attempts", 1)
	v.SetDefault("worker.workday_start_hour", 9)
	v.SetDefault("worker.workday_end_hour", 17)
	v.SetDefault("worker.timezone", "UTC")
	v.SetDefault("worker.weekends_off", true)
	v.SetDefault("worker.daily_connection_limit", 20)
	v.SetDefault("worker.daily_message_limit", 50)
	v.SetDefault("worker.connection_credits", 1)
	v.SetDefault("worker.message_credits", 1)
}

// Load reads configPath (optional, "" skips the file) and the environment.
// PUPPETD_ENGINE_HOST overrides engine.host, and so on.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PUPPETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Crypto.Secret == "" {
		return fmt.Errorf("config: crypto.secret (PUPPETD_CRYPTO_SECRET) is required")
	}
	if c.Proxy.Provider == "ranged" {
		if c.Proxy.PortEnd < c.Proxy.PortStart {
			return fmt.Errorf("config: proxy port range %d-%d is invalid",
				c.Proxy.PortStart, c.Proxy.PortEnd)
		}
		if c.Proxy.Host == "" {
			return fmt.Errorf("config: proxy.host is required for the ranged provider")
		}
	}
	if c.Proxy.Provider == "endpoint" && c.Proxy.Endpoint == "" {
		return fmt.Errorf("config: proxy.endpoint is required for the endpoint provider")
	}
	return nil
}
