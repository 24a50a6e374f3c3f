package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	LogLevel            string        `mapstructure:"log_level"`
	LogEncoding         string        `mapstructure:"log_encoding"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Admin               AdminConfig   `mapstructure:"admin"`
	Auth                AuthConfig    `mapstructure:"auth"`
	Store               StoreConfig   `mapstructure:"store"`
	Relay               RelayConfig   `mapstructure:"relay"`
}

// AdminConfig describes the metrics/health endpoint.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// AuthConfig describes token issuance and the account store location.
type AuthConfig struct {
	TokenSecretEnv string        `mapstructure:"token_secret_env"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	UsersPath      string        `mapstructure:"users_path"`
}

// StoreConfig describes the durable message store and room directory snapshot.
type StoreConfig struct {
	Path          string `mapstructure:"path"`
	DirectoryPath string `mapstructure:"directory_path"`
}

// RelayConfig bounds the live routing path.
type RelayConfig struct {
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	HistoryMaxLimit int           `mapstructure:"history_max_limit"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultTokenSecretEnv      = "COURIER_TOKEN_SECRET"
	defaultTokenTTL            = 24 * time.Hour
	defaultUsersPath           = "data/users.json"
	defaultStorePath           = "data/messages"
	defaultDirectoryPath       = "data/rooms.json"
	defaultMaxConnections      = 4096
	defaultMaxMessageBytes     = 10000
	defaultSendBuffer          = 32
	defaultDeliveryTimeout     = 5 * time.Second
	defaultReadLimit           = 1 << 20
	defaultPingInterval        = 30 * time.Second
	defaultPongTimeout         = 60 * time.Second
	defaultHistoryLimit        = 50
	defaultHistoryMaxLimit     = 500
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with COURIER_ and override
// file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COURIER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_encoding", "json")
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("auth.token_secret_env", defaultTokenSecretEnv)
	v.SetDefault("auth.token_ttl", defaultTokenTTL.String())
	v.SetDefault("auth.users_path", defaultUsersPath)
	v.SetDefault("store.path", defaultStorePath)
	v.SetDefault("store.directory_path", defaultDirectoryPath)
	v.SetDefault("relay.max_connections", defaultMaxConnections)
	v.SetDefault("relay.max_message_bytes", defaultMaxMessageBytes)
	v.SetDefault("relay.send_buffer", defaultSendBuffer)
	v.SetDefault("relay.delivery_timeout", defaultDeliveryTimeout.String())
	v.SetDefault("relay.read_limit", defaultReadLimit)
	v.SetDefault("relay.ping_interval", defaultPingInterval.String())
	v.SetDefault("relay.pong_timeout", defaultPongTimeout.String())
	v.SetDefault("relay.history_limit", defaultHistoryLimit)
	v.SetDefault("relay.history_max_limit", defaultHistoryMaxLimit)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod},
		{"admin.read_header_timeout", &cfg.Admin.ReadHeaderTimeout},
		{"auth.token_ttl", &cfg.Auth.TokenTTL},
		{"relay.delivery_timeout", &cfg.Relay.DeliveryTimeout},
		{"relay.ping_interval", &cfg.Relay.PingInterval},
		{"relay.pong_timeout", &cfg.Relay.PongTimeout},
	}
	for _, d := range durations {
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.Relay.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("relay.max_message_bytes must be positive, got %d", cfg.Relay.MaxMessageBytes)
	}
	if cfg.Relay.SendBuffer <= 0 {
		cfg.Relay.SendBuffer = defaultSendBuffer
	}
	if cfg.Relay.HistoryLimit <= 0 {
		cfg.Relay.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Relay.HistoryMaxLimit < cfg.Relay.HistoryLimit {
		cfg.Relay.HistoryMaxLimit = defaultHistoryMaxLimit
	}

	return cfg, nil
}

// TokenSecret fetches the signing secret from the configured environment
// variable.
func (c Config) TokenSecret() ([]byte, error) {
	env := c.Auth.TokenSecretEnv
	if env == "" {
		env = defaultTokenSecretEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return nil, fmt.Errorf("token secret env %s is empty", env)
	}
	return []byte(val), nil
}

// split out for testing.
var getenv = os.Getenv
