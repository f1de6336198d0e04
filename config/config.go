// Package config loads the tickserverd settings from defaults, an optional
// YAML or TOML file and TICKSERVER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables that override settings, e.g.
// TICKSERVER_LISTEN_ADDR or TICKSERVER_ADMISSION_BACKEND.
const EnvPrefix = "TICKSERVER"

// Admission backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// AuthConfig configures the TLS listener of a split server. An empty
// ListenAddr runs a combined server.
type AuthConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
}

// WebSocketConfig configures the WebSocket endpoint served next to the
// metrics handler. An empty Path disables it.
type WebSocketConfig struct {
	Path string `mapstructure:"path"`
}

// AdmissionConfig configures the admission policy.
type AdmissionConfig struct {
	Blocklist         []string      `mapstructure:"blocklist"`
	Window            time.Duration `mapstructure:"window"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	Backend           string        `mapstructure:"backend"`
	RedisAddr         string        `mapstructure:"redis_addr"`
	RedisBlocklistKey string        `mapstructure:"redis_blocklist_key"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
}

// Config holds every tickserverd setting.
type Config struct {
	Name               string          `mapstructure:"name"`
	ListenAddr         string          `mapstructure:"listen_addr"`
	HTTPAddr           string          `mapstructure:"http_addr"`
	Auth               AuthConfig      `mapstructure:"auth"`
	WebSocket          WebSocketConfig `mapstructure:"websocket"`
	TickRate           int             `mapstructure:"tick_rate"`
	TickBudget         time.Duration   `mapstructure:"tick_budget"`
	ReconnectTimeLimit time.Duration   `mapstructure:"reconnect_time_limit"`
	MaxFrameSize       int             `mapstructure:"max_frame_size"`
	ReadBufferSize     int             `mapstructure:"read_buffer_size"`
	WriteTimeout       time.Duration   `mapstructure:"write_timeout"`
	Secret             string          `mapstructure:"secret"`
	LogLevel           string          `mapstructure:"log_level"`
	Admission          AdmissionConfig `mapstructure:"admission"`
}

// SplitAuth reports whether sessions authenticate on the TLS listener.
func (c *Config) SplitAuth() bool {
	return c.Auth.ListenAddr != ""
}

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("name", "tickserverd")
	v.SetDefault("listen_addr", ":7100")
	v.SetDefault("http_addr", ":7180")
	v.SetDefault("auth.listen_addr", "")
	v.SetDefault("auth.cert_file", "")
	v.SetDefault("auth.key_file", "")
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("tick_rate", 20)
	v.SetDefault("tick_budget", 50*time.Millisecond)
	v.SetDefault("reconnect_time_limit", 5*time.Second)
	v.SetDefault("max_frame_size", 1<<20)
	v.SetDefault("read_buffer_size", 4<<10)
	v.SetDefault("write_timeout", 10*time.Second)
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("admission.blocklist", []string{})
	v.SetDefault("admission.window", time.Minute)
	v.SetDefault("admission.max_attempts", 30)
	v.SetDefault("admission.backend", BackendMemory)
	v.SetDefault("admission.redis_addr", "127.0.0.1:6379")
	v.SetDefault("admission.redis_blocklist_key", "tickserver:blocklist")
	v.SetDefault("admission.refresh_interval", 30*time.Second)
}

// Load reads the settings into a Config.
//
// Parameters:
//   - v: The viper instance; flags may already be bound to it
//   - path: Config file to read; empty reads only defaults and environment
//
// Returns:
//   - The validated Config
//   - An error if the file cannot be read, decoded or validated
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}

	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("tick_rate must be positive, got %d", c.TickRate))
	}

	if c.ReconnectTimeLimit <= 0 {
		errs = append(errs, fmt.Errorf("reconnect_time_limit must be positive, got %s", c.ReconnectTimeLimit))
	}

	if c.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("max_frame_size must be positive, got %d", c.MaxFrameSize))
	}

	if c.SplitAuth() && (c.Auth.CertFile == "" || c.Auth.KeyFile == "") {
		errs = append(errs, errors.New("auth.cert_file and auth.key_file are required with auth.listen_addr"))
	}

	switch c.Admission.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Admission.RedisAddr == "" {
			errs = append(errs, errors.New("admission.redis_addr is required with the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("admission.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Admission.Backend))
	}

	if c.Admission.MaxAttempts > 0 && c.Admission.Window <= 0 {
		errs = append(errs, errors.New("admission.window must be positive when max_attempts is set"))
	}

	return errors.Join(errs...)
}
