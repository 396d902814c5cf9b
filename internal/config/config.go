package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

const (
	// MaxBodySize caps the buffered body of any dynamic API request.
	MaxBodySize int64 = 50 * 1024 * 1024

	// DefaultPort is the canonical control-plane port.
	DefaultPort = 7125
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	Files     FilesConfig     `yaml:"files" envconfig:"FILES"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	MQTT      MQTTConfig      `yaml:"mqtt" envconfig:"MQTT"`
	Worker    WorkerConfig    `yaml:"worker" envconfig:"WORKER"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Debug     bool            `yaml:"debug" envconfig:"DEBUG" default:"false"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host              string        `yaml:"host" envconfig:"HOST" default:"0.0.0.0"`
	Port              int           `yaml:"port" envconfig:"PORT" default:"7125" validate:"min=1,max=65535"`
	SSLPort           int           `yaml:"ssl_port" envconfig:"SSL_PORT" default:"7130" validate:"min=1,max=65535"`
	SSLCertPath       string        `yaml:"ssl_cert_path" envconfig:"SSL_CERT_PATH"`
	SSLKeyPath        string        `yaml:"ssl_key_path" envconfig:"SSL_KEY_PATH"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" envconfig:"READ_HEADER_TIMEOUT" default:"15s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	// MaxUploadSizeMB bounds multipart uploads; regular API bodies are
	// capped separately by MaxBodySize.
	MaxUploadSizeMB int64 `yaml:"max_upload_size_mb" envconfig:"MAX_UPLOAD_SIZE_MB" default:"1024" validate:"min=1"`
}

// AuthConfig contains authorization configuration. An empty APIKey and
// JWTSecret leave the server open (no authentication required).
type AuthConfig struct {
	APIKey         string   `yaml:"api_key" envconfig:"API_KEY"`
	JWTSecret      string   `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	TrustedOrigins []string `yaml:"trusted_origins" envconfig:"TRUSTED_ORIGINS"`
}

// FilesConfig contains the on-disk roots served and managed by the file
// endpoints. Relative paths are resolved against the working directory.
type FilesConfig struct {
	GCodesDir string `yaml:"gcodes_dir" envconfig:"GCODES_DIR" default:"data/gcodes"`
	ConfigDir string `yaml:"config_dir" envconfig:"CONFIG_DIR" default:"data/config"`
	LogsDir   string `yaml:"logs_dir" envconfig:"LOGS_DIR" default:"data/logs"`
	TempDir   string `yaml:"temp_dir" envconfig:"TEMP_DIR" default:"data/tmp"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json" validate:"oneof=json text"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"data/logs/printhub.log"`
}

// WebSocketConfig contains WebSocket transport configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"1024"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" default:"30s"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" default:"60s"`
	WriteWait       time.Duration `yaml:"write_wait" envconfig:"WRITE_WAIT" default:"10s"`
	MaxMessageSize  int64         `yaml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE" default:"10485760"`
}

// MQTTConfig contains the optional MQTT transport configuration
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	BrokerURL   string `yaml:"broker_url" envconfig:"BROKER_URL" default:"tcp://localhost:1883"`
	Username    string `yaml:"username" envconfig:"USERNAME"`
	Password    string `yaml:"password" envconfig:"PASSWORD"`
	ClientID    string `yaml:"client_id" envconfig:"CLIENT_ID" default:"printhub"`
	TopicPrefix string `yaml:"topic_prefix" envconfig:"TOPIC_PREFIX" default:"printhub"`
	QOS         byte   `yaml:"qos" envconfig:"QOS" default:"0" validate:"max=2"`
}

// WorkerConfig bounds the pool used for blocking file and hash work
type WorkerConfig struct {
	PoolSize int `yaml:"pool_size" envconfig:"POOL_SIZE" default:"8" validate:"min=1"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// Load builds the configuration in ascending precedence: struct defaults,
// then the YAML file at path (if it exists), then PRINTHUB_* environment
// variables. envconfig applies defaults only to fields still at their zero
// value, so file settings survive the env pass.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := envconfig.Process("PRINTHUB", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.resolvePaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// resolvePaths makes the file roots absolute
func (c *Config) resolvePaths() {
	for _, p := range []*string{
		&c.Files.GCodesDir,
		&c.Files.ConfigDir,
		&c.Files.LogsDir,
		&c.Files.TempDir,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			if abs, err := filepath.Abs(*p); err == nil {
				*p = abs
			}
		}
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if (c.Server.SSLCertPath == "") != (c.Server.SSLKeyPath == "") {
		return fmt.Errorf("ssl_cert_path and ssl_key_path must be set together")
	}

	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt enabled without broker_url")
	}

	return nil
}

// ListenAddr returns the plain HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// TLSAddr returns the HTTPS listen address.
func (c *Config) TLSAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.SSLPort)
}

// TLSEnabled reports whether both certificate and key paths are configured
// and present on disk.
func (c *Config) TLSEnabled() bool {
	if c.Server.SSLCertPath == "" || c.Server.SSLKeyPath == "" {
		return false
	}
	if _, err := os.Stat(c.Server.SSLCertPath); err != nil {
		return false
	}
	if _, err := os.Stat(c.Server.SSLKeyPath); err != nil {
		return false
	}
	return true
}

// MaxUploadBytes returns the upload ceiling in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadSizeMB * 1024 * 1024
}
