package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Store    StoreConfig    `yaml:"store" envconfig:"STORE"`
	Payment  PaymentConfig  `yaml:"payment" envconfig:"PAYMENT"`
	Orders   OrdersConfig   `yaml:"orders" envconfig:"ORDERS"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keymint.log"`
}

// StoreConfig contains license store configuration
type StoreConfig struct {
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
}

// PaymentConfig contains payment processor configuration.
// WebhookSecret signs inbound webhook deliveries; APIKey authenticates
// outbound calls (checkout session creation, session lookup).
type PaymentConfig struct {
	WebhookSecret   string        `yaml:"webhook_secret" envconfig:"WEBHOOK_SECRET"`
	APIKey          string        `yaml:"api_key" envconfig:"API_KEY"`
	APIBaseURL      string        `yaml:"api_base_url" envconfig:"API_BASE_URL" default:"https://api.stripe.com"`
	PriceID         string        `yaml:"price_id" envconfig:"PRICE_ID"`
	SuccessURL      string        `yaml:"success_url" envconfig:"SUCCESS_URL"`
	CancelURL       string        `yaml:"cancel_url" envconfig:"CANCEL_URL"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"10s"`
	SignatureMaxAge time.Duration `yaml:"signature_max_age" envconfig:"SIGNATURE_MAX_AGE" default:"5m"`
}

// OrdersConfig contains storefront order system configuration.
// The annotator is disabled when BaseURL or AccessToken is empty;
// that is a configuration state, not an error.
type OrdersConfig struct {
	BaseURL       string        `yaml:"base_url" envconfig:"BASE_URL"`
	AccessToken   string        `yaml:"access_token" envconfig:"ACCESS_TOKEN"`
	WebhookSecret string        `yaml:"webhook_secret" envconfig:"WEBHOOK_SECRET"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"5s"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process("KEYMINT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if exists
	configFile := getConfigFilePath()
	if configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Server.ReadTimeout == 0 {
		envConfig.Server.ReadTimeout = fileConfig.Server.ReadTimeout
	}
	if envConfig.Store.DataDir == "" {
		envConfig.Store.DataDir = fileConfig.Store.DataDir
	}
	if envConfig.Payment.WebhookSecret == "" {
		envConfig.Payment.WebhookSecret = fileConfig.Payment.WebhookSecret
	}
	if envConfig.Payment.APIKey == "" {
		envConfig.Payment.APIKey = fileConfig.Payment.APIKey
	}
	if envConfig.Orders.BaseURL == "" {
		envConfig.Orders.BaseURL = fileConfig.Orders.BaseURL
	}
	if envConfig.Orders.AccessToken == "" {
		envConfig.Orders.AccessToken = fileConfig.Orders.AccessToken
	}

	return envConfig
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Store.DataDir == "" {
		return fmt.Errorf("store data dir must not be empty")
	}

	if c.Payment.SignatureMaxAge <= 0 {
		return fmt.Errorf("payment signature max age must be positive")
	}

	if c.Orders.Timeout <= 0 {
		return fmt.Errorf("orders timeout must be positive")
	}

	if c.Logging.Format != "json" {
		// Structured output only; anything else falls back to JSON.
		c.Logging.Format = "json"
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/keymint.log",
		},
		Store: StoreConfig{
			DataDir: "data",
		},
		Payment: PaymentConfig{
			APIBaseURL:      "https://api.stripe.com",
			RequestTimeout:  10 * time.Second,
			SignatureMaxAge: 5 * time.Minute,
		},
		Orders: OrdersConfig{
			Timeout: 5 * time.Second,
		},
	}
}
