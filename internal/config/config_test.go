package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "data", cfg.Store.DataDir)
	assert.Equal(t, 5*time.Minute, cfg.Payment.SignatureMaxAge)
	assert.Equal(t, 5*time.Second, cfg.Orders.Timeout)
	assert.True(t, cfg.Security.RateLimit.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "default config is valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = -1 },
			wantErr: "invalid server port",
		},
		{
			name:    "port too large",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "zero read timeout",
			mutate:  func(c *Config) { c.Server.ReadTimeout = 0 },
			wantErr: "read timeout must be positive",
		},
		{
			name:    "empty data dir",
			mutate:  func(c *Config) { c.Store.DataDir = "" },
			wantErr: "data dir must not be empty",
		},
		{
			name:    "zero signature max age",
			mutate:  func(c *Config) { c.Payment.SignatureMaxAge = 0 },
			wantErr: "signature max age must be positive",
		},
		{
			name:    "zero annotation timeout",
			mutate:  func(c *Config) { c.Orders.Timeout = 0 },
			wantErr: "orders timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateForcesJSONFormat(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "text"

	require.NoError(t, cfg.validate())
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestMergeConfigsEnvWins(t *testing.T) {
	fileCfg := *Default()
	fileCfg.Server.Port = 9000
	fileCfg.Payment.WebhookSecret = "file-secret"

	envCfg := *Default()
	envCfg.Payment.WebhookSecret = "env-secret"

	merged := mergeConfigs(fileCfg, envCfg)

	// Env had a port, so it wins; env secret overrides file secret.
	assert.Equal(t, 8080, merged.Server.Port)
	assert.Equal(t, "env-secret", merged.Payment.WebhookSecret)
}

func TestMergeConfigsFileFillsGaps(t *testing.T) {
	fileCfg := *Default()
	fileCfg.Orders.BaseURL = "https://shop.example.com"
	fileCfg.Orders.AccessToken = "shpat_file"

	envCfg := *Default()
	envCfg.Server.Port = 0

	merged := mergeConfigs(fileCfg, envCfg)

	assert.Equal(t, 8080, merged.Server.Port)
	assert.Equal(t, "https://shop.example.com", merged.Orders.BaseURL)
	assert.Equal(t, "shpat_file", merged.Orders.AccessToken)
}
