package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ReconnectConfig holds the backoff schedule for reconnect attempts.
type ReconnectConfig struct {
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	Jitter       float64  `yaml:"jitter"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

// RelayConfig holds websocket relay tuning knobs.
type RelayConfig struct {
	SendBufferSize int `yaml:"send_buffer_size"`
	ReadLimitBytes int `yaml:"read_limit_bytes"`
}

// Config is the YAML-backed configuration (gateway.yaml).
type Config struct {
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	Relay          RelayConfig     `yaml:"relay"`
	RestoreTimeout Duration        `yaml:"restore_timeout"`
	PairingRetries int             `yaml:"pairing_retries"`
}

// EnvConfig holds environment variables
type EnvConfig struct {
	ListenAddr     string
	CredentialsDir string
	BridgeURL      string
	DBURL          string
	DBWebhookURL   string
	LogLevel       string
}

// LoadEnv loads environment variables
func LoadEnv() *EnvConfig {
	// Try to load .env file, ignore error if it doesn't exist
	_ = godotenv.Load()

	return &EnvConfig{
		ListenAddr:     getEnv("LISTEN_ADDR", ":3001"),
		CredentialsDir: getEnv("CREDENTIALS_DIR", "credentials"),
		BridgeURL:      getEnv("BRIDGE_URL", "ws://localhost:3000/session"),
		DBURL:          getEnv("DB_URL", ""),
		DBWebhookURL:   getEnv("DB_WEBHOOK_URL", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		Reconnect: ReconnectConfig{
			InitialDelay: Duration(1 * time.Second),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2.0,
			Jitter:       0.1,
			MaxAttempts:  0,
		},
		Relay: RelayConfig{
			SendBufferSize: 256,
			ReadLimitBytes: 512,
		},
		RestoreTimeout: Duration(30 * time.Second),
		PairingRetries: 3,
	}
}

// Load reads the YAML config file, expanding ${VAR} references from the
// environment before parsing. A missing file falls back to defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Replace environment variables in the YAML
	configStr := expandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(configStr), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func expandEnvVars(s string) string {
	// Replace ${VAR_NAME} with environment variable values
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}
