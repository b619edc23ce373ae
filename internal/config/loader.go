package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultMaxBodySize caps webhook request bodies when unconfigured.
const DefaultMaxBodySize = 1048576 // 1 MB

var validKinds = map[string]bool{
	"github":   true,
	"gitlab":   true,
	"pipeline": true,
	"deploy":   true,
	"incident": true,
}

var validVerify = map[string]bool{
	"hmac-sha256": true,
	"token":       true,
}

// Load reads, expands, defaults, and validates configuration from a file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	// Expand ${ENV_VAR} references before parsing so secrets never live in
	// the file itself.
	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "fourgate"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = DefaultLogLevel
	}
	if cfg.Intake.RequestTimeout <= 0 {
		cfg.Intake.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.MaxWriteAttempts <= 0 {
		cfg.Storage.MaxWriteAttempts = DefaultMaxWriteAttempts
	}
	if cfg.Storage.WriteBackoffBase <= 0 {
		cfg.Storage.WriteBackoffBase = DefaultWriteBackoffBase
	}
	if cfg.Bus.VisibilityTimeout <= 0 {
		cfg.Bus.VisibilityTimeout = DefaultVisibilityTime
	}
	if cfg.Bus.MaxAttempts <= 0 {
		cfg.Bus.MaxAttempts = DefaultBusMaxAttempts
	}
	if cfg.Bus.RetryBackoffBase <= 0 {
		cfg.Bus.RetryBackoffBase = DefaultBusBackoffBase
	}
	if cfg.Bus.PollInterval <= 0 {
		cfg.Bus.PollInterval = DefaultPollInterval
	}
	for name, src := range cfg.Sources {
		if src.Topic == "" {
			src.Topic = "fourgate." + name
		}
		if src.EventTypeField == "" {
			src.EventTypeField = "event_type"
		}
		cfg.Sources[name] = src
	}
}

func validate(cfg *Config) error {
	if cfg.Intake.Listen == "" {
		return fmt.Errorf("intake.listen is required")
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	switch cfg.Storage.Backend {
	case "sqlite":
	case "postgres":
		if cfg.Storage.PostgresURL == "" {
			return fmt.Errorf("storage.postgres_url is required for backend=postgres")
		}
	default:
		return fmt.Errorf("storage.backend must be sqlite or postgres, got %q", cfg.Storage.Backend)
	}
	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled")
		}
		if cfg.API.Token == "" {
			return fmt.Errorf("api.token is required when api.enabled")
		}
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	for name, src := range cfg.Sources {
		if !validKinds[src.Kind] {
			return fmt.Errorf("source %q: unknown kind %q", name, src.Kind)
		}
		if !validVerify[src.Verify] {
			return fmt.Errorf("source %q: verify must be hmac-sha256 or token, got %q", name, src.Verify)
		}
		if src.Secret == "" {
			return fmt.Errorf("source %q: no secret configured", name)
		}
		if src.SignatureHeader == "" {
			return fmt.Errorf("source %q: signature_header is required", name)
		}
		if _, err := ParseMaxBodySize(src.MaxBodySize); err != nil {
			return fmt.Errorf("source %q: invalid max_body_size %q: %w", name, src.MaxBodySize, err)
		}
	}
	return nil
}

// ParseMaxBodySize parses size strings like "1MB", "512KB", "2048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func ParseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(size)
	multiplier := int64(1)

	if strings.HasSuffix(upper, "KB") {
		multiplier = 1024
		size = strings.TrimSuffix(upper, "KB")
	} else if strings.HasSuffix(upper, "MB") {
		multiplier = 1024 * 1024
		size = strings.TrimSuffix(upper, "MB")
	} else if strings.HasSuffix(upper, "GB") {
		multiplier = 1024 * 1024 * 1024
		size = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result < 0 { // overflow
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
