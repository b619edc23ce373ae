package config

import "time"

// Config represents the complete fourgate configuration.
type Config struct {
	Service ServiceConfig           `yaml:"service"`
	Intake  IntakeConfig            `yaml:"intake"`
	API     APIConfig               `yaml:"api,omitempty"`
	Storage StorageConfig           `yaml:"storage"`
	Bus     BusConfig               `yaml:"bus,omitempty"`
	Sources map[string]SourceConfig `yaml:"sources"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// IntakeConfig defines the webhook intake listener.
type IntakeConfig struct {
	Listen         string        `yaml:"listen"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// APIConfig defines the read-only ops API server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
}

// StorageConfig selects and tunes the warehouse backend. The bus always runs
// on the local SQLite database at Path; Backend only switches where canonical
// rows land.
type StorageConfig struct {
	Backend          string        `yaml:"backend"` // "sqlite" or "postgres"
	Path             string        `yaml:"path"`
	PostgresURL      string        `yaml:"postgres_url,omitempty"`
	MaxWriteAttempts int           `yaml:"max_write_attempts,omitempty"`
	WriteBackoffBase time.Duration `yaml:"write_backoff_base,omitempty"`
}

// BusConfig tunes the embedded at-least-once transport.
type BusConfig struct {
	VisibilityTimeout time.Duration `yaml:"visibility_timeout,omitempty"`
	MaxAttempts       int           `yaml:"max_attempts,omitempty"`
	RetryBackoffBase  time.Duration `yaml:"retry_backoff_base,omitempty"`
	PollInterval      time.Duration `yaml:"poll_interval,omitempty"`
}

// SourceConfig defines one authorized webhook source.
type SourceConfig struct {
	// Kind selects the parser variant: github, gitlab, pipeline, deploy, incident.
	Kind string `yaml:"kind"`

	// Verify selects the signature scheme: "hmac-sha256" or "token".
	Verify string `yaml:"verify"`

	// Secret is the per-source shared secret. Supports ${ENV_VAR} expansion.
	Secret string `yaml:"secret"`

	// SignatureHeader carries the HMAC signature or shared token.
	// Examples: "X-Hub-Signature-256" (GitHub), "X-Gitlab-Token" (GitLab).
	SignatureHeader string `yaml:"signature_header"`

	// EventTypeHeader names the header carrying the event-type discriminator
	// (e.g. "X-GitHub-Event"). Empty means the discriminator is read from the
	// payload field named by EventTypeField.
	EventTypeHeader string `yaml:"event_type_header,omitempty"`

	// EventTypeField is the top-level payload field holding the event type
	// when no header is configured (default "event_type").
	EventTypeField string `yaml:"event_type_field,omitempty"`

	// Topic overrides the transport topic (default "fourgate.<source>").
	Topic string `yaml:"topic,omitempty"`

	// MaxBodySize caps request bodies, e.g. "1MB" (default 1MB).
	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// Default tuning values.
const (
	DefaultLogLevel         = "INFO"
	DefaultRequestTimeout   = 10 * time.Second
	DefaultMaxWriteAttempts = 4
	DefaultWriteBackoffBase = 100 * time.Millisecond
	DefaultVisibilityTime   = 30 * time.Second
	DefaultBusMaxAttempts   = 5
	DefaultBusBackoffBase   = time.Second
	DefaultPollInterval     = 250 * time.Millisecond
)
