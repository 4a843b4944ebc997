// Package config defines the shadowforge configuration surface and loads it
// from environment variables (with .env support) layered over an optional
// YAML file, in that precedence order — env wins.
package config

import "time"

// ProviderConfig is one entry of the top-level `providers` map: a named LLM
// vendor with one or more API keys to rotate through.
type ProviderConfig struct {
	APIKeys []string `yaml:"api_keys"`
	Model   string   `yaml:"model"`
	BaseURL string   `yaml:"base_url"`
}

// PurposeConfig is one entry of the `purpose_map`.
type PurposeConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// ChunkConfig bounds the chunker's sentence-packing behavior.
type ChunkConfig struct {
	Min    int `yaml:"min"`
	Max    int `yaml:"max"`
	Target int `yaml:"target"`
}

// ConcurrencyConfig bounds simultaneous outbound LLM requests.
type ConcurrencyConfig struct {
	MaxOutbound int `yaml:"max_outbound"`
}

// CooldownConfig sets the backoff base durations for rate-limit vs transient
// network failures.
type CooldownConfig struct {
	BaseSeconds          float64 `yaml:"base_seconds"`
	TransientBaseSeconds float64 `yaml:"transient_base_seconds"`
}

// SSEConfig bounds the event bus's per-task queue.
type SSEConfig struct {
	MaxMessagesPerTask int `yaml:"max_messages_per_task"`
	TTLSeconds         int `yaml:"ttl_seconds"`
}

// TaskConfig bounds per-stage and per-task timeouts.
type TaskConfig struct {
	StageTimeoutSeconds   int `yaml:"stage_timeout_seconds"`
	OverallTimeoutSeconds int `yaml:"overall_timeout_seconds"`
}

// PostgresConfig configures the durable task store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the event bus and Kafka-intake dedupe store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig configures the optional async task-intake path.
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`
	CommandTopic      string   `yaml:"command_topic"`
	DefaultReplyTopic string   `yaml:"default_reply_topic"`
	GroupID           string   `yaml:"group_id"`
}

// S3Config configures the post-completion archive sink.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Prefix       string `yaml:"prefix"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// HTTPConfig configures the control-plane listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// OTELConfig configures metric/trace export.
type OTELConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// TranscriptFetchConfig configures the optional C0 headless-fetch intake
// path described in SPEC_FULL.md.
type TranscriptFetchConfig struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutSeconds int  `yaml:"timeout_seconds"`
}

// Config is the fully-resolved process configuration.
type Config struct {
	Providers   map[string]ProviderConfig `yaml:"providers"`
	PurposeMap  map[string]PurposeConfig  `yaml:"purpose_map"`
	Chunk       ChunkConfig               `yaml:"chunk"`
	Concurrency ConcurrencyConfig         `yaml:"concurrency"`
	Cooldown    CooldownConfig            `yaml:"cooldown"`
	SSE         SSEConfig                 `yaml:"sse"`
	Task        TaskConfig                `yaml:"task"`
	Postgres    PostgresConfig            `yaml:"postgres"`
	Redis       RedisConfig               `yaml:"redis"`
	Kafka       KafkaConfig               `yaml:"kafka"`
	S3          S3Config                  `yaml:"s3"`
	HTTP        HTTPConfig                `yaml:"http"`
	OTEL        OTELConfig                `yaml:"otel"`
	Fetch       TranscriptFetchConfig     `yaml:"fetch"`

	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`
}

// StageTimeout returns the configured per-chunk-stage deadline as a
// time.Duration, defaulting to 120s.
func (c Config) StageTimeout() time.Duration {
	if c.Task.StageTimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Task.StageTimeoutSeconds) * time.Second
}

// OverallTimeout returns the configured per-task deadline, defaulting to 10m.
func (c Config) OverallTimeout() time.Duration {
	if c.Task.OverallTimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Task.OverallTimeoutSeconds) * time.Second
}

// EventTTL returns the event bus's queue TTL, defaulting to 300s.
func (c Config) EventTTL() time.Duration {
	if c.SSE.TTLSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.SSE.TTLSeconds) * time.Second
}

// MaxOutbound returns the concurrency limiter width, defaulting to 3.
func (c Config) MaxOutbound() int {
	if c.Concurrency.MaxOutbound <= 0 {
		return 3
	}
	return c.Concurrency.MaxOutbound
}

// Validate enforces the configuration invariants spec.md calls "fatal at
// startup": at least one provider, and a "default" purpose mapping.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return errNoProviders
	}
	if _, ok := c.PurposeMap["default"]; !ok {
		return errNoDefaultPurpose
	}
	return nil
}

// applyDefaults fills in the awkward-as-zero-value defaults called out in
// spec.md §6.
func (c *Config) applyDefaults() {
	if c.Chunk.Min == 0 {
		c.Chunk.Min = 150
	}
	if c.Chunk.Max == 0 {
		c.Chunk.Max = 250
	}
	if c.Chunk.Target == 0 {
		c.Chunk.Target = 200
	}
	if c.Cooldown.BaseSeconds == 0 {
		c.Cooldown.BaseSeconds = 60
	}
	if c.Cooldown.TransientBaseSeconds == 0 {
		c.Cooldown.TransientBaseSeconds = 5
	}
	if c.SSE.MaxMessagesPerTask == 0 {
		c.SSE.MaxMessagesPerTask = 100
	}
	if c.SSE.TTLSeconds == 0 {
		c.SSE.TTLSeconds = 300
	}
	if c.Task.StageTimeoutSeconds == 0 {
		c.Task.StageTimeoutSeconds = 120
	}
	if c.Task.OverallTimeoutSeconds == 0 {
		c.Task.OverallTimeoutSeconds = 600
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Kafka.CommandTopic == "" {
		c.Kafka.CommandTopic = "shadowforge.commands"
	}
	if c.Kafka.DefaultReplyTopic == "" {
		c.Kafka.DefaultReplyTopic = "shadowforge.replies"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "shadowforge-orchestrator"
	}
}
