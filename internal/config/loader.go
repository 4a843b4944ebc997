package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

var (
	errNoProviders      = errors.New("config: at least one provider is required")
	errNoDefaultPurpose = errors.New("config: purpose_map must contain \"default\"")
)

// Load reads the YAML file at path (if non-empty and present), then applies
// environment overrides on top — env always wins, matching the teacher's
// .env-overrides-file precedence for local/dev ergonomics.
func Load(path string) (Config, error) {
	// Use Overload so a local .env deterministically controls dev runs:
	// its values replace same-named variables already set in the process
	// environment.
	_ = godotenv.Overload()

	var cfg Config
	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LOG_PATH")); v != "" {
		cfg.LogPath = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("POSTGRES_DSN")); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_PASSWORD")); v != "" {
		cfg.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_COMMAND_TOPIC")); v != "" {
		cfg.Kafka.CommandTopic = v
	}
	if v := strings.TrimSpace(os.Getenv("S3_BUCKET")); v != "" {
		cfg.S3.Bucket = v
	}
	if v := strings.TrimSpace(os.Getenv("S3_REGION")); v != "" {
		cfg.S3.Region = v
	}
	if v := strings.TrimSpace(os.Getenv("S3_ACCESS_KEY")); v != "" {
		cfg.S3.AccessKey = v
	}
	if v := strings.TrimSpace(os.Getenv("S3_SECRET_KEY")); v != "" {
		cfg.S3.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv("S3_ENDPOINT")); v != "" {
		cfg.S3.Endpoint = v
	}

	// Providers: ANTHROPIC_API_KEYS / OPENAI_API_KEYS / GOOGLE_API_KEYS are
	// comma-separated lists layered onto (not replacing) whatever the YAML
	// file already declared for that provider.
	applyProviderEnv(cfg, "anthropic", "ANTHROPIC_API_KEYS", "ANTHROPIC_MODEL", "ANTHROPIC_BASE_URL")
	applyProviderEnv(cfg, "openai", "OPENAI_API_KEYS", "OPENAI_MODEL", "OPENAI_BASE_URL")
	applyProviderEnv(cfg, "google", "GOOGLE_API_KEYS", "GOOGLE_MODEL", "GOOGLE_BASE_URL")

	if v := strings.TrimSpace(os.Getenv("CONCURRENCY_MAX_OUTBOUND")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency.MaxOutbound = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHUNK_MIN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chunk.Min = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHUNK_MAX")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chunk.Max = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHUNK_TARGET")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chunk.Target = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("TASK_STAGE_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Task.StageTimeoutSeconds = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("TASK_OVERALL_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Task.OverallTimeoutSeconds = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.OTEL.OTLPEndpoint = v
		cfg.OTEL.Enabled = true
	}
}

func applyProviderEnv(cfg *Config, name, keysEnv, modelEnv, baseURLEnv string) {
	keysRaw := strings.TrimSpace(os.Getenv(keysEnv))
	model := strings.TrimSpace(os.Getenv(modelEnv))
	baseURL := strings.TrimSpace(os.Getenv(baseURLEnv))
	if keysRaw == "" && model == "" && baseURL == "" {
		return
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	pc := cfg.Providers[name]
	if keysRaw != "" {
		for _, k := range strings.Split(keysRaw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				pc.APIKeys = append(pc.APIKeys, k)
			}
		}
	}
	if model != "" {
		pc.Model = model
	}
	if baseURL != "" {
		pc.BaseURL = baseURL
	}
	cfg.Providers[name] = pc
}
