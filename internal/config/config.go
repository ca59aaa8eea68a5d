package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process-wide, read-only configuration built once at startup.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
	CORSAllowOrigin string

	Remote RemoteConfig
	Local  LocalConfig

	RedisAddr string
	CacheTTL  time.Duration

	DatabaseDSN string

	EventCSVPath   string
	EventJSONLPath string
	EventQueueSize int

	JWTSecret   string
	JWTAudience string

	LogLevel       string
	LogDevelopment bool
}

// RemoteConfig holds the cloud vision API settings.
type RemoteConfig struct {
	User    string
	Secret  string
	BaseURL string
	Models  string
}

// Configured reports whether both credentials are present.
func (r RemoteConfig) Configured() bool {
	return r.User != "" && r.Secret != ""
}

// LocalConfig lists the member models to load.
type LocalConfig struct {
	Members        []MemberSpec
	ONNXRuntimeLib string
}

// MemberSpec describes one local member model, written as name=kind:target.
type MemberSpec struct {
	Name   string
	Kind   string
	Target string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	env := func(key, fallback string) string {
		if value := strings.TrimSpace(getenv(key)); value != "" {
			return value
		}
		return fallback
	}

	cfg := &Config{
		HTTPAddr:        env("HTTP_ADDR", ":8000"),
		CORSAllowOrigin: env("CORS_ALLOW_ORIGIN", "*"),
		Remote: RemoteConfig{
			User:    env("SIGHTENGINE_USER", ""),
			Secret:  env("SIGHTENGINE_SECRET", ""),
			BaseURL: env("SIGHTENGINE_BASE_URL", "https://api.sightengine.com/1.0/check.json"),
			Models:  env("SIGHTENGINE_MODELS", "genai"),
		},
		RedisAddr:      env("REDIS_ADDR", ""),
		DatabaseDSN:    env("DATABASE_DSN", ""),
		EventCSVPath:   env("EVENT_CSV_PATH", "logging_template.csv"),
		EventJSONLPath: env("EVENT_JSONL_PATH", "logging_log.jsonl"),
		JWTSecret:      env("JWT_SECRET", ""),
		JWTAudience:    env("JWT_AUDIENCE", ""),
		LogLevel:       env("LOG_LEVEL", "info"),
	}
	cfg.Local.ONNXRuntimeLib = env("ONNXRUNTIME_LIB", "")

	var err error
	if cfg.ShutdownTimeout, err = parseDuration("SHUTDOWN_TIMEOUT", env("SHUTDOWN_TIMEOUT", "15s")); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = parseDuration("CACHE_TTL", env("CACHE_TTL", "10m")); err != nil {
		return nil, err
	}
	maxUpload, err := parseInt("MAX_UPLOAD_BYTES", env("MAX_UPLOAD_BYTES", strconv.Itoa(10<<20)))
	if err != nil {
		return nil, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)
	if cfg.EventQueueSize, err = parseInt("EVENT_QUEUE_SIZE", env("EVENT_QUEUE_SIZE", "256")); err != nil {
		return nil, err
	}
	if cfg.LogDevelopment, err = strconv.ParseBool(env("LOG_DEVELOPMENT", "false")); err != nil {
		return nil, fmt.Errorf("LOG_DEVELOPMENT: %w", err)
	}
	if cfg.Local.Members, err = ParseMembers(env("LOCAL_MODELS", "")); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseMembers parses a comma separated list of name=kind:target entries.
// The target may be empty (metadata members need none) and may itself contain colons.
func ParseMembers(value string) ([]MemberSpec, error) {
	var specs []MemberSpec
	seen := make(map[string]bool)
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("LOCAL_MODELS: entry %q must look like name=kind:target", entry)
		}
		kind, target, _ := strings.Cut(rest, ":")
		spec := MemberSpec{
			Name:   strings.TrimSpace(name),
			Kind:   strings.ToLower(strings.TrimSpace(kind)),
			Target: strings.TrimSpace(target),
		}
		if spec.Kind == "" {
			return nil, fmt.Errorf("LOCAL_MODELS: entry %q has no kind", entry)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("LOCAL_MODELS: duplicate member %q", spec.Name)
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive", key)
	}
	return d, nil
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: must be positive", key)
	}
	return n, nil
}
