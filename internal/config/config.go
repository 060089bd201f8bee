package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the exam service.
type Config struct {
	AppName  string
	AppEnv   string
	AppPort  string
	LogLevel string

	AIProvider    string
	AIEndpoint    string
	AIAPIKey      string
	AIModel       string
	AIAPIVersion  string
	AITemperature float32
	AIMaxTokens   int

	ExamMaxTurns       int
	ExamRefusalPolicy  string
	SessionIdleTTL     time.Duration
	SessionSweepPeriod time.Duration

	RedisURL         string
	NATSURL          string
	EventChannelBase string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
// GRACHALLE_* variables win; AZURE_OPENAI_* are accepted for the backend settings.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRACHALLE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindAliases(v, map[string][]string{
		"ai.endpoint":    {"GRACHALLE_AI_ENDPOINT", "AZURE_OPENAI_ENDPOINT"},
		"ai.api_key":     {"GRACHALLE_AI_API_KEY", "AZURE_OPENAI_API_KEY"},
		"ai.model":       {"GRACHALLE_AI_MODEL", "AZURE_OPENAI_MODEL"},
		"ai.api_version": {"GRACHALLE_AI_API_VERSION", "AZURE_OPENAI_API_VERSION"},
	})

	v.SetDefault("app.name", "Grachalle Exam API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("ai.provider", "azure")
	v.SetDefault("ai.model", "gpt-4")
	v.SetDefault("ai.api_version", "2024-02-01")
	v.SetDefault("ai.temperature", 0)
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("exam.max_turns", 3)
	v.SetDefault("exam.refusal_policy", "retry")
	v.SetDefault("session.idle_ttl", "30m")
	v.SetDefault("session.sweep_interval", "1m")
	v.SetDefault("events.channel", "grachalle")

	idleTTL, err := time.ParseDuration(v.GetString("session.idle_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid session idle ttl: %w", err)
	}

	sweep, err := time.ParseDuration(v.GetString("session.sweep_interval"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid session sweep interval: %w", err)
	}

	cfg := Config{
		AppName:            v.GetString("app.name"),
		AppEnv:             v.GetString("app.env"),
		AppPort:            v.GetString("app.port"),
		LogLevel:           strings.ToLower(v.GetString("log.level")),
		AIProvider:         strings.ToLower(v.GetString("ai.provider")),
		AIEndpoint:         v.GetString("ai.endpoint"),
		AIAPIKey:           v.GetString("ai.api_key"),
		AIModel:            v.GetString("ai.model"),
		AIAPIVersion:       v.GetString("ai.api_version"),
		AITemperature:      float32(v.GetFloat64("ai.temperature")),
		AIMaxTokens:        v.GetInt("ai.max_tokens"),
		ExamMaxTurns:       v.GetInt("exam.max_turns"),
		ExamRefusalPolicy:  strings.ToLower(v.GetString("exam.refusal_policy")),
		SessionIdleTTL:     idleTTL,
		SessionSweepPeriod: sweep,
		RedisURL:           v.GetString("redis.url"),
		NATSURL:            v.GetString("nats.url"),
		EventChannelBase:   v.GetString("events.channel"),
	}

	if cfg.AIProvider != "azure" && cfg.AIProvider != "openai" {
		return Config{}, fmt.Errorf("unsupported ai provider %q", cfg.AIProvider)
	}

	if cfg.AIProvider == "azure" && cfg.AIEndpoint == "" {
		return Config{}, fmt.Errorf("azure provider requires an endpoint")
	}

	if cfg.AITemperature < 0 || cfg.AITemperature > 2 {
		return Config{}, fmt.Errorf("ai temperature must be between 0 and 2")
	}

	if cfg.ExamMaxTurns <= 0 {
		cfg.ExamMaxTurns = 3
	}

	if cfg.AIMaxTokens <= 0 {
		cfg.AIMaxTokens = 1024
	}

	return cfg, nil
}

func bindAliases(v *viper.Viper, aliases map[string][]string) {
	for key, envs := range aliases {
		input := append([]string{key}, envs...)
		_ = v.BindEnv(input...)
	}
}
