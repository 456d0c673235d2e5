// Package config reads process configuration from the environment. Values
// are read once at startup and passed down explicitly.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"burrowed-assistant/internal/usecase"
)

type Config struct {
	StateTable  string
	ParamPrefix string

	Gemini GeminiConfig
	Budget BudgetConfig
	Site   SiteConfig

	RoutesFile string

	// Dev server only.
	RequestsPerMinute int
	AllowedOrigins    []string
	DBPath            string

	LogLevel string
}

type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type BudgetConfig struct {
	DailyTokenLimit           int
	ClassifierMaxOutputTokens int
	AnswerMaxOutputTokens     int
	Temperature               float64
	PreflightReserve          int
	MaxPromptLength           int
	MaxHistoryLength          int
}

type SiteConfig struct {
	Name         string
	ContactEmail string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		StateTable:  getEnv("STATE_TABLE", ""),
		ParamPrefix: strings.TrimRight(getEnv("PARAM_PREFIX", ""), "/"),
		Gemini: GeminiConfig{
			APIKey:  getEnv("GEMINI_API_KEY", ""),
			Model:   getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			BaseURL: getEnv("GEMINI_BASE_URL", ""),
			Timeout: time.Duration(getEnvInt("LLM_REQUEST_TIMEOUT_SECONDS", 20)) * time.Second,
		},
		Budget: BudgetConfig{
			DailyTokenLimit:           getEnvInt("DAILY_TOKEN_LIMIT", 50000),
			ClassifierMaxOutputTokens: getEnvInt("CLASSIFIER_MAX_OUTPUT_TOKENS", 1000),
			AnswerMaxOutputTokens:     getEnvInt("ANSWER_MAX_OUTPUT_TOKENS", 1500),
			Temperature:               getEnvFloat("LLM_TEMPERATURE", 0.2),
			PreflightReserve:          getEnvInt("PREFLIGHT_RESERVE_TOKENS", 1000),
			MaxPromptLength:           getEnvInt("MAX_PROMPT_LENGTH", 1000),
			MaxHistoryLength:          getEnvInt("MAX_HISTORY_LENGTH", 4000),
		},
		Site: SiteConfig{
			Name:         getEnv("SITE_NAME", "Burrowed Literary Magazine"),
			ContactEmail: getEnv("CONTACT_EMAIL", "contact@burrowed.org"),
		},
		RoutesFile:        getEnv("ROUTES_FILE", ""),
		RequestsPerMinute: getEnvInt("ASK_REQUESTS_PER_MINUTE", 10),
		AllowedOrigins:    getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		DBPath:            getEnv("DB_PATH", "./data/assistant.db"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks values shared by every entry point.
func (c *Config) Validate() error {
	if c.Budget.DailyTokenLimit <= 0 {
		return fmt.Errorf("DAILY_TOKEN_LIMIT must be > 0")
	}
	if c.Budget.ClassifierMaxOutputTokens <= 0 {
		return fmt.Errorf("CLASSIFIER_MAX_OUTPUT_TOKENS must be > 0")
	}
	if c.Budget.AnswerMaxOutputTokens <= 0 {
		return fmt.Errorf("ANSWER_MAX_OUTPUT_TOKENS must be > 0")
	}
	if c.Budget.Temperature < 0 || c.Budget.Temperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be within [0, 2]")
	}
	if c.Budget.PreflightReserve <= 0 {
		return fmt.Errorf("PREFLIGHT_RESERVE_TOKENS must be > 0")
	}
	if c.Budget.MaxPromptLength <= 0 {
		return fmt.Errorf("MAX_PROMPT_LENGTH must be > 0")
	}
	if c.Budget.MaxHistoryLength <= 0 {
		return fmt.Errorf("MAX_HISTORY_LENGTH must be > 0")
	}
	if c.Gemini.Timeout <= 0 {
		return fmt.Errorf("LLM_REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if strings.TrimSpace(c.Gemini.Model) == "" {
		return fmt.Errorf("GEMINI_MODEL cannot be empty")
	}
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("ASK_REQUESTS_PER_MINUTE must be > 0")
	}
	return nil
}

// ValidateLambda checks the settings only the Lambda entry point needs.
func (c *Config) ValidateLambda() error {
	if c.StateTable == "" {
		return fmt.Errorf("STATE_TABLE cannot be empty")
	}
	if c.ParamPrefix == "" && c.Gemini.APIKey == "" {
		return fmt.Errorf("PARAM_PREFIX cannot be empty when GEMINI_API_KEY is unset")
	}
	return nil
}

// GeminiKeyParameter is the SSM parameter holding the Gemini API key.
func (c *Config) GeminiKeyParameter() string {
	return c.ParamPrefix + "/gemini-api-key"
}

// AskConfig projects the settings the ask service needs.
func (c *Config) AskConfig() usecase.Config {
	return usecase.Config{
		ClassifierMaxOutputTokens: c.Budget.ClassifierMaxOutputTokens,
		AnswerMaxOutputTokens:     c.Budget.AnswerMaxOutputTokens,
		Temperature:               c.Budget.Temperature,
		PreflightReserve:          c.Budget.PreflightReserve,
		MaxPromptLength:           c.Budget.MaxPromptLength,
		MaxHistoryLength:          c.Budget.MaxHistoryLength,
		Site: usecase.SiteProfile{
			Name:         c.Site.Name,
			ContactEmail: c.Site.ContactEmail,
		},
	}
}

// NewLogger builds the JSON logger used by both entry points.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps LOG_LEVEL to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
