package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration loaded from environment
// variables. It is immutable after Load() returns and is injected into the
// Orchestrator factory rather than read from globals at call time (Design
// Note §9).
type Config struct {
	Port        int
	Environment string

	DatabaseURL      string
	DatabaseMaxConns int

	ModelAPIKey  string
	ModelBaseURL string
	WriterModel  string
	SkepticModel string
	JudgeModel   string
	Temperature  float64
	HTTPReferer  string
	AppTitle     string

	MaxRevisionCycles     int
	RetrievalThreshold    float64
	RetrievalLimit        int
	StreamUpdateEvery     int
	HistoryMessageCap     int
	CoverageTargetDefault float64
	CoverageTargetRelaxed float64
	SilenceFloor          float64
	SessionTimeout        int // seconds

	ProgressRedisURL string

	RetrieverURL string

	FrontendURL        string
	InternalAuthSecret string
}

// Load reads configuration from environment variables. Required variables
// (DATABASE_URL, MODEL_API_KEY, RETRIEVER_URL) cause an error if missing. Optional
// variables use the defaults named in spec.md §6.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	apiKey := os.Getenv("MODEL_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("config.Load: MODEL_API_KEY is required")
	}

	retrieverURL := os.Getenv("RETRIEVER_URL")
	if retrieverURL == "" {
		return nil, fmt.Errorf("config.Load: RETRIEVER_URL is required")
	}

	cfg := &Config{
		Port:        envInt("PORT", 8080),
		Environment: envStr("ENVIRONMENT", "development"),

		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),

		ModelAPIKey:  apiKey,
		ModelBaseURL: envStr("MODEL_BASE_URL", "https://openrouter.ai/api/v1"),
		WriterModel:  envStr("WRITER_MODEL", "openai/gpt-4o"),
		SkepticModel: envStr("SKEPTIC_MODEL", "openai/gpt-4o"),
		JudgeModel:   envStr("JUDGE_MODEL", "openai/gpt-4o"),
		Temperature:  envFloat("MODEL_TEMPERATURE", 0.2),
		HTTPReferer:  envStr("HTTP_REFERER", "https://veriloop.internal"),
		AppTitle:     envStr("APP_TITLE", "Veriloop"),

		MaxRevisionCycles:     envInt("MAX_REVISION_CYCLES", 2),
		RetrievalThreshold:    envFloat("RETRIEVAL_THRESHOLD", 0.3),
		RetrievalLimit:        envInt("RETRIEVAL_LIMIT", 15),
		StreamUpdateEvery:     envInt("STREAM_UPDATE_EVERY", 10),
		HistoryMessageCap:     envInt("HISTORY_MESSAGE_CAP", 12),
		CoverageTargetDefault: envFloat("COVERAGE_TARGET_DEFAULT", 0.85),
		CoverageTargetRelaxed: envFloat("COVERAGE_TARGET_RELAXED", 0.70),
		SilenceFloor:          envFloat("SILENCE_FLOOR", 0.15),
		SessionTimeout:        envInt("SESSION_TIMEOUT_SECONDS", 300),

		ProgressRedisURL: envStr("PROGRESS_REDIS_URL", ""),

		RetrieverURL: retrieverURL,

		FrontendURL:        envStr("FRONTEND_URL", "http://localhost:3000"),
		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),
	}

	if cfg.Environment != "development" && cfg.InternalAuthSecret == "" {
		return nil, fmt.Errorf("config.Load: INTERNAL_AUTH_SECRET is required in %s environment", cfg.Environment)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
