package config

import (
	"os"
	"strconv"
	"strings"
)

// Config centralizes runtime settings for the API, the aggregation driver and the result sinks.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	JobStore       string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	RedisStream    string
	RedisDLQ       string
	RedisGroup     string
	RedisConsumer  string
	DatabaseURL    string
	BadgerDir      string

	AggregatorBaseURL         string
	AggregatorTimeoutMS       int
	AggregatorComputationType string
	PollIntervalMS            int
	PollTimeoutSeconds        int
	PollMaxErrors             int
	TriggerMaxAttempts        int
	FetchMaxAttempts          int
	RetryBackoffMS            int

	ResultsAPIURL          string
	ResultsAPITimeoutMS    int
	ResultsSavePath        string
	EnableAPISending       bool
	EnableFilesystemSaving bool

	WorkerEnabled            bool
	AggregationMaxConcurrent int
	ReaperEnabled            bool
	ReaperSchedule           string
	ReaperGraceSeconds       int

	RateLimitRPS   float64
	RateLimitBurst int
}

// Defaults returns the settings used when neither a config file nor the environment sets a value.
func Defaults() Config {
	return Config{
		Port:      "5000",
		LogLevel:  "info",
		LogFormat: "console",

		RedisKeyPrefix: "agg",
		RedisStream:    "aggregation_requests",
		RedisDLQ:       "aggregation_requests_dlq",
		RedisGroup:     "aggregation_drivers",
		RedisConsumer:  "orchestrator-1",

		AggregatorBaseURL:         "http://localhost:12314",
		AggregatorTimeoutMS:       15000,
		AggregatorComputationType: "sum",
		PollIntervalMS:            3000,
		PollTimeoutSeconds:        1800,
		PollMaxErrors:             5,
		TriggerMaxAttempts:        3,
		FetchMaxAttempts:          3,
		RetryBackoffMS:            500,

		ResultsAPIURL:          "",
		ResultsAPITimeoutMS:    15000,
		ResultsSavePath:        "/app/results",
		EnableAPISending:       true,
		EnableFilesystemSaving: true,

		WorkerEnabled:            true,
		AggregationMaxConcurrent: 64,
		ReaperEnabled:            true,
		ReaperSchedule:           "@every 1m",
		ReaperGraceSeconds:       300,

		RateLimitRPS:   50,
		RateLimitBurst: 100,
	}
}

// Load reads settings from the environment on top of Defaults.
func Load() Config {
	return fromEnv(Defaults())
}

// LoadWithFile layers defaults, the TOML file at path (if any) and the environment, in that order.
func LoadWithFile(path string) (Config, error) {
	base := Defaults()
	if strings.TrimSpace(path) != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		file.apply(&base)
	}
	return fromEnv(base), nil
}

func fromEnv(base Config) Config {
	return Config{
		Port:      getEnv("PORT", base.Port),
		LogLevel:  getEnv("LOG_LEVEL", base.LogLevel),
		LogFormat: getEnv("LOG_FORMAT", base.LogFormat),

		JobStore:       strings.ToLower(getEnv("JOB_STORE", base.JobStore)),
		RedisAddr:      getEnv("REDIS_ADDR", base.RedisAddr),
		RedisPassword:  getEnv("REDIS_PASSWORD", base.RedisPassword),
		RedisDB:        getEnvInt("REDIS_DB", base.RedisDB),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", base.RedisKeyPrefix),
		RedisStream:    getEnv("REDIS_STREAM", base.RedisStream),
		RedisDLQ:       getEnv("REDIS_DLQ_STREAM", base.RedisDLQ),
		RedisGroup:     getEnv("REDIS_GROUP", base.RedisGroup),
		RedisConsumer:  getEnv("REDIS_CONSUMER", base.RedisConsumer),
		DatabaseURL:    getEnv("DATABASE_URL", base.DatabaseURL),
		BadgerDir:      getEnv("BADGER_DIR", base.BadgerDir),

		AggregatorBaseURL:         getEnv("AGGREGATOR_BASE_URL", base.AggregatorBaseURL),
		AggregatorTimeoutMS:       getEnvInt("AGGREGATOR_TIMEOUT_MS", base.AggregatorTimeoutMS),
		AggregatorComputationType: getEnv("AGGREGATOR_COMPUTATION_TYPE", base.AggregatorComputationType),
		PollIntervalMS:            getEnvInt("POLL_INTERVAL_MS", base.PollIntervalMS),
		PollTimeoutSeconds:        getEnvInt("POLL_TIMEOUT_SECONDS", base.PollTimeoutSeconds),
		PollMaxErrors:             getEnvInt("POLL_MAX_ERRORS", base.PollMaxErrors),
		TriggerMaxAttempts:        getEnvInt("TRIGGER_MAX_ATTEMPTS", base.TriggerMaxAttempts),
		FetchMaxAttempts:          getEnvInt("FETCH_MAX_ATTEMPTS", base.FetchMaxAttempts),
		RetryBackoffMS:            getEnvInt("RETRY_BACKOFF_MS", base.RetryBackoffMS),

		ResultsAPIURL:          getEnv("RESULTS_API_URL", base.ResultsAPIURL),
		ResultsAPITimeoutMS:    getEnvInt("RESULTS_API_TIMEOUT_MS", base.ResultsAPITimeoutMS),
		ResultsSavePath:        getEnv("RESULTS_SAVE_PATH", base.ResultsSavePath),
		EnableAPISending:       getEnvBool("ENABLE_API_SENDING", base.EnableAPISending),
		EnableFilesystemSaving: getEnvBool("ENABLE_FILESYSTEM_SAVING", base.EnableFilesystemSaving),

		WorkerEnabled:            getEnvBool("WORKER_ENABLED", base.WorkerEnabled),
		AggregationMaxConcurrent: getEnvInt("AGGREGATION_MAX_CONCURRENT", base.AggregationMaxConcurrent),
		ReaperEnabled:            getEnvBool("REAPER_ENABLED", base.ReaperEnabled),
		ReaperSchedule:           getEnv("REAPER_SCHEDULE", base.ReaperSchedule),
		ReaperGraceSeconds:       getEnvInt("REAPER_GRACE_SECONDS", base.ReaperGraceSeconds),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", base.RateLimitRPS),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", base.RateLimitBurst),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
