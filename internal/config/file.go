package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors the TOML layout. Zero values and nil pointers mean "not set".
type fileConfig struct {
	Server struct {
		Port           string  `toml:"port"`
		LogLevel       string  `toml:"log_level"`
		LogFormat      string  `toml:"log_format"`
		RateLimitRPS   float64 `toml:"rate_limit_rps"`
		RateLimitBurst int     `toml:"rate_limit_burst"`
	} `toml:"server"`

	Store struct {
		Backend        string `toml:"backend"`
		RedisAddr      string `toml:"redis_addr"`
		RedisPassword  string `toml:"redis_password"`
		RedisDB        int    `toml:"redis_db"`
		RedisKeyPrefix string `toml:"redis_key_prefix"`
		DatabaseURL    string `toml:"database_url"`
		BadgerDir      string `toml:"badger_dir"`
	} `toml:"store"`

	Queue struct {
		Stream    string `toml:"stream"`
		DLQStream string `toml:"dlq_stream"`
		Group     string `toml:"group"`
		Consumer  string `toml:"consumer"`
	} `toml:"queue"`

	Aggregator struct {
		BaseURL            string `toml:"base_url"`
		TimeoutMS          int    `toml:"timeout_ms"`
		ComputationType    string `toml:"computation_type"`
		PollIntervalMS     int    `toml:"poll_interval_ms"`
		PollTimeoutSeconds int    `toml:"poll_timeout_seconds"`
		PollMaxErrors      int    `toml:"poll_max_errors"`
		TriggerMaxAttempts int    `toml:"trigger_max_attempts"`
		FetchMaxAttempts   int    `toml:"fetch_max_attempts"`
		RetryBackoffMS     int    `toml:"retry_backoff_ms"`
	} `toml:"aggregator"`

	Results struct {
		APIURL                 string `toml:"api_url"`
		APITimeoutMS           int    `toml:"api_timeout_ms"`
		SavePath               string `toml:"save_path"`
		EnableAPISending       *bool  `toml:"enable_api_sending"`
		EnableFilesystemSaving *bool  `toml:"enable_filesystem_saving"`
	} `toml:"results"`

	Worker struct {
		Enabled            *bool  `toml:"enabled"`
		MaxConcurrent      int    `toml:"max_concurrent"`
		ReaperEnabled      *bool  `toml:"reaper_enabled"`
		ReaperSchedule     string `toml:"reaper_schedule"`
		ReaperGraceSeconds int    `toml:"reaper_grace_seconds"`
	} `toml:"worker"`
}

func readFile(path string) (fileConfig, error) {
	var file fileConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return file, fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(raw, &file); err != nil {
		return file, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return file, nil
}

func (f fileConfig) apply(cfg *Config) {
	setString(&cfg.Port, f.Server.Port)
	setString(&cfg.LogLevel, f.Server.LogLevel)
	setString(&cfg.LogFormat, f.Server.LogFormat)
	if f.Server.RateLimitRPS > 0 {
		cfg.RateLimitRPS = f.Server.RateLimitRPS
	}
	setInt(&cfg.RateLimitBurst, f.Server.RateLimitBurst)

	setString(&cfg.JobStore, f.Store.Backend)
	setString(&cfg.RedisAddr, f.Store.RedisAddr)
	setString(&cfg.RedisPassword, f.Store.RedisPassword)
	setInt(&cfg.RedisDB, f.Store.RedisDB)
	setString(&cfg.RedisKeyPrefix, f.Store.RedisKeyPrefix)
	setString(&cfg.DatabaseURL, f.Store.DatabaseURL)
	setString(&cfg.BadgerDir, f.Store.BadgerDir)

	setString(&cfg.RedisStream, f.Queue.Stream)
	setString(&cfg.RedisDLQ, f.Queue.DLQStream)
	setString(&cfg.RedisGroup, f.Queue.Group)
	setString(&cfg.RedisConsumer, f.Queue.Consumer)

	setString(&cfg.AggregatorBaseURL, f.Aggregator.BaseURL)
	setInt(&cfg.AggregatorTimeoutMS, f.Aggregator.TimeoutMS)
	setString(&cfg.AggregatorComputationType, f.Aggregator.ComputationType)
	setInt(&cfg.PollIntervalMS, f.Aggregator.PollIntervalMS)
	setInt(&cfg.PollTimeoutSeconds, f.Aggregator.PollTimeoutSeconds)
	setInt(&cfg.PollMaxErrors, f.Aggregator.PollMaxErrors)
	setInt(&cfg.TriggerMaxAttempts, f.Aggregator.TriggerMaxAttempts)
	setInt(&cfg.FetchMaxAttempts, f.Aggregator.FetchMaxAttempts)
	setInt(&cfg.RetryBackoffMS, f.Aggregator.RetryBackoffMS)

	setString(&cfg.ResultsAPIURL, f.Results.APIURL)
	setInt(&cfg.ResultsAPITimeoutMS, f.Results.APITimeoutMS)
	setString(&cfg.ResultsSavePath, f.Results.SavePath)
	setBool(&cfg.EnableAPISending, f.Results.EnableAPISending)
	setBool(&cfg.EnableFilesystemSaving, f.Results.EnableFilesystemSaving)

	setBool(&cfg.WorkerEnabled, f.Worker.Enabled)
	setInt(&cfg.AggregationMaxConcurrent, f.Worker.MaxConcurrent)
	setBool(&cfg.ReaperEnabled, f.Worker.ReaperEnabled)
	setString(&cfg.ReaperSchedule, f.Worker.ReaperSchedule)
	setInt(&cfg.ReaperGraceSeconds, f.Worker.ReaperGraceSeconds)
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func setInt(target *int, value int) {
	if value != 0 {
		*target = value
	}
}

func setBool(target *bool, value *bool) {
	if value != nil {
		*target = *value
	}
}
