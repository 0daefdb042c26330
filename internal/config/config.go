// Package config handles application configuration from a YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"news_ingest/internal/dedup"
	"news_ingest/internal/filter"
	"news_ingest/internal/model"
)

const configPathEnv = "NEWS_INGEST_CONFIG"

// Config holds the application configuration.
type Config struct {
	Sources  []SourceConfig `yaml:"sources"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Database DatabaseConfig `yaml:"database"`
	Model    ModelConfig    `yaml:"model"`
	Redis    RedisConfig    `yaml:"redis"`
	Telegram TelegramConfig `yaml:"telegram"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Schedule string         `yaml:"schedule"`
	LogLevel string         `yaml:"logLevel"`
}

// SourceConfig is one RSS feed.
type SourceConfig struct {
	Name    string         `yaml:"name"`
	URL     string         `yaml:"url"`
	Filters []model.Filter `yaml:"filters"`
}

// IngestConfig holds the run policy.
type IngestConfig struct {
	ImpactFloor         int           `yaml:"impactFloor"`
	SimilarityThreshold int           `yaml:"similarityThreshold"`
	DedupFields         string        `yaml:"dedupFields"`
	RetentionDays       int           `yaml:"retentionDays"`
	Timezone            string        `yaml:"timezone"`
	MediaSegments       []string      `yaml:"mediaSegments"`
	FetchTimeout        time.Duration `yaml:"fetchTimeout"`
	FetchConcurrency    int           `yaml:"fetchConcurrency"`
	LockTTL             time.Duration `yaml:"lockTTL"`

	location *time.Location
}

// DatabaseConfig selects the storage engine.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ModelConfig locates the classifier artifact.
type ModelConfig struct {
	Bucket       string `yaml:"bucket"`
	Key          string `yaml:"key"`
	CachePath    string `yaml:"cachePath"`
	Region       string `yaml:"region"`
	Profile      string `yaml:"profile"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"usePathStyle"`
}

// RedisConfig enables the run lock when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TelegramConfig enables the digest notifier when both fields are set.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   int64  `yaml:"chatId"`
}

// KafkaConfig enables the event notifier when brokers are set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sources: []SourceConfig{
			{Name: "cna_singapore", URL: "https://www.channelnewsasia.com/api/v1/rss-outbound-feed?_format=xml&category=10416"},
			{Name: "cna_asia", URL: "https://www.channelnewsasia.com/api/v1/rss-outbound-feed?_format=xml&category=6511"},
			{Name: "cna_world", URL: "https://www.channelnewsasia.com/api/v1/rss-outbound-feed?_format=xml&category=6311"},
			{Name: "bbc", URL: "https://feeds.bbci.co.uk/news/rss.xml?edition=int"},
		},
		Ingest: IngestConfig{
			ImpactFloor:         int(model.ImpactMedium),
			SimilarityThreshold: dedup.DefaultThreshold,
			DedupFields:         string(dedup.FieldsTitle),
			RetentionDays:       90,
			Timezone:            "Asia/Singapore",
			MediaSegments:       []string{"/videos/"},
			FetchTimeout:        30 * time.Second,
			FetchConcurrency:    4,
			LockTTL:             10 * time.Minute,
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "./data/news.db"},
		Model: ModelConfig{
			Bucket:    "newsmodel",
			Key:       "trained_model.json",
			CachePath: "/tmp/trained_model.json",
		},
		Kafka:    KafkaConfig{Topic: "news.high_impact"},
		Schedule: "0 * * * *",
		LogLevel: "info",
	}
}

// Load reads the YAML file named by NEWS_INGEST_CONFIG (if set) over the defaults,
// applies environment overrides and validates the result.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.DSN, "DATABASE_PATH")
	setString(&c.Database.DSN, "DATABASE_DSN")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Schedule, "INGEST_SCHEDULE")
	setString(&c.Ingest.Timezone, "TIMEZONE")
	setString(&c.Ingest.DedupFields, "DEDUP_FIELDS")
	setString(&c.Model.Bucket, "MODEL_BUCKET")
	setString(&c.Model.Key, "MODEL_KEY")
	setString(&c.Model.CachePath, "MODEL_CACHE_PATH")
	setString(&c.Model.Region, "AWS_REGION")
	setString(&c.Model.Profile, "AWS_PROFILE")
	setString(&c.Model.Endpoint, "S3_ENDPOINT")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setString(&c.Kafka.Topic, "KAFKA_TOPIC")

	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		c.Kafka.Brokers = nil
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, s)
			}
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"IMPACT_FLOOR", &c.Ingest.ImpactFloor},
		{"SIMILARITY_THRESHOLD", &c.Ingest.SimilarityThreshold},
		{"RETENTION_DAYS", &c.Ingest.RetentionDays},
		{"FETCH_CONCURRENCY", &c.Ingest.FetchConcurrency},
	}
	for _, e := range ints {
		if raw := os.Getenv(e.key); raw != "" {
			v, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", e.key, raw, err)
			}
			*e.dst = v
		}
	}

	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", raw, err)
		}
		c.Telegram.ChatID = id
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"FETCH_TIMEOUT", &c.Ingest.FetchTimeout},
		{"LOCK_TTL", &c.Ingest.LockTTL},
	}
	for _, e := range durations {
		if raw := os.Getenv(e.key); raw != "" {
			d, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", e.key, raw, err)
			}
			*e.dst = d
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the configuration and resolves the reference timezone.
func (c *Config) Validate() error {
	var errs []error

	in := &c.Ingest
	if in.ImpactFloor < int(model.ImpactIrrelevant) || in.ImpactFloor > int(model.ImpactHigh) {
		errs = append(errs, fmt.Errorf("impact floor %d out of range 0..3", in.ImpactFloor))
	}
	if in.SimilarityThreshold < 0 || in.SimilarityThreshold > 100 {
		errs = append(errs, fmt.Errorf("similarity threshold %d out of range 0..100", in.SimilarityThreshold))
	}
	if _, err := dedup.ParseFields(in.DedupFields); err != nil {
		errs = append(errs, err)
	}
	if in.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("retention days must be positive, got %d", in.RetentionDays))
	}
	if in.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch timeout must be positive, got %s", in.FetchTimeout))
	}
	if in.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("lock TTL must be positive, got %s", in.LockTTL))
	}
	if in.FetchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("fetch concurrency must be at least 1, got %d", in.FetchConcurrency))
	}
	loc, err := time.LoadLocation(in.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("load timezone %q: %w", in.Timezone, err))
	} else {
		in.location = loc
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database DSN is required"))
	}

	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("at least one source is required"))
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("source with URL %q has no name", s.URL))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("duplicate source name %q", s.Name))
		case s.URL == "":
			errs = append(errs, fmt.Errorf("source %q has no URL", s.Name))
		}
		seen[s.Name] = true
		if err := filter.Validate(s.Filters); err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", s.Name, err))
		}
	}

	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("telegram needs both bot token and chat id"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}

	return errors.Join(errs...)
}

// Location returns the reference timezone resolved by Validate.
func (in IngestConfig) Location() *time.Location {
	if in.location != nil {
		return in.location
	}
	return time.UTC
}

// ModelSources converts the configured feeds to domain sources, in order.
func (c *Config) ModelSources() []model.Source {
	out := make([]model.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, model.Source{Name: s.Name, URL: s.URL, Filters: s.Filters})
	}
	return out
}
