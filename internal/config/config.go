package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "PSKY"

	defaultHTTPAddress        = "0.0.0.0:3000"
	defaultDatabasePath       = "psky.db"
	defaultLogLevel           = "info"
	defaultJetstreamEndpoint  = "wss://jetstream2.us-west.bsky.network/subscribe"
	defaultCheckpointBackend  = CheckpointBackendFile
	defaultCheckpointPath     = "cursor.txt"
	defaultCheckpointInterval = 60 * time.Second
	defaultPLCURL             = "https://plc.directory"
	defaultIdentityTimeout    = 10 * time.Second
	defaultHubBufferSize      = 64
	defaultRateLimitPerMinute = 50
	defaultNATSSubjectPrefix  = "psky.relay"

	defaultMessageGraphemeLimit = 2048
	defaultMessageCharLimit     = 20480
	defaultPostGraphemeLimit    = 256
	defaultPostCharLimit        = 2560
)

// Checkpoint backends.
const (
	CheckpointBackendFile     = "file"
	CheckpointBackendDatabase = "database"
)

var defaultWantedCollections = []string{"social.psky.*"}

// AppConfig captures runtime configuration for the relay.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	JetstreamEndpoint    string
	JetstreamCollections []string

	CheckpointBackend  string
	CheckpointPath     string
	CheckpointInterval time.Duration

	PLCURL          string
	IdentityTimeout time.Duration

	HubBufferSize      int
	RateLimitPerMinute int
	RateLimitExempt    []string

	MessageGraphemeLimit int
	MessageCharLimit     int
	PostGraphemeLimit    int
	PostCharLimit        int

	NATSURL           string
	NATSSubjectPrefix string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("jetstream.endpoint", defaultJetstreamEndpoint)
	configViper.SetDefault("jetstream.collections", defaultWantedCollections)
	configViper.SetDefault("checkpoint.backend", defaultCheckpointBackend)
	configViper.SetDefault("checkpoint.path", defaultCheckpointPath)
	configViper.SetDefault("checkpoint.interval", defaultCheckpointInterval)
	configViper.SetDefault("identity.plc_url", defaultPLCURL)
	configViper.SetDefault("identity.timeout", defaultIdentityTimeout)
	configViper.SetDefault("hub.buffer_size", defaultHubBufferSize)
	configViper.SetDefault("http.rate_limit_per_minute", defaultRateLimitPerMinute)
	configViper.SetDefault("http.rate_limit_exempt", []string{})
	configViper.SetDefault("limits.message.graphemes", defaultMessageGraphemeLimit)
	configViper.SetDefault("limits.message.chars", defaultMessageCharLimit)
	configViper.SetDefault("limits.post.graphemes", defaultPostGraphemeLimit)
	configViper.SetDefault("limits.post.chars", defaultPostCharLimit)
	configViper.SetDefault("nats.url", "")
	configViper.SetDefault("nats.subject_prefix", defaultNATSSubjectPrefix)
}

// LoadDotEnv loads variables from the given .env files when present. Missing
// files are ignored; variables already in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		JetstreamEndpoint:    configViper.GetString("jetstream.endpoint"),
		JetstreamCollections: splitList(configViper.GetStringSlice("jetstream.collections")),
		CheckpointBackend:    strings.ToLower(strings.TrimSpace(configViper.GetString("checkpoint.backend"))),
		CheckpointPath:       configViper.GetString("checkpoint.path"),
		CheckpointInterval:   configViper.GetDuration("checkpoint.interval"),
		PLCURL:               strings.TrimRight(configViper.GetString("identity.plc_url"), "/"),
		IdentityTimeout:      configViper.GetDuration("identity.timeout"),
		HubBufferSize:        configViper.GetInt("hub.buffer_size"),
		RateLimitPerMinute:   configViper.GetInt("http.rate_limit_per_minute"),
		RateLimitExempt:      splitList(configViper.GetStringSlice("http.rate_limit_exempt")),
		MessageGraphemeLimit: configViper.GetInt("limits.message.graphemes"),
		MessageCharLimit:     configViper.GetInt("limits.message.chars"),
		PostGraphemeLimit:    configViper.GetInt("limits.post.graphemes"),
		PostCharLimit:        configViper.GetInt("limits.post.chars"),
		NATSURL:              strings.TrimSpace(configViper.GetString("nats.url")),
		NATSSubjectPrefix:    configViper.GetString("nats.subject_prefix"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.JetstreamEndpoint) == "" {
		return fmt.Errorf("jetstream.endpoint is required")
	}
	if len(c.JetstreamCollections) == 0 {
		return fmt.Errorf("jetstream.collections must not be empty")
	}
	switch c.CheckpointBackend {
	case CheckpointBackendFile:
		if strings.TrimSpace(c.CheckpointPath) == "" {
			return fmt.Errorf("checkpoint.path is required for the file backend")
		}
	case CheckpointBackendDatabase:
	default:
		return fmt.Errorf("checkpoint.backend must be %q or %q, got %q", CheckpointBackendFile, CheckpointBackendDatabase, c.CheckpointBackend)
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint.interval must be positive")
	}
	if c.IdentityTimeout <= 0 {
		return fmt.Errorf("identity.timeout must be positive")
	}
	if strings.TrimSpace(c.PLCURL) == "" {
		return fmt.Errorf("identity.plc_url is required")
	}
	if c.HubBufferSize <= 0 {
		return fmt.Errorf("hub.buffer_size must be positive")
	}
	if c.MessageGraphemeLimit <= 0 || c.MessageCharLimit <= 0 {
		return fmt.Errorf("limits.message must be positive")
	}
	if c.PostGraphemeLimit <= 0 || c.PostCharLimit <= 0 {
		return fmt.Errorf("limits.post must be positive")
	}
	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubjectPrefix) == "" {
		return fmt.Errorf("nats.subject_prefix is required when nats.url is set")
	}
	return nil
}
