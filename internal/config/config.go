package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the calltrack service.
// Precedence: CLI flags > env vars > dotenv file > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	CORSOrigins string
	EnvFile     string

	IngestSecret string  // shared secret expected in X-Ingest-Secret
	IngestRate   float64 // requests per second per client IP on the ingest route
	IngestBurst  int
	MaxBatchSize int

	JWTSecret string // hex-encoded 32-byte secret; empty disables operator auth

	SLAThreshold         int // seconds
	PhoneDigits          int
	StrictOutOfHours     bool
	StatsTimezone        string
	CallbackPollInterval time.Duration
	EventRetentionDays   int // payloads of older ended sessions are cleared; 0 keeps them

	DirectoryFile string // YAML queues and users
	CRMDSN        string // PostgreSQL DSN of the CRM, optional

	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string
	MQTTUsername    string
	MQTTPassword    string

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      string // "none", "starttls" or "tls"
	NotifyEmail  string // comma-separated recipients of callback-due emails
}

// defaults
const (
	defaultDataDir              = "./data"
	defaultHTTPPort             = 8080
	defaultLogLevel             = "info"
	defaultLogFormat            = "text"
	defaultEnvFile              = ".env"
	defaultIngestRate           = 50
	defaultIngestBurst          = 100
	defaultMaxBatchSize         = 500
	defaultSLAThreshold         = 20
	defaultPhoneDigits          = 9
	defaultStatsTimezone        = "UTC"
	defaultCallbackPollInterval = time.Minute
	defaultMQTTClientID         = "calltrack"
	defaultMQTTTopicPrefix      = "calltrack"
	defaultSMTPPort             = 587
	defaultSMTPTLS              = "starttls"
)

// envPrefix is the prefix for all calltrack environment variables.
const envPrefix = "CALLTRACK_"

// Load parses configuration from os.Args and the environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses configuration from args and the environment.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("calltrack", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.EnvFile, "env-file", defaultEnvFile, "dotenv file loaded before environment overrides (optional if default)")
	fs.StringVar(&cfg.IngestSecret, "ingest-secret", "", "shared secret the PBX sends in X-Ingest-Secret (required)")
	fs.Float64Var(&cfg.IngestRate, "ingest-rate", defaultIngestRate, "ingest requests per second allowed per client IP")
	fs.IntVar(&cfg.IngestBurst, "ingest-burst", defaultIngestBurst, "ingest request burst allowed per client IP")
	fs.IntVar(&cfg.MaxBatchSize, "max-batch-size", defaultMaxBatchSize, "maximum number of events in one ingest request")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for operator JWTs (empty disables operator auth)")
	fs.IntVar(&cfg.SLAThreshold, "sla-threshold", defaultSLAThreshold, "seconds within which an answered call meets the SLA")
	fs.IntVar(&cfg.PhoneDigits, "phone-digits", defaultPhoneDigits, "trailing digits compared when matching phone numbers")
	fs.BoolVar(&cfg.StrictOutOfHours, "strict-out-of-hours", false, "classify missed calls as out of hours only outside worktime windows")
	fs.StringVar(&cfg.StatsTimezone, "stats-timezone", defaultStatsTimezone, "IANA time zone for the hour-of-day histogram")
	fs.DurationVar(&cfg.CallbackPollInterval, "callback-poll-interval", defaultCallbackPollInterval, "interval between scans for due callbacks")
	fs.IntVar(&cfg.EventRetentionDays, "event-retention-days", 0, "days after which event payloads of ended sessions are cleared (0 keeps them)")
	fs.StringVar(&cfg.DirectoryFile, "directory-file", "", "YAML file with queues and users")
	fs.StringVar(&cfg.CRMDSN, "crm-dsn", "", "PostgreSQL DSN of the CRM database (lookup disabled if empty)")
	fs.StringVar(&cfg.MQTTBroker, "mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (publishing disabled if empty)")
	fs.StringVar(&cfg.MQTTClientID, "mqtt-client-id", defaultMQTTClientID, "MQTT client id")
	fs.StringVar(&cfg.MQTTTopicPrefix, "mqtt-topic-prefix", defaultMQTTTopicPrefix, "prefix of published MQTT topics")
	fs.StringVar(&cfg.MQTTUsername, "mqtt-username", "", "MQTT username")
	fs.StringVar(&cfg.MQTTPassword, "mqtt-password", "", "MQTT password")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server for callback-due emails (email disabled if empty)")
	fs.IntVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP server port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "From address of callback-due emails")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPTLS, "smtp-tls", defaultSMTPTLS, "SMTP transport security (none, starttls, tls)")
	fs.StringVar(&cfg.NotifyEmail, "notify-email", "", "comma-separated recipients of callback-due emails")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if err := loadEnvFile(set, cfg); err != nil {
		return nil, err
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	if err := applyEnvOverrides(fs, set); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName returns the environment variable for a flag name.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// loadEnvFile loads the dotenv file into the process environment. Variables
// already set in the environment are kept. A missing default file is not
// an error.
func loadEnvFile(set map[string]bool, cfg *Config) error {
	explicit := set["env-file"]
	if !explicit {
		if v, ok := os.LookupEnv(envName("env-file")); ok && v != "" {
			cfg.EnvFile = v
			explicit = true
		}
	}
	if cfg.EnvFile == "" {
		return nil
	}
	if err := godotenv.Load(cfg.EnvFile); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", cfg.EnvFile, err)
	}
	return nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. Values are parsed by the flag
// itself, so an invalid value is reported like a bad flag.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]bool) error {
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || f.Name == "env-file" {
			return
		}
		env := envName(f.Name)
		val, ok := os.LookupEnv(env)
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", env, err))
		}
	})
	return errors.Join(errs...)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if strings.TrimSpace(c.IngestSecret) == "" {
		return fmt.Errorf("ingest-secret is required")
	}
	if c.IngestRate <= 0 {
		return fmt.Errorf("ingest-rate must be positive, got %v", c.IngestRate)
	}
	if c.IngestBurst < 1 {
		return fmt.Errorf("ingest-burst must be at least 1, got %d", c.IngestBurst)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max-batch-size must be at least 1, got %d", c.MaxBatchSize)
	}
	if c.SLAThreshold < 1 {
		return fmt.Errorf("sla-threshold must be at least 1 second, got %d", c.SLAThreshold)
	}
	if c.PhoneDigits < 4 || c.PhoneDigits > 15 {
		return fmt.Errorf("phone-digits must be between 4 and 15, got %d", c.PhoneDigits)
	}
	if c.CallbackPollInterval < time.Second {
		return fmt.Errorf("callback-poll-interval must be at least 1s, got %s", c.CallbackPollInterval)
	}
	if c.EventRetentionDays < 0 {
		return fmt.Errorf("event-retention-days must not be negative, got %d", c.EventRetentionDays)
	}
	if _, err := time.LoadLocation(c.StatsTimezone); err != nil {
		return fmt.Errorf("stats-timezone %q: %w", c.StatsTimezone, err)
	}
	if _, err := c.JWTSecretBytes(); err != nil {
		return err
	}
	if c.MQTTBroker != "" && c.MQTTClientID == "" {
		return fmt.Errorf("mqtt-client-id is required when mqtt-broker is set")
	}
	if c.SMTPHost != "" {
		if c.SMTPPort < 1 || c.SMTPPort > 65535 {
			return fmt.Errorf("smtp-port must be between 1 and 65535, got %d", c.SMTPPort)
		}
		validTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
		if !validTLS[strings.ToLower(c.SMTPTLS)] {
			return fmt.Errorf("smtp-tls must be one of none, starttls, tls; got %q", c.SMTPTLS)
		}
		c.SMTPTLS = strings.ToLower(c.SMTPTLS)
		if c.SMTPFrom == "" {
			return fmt.Errorf("smtp-from is required when smtp-host is set")
		}
		if strings.TrimSpace(c.NotifyEmail) == "" {
			return fmt.Errorf("notify-email is required when smtp-host is set")
		}
	}
	return nil
}

// JWTSecretBytes returns the decoded 32-byte operator JWT secret, or nil if
// operator auth is disabled.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// CORSOriginList returns the configured CORS origins.
func (c *Config) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// StatsLocation returns the time zone of the hour-of-day histogram.
func (c *Config) StatsLocation() *time.Location {
	loc, err := time.LoadLocation(c.StatsTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MQTTEnabled reports whether notifications are published to a broker.
func (c *Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

// SMTPEnabled reports whether callback-due emails are sent.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
