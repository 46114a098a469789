// Package config loads the dlstream binary's settings from the
// environment, after merging an optional .env file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix namespaces every variable, e.g. DLSTREAM_ADDR.
const Prefix = "DLSTREAM"

// Config holds the settings shared by the serve and fetch commands.
type Config struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	MaxSessions     int           `envconfig:"MAX_SESSIONS" default:"64"`
	MaxSize         int64         `envconfig:"MAX_SIZE" default:"0"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS"`
	ThrottleRPS     int           `envconfig:"THROTTLE_RPS" default:"0"`
	ThrottleBurst   int           `envconfig:"THROTTLE_BURST" default:"1"`
	Timeout         time.Duration `envconfig:"TIMEOUT" default:"0s"`
	UserAgent       string        `envconfig:"USER_AGENT" default:"dlstream"`
	LogFile         string        `envconfig:"LOG_FILE"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"20s"`
	TLSCertFile     string        `envconfig:"TLS_CERT_FILE"`
	TLSKeyFile      string        `envconfig:"TLS_KEY_FILE"`
}

// Load reads files (".env" when none are given) into the environment
// without overriding variables already set, then processes the
// environment. Missing files are not an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error

	if c.MaxSessions < 0 {
		errs = append(errs, errors.New("max sessions must not be negative"))
	}
	if c.MaxSize < 0 {
		errs = append(errs, errors.New("max size must not be negative"))
	}
	if c.ThrottleRPS < 0 {
		errs = append(errs, errors.New("throttle rps must not be negative"))
	}
	if c.ThrottleRPS > 0 && c.ThrottleBurst <= 0 {
		errs = append(errs, errors.New("throttle burst must be positive when throttling"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls cert and key files must be set together"))
	}

	return errors.Join(errs...)
}

// Throttled reports whether outbound fetches are rate limited.
func (c Config) Throttled() bool {
	return c.ThrottleRPS > 0
}

// Usage prints the variables Config understands.
func Usage() error {
	var cfg Config
	return envconfig.Usage(Prefix, &cfg)
}
