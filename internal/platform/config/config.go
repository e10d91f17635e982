// Package config loads process configuration for the audit commands.
//
// Values are resolved in three layers: built-in defaults, an optional TOML
// file, then AUDIT_* environment variables. Environment always wins so a
// deployment can override a checked-in file without editing it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	dErrors "audittrail/pkg/domain-errors"
	pstrings "audittrail/pkg/platform/strings"
)

// Config is the full configuration tree.
type Config struct {
	Server    Server      `toml:"server"`
	Database  Database    `toml:"database"`
	Redis     RedisConfig `toml:"redis"`
	Log       Log         `toml:"log"`
	Audit     Audit       `toml:"audit"`
	Retention Retention   `toml:"retention"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string   `toml:"addr"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	// GeocoderURL is the upstream the demo locations API enriches new
	// records from. Empty disables the lookup.
	GeocoderURL     string   `toml:"geocoder_url"`
}

type Database struct {
	URL string `toml:"url"`
}

// RedisConfig configures the optional Redis client. An empty URL disables it.
type RedisConfig struct {
	URL          string   `toml:"url"`
	PoolSize     int      `toml:"pool_size"`
	MinIdleConns int      `toml:"min_idle_conns"`
	DialTimeout  Duration `toml:"dial_timeout"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Audit holds the values the audit core consumes.
type Audit struct {
	// HMACSecret keys every checksum. Required; there is no unkeyed fallback.
	HMACSecret        string   `toml:"hmac_secret"`
	DefaultLevel      uint8    `toml:"default_level"`
	SensitiveFields   []string `toml:"sensitive_fields"`
	ExcludeFields     []string `toml:"exclude_fields"`
	IgnoreFields      []string `toml:"ignore_fields"`
	CorrelationHeader string   `toml:"correlation_header"`
	IgnorePaths       []string `toml:"ignore_paths"`
	MaxBodyBytes      int64    `toml:"max_body_bytes"`
}

// Retention holds per-kind maximum ages in days. A nil value disables
// retention for that kind.
type Retention struct {
	EventsDays           *int     `toml:"events_days"`
	RequestsDays         *int     `toml:"requests_days"`
	OutgoingRequestsDays *int     `toml:"outgoing_requests_days"`
	BatchSize            int      `toml:"batch_size"`
	LockTTL              Duration `toml:"lock_ttl"`
}

// Duration decodes TOML strings such as "5s" into a time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the built-in configuration. The HMAC secret is left empty
// on purpose: it must be supplied by the operator.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  Duration{5 * time.Second},
			ReadTimeout:  Duration{3 * time.Second},
			WriteTimeout: Duration{3 * time.Second},
		},
		Log: Log{Level: "info", Format: "json"},
		Audit: Audit{
			ExcludeFields:     []string{},
			IgnoreFields:      []string{"created_at", "updated_at"},
			CorrelationHeader: "X-Reference-Id",
			IgnorePaths:       []string{"/metrics", "/healthz"},
			MaxBodyBytes:      64 << 10,
		},
		Retention: Retention{
			BatchSize: 1000,
			LockTTL:   Duration{10 * time.Minute},
		},
	}
}

// Load builds the configuration from defaults, the TOML file at path (skipped
// when path is empty) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "read config file "+path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LookupFunc matches os.LookupEnv so tests can supply a fixed environment.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from AUDIT_* variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}
	integer := func(key string, set func(int64)) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			set(n)
		}
	}
	days := func(key string, dst **int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		if strings.EqualFold(v, "off") {
			*dst = nil
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = &n
	}

	str("AUDIT_ADDR", &c.Server.Addr)
	str("AUDIT_GEOCODER_URL", &c.Server.GeocoderURL)
	str("AUDIT_DATABASE_URL", &c.Database.URL)
	str("AUDIT_REDIS_URL", &c.Redis.URL)
	str("AUDIT_LOG_LEVEL", &c.Log.Level)
	str("AUDIT_LOG_FORMAT", &c.Log.Format)
	str("AUDIT_HMAC_SECRET", &c.Audit.HMACSecret)
	str("AUDIT_CORRELATION_HEADER", &c.Audit.CorrelationHeader)
	list("AUDIT_SENSITIVE_FIELDS", &c.Audit.SensitiveFields)
	list("AUDIT_EXCLUDE_FIELDS", &c.Audit.ExcludeFields)
	list("AUDIT_IGNORE_FIELDS", &c.Audit.IgnoreFields)
	list("AUDIT_IGNORE_PATHS", &c.Audit.IgnorePaths)
	integer("AUDIT_DEFAULT_LEVEL", func(n int64) {
		if n < 0 || n > 255 {
			errs = append(errs, fmt.Errorf("AUDIT_DEFAULT_LEVEL: %d out of range 0-255", n))
			return
		}
		c.Audit.DefaultLevel = uint8(n)
	})
	integer("AUDIT_MAX_BODY_BYTES", func(n int64) { c.Audit.MaxBodyBytes = n })
	integer("AUDIT_RETENTION_BATCH_SIZE", func(n int64) { c.Retention.BatchSize = int(n) })
	days("AUDIT_RETENTION_EVENTS_DAYS", &c.Retention.EventsDays)
	days("AUDIT_RETENTION_REQUESTS_DAYS", &c.Retention.RequestsDays)
	days("AUDIT_RETENTION_OUTGOING_DAYS", &c.Retention.OutgoingRequestsDays)

	if len(errs) > 0 {
		return dErrors.Wrap(errors.Join(errs...), dErrors.CodeConfiguration, "invalid environment")
	}
	return nil
}

// Validate reports every problem at once so an operator can fix them in one
// pass.
func (c *Config) Validate() error {
	var errs []error
	if c.Audit.HMACSecret == "" {
		errs = append(errs, errors.New("audit.hmac_secret is required"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if c.Audit.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("audit.max_body_bytes must be positive"))
	}
	if c.Retention.BatchSize <= 0 {
		errs = append(errs, errors.New("retention.batch_size must be positive"))
	}
	for name, d := range map[string]*int{
		"retention.events_days":            c.Retention.EventsDays,
		"retention.requests_days":          c.Retention.RequestsDays,
		"retention.outgoing_requests_days": c.Retention.OutgoingRequestsDays,
	} {
		if d != nil && *d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if len(errs) > 0 {
		return dErrors.Wrap(errors.Join(errs...), dErrors.CodeConfiguration, "invalid configuration")
	}
	return nil
}

func (c *Config) normalize() {
	c.Audit.SensitiveFields = pstrings.DedupeAndTrimLower(c.Audit.SensitiveFields)
	c.Audit.ExcludeFields = pstrings.DedupeAndTrim(c.Audit.ExcludeFields)
	c.Audit.IgnoreFields = pstrings.DedupeAndTrim(c.Audit.IgnoreFields)
	c.Audit.IgnorePaths = pstrings.DedupeAndTrim(c.Audit.IgnorePaths)
	c.Audit.CorrelationHeader = strings.TrimSpace(c.Audit.CorrelationHeader)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return []string{}
	}
	return strings.Split(v, ",")
}
