package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileEnv names the environment variable that points at an optional config
// file (yaml, json, toml). Keys in the file are the lower-cased env names,
// for example "server_port: 9090".
const FileEnv = "CONFIG_FILE"

// source resolves a single setting by its env name.
type source interface {
	lookup(name string) (string, bool)
}

type envSource struct{}

func (envSource) lookup(name string) (string, bool) {
	v := os.Getenv(name)
	return v, v != ""
}

type fileSource struct {
	v *viper.Viper
}

func (s fileSource) lookup(name string) (string, bool) {
	key := strings.ToLower(name)
	if !s.v.IsSet(key) {
		return "", false
	}
	switch val := s.v.Get(key).(type) {
	case []any:
		parts := make([]string, 0, len(val))
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ","), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(val), true
	}
}

// chain consults sources in order; the first non-empty value wins.
type chain []source

func (c chain) lookup(name string) (string, bool) {
	for _, s := range c {
		if v, ok := s.lookup(name); ok {
			return v, true
		}
	}
	return "", false
}

// Load reads configuration from environment variables, falling back to the
// file named by CONFIG_FILE and then to defaults, and validates the result.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file layer.
func LoadFile(path string) (*Config, error) {
	src := chain{envSource{}}
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config load: read %s: %w", path, err)
		}
		src = append(src, fileSource{v: v})
	}

	cfg := &Config{}
	if err := loadStruct(reflect.ValueOf(cfg).Elem(), src); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from src.
func loadStruct(v reflect.Value, src source) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal, src); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}
		envAlt := field.Tag.Get("envAlt")
		required := field.Tag.Get("required") == "true"

		value, ok := src.lookup(envName)
		if !ok && envAlt != "" {
			value, ok = src.lookup(envAlt)
		}
		if !ok {
			if required {
				return fmt.Errorf("required setting %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		field.Set(reflect.ValueOf(result))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	if !c.Database.UsesMemoryStore() {
		if c.Database.MaxConns <= 0 {
			errs = append(errs, "DB_MAX_CONNS must be positive")
		}
		if c.Database.MinConns < 0 {
			errs = append(errs, "DB_MIN_CONNS must be non-negative")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
				c.Database.MaxConns, c.Database.MinConns))
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	if c.Upload.MaxFileSize <= 0 {
		errs = append(errs, "UPLOAD_MAX_FILE_SIZE must be positive")
	}
	if c.Upload.MaxConcurrent <= 0 {
		errs = append(errs, "UPLOAD_MAX_CONCURRENT must be positive")
	}
	if c.Upload.MaxWaitTime <= 0 {
		errs = append(errs, "UPLOAD_MAX_WAIT_TIME must be positive")
	}
	if c.Upload.Timeout <= 0 {
		errs = append(errs, "UPLOAD_TIMEOUT must be positive")
	}
	if c.Upload.ErrorListCap <= 0 {
		errs = append(errs, "UPLOAD_ERROR_LIST_CAP must be positive")
	}
	if c.Upload.MaxConsecutiveFailures < 0 {
		errs = append(errs, "UPLOAD_MAX_CONSECUTIVE_FAILURES must be non-negative")
	}
	if c.Upload.ProgressInterval <= 0 {
		errs = append(errs, "UPLOAD_PROGRESS_INTERVAL must be positive")
	}
	if c.Upload.RecoveryInterval < 0 {
		errs = append(errs, "UPLOAD_RECOVERY_INTERVAL must be non-negative")
	}

	if c.Search.PageSize <= 0 {
		errs = append(errs, "SEARCH_PAGE_SIZE must be positive")
	}
	if c.Search.CacheTTL <= 0 {
		errs = append(errs, "SEARCH_CACHE_TTL must be positive")
	}
	if c.Search.CacheSize <= 0 {
		errs = append(errs, "SEARCH_CACHE_SIZE must be positive")
	}

	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		errs = append(errs, "EVENTS_KAFKA_TOPIC is required when EVENTS_KAFKA_BROKERS is set")
	}

	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}

	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Secrets and connection strings are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	store := "memory"
	if !c.Database.UsesMemoryStore() {
		store = "postgres [MASKED]"
	}
	fmt.Fprintf(&b, "Database: {Store: %s, MaxConns: %d}, ", store, c.Database.MaxConns)
	fmt.Fprintf(&b, "Upload: {MaxFileSize: %d, MaxConcurrent: %d, ErrorListCap: %d}, ",
		c.Upload.MaxFileSize, c.Upload.MaxConcurrent, c.Upload.ErrorListCap)
	fmt.Fprintf(&b, "Search: {PageSize: %d, CacheTTL: %s, Redis: %v}, ",
		c.Search.PageSize, c.Search.CacheTTL, c.Search.RedisURL != "")
	fmt.Fprintf(&b, "Events: {Kafka: %v}, ", len(c.Events.KafkaBrokers) > 0)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}
