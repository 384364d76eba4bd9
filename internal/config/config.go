// Package config loads lead-converter settings from config.yaml and the
// environment, initializes logging and persists API credentials.
package config

import (
	"errors"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/lead-converter/internal/model"
	"github.com/sells-group/lead-converter/internal/resilience"
)

// EnvPrefix prefixes every environment override, e.g. LEADCONV_LOG_LEVEL.
const EnvPrefix = "LEADCONV"

// Config holds the full application configuration.
type Config struct {
	Log             LogConfig         `yaml:"log" mapstructure:"log"`
	CAPI            CAPIConfig        `yaml:"capi" mapstructure:"capi"`
	Retry           RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Pipeline        PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Export          ExportConfig      `yaml:"export" mapstructure:"export"`
	Store           StoreConfig       `yaml:"store" mapstructure:"store"`
	Mapping         map[string]string `yaml:"mapping" mapstructure:"mapping"`
	CredentialsFile string            `yaml:"credentials_file" mapstructure:"credentials_file"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CAPIConfig holds Conversions API settings. AccessToken and PixelID, when
// set, take precedence over the credentials file.
type CAPIConfig struct {
	AccessToken       string  `yaml:"access_token" mapstructure:"access_token"`
	PixelID           string  `yaml:"pixel_id" mapstructure:"pixel_id"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Version           string  `yaml:"version" mapstructure:"version"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	TestEventCode     string  `yaml:"test_event_code" mapstructure:"test_event_code"`
}

// RetryConfig configures per-row submission retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	SkipPermanent    bool    `yaml:"skip_permanent" mapstructure:"skip_permanent"`
}

// PipelineConfig configures row processing.
type PipelineConfig struct {
	CountryPrefix string `yaml:"country_prefix" mapstructure:"country_prefix"`
	Timezone      string `yaml:"timezone" mapstructure:"timezone"`
	StatusBuffer  int    `yaml:"status_buffer" mapstructure:"status_buffer"`
}

// ExportConfig configures the failed-rows artifact.
type ExportConfig struct {
	Dir    string `yaml:"dir" mapstructure:"dir"`
	Format string `yaml:"format" mapstructure:"format"`
}

// StoreConfig configures the run history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("capi.access_token", "")
	v.SetDefault("capi.pixel_id", "")
	v.SetDefault("capi.base_url", "https://graph.facebook.com")
	v.SetDefault("capi.version", "v21.0")
	v.SetDefault("capi.requests_per_second", 10.0)
	v.SetDefault("capi.burst", 1)
	v.SetDefault("capi.timeout_secs", 30)
	v.SetDefault("capi.test_event_code", "")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.0)
	v.SetDefault("retry.skip_permanent", false)
	v.SetDefault("pipeline.country_prefix", "55")
	v.SetDefault("pipeline.timezone", "Local")
	v.SetDefault("pipeline.status_buffer", 64)
	v.SetDefault("export.dir", ".")
	v.SetDefault("export.format", "xlsx")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "lead-converter.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("credentials_file", "credentials.json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks values that Load cannot type-check.
func (c *Config) Validate() error {
	var errs []string
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier <= 1 {
		errs = append(errs, "retry.multiplier must be greater than 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		errs = append(errs, "retry.jitter_fraction must be between 0 and 1")
	}
	if p := c.Retry.Policy(); p.MaxAttempts >= 2 {
		last := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(p.MaxAttempts-2))
		if last > float64(p.MaxBackoff) {
			errs = append(errs, "retry.max_backoff_ms must cover the last retry delay; lower retry.max_attempts or raise retry.max_backoff_ms")
		}
	}
	switch c.Export.Format {
	case "xlsx", "csv":
	default:
		errs = append(errs, "export.format must be xlsx or csv")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		errs = append(errs, "store.driver must be sqlite, postgres or none")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for postgres")
	}
	if _, err := c.Pipeline.Location(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Policy converts the retry settings into a resilience policy.
func (r RetryConfig) Policy() resilience.RetryConfig {
	return resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction)
}

// Location resolves the timezone used for registration times without an
// explicit offset. Empty and "Local" mean the host zone.
func (p PipelineConfig) Location() (*time.Location, error) {
	if p.Timezone == "" || p.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline.timezone %q", p.Timezone)
	}
	return loc, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// LoadCredentials reads the credentials file. A missing file yields empty
// credentials.
func LoadCredentials(path string) (model.Credentials, error) {
	var creds model.Credentials
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return creds, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return creds, eris.Wrapf(err, "config: read credentials %s", path)
	}
	if err := v.Unmarshal(&creds); err != nil {
		return creds, eris.Wrap(err, "config: unmarshal credentials")
	}
	return creds, nil
}

// SaveCredentials writes creds to path, readable only by the owner.
func SaveCredentials(path string, creds model.Credentials) error {
	v := viper.New()
	v.SetConfigType("json")
	v.SetConfigPermissions(0o600)
	v.Set("access_token", creds.AccessToken)
	v.Set("pixel_id", creds.PixelID)
	if err := v.WriteConfigAs(path); err != nil {
		return eris.Wrapf(err, "config: write credentials %s", path)
	}
	return nil
}

// Credentials merges the credentials file with capi.access_token and
// capi.pixel_id from config or environment, which win when set.
func (c *Config) Credentials() (model.Credentials, error) {
	creds, err := LoadCredentials(c.CredentialsFile)
	if err != nil {
		return creds, err
	}
	if c.CAPI.AccessToken != "" {
		creds.AccessToken = c.CAPI.AccessToken
	}
	if c.CAPI.PixelID != "" {
		creds.PixelID = c.CAPI.PixelID
	}
	return creds, nil
}
