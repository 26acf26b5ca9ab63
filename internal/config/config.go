package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hazz-dev/availprobe/internal/engine"
	"github.com/hazz-dev/availprobe/internal/probe"
	"github.com/hazz-dev/availprobe/internal/version"
)

const envPrefix = "AVAILPROBE"

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// ProbeConfig controls what is checked and how.
type ProbeConfig struct {
	URLs           string        `mapstructure:"urls" json:"urls" yaml:"urls"`
	Delimiter      string        `mapstructure:"delimiter" json:"delimiter" yaml:"delimiter"`
	EnableRetries  bool          `mapstructure:"enable_retries" json:"enable_retries" yaml:"enable_retries"`
	Retries        int           `mapstructure:"retries" json:"retries" yaml:"retries"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" json:"retry_backoff" yaml:"retry_backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout" yaml:"request_timeout"`
	VerifyTLS      bool          `mapstructure:"verify_tls" json:"verify_tls" yaml:"verify_tls"`
	UserAgent      string        `mapstructure:"user_agent" json:"user_agent" yaml:"user_agent"`
	ProxyURL       string        `mapstructure:"proxy_url" json:"proxy_url" yaml:"proxy_url,omitempty"`
}

// TestConfig labels the emitted telemetry.
type TestConfig struct {
	Name     string `mapstructure:"name" json:"name" yaml:"name"`
	Location string `mapstructure:"location" json:"location" yaml:"location"`
}

// ScheduleConfig holds the tick cadence.
type ScheduleConfig struct {
	Interval     time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	RunOnStartup bool          `mapstructure:"run_on_startup" json:"run_on_startup" yaml:"run_on_startup"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" json:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" json:"topic" yaml:"topic"`
}

type OTelConfig struct {
	Enable      bool    `mapstructure:"enable" json:"enable" yaml:"enable"`
	Endpoint    string  `mapstructure:"endpoint" json:"endpoint" yaml:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio"`
}

// TelemetryConfig selects the sinks records are delivered to.
type TelemetryConfig struct {
	InstrumentationKey string        `mapstructure:"instrumentation_key" json:"instrumentation_key" yaml:"instrumentation_key"`
	TrackEndpoint      string        `mapstructure:"track_endpoint" json:"track_endpoint" yaml:"track_endpoint"`
	FlushTimeout       time.Duration `mapstructure:"flush_timeout" json:"flush_timeout" yaml:"flush_timeout"`
	SQLite             SQLiteConfig  `mapstructure:"sqlite" json:"sqlite" yaml:"sqlite"`
	Kafka              KafkaConfig   `mapstructure:"kafka" json:"kafka" yaml:"kafka"`
	OTel               OTelConfig    `mapstructure:"otel" json:"otel" yaml:"otel"`
}

// ServerConfig holds HTTP server settings. An empty address disables the server.
type ServerConfig struct {
	Address string `mapstructure:"address" json:"address" yaml:"address"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" json:"pretty" yaml:"pretty"`
	File   string `mapstructure:"file" json:"file" yaml:"file"`
}

// Config is the root application configuration.
type Config struct {
	Probe     ProbeConfig     `mapstructure:"probe" json:"probe" yaml:"probe"`
	Test      TestConfig      `mapstructure:"test" json:"test" yaml:"test"`
	Schedule  ScheduleConfig  `mapstructure:"schedule" json:"schedule" yaml:"schedule"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry" yaml:"telemetry"`
	Server    ServerConfig    `mapstructure:"server" json:"server" yaml:"server"`
	Log       LogConfig       `mapstructure:"log" json:"log" yaml:"log"`
}

// envAliases are the legacy variable names accepted next to the
// AVAILPROBE_ prefixed form. The first name that is set wins.
var envAliases = map[string][]string{
	"probe.urls":                    {"Url"},
	"probe.delimiter":               {"Delimiter"},
	"probe.enable_retries":          {"EnableRetries"},
	"probe.retries":                 {"Retries"},
	"probe.timeout_seconds":         {"TimeOut"},
	"test.name":                     {"Test_Name"},
	"test.location":                 {"REGION_NAME"},
	"telemetry.instrumentation_key": {"APPINSIGHTS_INSTRUMENTATIONKEY"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("probe.urls", "")
	v.SetDefault("probe.delimiter", ";")
	v.SetDefault("probe.enable_retries", false)
	v.SetDefault("probe.retries", 3)
	v.SetDefault("probe.timeout_seconds", 1200)
	v.SetDefault("probe.retry_backoff", "0s")
	v.SetDefault("probe.request_timeout", "100s")
	v.SetDefault("probe.verify_tls", false)
	v.SetDefault("probe.user_agent", version.UserAgent())
	v.SetDefault("probe.proxy_url", "")

	v.SetDefault("test.name", "AvailabilityTestFunction")
	v.SetDefault("test.location", "eastus")

	v.SetDefault("schedule.interval", "5m")
	v.SetDefault("schedule.run_on_startup", false)

	v.SetDefault("telemetry.instrumentation_key", "")
	v.SetDefault("telemetry.track_endpoint", "https://dc.services.visualstudio.com/v2/track")
	v.SetDefault("telemetry.flush_timeout", "30s")
	v.SetDefault("telemetry.sqlite.path", "availprobe.db")
	v.SetDefault("telemetry.kafka.brokers", []string{})
	v.SetDefault("telemetry.kafka.topic", "availprobe.availability")
	v.SetDefault("telemetry.otel.enable", false)
	v.SetDefault("telemetry.otel.endpoint", "localhost:4317")
	v.SetDefault("telemetry.otel.sample_ratio", 1.0)

	v.SetDefault("server.address", ":8080")

	v.SetDefault("log.level", LogLevelInfo)
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file", "")
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the environment, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := append([]string{envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		lenientBoolHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	// Brokers may arrive from the environment as one comma separated value.
	if len(cfg.Telemetry.Kafka.Brokers) == 1 && strings.Contains(cfg.Telemetry.Kafka.Brokers[0], ",") {
		cfg.Telemetry.Kafka.Brokers = strings.Split(cfg.Telemetry.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// lenientBoolHook reads any string that is not a recognised boolean as
// false, so EnableRetries=yes disables retries instead of failing startup.
func lenientBoolHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Bool {
		return data, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(data.(string)))
	if err != nil {
		return false, nil
	}
	return b, nil
}

// URLList returns the configured endpoints in order.
func (c *Config) URLList() []string {
	return engine.ParseURLs(c.Probe.URLs, c.Probe.Delimiter)
}

// RunConfig derives the per-run engine input.
func (c *Config) RunConfig() engine.RunConfig {
	return engine.RunConfig{
		URLs:           c.URLList(),
		RetriesEnabled: c.Probe.EnableRetries,
		MaxRetries:     c.Probe.Retries,
		RetryBackoff:   c.Probe.RetryBackoff,
		Timeout:        time.Duration(c.Probe.TimeoutSeconds) * time.Second,
		TestName:       c.Test.Name,
		Location:       c.Test.Location,
	}
}

// HTTPOptions derives the prober transport settings.
func (c *Config) HTTPOptions() probe.HTTPOptions {
	return probe.HTTPOptions{
		RequestTimeout: c.Probe.RequestTimeout,
		VerifyTLS:      c.Probe.VerifyTLS,
		UserAgent:      c.Probe.UserAgent,
		ProxyURL:       c.Probe.ProxyURL,
	}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	out := *c
	if out.Telemetry.InstrumentationKey != "" {
		out.Telemetry.InstrumentationKey = "****"
	}
	return out
}

// YAML renders the configuration in the file format Load accepts.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}
	return out, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Probe, validation.By(func(value interface{}) error {
			p, ok := value.(ProbeConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ProbeConfig")
			}
			return validation.ValidateStruct(&p,
				validation.Field(&p.URLs, validation.By(validateURLList(p.Delimiter))),
				validation.Field(&p.Delimiter, validation.Required),
				validation.Field(&p.Retries, validation.Min(0)),
				validation.Field(&p.TimeoutSeconds, validation.Required, validation.Min(1)),
				validation.Field(&p.RetryBackoff, validation.Min(time.Duration(0))),
				validation.Field(&p.RequestTimeout, validation.Required, validation.Min(time.Millisecond)),
				validation.Field(&p.ProxyURL, is.URL),
			)
		})),
		validation.Field(&c.Test, validation.By(func(value interface{}) error {
			t, ok := value.(TestConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a TestConfig")
			}
			return validation.ValidateStruct(&t,
				validation.Field(&t.Name, validation.Required),
				validation.Field(&t.Location, validation.Required),
			)
		})),
		validation.Field(&c.Schedule, validation.By(func(value interface{}) error {
			s, ok := value.(ScheduleConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ScheduleConfig")
			}
			return validation.ValidateStruct(&s,
				validation.Field(&s.Interval, validation.Required, validation.Min(time.Second)),
			)
		})),
		validation.Field(&c.Telemetry, validation.By(func(value interface{}) error {
			t, ok := value.(TelemetryConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a TelemetryConfig")
			}
			return validation.ValidateStruct(&t,
				validation.Field(&t.TrackEndpoint, validation.When(t.InstrumentationKey != "", validation.Required, is.URL)),
				validation.Field(&t.FlushTimeout, validation.Required, validation.Min(time.Millisecond)),
				validation.Field(&t.Kafka, validation.By(func(value interface{}) error {
					k := value.(KafkaConfig)
					if len(k.Brokers) > 0 && k.Topic == "" {
						return errors.New("topic is required when brokers are set")
					}
					return nil
				})),
				validation.Field(&t.OTel, validation.By(func(value interface{}) error {
					o := value.(OTelConfig)
					return validation.ValidateStruct(&o,
						validation.Field(&o.Endpoint, validation.When(o.Enable, validation.Required)),
						validation.Field(&o.SampleRatio, validation.Min(0.0), validation.Max(1.0)),
					)
				})),
			)
		})),
		validation.Field(&c.Server, validation.By(func(value interface{}) error {
			s, ok := value.(ServerConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ServerConfig")
			}
			return validation.ValidateStruct(&s,
				validation.Field(&s.Address, validation.By(validateHostPort)),
			)
		})),
		validation.Field(&c.Log, validation.By(func(value interface{}) error {
			l, ok := value.(LogConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a LogConfig")
			}
			return validation.ValidateStruct(&l,
				validation.Field(&l.Level,
					validation.Required,
					validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
				),
			)
		})),
	)
}

// validateURLList checks every endpoint in a delimited list. An empty list is valid.
func validateURLList(sep string) validation.RuleFunc {
	return func(value interface{}) error {
		raw, ok := value.(string)
		if !ok {
			return validation.NewError("validation_invalid_type", "must be a string")
		}
		for _, u := range engine.ParseURLs(raw, sep) {
			if err := validateEndpointURL(u); err != nil {
				return fmt.Errorf("%q: %w", u, err)
			}
		}
		return nil
	}
}

func validateEndpointURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}
	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}
	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}
	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}
	return nil
}
