package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

// Transport and format names accepted by the exporter.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"

	FormatJSON = "json"
	FormatOTLP = "otlp"
)

// Framework names recognised in Instrumentation.Frameworks.
const (
	FrameworkNetHTTP    = "nethttp"
	FrameworkGin        = "gin"
	FrameworkGRPC       = "grpc"
	FrameworkHTTPClient = "httpclient"
	FrameworkResty      = "resty"
	FrameworkMongoDB    = "mongodb"
	FrameworkPostgreSQL = "postgresql"
)

// AllFrameworks lists every supported integration.
var AllFrameworks = []string{
	FrameworkNetHTTP,
	FrameworkGin,
	FrameworkGRPC,
	FrameworkHTTPClient,
	FrameworkResty,
	FrameworkMongoDB,
	FrameworkPostgreSQL,
}

// Config holds all agent configuration.
type Config struct {
	Instrumentation InstrumentationConfig `yaml:"instrumentation"`
	Service         ServiceConfig         `yaml:"service"`
	Exporter        ExporterConfig        `yaml:"exporter"`
	Logging         LogConfig             `yaml:"logging"`
}

// InstrumentationConfig controls which integrations install and how traces are kept.
type InstrumentationConfig struct {
	Enabled          bool           `envconfig:"INSTRUMENT_GO" yaml:"enabled"`
	Frameworks       []string       `envconfig:"APM_FRAMEWORKS" yaml:"frameworks"`
	Sampling         SamplingConfig `yaml:"sampling"`
	PropagateHeaders bool           `envconfig:"APM_PROPAGATE_HEADERS" yaml:"propagate_headers"`
	MaxTraceAge      time.Duration  `envconfig:"APM_MAX_TRACE_AGE" yaml:"max_trace_age"`
	ReapSchedule     string         `envconfig:"APM_REAP_SCHEDULE" yaml:"reap_schedule"`
}

// SamplingConfig holds the trace sampling rate.
type SamplingConfig struct {
	Rate float64 `envconfig:"TRACE_SAMPLING_RATE" yaml:"rate"`
}

// ServiceConfig identifies the instrumented service.
type ServiceConfig struct {
	Name    string `envconfig:"SERVICE_NAME" yaml:"name"`
	ID      string `envconfig:"SERVICE_ID" yaml:"id"`
	AgentID string `envconfig:"AGENT_ID" yaml:"agent_id"`
}

// ExporterConfig holds export pipeline configuration.
type ExporterConfig struct {
	Transport       string        `envconfig:"APM_TRANSPORT" yaml:"transport"`
	Format          string        `envconfig:"APM_EXPORT_FORMAT" yaml:"format"`
	ServerURL       string        `envconfig:"SERVER_URL" yaml:"server_url"`
	Path            string        `envconfig:"APM_EXPORT_PATH" yaml:"path"`
	APIToken        string        `envconfig:"APM_API_TOKEN" yaml:"api_token"`
	BatchSize       int           `envconfig:"APM_BATCH_SIZE" yaml:"batch_size"`
	Interval        time.Duration `envconfig:"APM_BATCH_INTERVAL" yaml:"interval"`
	QueueSize       int           `envconfig:"APM_QUEUE_SIZE" yaml:"queue_size"`
	MaxRetries      int           `envconfig:"APM_MAX_RETRIES" yaml:"max_retries"`
	RetryWaitMin    time.Duration `envconfig:"APM_RETRY_WAIT_MIN" yaml:"retry_wait_min"`
	RetryWaitMax    time.Duration `envconfig:"APM_RETRY_WAIT_MAX" yaml:"retry_wait_max"`
	Timeout         time.Duration `envconfig:"APM_EXPORT_TIMEOUT" yaml:"timeout"`
	ShutdownTimeout time.Duration `envconfig:"APM_SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
	RateLimit       float64       `envconfig:"APM_EXPORT_RATE_LIMIT" yaml:"rate_limit"`
	Kafka           KafkaConfig   `yaml:"kafka"`
}

// KafkaConfig holds message-bus transport configuration.
type KafkaConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS" yaml:"brokers"`
	Topic   string   `envconfig:"KAFKA_TOPIC_TRACES" yaml:"topic"`

	// SASL/PLAIN is enabled when Username is set.
	Username string `envconfig:"KAFKA_SASL_USERNAME" yaml:"sasl_username"`
	Password string `envconfig:"KAFKA_SASL_PASSWORD" yaml:"sasl_password"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development"`
}

// Load builds configuration from defaults, the optional APM_CONFIG_FILE and
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("APM_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from a YAML file on top of the defaults.
// Environment variables are not consulted.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Instrumentation: InstrumentationConfig{
			Enabled:          false,
			Frameworks:       append([]string(nil), AllFrameworks...),
			Sampling:         SamplingConfig{Rate: 1.0},
			PropagateHeaders: true,
			MaxTraceAge:      5 * time.Minute,
			ReapSchedule:     "@every 1m",
		},
		Service: ServiceConfig{
			Name:    "unknown",
			AgentID: uuid.NewString(),
		},
		Exporter: ExporterConfig{
			Transport:       TransportHTTP,
			Format:          FormatJSON,
			ServerURL:       "http://localhost:3000",
			BatchSize:       50,
			Interval:        5 * time.Second,
			QueueSize:       1000,
			MaxRetries:      3,
			RetryWaitMin:    500 * time.Millisecond,
			RetryWaitMax:    5 * time.Second,
			Timeout:         5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "traces",
			},
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if r := c.Instrumentation.Sampling.Rate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("sampling rate must be within [0,1], got %v", r))
	}
	for _, name := range c.Instrumentation.Frameworks {
		if !known(name) {
			errs = append(errs, fmt.Errorf("unknown framework %q", name))
		}
	}

	e := c.Exporter
	if e.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", e.BatchSize))
	}
	if e.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", e.QueueSize))
	} else if e.QueueSize < e.BatchSize {
		errs = append(errs, fmt.Errorf("queue size %d is smaller than batch size %d", e.QueueSize, e.BatchSize))
	}
	if e.Interval <= 0 {
		errs = append(errs, fmt.Errorf("batch interval must be positive, got %s", e.Interval))
	}
	if e.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", e.MaxRetries))
	}
	if e.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("export rate limit must not be negative, got %v", e.RateLimit))
	}

	switch e.Transport {
	case TransportHTTP:
		if e.ServerURL == "" {
			errs = append(errs, errors.New("server url is required for the http transport"))
		}
	case TransportKafka:
		if len(e.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("at least one kafka broker is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", e.Transport))
	}

	switch e.Format {
	case FormatJSON, FormatOTLP:
	default:
		errs = append(errs, fmt.Errorf("unknown export format %q", e.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// FrameworkEnabled reports whether the named integration should install.
func (c *Config) FrameworkEnabled(name string) bool {
	if !c.Instrumentation.Enabled {
		return false
	}
	for _, f := range c.Instrumentation.Frameworks {
		if f == name {
			return true
		}
	}
	return false
}

// ExportPath returns the ingestion path, defaulted per export format.
func (c *Config) ExportPath() string {
	if c.Exporter.Path != "" {
		return c.Exporter.Path
	}
	if c.Exporter.Format == FormatOTLP {
		return "/v1/traces"
	}
	return "/api/traces"
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	frameworks := c.Instrumentation.Frameworks[:0]
	for _, f := range c.Instrumentation.Frameworks {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			frameworks = append(frameworks, f)
		}
	}
	c.Instrumentation.Frameworks = frameworks
	c.Exporter.Transport = strings.ToLower(c.Exporter.Transport)
	c.Exporter.Format = strings.ToLower(c.Exporter.Format)
	c.Exporter.ServerURL = strings.TrimRight(c.Exporter.ServerURL, "/")
	if c.Service.AgentID == "" {
		c.Service.AgentID = uuid.NewString()
	}
}

func known(name string) bool {
	for _, f := range AllFrameworks {
		if f == name {
			return true
		}
	}
	return false
}
