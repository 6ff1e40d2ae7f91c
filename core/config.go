package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for an ATLAS service.
// Precedence: defaults < environment variables < functional options
// (WithConfigFile loads YAML at option-application time, so later options
// override file values the same way).
type Config struct {
	Name    string `yaml:"name" json:"name"`
	Port    int    `yaml:"port" json:"port"`
	Address string `yaml:"address" json:"address"`

	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Decision  DecisionConfig  `yaml:"decision" json:"decision"`
	Audit     AuditConfig     `yaml:"audit" json:"audit"`
	Approval  ApprovalConfig  `yaml:"approval" json:"approval"`
	Routing   RoutingConfig   `yaml:"routing" json:"routing"`
	Monitors  []MonitorConfig `yaml:"monitors" json:"monitors"`
	Executor  ExecutorConfig  `yaml:"executor" json:"executor"`
	Notifier  NotifierConfig  `yaml:"notifier" json:"notifier"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`

	Resilience ResilienceConfig `yaml:"resilience" json:"resilience"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	EnableHealthCheck bool          `yaml:"enable_health_check" json:"enable_health_check"`
	HealthCheckPath   string        `yaml:"health_check_path" json:"health_check_path"`
	CORS              CORSConfig    `yaml:"cors" json:"cors"`
}

// CORSConfig configures cross-origin request handling.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers" json:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials" json:"allow_credentials"`
	MaxAge           int      `yaml:"max_age" json:"max_age"`
}

// DecisionConfig tunes the decision matrix and confidence gate.
type DecisionConfig struct {
	// ConfidenceThreshold is the gate theta; actions below it get downgraded.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	// RiskTolerance shifts the gate: higher tolerance permits riskier actions.
	RiskTolerance float64 `yaml:"risk_tolerance" json:"risk_tolerance"`
	// Aggregator selects the belief fusion strategy: "mean" or "geometric".
	Aggregator string `yaml:"aggregator" json:"aggregator"`
}

// AuditConfig bounds the in-memory audit trail.
type AuditConfig struct {
	MaxHistory int `yaml:"max_history" json:"max_history"`
}

// ApprovalConfig tunes the human approval workflow.
type ApprovalConfig struct {
	DefaultTimeout       time.Duration `yaml:"default_timeout" json:"default_timeout"`
	AutoExecuteOnTimeout bool          `yaml:"auto_execute_on_timeout" json:"auto_execute_on_timeout"`
}

// RoutingConfig carries the data-driven keyword tables for the router.
// Category order is significant: ties break in declaration order.
type RoutingConfig struct {
	Categories []RoutingCategory `yaml:"categories" json:"categories"`
}

// RoutingCategory maps a worker-type tag to its keyword set.
type RoutingCategory struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// MonitorConfig declares one periodic check.
type MonitorConfig struct {
	Name        string        `yaml:"name" json:"name"`
	Worker      string        `yaml:"worker" json:"worker"`
	Description string        `yaml:"description" json:"description"`
	Interval    time.Duration `yaml:"interval" json:"interval"`
	Risk        Risk          `yaml:"risk" json:"risk"`
	Urgency     Urgency       `yaml:"urgency" json:"urgency"`
}

// ExecutorConfig caps the safe executor.
type ExecutorConfig struct {
	Sandbox        bool          `yaml:"sandbox" json:"sandbox"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	MaxMemoryMB    int           `yaml:"max_memory_mb" json:"max_memory_mb"`
	MaxOutputLines int           `yaml:"max_output_lines" json:"max_output_lines"`
	WorkDir        string        `yaml:"work_dir" json:"work_dir"`
}

// NotifierConfig configures the outbound notification transport.
type NotifierConfig struct {
	WebhookURL string        `yaml:"webhook_url" json:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// RedisConfig configures the optional approval snapshot store.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	URL       string `yaml:"url" json:"url"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// TelemetryConfig configures OpenTelemetry integration.
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	ServiceName    string `yaml:"service_name" json:"service_name"`
	MetricsEnabled bool   `yaml:"metrics_enabled" json:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled" json:"tracing_enabled"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// ResilienceConfig configures the circuit breaker and retry used around
// external suspension points (notifier, worker I/O).
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryPolicyConfig    `yaml:"retry" json:"retry"`
}

// CircuitBreakerConfig configures failure thresholds.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	Threshold        int           `yaml:"threshold" json:"threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

// RetryPolicyConfig configures retry backoff.
type RetryPolicyConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`
	JitterEnabled bool          `yaml:"jitter_enabled" json:"jitter_enabled"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "atlas",
		Port:    8080,
		Address: "",
		HTTP: HTTPConfig{
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			EnableHealthCheck: true,
			HealthCheckPath:   "/healthz",
			CORS: CORSConfig{
				Enabled:        false,
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:         86400,
			},
		},
		Decision: DecisionConfig{
			ConfidenceThreshold: 0.6,
			RiskTolerance:       0.5,
			Aggregator:          "mean",
		},
		Audit: AuditConfig{
			MaxHistory: 1000,
		},
		Approval: ApprovalConfig{
			DefaultTimeout:       5 * time.Minute,
			AutoExecuteOnTimeout: false,
		},
		Routing: RoutingConfig{
			Categories: DefaultRoutingCategories(),
		},
		Executor: ExecutorConfig{
			Sandbox:        true,
			Timeout:        30 * time.Second,
			MaxMemoryMB:    256,
			MaxOutputLines: 200,
			WorkDir:        os.TempDir(),
		},
		Notifier: NotifierConfig{
			Timeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:   false,
			KeyPrefix: "atlas",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			ServiceName:    "atlas",
			MetricsEnabled: true,
			TracingEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				Threshold:        5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 3,
			},
			Retry: RetryPolicyConfig{
				MaxAttempts:   3,
				InitialDelay:  100 * time.Millisecond,
				MaxDelay:      5 * time.Second,
				BackoffFactor: 2.0,
				JitterEnabled: true,
			},
		},
	}
}

// DefaultRoutingCategories returns the built-in keyword tables.
// Order matters: earlier categories win score ties.
func DefaultRoutingCategories() []RoutingCategory {
	return []RoutingCategory{
		{Name: "security", Keywords: []string{"security", "vulnerability", "breach", "firewall", "auth", "intrusion", "exploit", "malware"}},
		{Name: "server_monitor", Keywords: []string{"server", "cpu", "memory", "disk", "restart", "nginx", "service", "load", "uptime", "ssh"}},
		{Name: "communication", Keywords: []string{"email", "inbox", "message", "reply", "send", "notify", "slack"}},
		{Name: "research", Keywords: []string{"research", "investigate", "summarize", "search", "paper", "article"}},
		{Name: "marketing", Keywords: []string{"marketing", "campaign", "post", "audience", "seo", "newsletter"}},
		{Name: "coding", Keywords: []string{"code", "bug", "refactor", "function", "test", "compile", "implement", "script"}},
		{Name: "analysis", Keywords: []string{"analyze", "analysis", "report", "metrics", "trend", "statistics"}},
		{Name: "creative", Keywords: []string{"write", "draft", "design", "creative", "story", "blog"}},
	}
}

// Option configures a Config.
type Option func(*Config) error

// WithName sets the service name.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("name cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithPort sets the HTTP port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("port %d out of range: %w", port, ErrInvalidConfiguration)
		}
		c.Port = port
		return nil
	}
}

// WithAddress sets the bind address.
func WithAddress(address string) Option {
	return func(c *Config) error {
		c.Address = address
		return nil
	}
}

// WithConfidenceThreshold sets the gate theta.
func WithConfidenceThreshold(threshold float64) Option {
	return func(c *Config) error {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("confidence threshold %v outside [0,1]: %w", threshold, ErrInvalidConfiguration)
		}
		c.Decision.ConfidenceThreshold = threshold
		return nil
	}
}

// WithRiskTolerance sets the gate risk tolerance.
func WithRiskTolerance(tolerance float64) Option {
	return func(c *Config) error {
		if tolerance < 0 || tolerance > 1 {
			return fmt.Errorf("risk tolerance %v outside [0,1]: %w", tolerance, ErrInvalidConfiguration)
		}
		c.Decision.RiskTolerance = tolerance
		return nil
	}
}

// WithMaxAuditHistory bounds the audit trail.
func WithMaxAuditHistory(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("audit history bound must be positive: %w", ErrInvalidConfiguration)
		}
		c.Audit.MaxHistory = n
		return nil
	}
}

// WithApprovalTimeout sets the default approval timeout.
func WithApprovalTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("approval timeout must be positive: %w", ErrInvalidConfiguration)
		}
		c.Approval.DefaultTimeout = d
		return nil
	}
}

// WithMonitor appends a periodic check.
func WithMonitor(name, worker, description string, interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("monitor %q interval must be positive: %w", name, ErrInvalidConfiguration)
		}
		c.Monitors = append(c.Monitors, MonitorConfig{
			Name:        name,
			Worker:      worker,
			Description: description,
			Interval:    interval,
			Risk:        RiskLow,
			Urgency:     UrgencyLow,
		})
		return nil
	}
}

// WithExecutorSandbox toggles sandbox mode for the safe executor.
func WithExecutorSandbox(enabled bool) Option {
	return func(c *Config) error {
		c.Executor.Sandbox = enabled
		return nil
	}
}

// WithRedisURL enables the Redis approval snapshot store.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("redis URL cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Redis.Enabled = true
		c.Redis.URL = url
		return nil
	}
}

// WithWebhookNotifier points notifications at an HTTP endpoint.
func WithWebhookNotifier(url string) Option {
	return func(c *Config) error {
		c.Notifier.WebhookURL = url
		return nil
	}
}

// WithTelemetry toggles OpenTelemetry integration.
func WithTelemetry(enabled bool) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		return nil
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the log format ("text" or "json").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		if format != "text" && format != "json" {
			return fmt.Errorf("unknown log format %q: %w", format, ErrInvalidConfiguration)
		}
		c.Logging.Format = format
		return nil
	}
}

// WithConfigFile merges a YAML configuration file into the config.
// Values set by options applied after this one take precedence.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return nil
	}
}

// NewConfig builds a Config from defaults, environment, then options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies ATLAS_* environment overrides.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ATLAS_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("ATLAS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ATLAS_PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := os.Getenv("ATLAS_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("ATLAS_CONFIDENCE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid ATLAS_CONFIDENCE_THRESHOLD %q: %w", v, err)
		}
		c.Decision.ConfidenceThreshold = f
	}
	if v := os.Getenv("ATLAS_RISK_TOLERANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid ATLAS_RISK_TOLERANCE %q: %w", v, err)
		}
		c.Decision.RiskTolerance = f
	}
	if v := os.Getenv("ATLAS_MAX_AUDIT_HISTORY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ATLAS_MAX_AUDIT_HISTORY %q: %w", v, err)
		}
		c.Audit.MaxHistory = n
	}
	if v := os.Getenv("ATLAS_APPROVAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid ATLAS_APPROVAL_TIMEOUT %q: %w", v, err)
		}
		c.Approval.DefaultTimeout = d
	}
	if v := os.Getenv("ATLAS_EXECUTOR_SANDBOX"); v != "" {
		c.Executor.Sandbox = v == "true" || v == "1"
	}
	if v := os.Getenv("ATLAS_REDIS_URL"); v != "" {
		c.Redis.Enabled = true
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.Enabled = true
		c.Redis.URL = v
	}
	if v := os.Getenv("ATLAS_WEBHOOK_URL"); v != "" {
		c.Notifier.WebhookURL = v
	}
	if v := os.Getenv("ATLAS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ATLAS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ATLAS_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	// ATLAS_MONITOR_INTERVALS=disk_check=30s,inbox=2m overrides declared
	// monitor intervals by name.
	if v := os.Getenv("ATLAS_MONITOR_INTERVALS"); v != "" {
		overrides, err := parseMonitorIntervals(v)
		if err != nil {
			return err
		}
		for i := range c.Monitors {
			if d, ok := overrides[c.Monitors[i].Name]; ok {
				c.Monitors[i].Interval = d
			}
		}
	}
	return nil
}

func parseMonitorIntervals(v string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, raw, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("invalid ATLAS_MONITOR_INTERVALS entry %q: %w", pair, ErrInvalidConfiguration)
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q for monitor %q: %w", raw, name, err)
		}
		out[name] = d
	}
	return out, nil
}

// Validate checks invariants that span fields.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range: %w", c.Port, ErrInvalidConfiguration)
	}
	if c.Decision.ConfidenceThreshold < 0 || c.Decision.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold outside [0,1]: %w", ErrInvalidConfiguration)
	}
	if c.Decision.RiskTolerance < 0 || c.Decision.RiskTolerance > 1 {
		return fmt.Errorf("risk tolerance outside [0,1]: %w", ErrInvalidConfiguration)
	}
	if c.Audit.MaxHistory < 1 {
		return fmt.Errorf("audit history bound must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Approval.DefaultTimeout <= 0 {
		return fmt.Errorf("approval timeout must be positive: %w", ErrInvalidConfiguration)
	}
	for _, m := range c.Monitors {
		if m.Name == "" || m.Worker == "" {
			return fmt.Errorf("monitor declarations need name and worker: %w", ErrInvalidConfiguration)
		}
		if m.Interval <= 0 {
			return fmt.Errorf("monitor %q interval must be positive: %w", m.Name, ErrInvalidConfiguration)
		}
	}
	seen := make(map[string]bool)
	for _, cat := range c.Routing.Categories {
		if cat.Name == "" {
			return fmt.Errorf("routing category name cannot be empty: %w", ErrInvalidConfiguration)
		}
		if seen[cat.Name] {
			return fmt.Errorf("duplicate routing category %q: %w", cat.Name, ErrInvalidConfiguration)
		}
		seen[cat.Name] = true
	}
	return nil
}
