package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RoleLimits bounds one agent's autonomous loop. Zero fields inherit the default.
type RoleLimits struct {
	MaxToolCalls      int           `yaml:"max_tool_calls"`
	MaxTurns          int           `yaml:"max_turns"`
	MaxIterations     int           `yaml:"max_iterations"`
	MaxActiveDuration time.Duration `yaml:"max_active_duration"`
	MaxSleepDuration  time.Duration `yaml:"max_sleep_duration"`
	WarningFraction   float64       `yaml:"warning_fraction"`
	// CleanupGrace bounds cooperative wrap-up before resources are force-released.
	CleanupGrace time.Duration `yaml:"cleanup_grace"`
	// SummaryTimeout bounds the final summary request during escalation.
	SummaryTimeout time.Duration `yaml:"summary_timeout"`
}

type LimitsConfig struct {
	Default RoleLimits            `yaml:"default"`
	Roles   map[string]RoleLimits `yaml:"roles"`
}

type IngestConfig struct {
	DedupWindow   time.Duration `yaml:"dedup_window"`
	DedupCapacity int           `yaml:"dedup_capacity"`
	// SelfAllow lists "type.action" pairs accepted even when sent by Identity.
	SelfAllow []string `yaml:"self_allow"`
}

type ConcurrencyConfig struct {
	MaxActive int `yaml:"max_active"`
	// QueueDepth bounds pending events per owner key.
	QueueDepth int `yaml:"queue_depth"`
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Schedule is a cron expression or descriptor ("@every 5m"). It wins over Interval.
	Schedule string `yaml:"schedule"`
	// ActiveGrace is added to max_active_duration before a lost timer is declared.
	ActiveGrace time.Duration `yaml:"active_grace"`
}

type DockerRuntimeConfig struct {
	Image    string   `yaml:"image"`
	MemoryMB int64    `yaml:"memory_mb"`
	Network  string   `yaml:"network"`
	Command  []string `yaml:"command"`
}

type GenkitRuntimeConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	MaxTurns int    `yaml:"max_turns"`
}

type RuntimeConfig struct {
	// Kind selects the adapter: "docker" or "genkit".
	Kind         string              `yaml:"kind"`
	Retries      int                 `yaml:"retries"`
	RetryBackoff time.Duration       `yaml:"retry_backoff"`
	Docker       DockerRuntimeConfig `yaml:"docker"`
	Genkit       GenkitRuntimeConfig `yaml:"genkit"`
}

type TrackerConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Token        string        `yaml:"token"`
	DefaultScope string        `yaml:"default_scope"`
	Timeout      time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type GatewayConfig struct {
	AuthToken    string          `yaml:"auth_token"`
	AllowOrigins []string        `yaml:"allow_origins"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

type OTelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TriggerMatch selects events by type and, optionally, action and label.
type TriggerMatch struct {
	Type   string `yaml:"type"`
	Action string `yaml:"action"`
	Label  string `yaml:"label"`
}

// TriggerRule is one row of the ordered trigger table.
type TriggerRule struct {
	Name      string       `yaml:"name"`
	Match     TriggerMatch `yaml:"match"`
	Role      string       `yaml:"role"`
	Condition string       `yaml:"condition"`
	SpawnMode string       `yaml:"spawn_mode"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// Identity is the system's own actor identity on the tracker.
	Identity string `yaml:"identity"`
	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// MaxDependencyDepth caps blocker chains. Exceeding it escalates.
	MaxDependencyDepth int `yaml:"max_dependency_depth"`
	// MaxDependentItems caps work items one agent may create.
	MaxDependentItems int `yaml:"max_dependent_items"`

	Ingest      IngestConfig      `yaml:"ingest"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Limits      LimitsConfig      `yaml:"limits"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	OTel        OTelConfig        `yaml:"otel"`
	Notify      NotifyConfig      `yaml:"notify"`
	Triggers    []TriggerRule     `yaml:"triggers"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DatabasePath returns db_path, or conductor.db under the home directory.
func (c Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "conductor.db")
}

// LimitsFor returns the default limits overlaid with the role's overrides.
func (c Config) LimitsFor(role string) RoleLimits {
	out := c.Limits.Default
	o, ok := c.Limits.Roles[role]
	if !ok {
		return out
	}
	if o.MaxToolCalls > 0 {
		out.MaxToolCalls = o.MaxToolCalls
	}
	if o.MaxTurns > 0 {
		out.MaxTurns = o.MaxTurns
	}
	if o.MaxIterations > 0 {
		out.MaxIterations = o.MaxIterations
	}
	if o.MaxActiveDuration > 0 {
		out.MaxActiveDuration = o.MaxActiveDuration
	}
	if o.MaxSleepDuration > 0 {
		out.MaxSleepDuration = o.MaxSleepDuration
	}
	if o.WarningFraction > 0 {
		out.WarningFraction = o.WarningFraction
	}
	if o.CleanupGrace > 0 {
		out.CleanupGrace = o.CleanupGrace
	}
	if o.SummaryTimeout > 0 {
		out.SummaryTimeout = o.SummaryTimeout
	}
	return out
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "id=%s|bind=%s|log=%s|depth=%d|items=%d|active=%d|runtime=%s|reconcile=%s/%s",
		c.Identity, c.BindAddr, c.LogLevel, c.MaxDependencyDepth, c.MaxDependentItems,
		c.Concurrency.MaxActive, c.Runtime.Kind, c.Reconcile.Interval, c.Reconcile.Schedule)
	fmt.Fprintf(h, "|default=%+v", c.Limits.Default)
	roles := make([]string, 0, len(c.Limits.Roles))
	for r := range c.Limits.Roles {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	for _, r := range roles {
		fmt.Fprintf(h, "|%s=%+v", r, c.Limits.Roles[r])
	}
	for _, t := range c.Triggers {
		fmt.Fprintf(h, "|t=%+v", t)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		Identity:            "conductor-bot",
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 10,
		MaxDependencyDepth:  5,
		MaxDependentItems:   3,
		Ingest: IngestConfig{
			DedupWindow:   time.Hour,
			DedupCapacity: 10000,
			SelfAllow:     []string{"status.agent_update", "status.completed"},
		},
		Concurrency: ConcurrencyConfig{MaxActive: 4, QueueDepth: 64},
		Limits: LimitsConfig{
			Default: RoleLimits{
				MaxToolCalls:      200,
				MaxTurns:          40,
				MaxIterations:     12,
				MaxActiveDuration: 45 * time.Minute,
				MaxSleepDuration:  72 * time.Hour,
				WarningFraction:   0.80,
				CleanupGrace:      30 * time.Second,
				SummaryTimeout:    60 * time.Second,
			},
		},
		Reconcile: ReconcileConfig{Interval: 5 * time.Minute, ActiveGrace: time.Minute},
		Runtime: RuntimeConfig{
			Kind:         "docker",
			Retries:      2,
			RetryBackoff: 2 * time.Second,
		},
		Tracker: TrackerConfig{Timeout: 30 * time.Second},
		Gateway: GatewayConfig{RateLimit: RateLimitConfig{RequestsPerMinute: 600, BurstSize: 50}},
	}
}

// Default returns the built-in configuration, before any file or env overlay.
func Default() Config {
	return defaultConfig()
}

func HomeDir() string {
	if override := os.Getenv("CONDUCTOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor")
}

// Load reads config.yaml from the conductor home.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml. A missing file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create conductor home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if strings.TrimSpace(cfg.Identity) == "" {
		cfg.Identity = d.Identity
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "conductor.db")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = d.DrainTimeoutSeconds
	}
	if cfg.MaxDependencyDepth <= 0 {
		cfg.MaxDependencyDepth = d.MaxDependencyDepth
	}
	if cfg.MaxDependentItems < 0 {
		cfg.MaxDependentItems = 0
	}
	if cfg.Ingest.DedupWindow <= 0 {
		cfg.Ingest.DedupWindow = d.Ingest.DedupWindow
	}
	if cfg.Ingest.DedupCapacity <= 0 {
		cfg.Ingest.DedupCapacity = d.Ingest.DedupCapacity
	}
	if cfg.Concurrency.MaxActive <= 0 {
		cfg.Concurrency.MaxActive = d.Concurrency.MaxActive
	}
	if cfg.Concurrency.QueueDepth <= 0 {
		cfg.Concurrency.QueueDepth = d.Concurrency.QueueDepth
	}
	if cfg.Limits.Default.WarningFraction <= 0 || cfg.Limits.Default.WarningFraction >= 1 {
		cfg.Limits.Default.WarningFraction = d.Limits.Default.WarningFraction
	}
	if cfg.Limits.Default.CleanupGrace <= 0 {
		cfg.Limits.Default.CleanupGrace = d.Limits.Default.CleanupGrace
	}
	if cfg.Limits.Default.SummaryTimeout <= 0 {
		cfg.Limits.Default.SummaryTimeout = d.Limits.Default.SummaryTimeout
	}
	if cfg.Reconcile.Interval <= 0 {
		cfg.Reconcile.Interval = d.Reconcile.Interval
	}
	if cfg.Reconcile.ActiveGrace < 0 {
		cfg.Reconcile.ActiveGrace = 0
	}
	cfg.Runtime.Kind = strings.ToLower(strings.TrimSpace(cfg.Runtime.Kind))
	if cfg.Runtime.Kind == "" {
		cfg.Runtime.Kind = d.Runtime.Kind
	}
	if cfg.Runtime.Retries < 0 {
		cfg.Runtime.Retries = 0
	}
	if cfg.Runtime.RetryBackoff <= 0 {
		cfg.Runtime.RetryBackoff = d.Runtime.RetryBackoff
	}
	if cfg.Tracker.Timeout <= 0 {
		cfg.Tracker.Timeout = d.Tracker.Timeout
	}
	for i := range cfg.Triggers {
		t := &cfg.Triggers[i]
		t.Role = strings.ToLower(strings.TrimSpace(t.Role))
		t.SpawnMode = strings.ToLower(strings.TrimSpace(t.SpawnMode))
		if t.SpawnMode == "" {
			t.SpawnMode = "direct"
		}
		if t.Name == "" {
			t.Name = fmt.Sprintf("%s.%s->%s", t.Match.Type, t.Match.Action, t.Role)
		}
	}
}

func validate(cfg Config) error {
	var errs []error
	switch cfg.Runtime.Kind {
	case "docker", "genkit":
	default:
		errs = append(errs, fmt.Errorf("runtime.kind %q must be docker or genkit", cfg.Runtime.Kind))
	}
	for i, t := range cfg.Triggers {
		if strings.TrimSpace(t.Match.Type) == "" {
			errs = append(errs, fmt.Errorf("triggers[%d] %s: match.type is required", i, t.Name))
		}
		if t.Role == "" {
			errs = append(errs, fmt.Errorf("triggers[%d] %s: role is required", i, t.Name))
		}
		if t.SpawnMode != "direct" && t.SpawnMode != "staged" {
			errs = append(errs, fmt.Errorf("triggers[%d] %s: spawn_mode %q must be direct or staged", i, t.Name, t.SpawnMode))
		}
	}
	for role, l := range cfg.Limits.Roles {
		if l.WarningFraction < 0 || l.WarningFraction >= 1 {
			errs = append(errs, fmt.Errorf("limits.roles.%s.warning_fraction must be in [0,1)", role))
		}
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CONDUCTOR_IDENTITY"); raw != "" {
		cfg.Identity = raw
	}
	if raw := os.Getenv("CONDUCTOR_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CONDUCTOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONDUCTOR_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CONDUCTOR_MAX_ACTIVE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Concurrency.MaxActive = v
		}
	}
	if raw := os.Getenv("CONDUCTOR_RECONCILE_INTERVAL"); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			cfg.Reconcile.Interval = v
		}
	}
	if raw := os.Getenv("CONDUCTOR_RUNTIME"); raw != "" {
		cfg.Runtime.Kind = raw
	}
	if raw := os.Getenv("CONDUCTOR_TRACKER_URL"); raw != "" {
		cfg.Tracker.BaseURL = raw
	}
	if raw := os.Getenv("CONDUCTOR_TRACKER_TOKEN"); raw != "" {
		cfg.Tracker.Token = raw
	}
	if raw := os.Getenv("CONDUCTOR_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
	if cfg.Runtime.Genkit.APIKey == "" {
		cfg.Runtime.Genkit.APIKey = providerAPIKeyFromEnv(cfg.Runtime.Genkit.Provider)
	}
}

func providerAPIKeyFromEnv(provider string) string {
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if provider == "" {
		provider = "google"
	}
	if envVar, ok := envMap[strings.ToLower(provider)]; ok {
		return os.Getenv(envVar)
	}
	return ""
}
