package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment   string                     `toml:"environment"` // "development" or "production"
	Server        ServerConfig               `toml:"server"`
	Storage       StorageConfig              `toml:"storage"`
	Logging       LoggingConfig              `toml:"logging"`
	Scheduler     SchedulerConfig            `toml:"scheduler"`
	AutoApply     AutoApplyConfig            `toml:"autoapply"`
	RateLimit     RateLimitConfig            `toml:"ratelimit"`
	Session       SessionConfig              `toml:"session"`
	Browser       BrowserConfig              `toml:"browser"`
	Stealth       StealthConfig              `toml:"stealth"`
	FormFill      FormFillConfig             `toml:"formfill"`
	Platforms     map[string]PlatformProfile `toml:"platforms"`
	Search        SearchConfig               `toml:"search"`
	Notifications NotificationsConfig        `toml:"notifications"`
	Configs       ConfigsDirConfig           `toml:"configs"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Redis  RedisConfig  `toml:"redis"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// RedisConfig is only used when ratelimit.backend = "redis"
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// SchedulerConfig controls the persisted trigger loop
type SchedulerConfig struct {
	TickInterval        string `toml:"tick_interval"`         // How often due jobs are read from storage
	CycleSchedule       string `toml:"cycle_schedule"`        // Cron expression for the auto-apply cycle
	MisfirePolicy       string `toml:"misfire_policy"`        // RESCHEDULE, SKIP or NOTIFY
	MisfireGrace        string `toml:"misfire_grace"`         // Lateness tolerated before a fire counts as missed
	MaxRetries          int    `toml:"max_retries"`           // Retries for transient failures before resuming cadence
	RetryInitialBackoff string `toml:"retry_initial_backoff"` // First retry delay
	RetryMaxBackoff     string `toml:"retry_max_backoff"`     // Retry delay cap
}

// AutoApplyConfig controls cycle execution
type AutoApplyConfig struct {
	Workers       int    `toml:"workers"`        // Configs processed concurrently within a cycle
	CycleTimeout  string `toml:"cycle_timeout"`  // Upper bound for one whole cycle
	ConfigTimeout string `toml:"config_timeout"` // Upper bound for one config
	JobTimeout    string `toml:"job_timeout"`    // Upper bound for one application attempt
	MinInterval   string `toml:"min_interval"`   // Minimum spacing between applications on one platform
	MaxJitter     string `toml:"max_jitter"`     // Random extra spacing added to min_interval
}

// RateLimitConfig controls per-(user, platform) application quotas
type RateLimitConfig struct {
	Backend        string         `toml:"backend"`         // "badger" (default) or "redis"
	Window         string         `toml:"window"`          // Fixed window length, e.g. "24h"
	DefaultLimit   int            `toml:"default_limit"`   // Attempts allowed per window
	PlatformLimits map[string]int `toml:"platform_limits"` // Per-platform overrides
}

// SessionConfig controls platform login sessions
type SessionConfig struct {
	CredentialsDir string `toml:"credentials_dir"` // Directory containing platform credential files (TOML)
	LoginTimeout   string `toml:"login_timeout"`
	RefreshSkew    string `toml:"refresh_skew"` // Sessions expiring within this margin are refreshed
	DefaultTTL     string `toml:"default_ttl"`  // Used when the platform sets session cookies without expiry
}

// BrowserConfig controls chromedp browser instances
type BrowserConfig struct {
	Headless      bool   `toml:"headless"`
	DisableGPU    bool   `toml:"disable_gpu"`
	NoSandbox     bool   `toml:"no_sandbox"`
	UserAgent     string `toml:"user_agent"`
	MaxContexts   int    `toml:"max_contexts"` // Live browsers allowed at once
	LaunchTimeout string `toml:"launch_timeout"`
	WindowWidth   int    `toml:"window_width"`
	WindowHeight  int    `toml:"window_height"`
}

// StealthConfig toggles anti-detection patches
type StealthConfig struct {
	Enabled           bool            `toml:"enabled"`
	DisabledPatches   []string        `toml:"disabled_patches"`   // Patch names switched off everywhere
	PlatformOverrides map[string]bool `toml:"platform_overrides"` // platform -> stealth on/off
}

// FormFillConfig bounds each form interaction step
type FormFillConfig struct {
	StepTimeout       string `toml:"step_timeout"`       // Wait for a single element condition
	NavigationTimeout string `toml:"navigation_timeout"` // Page load and post-submit confirmation
}

// PlatformProfile describes how to drive one platform's apply flow
type PlatformProfile struct {
	BaseURL           string            `toml:"base_url"`
	LoginURL          string            `toml:"login_url"`
	AllowedDomains    []string          `toml:"allowed_domains"` // Hosts considered on-platform
	UsernameSelector  string            `toml:"username_selector"`
	PasswordSelector  string            `toml:"password_selector"`
	LoginSubmit       string            `toml:"login_submit"`
	LoggedInSelector  string            `toml:"logged_in_selector"`
	ApplyButton       string            `toml:"apply_button"`
	ExternalApply     string            `toml:"external_apply"` // Marker of an off-platform apply button
	AlreadyApplied    string            `toml:"already_applied"`
	LoginWall         string            `toml:"login_wall"`
	CaptchaSelectors  []string          `toml:"captcha_selectors"`
	Fields            map[string]string `toml:"fields"` // applicant field -> CSS selector
	ResumeUpload      string            `toml:"resume_upload"`
	SubmitButton      string            `toml:"submit_button"`
	Confirmation      string            `toml:"confirmation"`
	SearchPath        string            `toml:"search_path"`         // HTML search page path relative to base_url
	ResultSelector    string            `toml:"result_selector"`     // One node per posting on the search page
	ResultIDAttribute string            `toml:"result_id_attribute"` // Attribute holding the external job id
}

// SearchConfig points at the job search collaborator
type SearchConfig struct {
	BaseURL    string `toml:"base_url"` // JSON search API; empty uses platform HTML search pages
	Timeout    string `toml:"timeout"`
	MaxResults int    `toml:"max_results"`
}

// NotificationsConfig selects the notification sink
type NotificationsConfig struct {
	WebhookURL string `toml:"webhook_url"` // Empty logs notifications instead
	Timeout    string `toml:"timeout"`
}

// ConfigsDirConfig contains configuration for auto-apply config file loading
type ConfigsDirConfig struct {
	Dir string `toml:"dir"` // Directory containing auto-apply config files (TOML or YAML)
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8086,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/autoapply",
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "autoapply",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Scheduler: SchedulerConfig{
			TickInterval:        "15s",
			CycleSchedule:       "0 */4 * * *", // Every four hours
			MisfirePolicy:       "RESCHEDULE",
			MisfireGrace:        "5m",
			MaxRetries:          3,
			RetryInitialBackoff: "1m",
			RetryMaxBackoff:     "30m",
		},
		AutoApply: AutoApplyConfig{
			Workers:       2,
			CycleTimeout:  "2h",
			ConfigTimeout: "45m",
			JobTimeout:    "3m",
			MinInterval:   "45s",
			MaxJitter:     "30s",
		},
		RateLimit: RateLimitConfig{
			Backend:        "badger",
			Window:         "24h",
			DefaultLimit:   25,
			PlatformLimits: map[string]int{},
		},
		Session: SessionConfig{
			CredentialsDir: "./credentials",
			LoginTimeout:   "2m",
			RefreshSkew:    "5m",
			DefaultTTL:     "12h",
		},
		Browser: BrowserConfig{
			Headless:      true,
			DisableGPU:    true,
			NoSandbox:     false,
			UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			MaxContexts:   2,
			LaunchTimeout: "30s",
			WindowWidth:   1920,
			WindowHeight:  1080,
		},
		Stealth: StealthConfig{
			Enabled:           true,
			DisabledPatches:   []string{},
			PlatformOverrides: map[string]bool{},
		},
		FormFill: FormFillConfig{
			StepTimeout:       "15s",
			NavigationTimeout: "45s",
		},
		Platforms: map[string]PlatformProfile{},
		Search: SearchConfig{
			Timeout:    "30s",
			MaxResults: 50,
		},
		Notifications: NotificationsConfig{
			Timeout: "10s",
		},
		Configs: ConfigsDirConfig{
			Dir: "./configs",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards by ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	config.normalizePlatforms()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("AUTOAPPLY_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("AUTOAPPLY_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("AUTOAPPLY_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if path := os.Getenv("AUTOAPPLY_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if addr := os.Getenv("AUTOAPPLY_REDIS_ADDR"); addr != "" {
		config.Storage.Redis.Addr = addr
	}
	if password := os.Getenv("AUTOAPPLY_REDIS_PASSWORD"); password != "" {
		config.Storage.Redis.Password = password
	}

	// Logging configuration
	if level := os.Getenv("AUTOAPPLY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("AUTOAPPLY_LOG_OUTPUT"); output != "" {
		config.Logging.Output = splitAndTrim(output, ",")
	}

	// Scheduler configuration
	if schedule := os.Getenv("AUTOAPPLY_CYCLE_SCHEDULE"); schedule != "" {
		config.Scheduler.CycleSchedule = schedule
	}
	if policy := os.Getenv("AUTOAPPLY_MISFIRE_POLICY"); policy != "" {
		config.Scheduler.MisfirePolicy = strings.ToUpper(policy)
	}

	// Auto-apply configuration
	if workers := os.Getenv("AUTOAPPLY_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.AutoApply.Workers = w
		}
	}

	// Rate limit configuration
	if backend := os.Getenv("AUTOAPPLY_RATELIMIT_BACKEND"); backend != "" {
		config.RateLimit.Backend = backend
	}
	if limit := os.Getenv("AUTOAPPLY_RATELIMIT_DEFAULT"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			config.RateLimit.DefaultLimit = l
		}
	}

	// Browser configuration
	if headless := os.Getenv("AUTOAPPLY_BROWSER_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = h
		}
	}
	if noSandbox := os.Getenv("AUTOAPPLY_BROWSER_NO_SANDBOX"); noSandbox != "" {
		if n, err := strconv.ParseBool(noSandbox); err == nil {
			config.Browser.NoSandbox = n
		}
	}
	if stealth := os.Getenv("AUTOAPPLY_STEALTH_ENABLED"); stealth != "" {
		if s, err := strconv.ParseBool(stealth); err == nil {
			config.Stealth.Enabled = s
		}
	}

	// Collaborators
	if searchURL := os.Getenv("AUTOAPPLY_SEARCH_URL"); searchURL != "" {
		config.Search.BaseURL = searchURL
	}
	if webhook := os.Getenv("AUTOAPPLY_WEBHOOK_URL"); webhook != "" {
		config.Notifications.WebhookURL = webhook
	}
	if dir := os.Getenv("AUTOAPPLY_CREDENTIALS_DIR"); dir != "" {
		config.Session.CredentialsDir = dir
	}
	if dir := os.Getenv("AUTOAPPLY_CONFIGS_DIR"); dir != "" {
		config.Configs.Dir = dir
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
// Flags have the highest priority and override both env vars and config file
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks enum values, durations and the cycle schedule
func (c *Config) Validate() error {
	durations := map[string]string{
		"scheduler.tick_interval":         c.Scheduler.TickInterval,
		"scheduler.misfire_grace":         c.Scheduler.MisfireGrace,
		"scheduler.retry_initial_backoff": c.Scheduler.RetryInitialBackoff,
		"scheduler.retry_max_backoff":     c.Scheduler.RetryMaxBackoff,
		"autoapply.cycle_timeout":         c.AutoApply.CycleTimeout,
		"autoapply.config_timeout":        c.AutoApply.ConfigTimeout,
		"autoapply.job_timeout":           c.AutoApply.JobTimeout,
		"autoapply.min_interval":          c.AutoApply.MinInterval,
		"autoapply.max_jitter":            c.AutoApply.MaxJitter,
		"ratelimit.window":                c.RateLimit.Window,
		"session.login_timeout":           c.Session.LoginTimeout,
		"session.refresh_skew":            c.Session.RefreshSkew,
		"session.default_ttl":             c.Session.DefaultTTL,
		"browser.launch_timeout":          c.Browser.LaunchTimeout,
		"formfill.step_timeout":           c.FormFill.StepTimeout,
		"formfill.navigation_timeout":     c.FormFill.NavigationTimeout,
		"search.timeout":                  c.Search.Timeout,
		"notifications.timeout":           c.Notifications.Timeout,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return NewConfigurationError(key, fmt.Sprintf("invalid duration %q", value))
		}
	}

	if window, _ := time.ParseDuration(c.RateLimit.Window); window <= 0 {
		return NewConfigurationError("ratelimit.window", "must be positive")
	}

	switch strings.ToUpper(c.Scheduler.MisfirePolicy) {
	case "RESCHEDULE", "SKIP", "NOTIFY":
	default:
		return NewConfigurationError("scheduler.misfire_policy", fmt.Sprintf("unknown policy %q", c.Scheduler.MisfirePolicy))
	}

	switch c.RateLimit.Backend {
	case "badger", "redis":
	default:
		return NewConfigurationError("ratelimit.backend", fmt.Sprintf("unknown backend %q", c.RateLimit.Backend))
	}

	if c.RateLimit.DefaultLimit < 0 {
		return NewConfigurationError("ratelimit.default_limit", "must not be negative")
	}
	if c.AutoApply.Workers < 1 {
		return NewConfigurationError("autoapply.workers", "must be at least 1")
	}
	if c.Browser.MaxContexts < 1 {
		return NewConfigurationError("browser.max_contexts", "must be at least 1")
	}

	if err := ValidateSchedule(c.Scheduler.CycleSchedule); err != nil {
		return NewConfigurationError("scheduler.cycle_schedule", err.Error())
	}

	return nil
}

// ValidateSchedule validates a cron expression or descriptor (@every 30m, @daily)
func ValidateSchedule(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return fmt.Errorf("schedule is empty")
	}
	if _, err := ScheduleParser().Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	return nil
}

// ScheduleParser returns the cron parser shared by config validation and the scheduler
// Standard 5-field expressions plus descriptors.
func ScheduleParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Duration parses a validated duration string, returning fallback when empty or invalid
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Platform returns the profile for a platform and whether it is configured
func (c *Config) Platform(name string) (PlatformProfile, bool) {
	profile, ok := c.Platforms[strings.ToLower(name)]
	return profile, ok
}

// normalizePlatforms lower-cases platform keys so lookups match JobRef.Platform
func (c *Config) normalizePlatforms() {
	normalized := make(map[string]PlatformProfile, len(c.Platforms))
	for name, profile := range c.Platforms {
		normalized[strings.ToLower(name)] = profile
	}
	c.Platforms = normalized
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
