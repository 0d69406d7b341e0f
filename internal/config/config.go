// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/harvestbot/api/schemas"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Portal   PortalConfig   `mapstructure:"portal" yaml:"portal"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Jobs     JobsConfig     `mapstructure:"jobs" yaml:"jobs"`
	Modules  ModulesConfig  `mapstructure:"modules" yaml:"modules"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// TelegramConfig configures the chat frontend.
type TelegramConfig struct {
	Token       string        `mapstructure:"token" yaml:"-"`
	PollTimeout int           `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	SendRate    time.Duration `mapstructure:"send_rate" yaml:"send_rate"`
	SendBurst   int           `mapstructure:"send_burst" yaml:"send_burst"`
	Debug       bool          `mapstructure:"debug" yaml:"debug"`
}

// AuthConfig lists the chat users allowed to start jobs. The list is parsed
// by hand because it usually arrives as a comma separated env var.
type AuthConfig struct {
	AuthorizedUsers []int64 `mapstructure:"-" yaml:"authorized_users"`
}

// IsAuthorized reports whether userID is on the allow list.
func (a AuthConfig) IsAuthorized(userID int64) bool {
	for _, id := range a.AuthorizedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// PortalConfig holds the target portal's login details.
type PortalConfig struct {
	LoginURL string `mapstructure:"login_url" yaml:"login_url"`
	Username string `mapstructure:"username" yaml:"-"`
	Password string `mapstructure:"password" yaml:"-"`
}

// Credentials returns the login pair as a schema value.
func (p PortalConfig) Credentials() schemas.Credentials {
	return schemas.Credentials{Username: p.Username, Password: p.Password}
}

// BrowserConfig configures the Chrome instances backing each job.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath      string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args          []string      `mapstructure:"args" yaml:"args"`
	WindowWidth   int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight  int           `mapstructure:"window_height" yaml:"window_height"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// JobsConfig governs the lifecycle shared by every module.
type JobsConfig struct {
	TempRoot      string        `mapstructure:"temp_root" yaml:"temp_root"`
	SessionTTL    time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxDuration   time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	CleanupGrace  time.Duration `mapstructure:"cleanup_grace" yaml:"cleanup_grace"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PartialSuffix string        `mapstructure:"partial_suffix" yaml:"partial_suffix"`
}

// RetryConfig is the per-target submission retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

// ModuleConfig carries the timing knobs of a single module. The portal pages
// behind each module load at very different speeds, so none of these are shared.
type ModuleConfig struct {
	Dataset         string        `mapstructure:"dataset" yaml:"dataset"`
	StepTimeout     time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout" yaml:"download_timeout"`
	Retry           RetryConfig   `mapstructure:"retry" yaml:"retry"`
}

// ModulesConfig groups the per-module settings.
type ModulesConfig struct {
	Invoice   ModuleConfig `mapstructure:"invoice" yaml:"invoice"`
	Stock     ModuleConfig `mapstructure:"stock" yaml:"stock"`
	Inventory ModuleConfig `mapstructure:"inventory" yaml:"inventory"`
}

// For returns the settings of module m.
func (m ModulesConfig) For(module schemas.Module) (ModuleConfig, error) {
	switch module {
	case schemas.ModuleInvoice:
		return m.Invoice, nil
	case schemas.ModuleStock:
		return m.Stock, nil
	case schemas.ModuleInventory:
		return m.Inventory, nil
	}
	return ModuleConfig{}, fmt.Errorf("no configuration for module %q", module)
}

// DatabaseConfig holds the optional job history database connection.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// NewDefaultConfig creates a new configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers every default with the given viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "harvestbot")
	v.SetDefault("logger.log_file", "harvestbot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Telegram --
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("telegram.send_rate", "50ms")
	v.SetDefault("telegram.send_burst", 5)
	v.SetDefault("telegram.debug", false)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.launch_timeout", "45s")
	v.SetDefault("browser.action_timeout", "30s")

	// -- Jobs --
	v.SetDefault("jobs.temp_root", os.TempDir())
	v.SetDefault("jobs.session_ttl", "30m")
	v.SetDefault("jobs.max_concurrent", 2)
	v.SetDefault("jobs.max_duration", "2h")
	v.SetDefault("jobs.cleanup_grace", "1s")
	v.SetDefault("jobs.poll_interval", "1s")
	v.SetDefault("jobs.partial_suffix", ".crdownload")

	// -- Modules --
	v.SetDefault("modules.invoice.dataset", "distict&warehouse.xlsx")
	v.SetDefault("modules.invoice.step_timeout", "30s")
	v.SetDefault("modules.invoice.settle_delay", "5s")
	v.SetDefault("modules.invoice.download_timeout", "30s")
	v.SetDefault("modules.stock.dataset", "Depot.xlsx")
	v.SetDefault("modules.stock.step_timeout", "10s")
	v.SetDefault("modules.stock.settle_delay", "5s")
	v.SetDefault("modules.stock.download_timeout", "30s")
	v.SetDefault("modules.inventory.dataset", "distict&warehouse.xlsx")
	v.SetDefault("modules.inventory.step_timeout", "10s")
	v.SetDefault("modules.inventory.settle_delay", "10s")
	v.SetDefault("modules.inventory.download_timeout", "30s")
	for _, m := range schemas.Modules {
		v.SetDefault("modules."+m.String()+".retry.max_attempts", 3)
		v.SetDefault("modules."+m.String()+".retry.backoff", "2s")
	}

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")
}

// BindSecrets maps the secret keys onto both the prefixed and the legacy
// environment variable names the bot was historically deployed with.
func BindSecrets(v *viper.Viper) {
	_ = v.BindEnv("telegram.token", "HARVEST_TELEGRAM_TOKEN", "BOT_TOKEN")
	_ = v.BindEnv("portal.login_url", "HARVEST_PORTAL_LOGIN_URL", "LOGIN_URL")
	_ = v.BindEnv("portal.username", "HARVEST_PORTAL_USERNAME", "BEVCO_USER")
	_ = v.BindEnv("portal.password", "HARVEST_PORTAL_PASSWORD", "BEVCO_PASSWORD")
	_ = v.BindEnv("auth.authorized_users", "HARVEST_AUTH_AUTHORIZED_USERS", "AUTHORIZED_USERS")
	_ = v.BindEnv("database.url", "HARVEST_DATABASE_URL", "DATABASE_URL")
}

// Load unmarshals v into a Config without validating it. Commands that do
// not talk to the portal (dataset checks, version) use this directly.
func Load(v *viper.Viper) (*Config, error) {
	BindSecrets(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	users, err := ParseUserIDs(v.Get("auth.authorized_users"))
	if err != nil {
		return nil, fmt.Errorf("auth.authorized_users: %w", err)
	}
	cfg.Auth.AuthorizedUsers = users

	if cfg.Jobs.TempRoot, err = expandPath(cfg.Jobs.TempRoot); err != nil {
		return nil, err
	}
	for _, m := range []*ModuleConfig{&cfg.Modules.Invoice, &cfg.Modules.Stock, &cfg.Modules.Inventory} {
		if m.Dataset, err = expandPath(m.Dataset); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// NewConfigFromViper loads and validates the configuration.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	cfg, err := Load(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate fails fast on anything the bot cannot run without.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required (set BOT_TOKEN)")
	}
	if c.Portal.LoginURL == "" {
		return fmt.Errorf("portal.login_url is required (set LOGIN_URL)")
	}
	if c.Portal.Username == "" || c.Portal.Password == "" {
		return fmt.Errorf("portal.username and portal.password are required (set BEVCO_USER and BEVCO_PASSWORD)")
	}
	if len(c.Auth.AuthorizedUsers) == 0 {
		return fmt.Errorf("auth.authorized_users must list at least one user id")
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("jobs.max_concurrent must be a positive integer")
	}
	if c.Jobs.SessionTTL <= 0 {
		return fmt.Errorf("jobs.session_ttl must be positive")
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("jobs.poll_interval must be positive")
	}
	if c.Jobs.MaxDuration <= 0 {
		return fmt.Errorf("jobs.max_duration must be positive")
	}
	for _, m := range schemas.Modules {
		mc, _ := c.Modules.For(m)
		if err := mc.Validate(); err != nil {
			return fmt.Errorf("modules.%s: %w", m, err)
		}
	}
	return nil
}

// Validate checks a single module's settings.
func (m ModuleConfig) Validate() error {
	if m.Dataset == "" {
		return fmt.Errorf("dataset path is required")
	}
	if m.StepTimeout <= 0 || m.DownloadTimeout <= 0 {
		return fmt.Errorf("step_timeout and download_timeout must be positive")
	}
	if m.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be a positive integer")
	}
	if m.Retry.Backoff < 0 {
		return fmt.Errorf("retry.backoff cannot be negative")
	}
	return nil
}

// ParseUserIDs accepts either a comma separated string ("1,2") or a list of
// numbers as produced by a YAML file.
func ParseUserIDs(raw interface{}) ([]int64, error) {
	var parts []string
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		parts = strings.Split(val, ",")
	case []string:
		parts = val
	case []interface{}:
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
	case []int64:
		return val, nil
	case int:
		return []int64{int64(val)}, nil
	case int64:
		return []int64{val}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", raw)
	}

	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expanding path %q: %w", p, err)
	}
	return filepath.Clean(expanded), nil
}
