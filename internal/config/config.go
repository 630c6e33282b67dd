package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in Config.Backend.
const (
	BackendGoogle = "google"
	BackendLocal  = "local"
)

// ICSConfig describes a read-only ICS subscription shown to every user as an
// extra calendar when the local backend is active.
type ICSConfig struct {
	URL  string `yaml:"url" json:"url"`
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type TelegramConfig struct {
	Token string `yaml:"token" json:"-"`
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int `yaml:"poll_timeout" json:"poll_timeout"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`
	// RedirectURL must point at the /oauth/callback page served by internal/web.
	RedirectURL string `yaml:"redirect_url" json:"redirect_url"`
}

type LocalConfig struct {
	// DataDir holds one directory of .ics files per user.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// AccessCode is the pre-shared code users send after /auth.
	AccessCode string `yaml:"access_code" json:"-"`
	// ICSCacheDir stores ETag/Last-Modified metadata for subscriptions.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for health, OAuth redirect and status API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the server-side IANA zone used for the agenda schedule.
	// Users carry their own zone in their session.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart controls the first column of the picker's month grid:
	// "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// Backend selects the task store: "google" or "local".
	Backend string `yaml:"backend" json:"backend"`

	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`
	Google   GoogleConfig   `yaml:"google" json:"google"`
	Local    LocalConfig    `yaml:"local" json:"local"`

	// ICS is the list of subscribed read-only ICS sources (local backend).
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// Database is the SQLite file holding sessions and credentials.
	Database string `yaml:"database" json:"database"`

	// PollInterval is the reminder poller period, e.g. "10s".
	PollInterval string `yaml:"poll_interval" json:"poll_interval"`

	// AgendaCron is a cron spec for the daily agenda message. Empty disables it.
	AgendaCron string `yaml:"agenda_cron" json:"agenda_cron"`

	// BotCalendarName is the name of the calendar the bot creates per user.
	BotCalendarName string `yaml:"bot_calendar_name" json:"bot_calendar_name"`

	// BasicAuth, if non-nil, protects /api/* endpoints.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen          = "127.0.0.1:8080"
	defaultTimezone        = "UTC"
	defaultWeekStart       = "monday"
	defaultLogLevel        = "info"
	defaultDatabase        = "/var/lib/calbot/calbot.db"
	defaultDataDir         = "/var/lib/calbot/calendars"
	defaultICSCacheDir     = "/var/lib/calbot/ics-cache"
	defaultPollInterval    = "10s"
	defaultPollTimeout     = 60
	defaultBotCalendarName = "calbot"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    defaultListen,
		Timezone:  defaultTimezone,
		WeekStart: defaultWeekStart,
		LogLevel:  defaultLogLevel,
		Backend:   BackendLocal,
		Telegram: TelegramConfig{
			PollTimeout: defaultPollTimeout,
		},
		Local: LocalConfig{
			DataDir:     defaultDataDir,
			ICSCacheDir: defaultICSCacheDir,
		},
		ICS:             []ICSConfig{},
		Database:        defaultDatabase,
		PollInterval:    defaultPollInterval,
		AgendaCron:      "",
		BotCalendarName: defaultBotCalendarName,
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		c.WeekStart = defaultWeekStart
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	switch c.Backend {
	case BackendGoogle, BackendLocal:
	default:
		c.Backend = BackendLocal
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = defaultPollTimeout
	}
	if c.Local.DataDir == "" {
		c.Local.DataDir = defaultDataDir
	}
	if c.Local.ICSCacheDir == "" {
		c.Local.ICSCacheDir = defaultICSCacheDir
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if d, err := time.ParseDuration(c.PollInterval); err != nil || d <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BotCalendarName == "" {
		c.BotCalendarName = defaultBotCalendarName
	}
}

// PollEvery returns the parsed reminder poll interval.
func (c *Config) PollEvery() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(defaultPollInterval)
	}
	return d
}

// ApplyEnv overrides secrets from the environment when set. Secrets are
// usually kept out of the YAML file and provided via .env instead.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		c.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		c.Google.ClientSecret = v
	}
	if v := os.Getenv("CALBOT_ACCESS_CODE"); v != "" {
		c.Local.AccessCode = v
	}
}

// Validate reports settings that make the bot unable to start.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram token is empty (set telegram.token or TELEGRAM_TOKEN)")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	switch c.Backend {
	case BackendGoogle:
		if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
			return errors.New("google backend requires client_id and client_secret")
		}
	case BackendLocal:
		if c.Local.AccessCode == "" {
			return errors.New("local backend requires local.access_code")
		}
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return WriteFileAtomic(path, data, 0o600)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".calbot-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
