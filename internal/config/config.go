package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app" yaml:"app"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Telegram   TelegramConfig   `mapstructure:"telegram" yaml:"telegram"`
	Sources    SourcesConfig    `mapstructure:"sources" yaml:"sources"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter" yaml:"openrouter"`
	Access     AccessConfig     `mapstructure:"access" yaml:"access"`
	Countries  []CountryOption  `mapstructure:"countries" yaml:"countries"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
}

// AppConfig holds pipeline timing and retention settings
type AppConfig struct {
	CacheWindow     time.Duration `mapstructure:"cache_window" yaml:"cache_window"`
	ScrapeDelay     time.Duration `mapstructure:"scrape_delay" yaml:"scrape_delay"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	JobMaxAge       time.Duration `mapstructure:"job_max_age" yaml:"job_max_age"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	ExcerptLength   int           `mapstructure:"excerpt_length" yaml:"excerpt_length"`
	HistoryPageSize int           `mapstructure:"history_page_size" yaml:"history_page_size"`
	EncryptionKey   string        `mapstructure:"encryption_key" yaml:"encryption_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	MaxOpenConns int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	SupabaseURL  string        `mapstructure:"supabase_url" yaml:"supabase_url"`
	SupabaseKey  string        `mapstructure:"supabase_key" yaml:"supabase_key"`
}

type RedisConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// InstanceID names this process on the search locks it takes. It must
	// survive restarts, so a restarted bot can clear the locks it held.
	InstanceID string `mapstructure:"instance_id" yaml:"instance_id"`
}

// LockOwner is InstanceID, or the host name when none is configured.
func (c RedisConfig) LockOwner() string {
	if c.InstanceID != "" {
		return c.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "marijobs"
	}
	return host
}

type TelegramConfig struct {
	Token       string `mapstructure:"token" yaml:"token"`
	PollTimeout int    `mapstructure:"poll_timeout" yaml:"poll_timeout"` // seconds
	Debug       bool   `mapstructure:"debug" yaml:"debug"`
}

// SourcesConfig holds configuration for all job sources
type SourcesConfig struct {
	JobSpy   JobSpyConfig   `mapstructure:"jobspy" yaml:"jobspy"`
	Euraxess SourceConfig   `mapstructure:"euraxess" yaml:"euraxess"`
	IBEC     SourceConfig   `mapstructure:"ibec" yaml:"ibec"`
	Phases   map[string]int `mapstructure:"phases" yaml:"phases"`
}

// JobSpyConfig configures the aggregator behind phase 1
type JobSpyConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	BaseURL        string   `mapstructure:"base_url" yaml:"base_url"`
	Sites          []string `mapstructure:"sites" yaml:"sites"`
	ResultsPerTerm int      `mapstructure:"results_per_term" yaml:"results_per_term"`
	Location       string   `mapstructure:"location" yaml:"location"`
	RemoteOnly     bool     `mapstructure:"remote_only" yaml:"remote_only"`
}

// SourceConfig holds configuration for individual scraped sources
type SourceConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	MaxPages   int    `mapstructure:"max_pages" yaml:"max_pages"`
	MaxResults int    `mapstructure:"max_results" yaml:"max_results"`
}

type OpenRouterConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	APIKey          string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL         string `mapstructure:"base_url" yaml:"base_url"`
	Model           string `mapstructure:"model" yaml:"model"`
	MaxCharsPerJob  int    `mapstructure:"max_chars_per_job" yaml:"max_chars_per_job"`
	MinScore        int    `mapstructure:"min_relevance_score" yaml:"min_relevance_score"`
	DiscardBelowMin bool   `mapstructure:"discard_below_min" yaml:"discard_below_min"`
}

// AccessConfig lists the phones of privileged individuals
type AccessConfig struct {
	WhitelistedPhones []string `mapstructure:"whitelisted_phones" yaml:"whitelisted_phones"`
}

type CountryOption struct {
	Label string `mapstructure:"label" yaml:"label"`
	Value string `mapstructure:"value" yaml:"value"`
}

// MonitoringConfig holds logging and metrics configuration
type MonitoringConfig struct {
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string `mapstructure:"log_format" yaml:"log_format"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			CacheWindow:     48 * time.Hour,
			ScrapeDelay:     2 * time.Second,
			RequestTimeout:  30 * time.Second,
			JobMaxAge:       30 * 24 * time.Hour,
			CleanupInterval: 24 * time.Hour,
			ExcerptLength:   500,
			HistoryPageSize: 5,
			EncryptionKey:   os.Getenv("ENCRYPTION_KEY"),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: 10,
			QueryTimeout: 10 * time.Second,
			SupabaseURL:  os.Getenv("SUPABASE_URL"),
			SupabaseKey:  os.Getenv("SUPABASE_KEY"),
		},
		Redis: RedisConfig{
			URL:        os.Getenv("REDIS_URL"),
			InstanceID: os.Getenv("MARIJOBS_INSTANCE_ID"),
		},
		Telegram: TelegramConfig{
			Token:       os.Getenv("TELEGRAM_BOT_TOKEN"),
			PollTimeout: 30,
		},
		Sources: SourcesConfig{
			JobSpy: JobSpyConfig{
				Enabled:        true,
				BaseURL:        "http://localhost:8000",
				Sites:          []string{"linkedin", "indeed", "glassdoor", "google"},
				ResultsPerTerm: 30,
			},
			Euraxess: SourceConfig{
				Enabled:    true,
				BaseURL:    "https://euraxess.ec.europa.eu",
				MaxPages:   3,
				MaxResults: 30,
			},
			IBEC: SourceConfig{
				Enabled:    true,
				BaseURL:    "https://ibecbarcelona.eu",
				MaxPages:   5,
				MaxResults: 20,
			},
			Phases: map[string]int{
				"linkedin":  1,
				"indeed":    1,
				"glassdoor": 1,
				"google":    1,
				"euraxess":  2,
				"ibec":      3,
			},
		},
		OpenRouter: OpenRouterConfig{
			Enabled:         true,
			APIKey:          os.Getenv("OPENROUTER_API_KEY"),
			BaseURL:         "https://openrouter.ai/api/v1",
			Model:           "openai/gpt-4.1-mini",
			MaxCharsPerJob:  800,
			MinScore:        3,
			DiscardBelowMin: true,
		},
		Countries: []CountryOption{
			{Label: "Portugal", Value: "portugal"},
			{Label: "Spain", Value: "spain"},
			{Label: "Germany", Value: "germany"},
			{Label: "Netherlands", Value: "netherlands"},
			{Label: "UK", Value: "uk"},
			{Label: "USA", Value: "usa"},
		},
		Monitoring: MonitoringConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// envBindings maps config keys to the environment variables deployments already use.
var envBindings = map[string]string{
	"telegram.token":        "TELEGRAM_BOT_TOKEN",
	"openrouter.api_key":    "OPENROUTER_API_KEY",
	"database.url":          "DATABASE_URL",
	"database.supabase_url": "SUPABASE_URL",
	"database.supabase_key": "SUPABASE_KEY",
	"redis.url":             "REDIS_URL",
	"app.encryption_key":    "ENCRYPTION_KEY",
}

// LoadConfig loads configuration from a YAML file layered over DefaultConfig.
// An empty filename searches ./configs and the working directory for marijobs.yml.
// A missing file is not an error.
func LoadConfig(filename string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigType("yaml")
	if filename != "" {
		v.SetConfigFile(filename)
	} else {
		v.SetConfigName("marijobs")
		v.AddConfigPath("./configs")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := setDefaults(v); err != nil {
		return nil, err
	}
	v.SetEnvPrefix("MARIJOBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "MARIJOBS_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, errors.Wrapf(err, "bind env for %s", key)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "failed to decode config file")
	}

	config.normalize()
	return config, nil
}

// setDefaults registers DefaultConfig with viper so file values and env
// overrides merge key by key instead of replacing whole sections.
func setDefaults(v *viper.Viper) error {
	raw, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return errors.Wrap(err, "encode defaults")
	}
	var defaults map[string]any
	if err := yaml.Unmarshal(raw, &defaults); err != nil {
		return errors.Wrap(err, "decode defaults")
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return nil
}

// loadEnvFile loads .env if present; deployments without one use the process environment.
func loadEnvFile() {
	for _, path := range []string{".env", filepath.Join("..", ".env")} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func (c *Config) normalize() {
	for i, phone := range c.Access.WhitelistedPhones {
		c.Access.WhitelistedPhones[i] = NormalizePhone(phone)
	}
	for i := range c.Countries {
		c.Countries[i].Value = strings.ToLower(strings.TrimSpace(c.Countries[i].Value))
	}
	phases := make(map[string]int, len(c.Sources.Phases))
	for name, phase := range c.Sources.Phases {
		phases[strings.ToLower(name)] = phase
	}
	c.Sources.Phases = phases
}

// SaveConfig saves configuration to a YAML file
func (c *Config) SaveConfig(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create config directory")
		}
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.CacheWindow <= 0 {
		return fmt.Errorf("cache window must be positive")
	}
	if c.App.ScrapeDelay < 0 {
		return fmt.Errorf("scrape delay cannot be negative")
	}
	if c.App.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.App.ExcerptLength <= 0 {
		return fmt.Errorf("excerpt length must be positive")
	}
	if c.App.HistoryPageSize <= 0 {
		return fmt.Errorf("history page size must be positive")
	}
	if c.OpenRouter.MinScore < 0 || c.OpenRouter.MinScore > 5 {
		return fmt.Errorf("min relevance score must be between 0 and 5, got %d", c.OpenRouter.MinScore)
	}
	if len(c.Countries) == 0 {
		return fmt.Errorf("at least one country option is required")
	}
	for name, phase := range c.Sources.Phases {
		if phase < 1 || phase > 3 {
			return fmt.Errorf("source %s: phase must be 1, 2 or 3, got %d", name, phase)
		}
	}

	// Validate at least one source is enabled
	hasEnabledSource := (c.Sources.JobSpy.Enabled && len(c.Sources.JobSpy.Sites) > 0) ||
		c.Sources.Euraxess.Enabled ||
		c.Sources.IBEC.Enabled

	if !hasEnabledSource {
		return fmt.Errorf("at least one job source must be enabled")
	}

	return nil
}

// ValidateForBot adds the checks that only matter when the Telegram daemon runs.
func (c *Config) ValidateForBot() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required (TELEGRAM_BOT_TOKEN)")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required (DATABASE_URL)")
	}
	return nil
}

// NormalizePhone strips the separators people type into phone numbers.
func NormalizePhone(phone string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(phone))
}

// IsPrivileged reports whether the phone belongs to the whitelisted access tier.
func (c *Config) IsPrivileged(phone string) bool {
	phone = NormalizePhone(phone)
	if phone == "" {
		return false
	}
	for _, p := range c.Access.WhitelistedPhones {
		if p == phone {
			return true
		}
	}
	return false
}

// CountryLabel returns the display label of a country option value.
func (c *Config) CountryLabel(value string) string {
	for _, opt := range c.Countries {
		if opt.Value == value {
			return opt.Label
		}
	}
	return value
}
