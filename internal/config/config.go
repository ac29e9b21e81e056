package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sigwatch/internal/logging"
)

const envPrefix = "SIGWATCH"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Source    SourceConfig    `mapstructure:"source"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Cooldown  CooldownConfig  `mapstructure:"cooldown"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Health    HealthConfig    `mapstructure:"health"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SourceConfig selects the market-data source.
type SourceConfig struct {
	Kind         string        `mapstructure:"kind"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// ScannerConfig covers the HTTP scan API.
type ScannerConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Market    string        `mapstructure:"market"`
	Limit     int           `mapstructure:"limit"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// BrowserConfig covers the headless screener session.
type BrowserConfig struct {
	ScreenerURL       string        `mapstructure:"screener_url"`
	CookiesJSON       string        `mapstructure:"cookies_json"`
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout"`
	RenderTimeout     time.Duration `mapstructure:"render_timeout"`
	WaitSelector      string        `mapstructure:"wait_selector"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ScrollDelay       time.Duration `mapstructure:"scroll_delay"`
	LaunchAttempts    int           `mapstructure:"launch_attempts"`
	LaunchBackoff     time.Duration `mapstructure:"launch_backoff"`
	PriceCells        int           `mapstructure:"price_cells"`
	ChangeColumn      int           `mapstructure:"change_column"`
	VolumeColumn      int           `mapstructure:"volume_column"`
	DescriptionColumn int           `mapstructure:"description_column"`
}

// FilterConfig holds the qualification thresholds.
type FilterConfig struct {
	MinPrice        float64  `mapstructure:"min_price"`
	MaxPrice        float64  `mapstructure:"max_price"`
	MinChangePct    float64  `mapstructure:"min_change_pct"`
	MinDollarVolume float64  `mapstructure:"min_dollar_volume"`
	ChangeFilter    bool     `mapstructure:"change_filter"`
	VolumeFilter    bool     `mapstructure:"volume_filter"`
	Whitelist       []string `mapstructure:"whitelist"`
}

// CooldownConfig sets the per-symbol suppression window.
type CooldownConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

// DispatchConfig points at the execution webhook.
type DispatchConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Side    string        `mapstructure:"side"`
	Qty     float64       `mapstructure:"qty"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig governs the scan cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// HealthConfig exposes the watcher probe.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// HTTPConfig bounds the health and sink servers.
type HTTPConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SinkConfig configures `serve`.
type SinkConfig struct {
	Addr   string       `mapstructure:"addr"`
	Token  string       `mapstructure:"token"`
	Broker BrokerConfig `mapstructure:"broker"`
}

// BrokerConfig holds Alpaca credentials.
type BrokerConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the dispatch audit.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// MigrationsPath overrides the embedded schema with a directory of *.sql.
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// AlertingConfig routes dispatch notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot target.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// legacyEnv maps config keys to the environment names the first version of
// the watcher and sink read.
var legacyEnv = map[string][]string{
	"dispatch.url":             {"WEBHOOK_URL"},
	"dispatch.token":           {"WEBHOOK_TOKEN"},
	"dispatch.qty":             {"QTY_PER_TRADE"},
	"filter.min_price":         {"MIN_PRICE"},
	"filter.max_price":         {"MAX_PRICE"},
	"filter.min_change_pct":    {"MIN_CHANGE_PCT"},
	"filter.min_dollar_volume": {"MIN_DOLLAR_VOL"},
	"filter.whitelist":         {"SYMBOLS_WHITELIST"},
	"scanner.market":           {"TV_MARKET"},
	"browser.screener_url":     {"SCREENER_URL"},
	"browser.cookies_json":     {"TV_COOKIES_JSON"},
	"sink.token":               {"WEBHOOK_TOKEN"},
	"sink.broker.api_key":      {"ALPACA_API_KEY_ID"},
	"sink.broker.api_secret":   {"ALPACA_API_SECRET_KEY"},
	"sink.broker.base_url":     {"ALPACA_BASE_URL"},
}

// legacyDurations are integer env vars in a fixed unit.
var legacyDurations = []struct {
	key  string
	env  string
	unit time.Duration
}{
	{key: "scheduler.interval", env: "SCAN_INTERVAL_SEC", unit: time.Second},
	{key: "cooldown.duration", env: "COOLDOWN_MIN", unit: time.Minute},
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}
	if err := applyLegacyDurations(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, names := range legacyEnv {
		primary := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		args := append([]string{key, primary}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	// PORT is the conventional platform variable for the sink listener.
	if port := os.Getenv("PORT"); port != "" && os.Getenv(envPrefix+"_SINK_ADDR") == "" {
		v.Set("sink.addr", ":"+strings.TrimPrefix(port, ":"))
	}
	return nil
}

func applyLegacyDurations(v *viper.Viper) error {
	for _, ld := range legacyDurations {
		primary := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(ld.key, ".", "_"))
		if os.Getenv(primary) != "" {
			continue
		}
		raw := strings.TrimSpace(os.Getenv(ld.env))
		if raw == "" {
			continue
		}
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%s must be a number, got %q", ld.env, raw)
		}
		v.Set(ld.key, time.Duration(n*float64(ld.unit)))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "sigwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("source.kind", SourceScanner)
	v.SetDefault("source.fetch_timeout", "90s")

	v.SetDefault("scanner.base_url", "https://scanner.tradingview.com")
	v.SetDefault("scanner.market", "america")
	v.SetDefault("scanner.limit", 150)
	v.SetDefault("scanner.timeout", "20s")
	v.SetDefault("scanner.user_agent", "Mozilla/5.0")

	v.SetDefault("browser.screener_url", "")
	v.SetDefault("browser.cookies_json", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.wait_selector", `[role="row"]`)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.render_timeout", "60s")
	v.SetDefault("browser.settle_delay", "2s")
	v.SetDefault("browser.scroll_delay", "500ms")
	v.SetDefault("browser.launch_attempts", 3)
	v.SetDefault("browser.launch_backoff", "5s")
	v.SetDefault("browser.price_cells", 6)
	v.SetDefault("browser.change_column", -1)
	v.SetDefault("browser.volume_column", -1)
	v.SetDefault("browser.description_column", -1)

	v.SetDefault("filter.min_price", 1.0)
	v.SetDefault("filter.max_price", 100.0)
	v.SetDefault("filter.min_change_pct", 2.0)
	v.SetDefault("filter.min_dollar_volume", 1000000.0)
	v.SetDefault("filter.change_filter", true)
	v.SetDefault("filter.volume_filter", true)
	v.SetDefault("filter.whitelist", []string{})

	v.SetDefault("cooldown.duration", "30m")

	v.SetDefault("dispatch.url", "")
	v.SetDefault("dispatch.token", "")
	v.SetDefault("dispatch.side", "buy")
	v.SetDefault("dispatch.qty", 1.0)
	v.SetDefault("dispatch.timeout", "20s")

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0))

	v.SetDefault("health.enabled", false)
	v.SetDefault("health.addr", ":9090")

	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("sink.addr", ":8000")
	v.SetDefault("sink.token", "")
	v.SetDefault("sink.broker.api_key", "")
	v.SetDefault("sink.broker.api_secret", "")
	v.SetDefault("sink.broker.base_url", "https://paper-api.alpaca.markets")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Source kinds.
const (
	SourceScanner = "scanner"
	SourceBrowser = "browser"
)

func (c *Config) normalize() {
	c.Source.Kind = strings.ToLower(strings.TrimSpace(c.Source.Kind))
	c.Dispatch.Side = strings.ToLower(strings.TrimSpace(c.Dispatch.Side))
	whitelist := c.Filter.Whitelist[:0]
	for _, sym := range c.Filter.Whitelist {
		if sym = strings.TrimSpace(sym); sym != "" {
			whitelist = append(whitelist, sym)
		}
	}
	c.Filter.Whitelist = whitelist
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Cooldown.Duration < 0 {
		return fmt.Errorf("cooldown.duration cannot be negative")
	}
	switch c.Source.Kind {
	case SourceScanner, SourceBrowser:
	default:
		return fmt.Errorf("source.kind must be %q or %q, got %q", SourceScanner, SourceBrowser, c.Source.Kind)
	}
	if c.HTTP.ReadTimeout < 0 || c.HTTP.WriteTimeout < 0 || c.HTTP.ShutdownTimeout < 0 {
		return fmt.Errorf("http timeouts cannot be negative")
	}
	if c.Scanner.Limit <= 0 {
		return fmt.Errorf("scanner.limit must be greater than zero")
	}
	if c.Browser.LaunchAttempts <= 0 {
		return fmt.Errorf("browser.launch_attempts must be greater than zero")
	}
	if c.Filter.MinPrice < 0 {
		return fmt.Errorf("filter.min_price cannot be negative")
	}
	if c.Filter.MaxPrice > 0 && c.Filter.MaxPrice < c.Filter.MinPrice {
		return fmt.Errorf("filter.max_price must not be below filter.min_price")
	}
	if c.Dispatch.Side != "buy" && c.Dispatch.Side != "sell" {
		return fmt.Errorf("dispatch.side must be buy or sell, got %q", c.Dispatch.Side)
	}
	if c.Dispatch.Qty <= 0 {
		return fmt.Errorf("dispatch.qty must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ValidateWatcher checks what `run` needs on top of Validate.
func (c *Config) ValidateWatcher() error {
	if strings.TrimSpace(c.Dispatch.URL) == "" {
		return fmt.Errorf("dispatch.url is required (WEBHOOK_URL)")
	}
	if c.Source.Kind == SourceBrowser && strings.TrimSpace(c.Browser.ScreenerURL) == "" {
		return fmt.Errorf("browser.screener_url is required for the browser source (SCREENER_URL)")
	}
	return nil
}

// ValidateSink checks what `serve` needs on top of Validate.
func (c *Config) ValidateSink() error {
	if c.Sink.Token == "" {
		return fmt.Errorf("sink.token is required (WEBHOOK_TOKEN)")
	}
	if c.Sink.Broker.APIKey == "" || c.Sink.Broker.APISecret == "" {
		return fmt.Errorf("sink.broker.api_key and sink.broker.api_secret are required")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// SourceIdentity names the polled source precisely enough that two watchers
// with the same identity are replicas of one another.
func (c *Config) SourceIdentity() string {
	switch c.Source.Kind {
	case SourceBrowser:
		return SourceBrowser + ":" + strings.TrimSpace(c.Browser.ScreenerURL)
	default:
		return SourceScanner + ":" + strings.ToLower(strings.TrimSpace(c.Scanner.Market))
	}
}

// ResolveLockKey returns scheduler.advisory_lock_key when set, otherwise a
// key hashed from SourceIdentity so replicas of one source share a lock and
// watchers of different sources never do.
func (c *Config) ResolveLockKey() int64 {
	if c.Scheduler.AdvisoryLockKey != 0 {
		return c.Scheduler.AdvisoryLockKey
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte("sigwatch/" + c.SourceIdentity()))
	key := int64(h.Sum64())
	if key == 0 {
		key = 1
	}
	return key
}
