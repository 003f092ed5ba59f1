package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wabridge.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Browser  BrowserConfig  `json:"browser" yaml:"browser"`
	Bot      BotConfig      `json:"bot" yaml:"bot"`
	Callback CallbackConfig `json:"callback" yaml:"callback"`
	Router   RouterConfig   `json:"router" yaml:"router"`
	Resolver ResolverConfig `json:"resolver" yaml:"resolver"`
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch"`
	Bridge   BridgeConfig   `json:"bridge" yaml:"bridge"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"`                 // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// BrowserConfig controls the WhatsApp Web session.
type BrowserConfig struct {
	Mode              string `json:"mode" yaml:"mode"` // "normal" | "headless"
	URL               string `json:"url" yaml:"url"`
	ProfileDir        string `json:"profileDir" yaml:"profileDir"`
	ChromePath        string `json:"chromePath,omitempty" yaml:"chromePath,omitempty"`
	ScriptPath        string `json:"scriptPath" yaml:"scriptPath"` // WAPI script injected into the page
	ReadyPollSeconds  int    `json:"readyPollSeconds" yaml:"readyPollSeconds"`
	ReadyTimeoutSecs  int    `json:"readyTimeoutSeconds" yaml:"readyTimeoutSeconds"`
	ScreenshotElement string `json:"screenshotElement" yaml:"screenshotElement"`
}

type BotConfig struct {
	URL            string `json:"url" yaml:"url"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type CallbackConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	Path         string `json:"path" yaml:"path"`
	MaxBodyBytes int64  `json:"maxBodyBytes" yaml:"maxBodyBytes"`
	Secret       string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

type RouterConfig struct {
	Triggers      []string `json:"triggers" yaml:"triggers"`
	Aliases       []string `json:"aliases" yaml:"aliases"`
	NaturalMarker string   `json:"naturalMarker" yaml:"naturalMarker"`
	Screenshot    string   `json:"screenshot" yaml:"screenshot"`
	Moment        string   `json:"moment" yaml:"moment"`
}

// ResolverConfig tunes media polling. Intervals are in milliseconds.
type ResolverConfig struct {
	SelfIntervalMs   int `json:"selfIntervalMs" yaml:"selfIntervalMs"`
	SelfAttempts     int `json:"selfAttempts" yaml:"selfAttempts"`
	QuotedIntervalMs int `json:"quotedIntervalMs" yaml:"quotedIntervalMs"`
	QuotedAttempts   int `json:"quotedAttempts" yaml:"quotedAttempts"`
	FetchExtension   int `json:"fetchExtension" yaml:"fetchExtension"`
	BackfillPages    int `json:"backfillPages" yaml:"backfillPages"`
}

type DispatchConfig struct {
	SettleMs int `json:"settleMs" yaml:"settleMs"`
}

type BridgeConfig struct {
	MaxConcurrent int `json:"maxConcurrent" yaml:"maxConcurrent"`
	QueueSize     int `json:"queueSize" yaml:"queueSize"`
}

// MetricsConfig toggles the /metrics route on the callback server.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type JournalConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

func (c ResolverConfig) SelfInterval() time.Duration {
	return time.Duration(c.SelfIntervalMs) * time.Millisecond
}

func (c ResolverConfig) QuotedInterval() time.Duration {
	return time.Duration(c.QuotedIntervalMs) * time.Millisecond
}

func (c DispatchConfig) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

func (c BotConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c BrowserConfig) Headless() bool {
	return c.Mode == "headless"
}

// DefaultConfigDir returns the default config directory (~/.wabridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wabridge"
	}
	return filepath.Join(home, ".wabridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	ApplyEnv(cfg)
	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, or returns env-adjusted defaults when it does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		ApplyEnv(cfg)
		cfg.expandPaths()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// ApplyEnv overrides file values with the bridge's environment variables.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("SUPERBOT_URL"); v != "" {
		cfg.Bot.URL = v
	}
	if v := os.Getenv("CALLBACK_HOST"); v != "" {
		cfg.Callback.Host = v
	}
	if v := os.Getenv("CALLBACK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Callback.Port = port
		}
	}
	for _, name := range []string{"PUPPETEER_MODE", "WABRIDGE_MODE"} {
		if v := os.Getenv(name); v != "" {
			cfg.Browser.Mode = strings.ToLower(v)
		}
	}
	if v := os.Getenv("CHROME_PATH"); v != "" {
		cfg.Browser.ChromePath = v
	}
}

func (c *Config) expandPaths() {
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Browser.ProfileDir = ExpandPath(c.Browser.ProfileDir)
	c.Browser.ScriptPath = ExpandPath(c.Browser.ScriptPath)
	c.Journal.DBPath = ExpandPath(c.Journal.DBPath)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}
	switch cfg.Browser.Mode {
	case "normal", "headless":
	default:
		errs = append(errs, "browser.mode must be one of: normal, headless")
	}

	if cfg.Bot.URL == "" {
		errs = append(errs, "bot.url is required")
	}
	if cfg.Bot.TimeoutSeconds < 1 {
		errs = append(errs, "bot.timeoutSeconds must be >= 1")
	}
	if cfg.Callback.Port < 1 || cfg.Callback.Port > 65535 {
		errs = append(errs, "callback.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.Callback.Path, "/") {
		errs = append(errs, "callback.path must start with /")
	}
	if cfg.Callback.MaxBodyBytes < 1 {
		errs = append(errs, "callback.maxBodyBytes must be >= 1")
	}

	if len(cfg.Router.Triggers) == 0 && len(cfg.Router.Aliases) == 0 {
		errs = append(errs, "router needs at least one trigger or alias")
	}
	for _, t := range cfg.Router.Triggers {
		if len([]rune(t)) != 1 {
			errs = append(errs, fmt.Sprintf("router.triggers: %q is not a single character", t))
		}
	}

	r := cfg.Resolver
	if r.SelfIntervalMs < 1 || r.QuotedIntervalMs < 1 {
		errs = append(errs, "resolver intervals must be >= 1ms")
	}
	if r.SelfAttempts < 1 || r.QuotedAttempts < 1 {
		errs = append(errs, "resolver attempts must be >= 1")
	}
	if r.FetchExtension < 0 || r.BackfillPages < 0 {
		errs = append(errs, "resolver.fetchExtension and resolver.backfillPages must be >= 0")
	}

	if cfg.Dispatch.SettleMs < 0 {
		errs = append(errs, "dispatch.settleMs must be >= 0")
	}
	if cfg.Bridge.MaxConcurrent < 1 || cfg.Bridge.MaxConcurrent > 100 {
		errs = append(errs, "bridge.maxConcurrent must be between 1 and 100")
	}
	if cfg.Bridge.QueueSize < 1 {
		errs = append(errs, "bridge.queueSize must be >= 1")
	}
	if cfg.Journal.Enabled && cfg.Journal.DBPath == "" {
		errs = append(errs, "journal.dbPath is required when the journal is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
