package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wxbridge.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Account   AccountConfig   `json:"account" yaml:"account"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Bridge    BridgeConfig    `json:"bridge" yaml:"bridge"`
	Pairing   PairingConfig   `json:"pairing" yaml:"pairing"`
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir" yaml:"dataDir"`
	LogLevel  string `json:"logLevel" yaml:"logLevel"`   // debug | info | warn | error
	LogFormat string `json:"logFormat" yaml:"logFormat"` // text | json
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

// AccountConfig points at the messaging-account microservice.
type AccountConfig struct {
	BaseURL        string `json:"baseUrl" yaml:"baseUrl"`
	AuthKey        string `json:"authKey" yaml:"authKey"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"` // per HTTP request
}

func (c AccountConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GatewayConfig points at the agent gateway.
type GatewayConfig struct {
	URL                string   `json:"url" yaml:"url"`
	Token              string   `json:"token" yaml:"token"`
	AgentID            string   `json:"agentId" yaml:"agentId"`
	Channel            string   `json:"channel" yaml:"channel"` // session key channel segment
	Scopes             []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	CallTimeoutSeconds int      `json:"callTimeoutSeconds" yaml:"callTimeoutSeconds"`
}

func (c GatewayConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

type BridgeConfig struct {
	MediaDir                 string   `json:"mediaDir" yaml:"mediaDir"`
	Workers                  int      `json:"workers" yaml:"workers"`
	LoginTimeoutSeconds      int      `json:"loginTimeoutSeconds" yaml:"loginTimeoutSeconds"`
	LoginPollIntervalSeconds int      `json:"loginPollIntervalSeconds" yaml:"loginPollIntervalSeconds"`
	HealthIntervalSeconds    int      `json:"healthIntervalSeconds" yaml:"healthIntervalSeconds"`
	SendRatePerSecond        float64  `json:"sendRatePerSecond" yaml:"sendRatePerSecond"` // 0 = unlimited
	SendBurst                int      `json:"sendBurst" yaml:"sendBurst"`
	ShutdownGraceSeconds     int      `json:"shutdownGraceSeconds" yaml:"shutdownGraceSeconds"`
	ImageRoots               []string `json:"imageRoots,omitempty" yaml:"imageRoots,omitempty"` // extra roots for reply image paths
}

func (c BridgeConfig) LoginTimeout() time.Duration {
	return time.Duration(c.LoginTimeoutSeconds) * time.Second
}

func (c BridgeConfig) LoginPollInterval() time.Duration {
	return time.Duration(c.LoginPollIntervalSeconds) * time.Second
}

func (c BridgeConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

func (c BridgeConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

type PairingConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Code    string `json:"code" yaml:"code"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

// ReconnectConfig is the backoff policy shared by both clients.
type ReconnectConfig struct {
	BaseMillis int `json:"baseMillis" yaml:"baseMillis"`
	CapMillis  int `json:"capMillis" yaml:"capMillis"`
}

func (c ReconnectConfig) Base() time.Duration {
	return time.Duration(c.BaseMillis) * time.Millisecond
}

func (c ReconnectConfig) Cap() time.Duration {
	return time.Duration(c.CapMillis) * time.Millisecond
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
	Path    string `json:"path" yaml:"path"`
}

// DefaultConfigDir returns the default config directory (~/.wxbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wxbridge"
	}
	return filepath.Join(home, ".wxbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.jsonc")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSONC or YAML config file on top of Defaults, expands
// environment variables and ~/ paths, and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := Parse(path, data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Bridge.MediaDir = ExpandPath(cfg.Bridge.MediaDir)
	cfg.Pairing.DBPath = ExpandPath(cfg.Pairing.DBPath)
	for i, root := range cfg.Bridge.ImageRoots {
		cfg.Bridge.ImageRoots[i] = ExpandPath(root)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Parse decodes data into cfg, choosing YAML or JSONC by the file
// extension of path. Fields absent from data keep their value in cfg.
func Parse(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(jsonc.ToJSON(data), cfg)
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

// Save writes cfg to path as YAML or indented JSON, by extension. The
// file holds secrets, so it is created owner-only.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
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

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if err := validateURL(cfg.Account.BaseURL, "http", "https"); err != nil {
		errs = append(errs, "account.baseUrl: "+err.Error())
	}
	if cfg.Account.TimeoutSeconds < 1 {
		errs = append(errs, "account.timeoutSeconds must be >= 1")
	}

	if err := validateURL(cfg.Gateway.URL, "ws", "wss"); err != nil {
		errs = append(errs, "gateway.url: "+err.Error())
	}
	if cfg.Gateway.AgentID == "" {
		errs = append(errs, "gateway.agentId is required")
	}
	if cfg.Gateway.Channel == "" || strings.Contains(cfg.Gateway.Channel, ":") {
		errs = append(errs, "gateway.channel is required and must not contain ':'")
	}
	if cfg.Gateway.CallTimeoutSeconds < 1 {
		errs = append(errs, "gateway.callTimeoutSeconds must be >= 1")
	}

	if cfg.Bridge.Workers < 1 || cfg.Bridge.Workers > 1000 {
		errs = append(errs, "bridge.workers must be between 1 and 1000")
	}
	if cfg.Bridge.LoginTimeoutSeconds < 1 {
		errs = append(errs, "bridge.loginTimeoutSeconds must be >= 1")
	}
	if cfg.Bridge.LoginPollIntervalSeconds < 1 {
		errs = append(errs, "bridge.loginPollIntervalSeconds must be >= 1")
	}
	if cfg.Bridge.HealthIntervalSeconds < 1 {
		errs = append(errs, "bridge.healthIntervalSeconds must be >= 1")
	}
	if cfg.Bridge.SendRatePerSecond < 0 {
		errs = append(errs, "bridge.sendRatePerSecond must be >= 0")
	}
	if cfg.Bridge.SendRatePerSecond > 0 && cfg.Bridge.SendBurst < 1 {
		errs = append(errs, "bridge.sendBurst must be >= 1 when a send rate is set")
	}
	if cfg.Bridge.ShutdownGraceSeconds < 0 {
		errs = append(errs, "bridge.shutdownGraceSeconds must be >= 0")
	}

	if cfg.Pairing.Enabled && cfg.Pairing.DBPath == "" {
		errs = append(errs, "pairing.dbPath is required when pairing is enabled")
	}

	if cfg.Reconnect.BaseMillis < 1 {
		errs = append(errs, "reconnect.baseMillis must be >= 1")
	}
	if cfg.Reconnect.CapMillis < cfg.Reconnect.BaseMillis {
		errs = append(errs, "reconnect.capMillis must be >= reconnect.baseMillis")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of: %s", strings.Join(schemes, ", "))
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
