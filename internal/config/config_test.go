package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_LogLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := Defaults()
		cfg.General.LogLevel = level
		if err := Validate(cfg); err != nil {
			t.Fatalf("level %q should be valid: %v", level, err)
		}
	}
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidate_URLs(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"empty account url", func(c *Config) { c.Account.BaseURL = "" }},
		{"account ws scheme", func(c *Config) { c.Account.BaseURL = "ws://host" }},
		{"gateway http scheme", func(c *Config) { c.Gateway.URL = "http://host" }},
		{"gateway missing host", func(c *Config) { c.Gateway.URL = "ws://" }},
	}
	for _, tc := range cases {
		cfg := Defaults()
		tc.mut(cfg)
		if err := Validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidate_ChannelMustNotContainColon(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Channel = "we:chat"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for channel containing ':'")
	}
}

func TestValidate_Workers_Boundary(t *testing.T) {
	cfg := Defaults()

	cfg.Bridge.Workers = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("workers=1 should be valid: %v", err)
	}
	cfg.Bridge.Workers = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for workers=0")
	}
}

func TestValidate_Reconnect(t *testing.T) {
	cfg := Defaults()
	cfg.Reconnect.CapMillis = cfg.Reconnect.BaseMillis - 1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for cap below base")
	}
}

func TestValidate_SendBurstRequiredWithRate(t *testing.T) {
	cfg := Defaults()
	cfg.Bridge.SendRatePerSecond = 2
	cfg.Bridge.SendBurst = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero burst")
	}
	cfg.Bridge.SendRatePerSecond = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("unlimited rate needs no burst: %v", err)
	}
}

func TestValidate_PairingNeedsDB(t *testing.T) {
	cfg := Defaults()
	cfg.Pairing.DBPath = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for enabled pairing without dbPath")
	}
	cfg.Pairing.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled pairing needs no dbPath: %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"config.json", "config.yaml"} {
		path := filepath.Join(dir, name)
		cfg := Defaults()
		cfg.General.DataDir = dir
		cfg.Bridge.MediaDir = filepath.Join(dir, "media")
		cfg.Pairing.DBPath = filepath.Join(dir, "pairing.db")
		cfg.Account.AuthKey = "k-123"
		cfg.Gateway.Token = "t-456"
		cfg.Pairing.Code = "ABC234"

		if err := Save(path, cfg); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if loaded.Account.AuthKey != "k-123" || loaded.Gateway.Token != "t-456" || loaded.Pairing.Code != "ABC234" {
			t.Errorf("%s: secrets not preserved: %+v", name, loaded)
		}
		if loaded.Bridge.Workers != cfg.Bridge.Workers {
			t.Errorf("%s: workers mismatch: %d", name, loaded.Bridge.Workers)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("%s: expected owner-only file, got %v", name, info.Mode().Perm())
		}
	}
}

func TestLoad_JSONCWithComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	content := `{
		// account service
		"account": {
			"baseUrl": "http://10.0.0.2:8059",
			"authKey": "abc", /* inline */
		},
		"bridge": {"workers": 4,},
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Account.BaseURL != "http://10.0.0.2:8059" || cfg.Account.AuthKey != "abc" {
		t.Errorf("account not loaded: %+v", cfg.Account)
	}
	if cfg.Bridge.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Bridge.Workers)
	}
	// Untouched sections keep defaults.
	if cfg.Gateway.CallTimeout() != 120*time.Second || cfg.Bridge.HealthInterval() != 30*time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.Gateway, cfg.Bridge)
	}
}

func TestLoad_YAMLKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := "gateway:\n  token: secret\n  agentId: helper\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Token != "secret" || cfg.Gateway.AgentID != "helper" {
		t.Errorf("gateway not loaded: %+v", cfg.Gateway)
	}
	if cfg.Gateway.Channel != "wechat" || cfg.Reconnect.Cap() != 30*time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.Gateway, cfg.Reconnect)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{invalid json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"bridge": {"workers": 0}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for workers=0")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_WXBRIDGE_KEY", "from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"account": {"authKey": "${TEST_WXBRIDGE_KEY}"},
		"gateway": {"url": "${TEST_WXBRIDGE_GW:-ws://gw.local:18789}"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Account.AuthKey != "from-env" {
		t.Errorf("expected env substitution, got %q", cfg.Account.AuthKey)
	}
	if cfg.Gateway.URL != "ws://gw.local:18789" {
		t.Errorf("expected default substitution, got %q", cfg.Gateway.URL)
	}
}

// --- GetByPath / SetByPath ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "gateway.agentId")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "main" {
		t.Fatalf("expected 'main', got %v", val)
	}
	val, err = GetByPath(cfg, "gateway.scopes.1")
	if err != nil || val != "operator.write" {
		t.Fatalf("array index: %v %v", val, err)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	if _, err := GetByPath(cfg, "nonexistent.path"); err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "gateway.agentId", "helper"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Gateway.AgentID != "helper" {
		t.Fatalf("expected 'helper', got %q", cfg.Gateway.AgentID)
	}
}

func TestSetByPath_EmptyPath(t *testing.T) {
	if err := SetByPath(Defaults(), "", "x"); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSetByPath_UnknownSection(t *testing.T) {
	if err := SetByPath(Defaults(), "nope.key", "x"); err == nil {
		t.Fatal("expected error for unknown section")
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "pairing.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Pairing.Enabled {
		t.Fatal("expected pairing.enabled=false")
	}
}

func TestSetByPath_NumberConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "bridge.workers", "50"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Bridge.Workers != 50 {
		t.Fatalf("expected 50, got %d", cfg.Bridge.Workers)
	}
	if err := SetByPath(cfg, "bridge.sendRatePerSecond", "2.5"); err != nil {
		t.Fatalf("set float: %v", err)
	}
	if cfg.Bridge.SendRatePerSecond != 2.5 {
		t.Fatalf("expected 2.5, got %v", cfg.Bridge.SendRatePerSecond)
	}
}

func TestSetByPath_NumericStringIntoStringField(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "pairing.code", "234567"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Pairing.Code != "234567" {
		t.Fatalf("expected code kept as string, got %q", cfg.Pairing.Code)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Account.AuthKey = "account-key-1234567890"
	cfg.Gateway.Token = "gateway-token-1234567890"
	cfg.Pairing.Code = "ABC234"

	sanitized := Sanitize(cfg)

	if sanitized.Account.AuthKey != "acco****7890" {
		t.Errorf("auth key not masked: %q", sanitized.Account.AuthKey)
	}
	if sanitized.Gateway.Token == cfg.Gateway.Token {
		t.Error("gateway token should be masked")
	}
	if sanitized.Pairing.Code != "***" {
		t.Errorf("pairing code should be hidden, got %q", sanitized.Pairing.Code)
	}
	if cfg.Account.AuthKey != "account-key-1234567890" || cfg.Pairing.Code != "ABC234" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Token = "short"
	if got := Sanitize(cfg).Gateway.Token; got != "***" {
		t.Fatalf("short secret should be '***', got %q", got)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, expected := range []string{"general.logLevel", "account.baseUrl", "gateway.agentId", "bridge.workers", "pairing.enabled", "reconnect.capMillis", "metrics.listen"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
	for p := range paths {
		if _, err := GetByPath(Defaults(), p); err != nil {
			t.Errorf("listed path %s not readable: %v", p, err)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_AUTH_KEY", "abc123")
	if got := ExpandEnvVars(`"${TEST_AUTH_KEY}"`); got != `"abc123"` {
		t.Fatalf("got %s", got)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("WXBRIDGE_UNSET_VAR")
	if got := ExpandEnvVars("${WXBRIDGE_UNSET_VAR:-fallback}"); got != "fallback" {
		t.Fatalf("got %s", got)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	if got := ExpandEnvVars("${MY_PORT:-8080}"); got != "9090" {
		t.Fatalf("got %s", got)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	if got := ExpandEnvVars("${EMPTY_VAR:-default}"); got != "default" {
		t.Fatalf("got %s", got)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("WXBRIDGE_UNSET_VAR")
	if got := ExpandEnvVars("${WXBRIDGE_UNSET_VAR}"); got != "${WXBRIDGE_UNSET_VAR}" {
		t.Fatalf("got %s", got)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	if got := ExpandEnvVars("cost $5 and $HOME"); got != "cost $5 and $HOME" {
		t.Fatalf("got %s", got)
	}
}
