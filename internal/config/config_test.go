package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	values map[string]string
}

func (m mockKeychain) Get(service, account string) (string, error) {
	if service != keychainService {
		return "", errors.New("wrong service")
	}
	v, ok := m.values[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every variable the loader reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
		if s.alias != "" {
			t.Setenv(s.alias, "")
		}
	}
}

// TestDefaults verifies all default values are applied when loading a config
// file that only carries the API key.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `[upstream]
api_key = "test-key"
`)

	cfg, err := loadFromPath(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Server.RefreshInterval != 60 {
		t.Errorf("Server.RefreshInterval = %d, want 60", cfg.Server.RefreshInterval)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q", cfg.Server.Host)
	}
	if cfg.Upstream.BaseURL != "http://localhost:2024" {
		t.Errorf("Upstream.BaseURL = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.AssistantID != "agent" {
		t.Errorf("Upstream.AssistantID = %q", cfg.Upstream.AssistantID)
	}
	if cfg.Proxy.Namespace != "/api" || cfg.Proxy.RouteParam != "slug" {
		t.Errorf("Proxy = %+v", cfg.Proxy)
	}
	if cfg.Proxy.HeaderPolicy != "passthrough" {
		t.Errorf("Proxy.HeaderPolicy = %q", cfg.Proxy.HeaderPolicy)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend = %q", cfg.Storage.Backend)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.ClientBaseURL() != cfg.Upstream.BaseURL {
		t.Errorf("ClientBaseURL = %q, want upstream", cfg.ClientBaseURL())
	}
}

func TestMissingFileIsEmpty(t *testing.T) {
	clearEnv(t)
	t.Setenv("THREADGATE_UPSTREAM_API_KEY", "k")

	cfg, err := loadFromPath(filepath.Join(t.TempDir(), "absent.toml"), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `[upstream]
api_key = "file-key"
base_url = "http://file:2024"
`)

	t.Setenv("THREADGATE_UPSTREAM_API_KEY", "env-key")
	t.Setenv("THREADGATE_PROXY_RATE_LIMIT", "2.5")
	t.Setenv("THREADGATE_LOG_JSON", "true")

	cfg, err := loadFromPath(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Upstream.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want %q", cfg.Upstream.APIKey, "env-key")
	}
	if cfg.Upstream.BaseURL != "http://file:2024" {
		t.Errorf("BaseURL = %q, want file value", cfg.Upstream.BaseURL)
	}
	if cfg.Proxy.RateLimit != 2.5 {
		t.Errorf("RateLimit = %v, want 2.5", cfg.Proxy.RateLimit)
	}
	if !cfg.Log.JSON {
		t.Error("Log.JSON = false, want true")
	}
}

// TestEnvAliases verifies the LangGraph variable names are honored, and that
// the THREADGATE_ names win when both are set.
func TestEnvAliases(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, ``)

	t.Setenv("LANGGRAPH_API_URL", "https://graph.example.com")
	t.Setenv("LANGCHAIN_API_KEY", "lsv2-alias")
	t.Setenv("LANGGRAPH_ASSISTANT_ID", "alias-assistant")
	t.Setenv("THREADGATE_UPSTREAM_ASSISTANT_ID", "primary-assistant")

	cfg, err := loadFromPath(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Upstream.BaseURL != "https://graph.example.com" {
		t.Errorf("BaseURL = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.APIKey != "lsv2-alias" {
		t.Errorf("APIKey = %q", cfg.Upstream.APIKey)
	}
	if cfg.Upstream.AssistantID != "primary-assistant" {
		t.Errorf("AssistantID = %q, want primary-assistant", cfg.Upstream.AssistantID)
	}
}

func TestInvalidEnvValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("THREADGATE_UPSTREAM_API_KEY", "k")
	t.Setenv("THREADGATE_SERVER_PORT", "not-a-port")

	cfg, err := loadFromPath(writeTempConfig(t, ``), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want default 4000", cfg.Server.Port)
	}
}

// TestMissingRequiredField verifies a clear error when the API key is missing everywhere.
func TestMissingRequiredField(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `# empty config`)

	_, err := loadFromPath(path, mockKeychain{})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}

	want := "missing required config"
	if got := err.Error(); !strings.Contains(got, want) {
		t.Errorf("error = %q, want it to contain %q", got, want)
	}
}

// TestTOMLParsing verifies that all fields are correctly read from a TOML file.
func TestTOMLParsing(t *testing.T) {
	clearEnv(t)
	content := `
[server]
host = "0.0.0.0"
port = 5000

[upstream]
base_url = "https://graph.example.com"
api_key = "toml-key-123"
assistant_id = "support-bot"

[client]
base_url = "http://localhost:5000/api"

[proxy]
namespace = "/graph"
header_policy = "allowlist"
allowed_headers = ["content-type", "authorization"]
rate_limit = 10.0
rate_burst = 20

[signing]
app_id = "app-1"
app_secret = "shh"

[storage]
backend = "bolt"
data_dir = "/tmp/threadgate-test"
namespace = "custom"

[log]
level = "debug"
json = true
`
	path := writeTempConfig(t, content)

	cfg, err := loadFromPath(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Server.Host", cfg.Server.Host, "0.0.0.0"},
		{"Server.Port", cfg.Server.Port, 5000},
		{"Upstream.BaseURL", cfg.Upstream.BaseURL, "https://graph.example.com"},
		{"Upstream.APIKey", cfg.Upstream.APIKey, "toml-key-123"},
		{"Upstream.AssistantID", cfg.Upstream.AssistantID, "support-bot"},
		{"ClientBaseURL", cfg.ClientBaseURL(), "http://localhost:5000/api"},
		{"Proxy.Namespace", cfg.Proxy.Namespace, "/graph"},
		{"Proxy.HeaderPolicy", cfg.Proxy.HeaderPolicy, "allowlist"},
		{"Proxy.AllowedHeaders", strings.Join(cfg.Proxy.AllowedHeaderList(), "|"), "content-type|authorization"},
		{"Proxy.RateLimit", cfg.Proxy.RateLimit, 10.0},
		{"Proxy.RateBurst", cfg.Proxy.RateBurst, 20},
		{"Signing.AppID", cfg.Signing.AppID, "app-1"},
		{"Signing.AppSecret", cfg.Signing.AppSecret, "shh"},
		{"Storage.Backend", cfg.Storage.Backend, "bolt"},
		{"Storage.DataDir", cfg.Storage.DataDir, "/tmp/threadgate-test"},
		{"Storage.Namespace", cfg.Storage.Namespace, "custom"},
		{"Log.Level", cfg.Log.Level, "debug"},
		{"Log.JSON", cfg.Log.JSON, true},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestInvalidTOML(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `[server
port = `)

	if _, err := loadFromPath(path, mockKeychain{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantKey string
	}{
		{"bad policy", "[proxy]\nheader_policy = \"mixed\"", "proxy.header_policy"},
		{"bad backend", "[storage]\nbackend = \"s3\"", "storage.backend"},
		{"redis without url", "[storage]\nbackend = \"redis\"", "storage.redis_url"},
		{"bad base url", "[upstream]\nbase_url = \"not a url\"", "upstream.base_url"},
		{"port out of range", "[server]\nport = 70000", "server.port"},
		{"namespace without slash", "[proxy]\nnamespace = \"api\"", "proxy.namespace"},
		{"app id without secret", "[signing]\napp_id = \"a\"", "signing.app_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("THREADGATE_UPSTREAM_API_KEY", "k")

			_, err := loadFromPath(writeTempConfig(t, tt.content), mockKeychain{})
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("error = %q, want it to name %s", err.Error(), tt.wantKey)
			}
		})
	}
}

// TestKeychainFallback verifies the secret store is consulted when no secret
// is in file or env.
func TestKeychainFallback(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `# no api key in file`)

	kc := mockKeychain{values: map[string]string{
		"upstream_api_key": "keychain-secret",
		"server_token":     "keychain-token",
	}}
	cfg, err := loadFromPath(path, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Upstream.APIKey != "keychain-secret" {
		t.Errorf("APIKey = %q, want %q", cfg.Upstream.APIKey, "keychain-secret")
	}
	if cfg.Server.Token != "keychain-token" {
		t.Errorf("Token = %q, want %q", cfg.Server.Token, "keychain-token")
	}
}

func TestKeychainDoesNotOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("THREADGATE_UPSTREAM_API_KEY", "env-key")

	kc := mockKeychain{values: map[string]string{"upstream_api_key": "keychain-secret"}}
	cfg, err := loadFromPath(writeTempConfig(t, ``), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Upstream.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.Upstream.APIKey)
	}
}

func TestSetKey_RoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	b, err := openFileBackend(path)
	if err != nil {
		t.Fatal(err)
	}

	for k, v := range map[string]string{
		"server.port":         "4100",
		"proxy.header_policy": "allowlist",
		"proxy.rate_limit":    "1.5",
		"log.json":            "true",
	} {
		if err := setKey(b, k, v); err != nil {
			t.Fatalf("setKey(%s): %v", k, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}

	t.Setenv("THREADGATE_UPSTREAM_API_KEY", "k")
	cfg, err := loadFromPath(path, mockKeychain{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 4100 || cfg.Proxy.HeaderPolicy != "allowlist" || cfg.Proxy.RateLimit != 1.5 || !cfg.Log.JSON {
		t.Errorf("reloaded config = %+v", cfg)
	}

	if err := setKey(b, "server.port", ""); err != nil {
		t.Fatalf("unset: %v", err)
	}
	cfg, err = loadFromPath(path, mockKeychain{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d after unset, want default", cfg.Server.Port)
	}
}

func TestSetKey_Rejects(t *testing.T) {
	b, err := openFileBackend(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		key, value, want string
	}{
		{"no.such_key", "x", "unknown config key"},
		{"upstream.api_key", "x", "cannot set secret"},
		{"server.port", "abc", "invalid integer"},
		{"log.json", "maybe", "invalid value"},
	}
	for _, tt := range tests {
		err := setKey(b, tt.key, tt.value)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("setKey(%s, %s) = %v, want error containing %q", tt.key, tt.value, err, tt.want)
		}
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Upstream.APIKey = "lsv2_pt_abcdefghijklmnop"

	for _, ki := range ShowAll(cfg) {
		if ki.Key == "upstream.api_key" {
			if strings.Contains(ki.Value, "abcdefghijkl") {
				t.Errorf("secret not masked: %q", ki.Value)
			}
			if !strings.Contains(ki.EnvVar, "LANGCHAIN_API_KEY") {
				t.Errorf("EnvVar = %q, want alias listed", ki.EnvVar)
			}
			return
		}
	}
	t.Fatal("upstream.api_key not listed")
}

func TestValidKeysExcludeSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		for _, s := range SecretKeys() {
			if k == s {
				t.Errorf("secret %s listed as settable", k)
			}
		}
	}
}
