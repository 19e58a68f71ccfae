package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const keychainService = "threadgate"

type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Client   ClientConfig
	Proxy    ProxyConfig
	Signing  SigningConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host string `validate:"required"`
	Port int    `validate:"min=1,max=65535"`
	// Token guards the local /v1 thread API; empty disables the check.
	Token string
	// RefreshInterval is how often, in seconds, the server re-reads the
	// remote thread listing. Zero disables periodic refresh.
	RefreshInterval int `validate:"min=0"`
}

type UpstreamConfig struct {
	BaseURL     string `validate:"required,url"`
	APIKey      string `validate:"required"`
	AssistantID string `validate:"required"`
}

// ClientConfig points the CLI's LangGraph client somewhere other than the
// upstream, e.g. a running threadgate proxy.
type ClientConfig struct {
	BaseURL string `validate:"omitempty,url"`
}

type ProxyConfig struct {
	Namespace      string  `validate:"required,startswith=/"`
	RouteParam     string  `validate:"required"`
	HeaderPolicy   string  `validate:"oneof=passthrough allowlist"`
	AllowedHeaders string
	RateLimit      float64 `validate:"min=0"`
	RateBurst      int     `validate:"min=0"`
}

type SigningConfig struct {
	AppID     string
	AppSecret string `validate:"required_with=AppID"`
	Host      string
}

type StorageConfig struct {
	Backend   string `validate:"oneof=sqlite bolt redis"`
	DataDir   string `validate:"required"`
	RedisURL  string `validate:"required_if=Backend redis"`
	Namespace string
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
	File  string
	JSON  bool
}

// AllowedHeaderList splits AllowedHeaders on commas.
func (c ProxyConfig) AllowedHeaderList() []string {
	var out []string
	for _, h := range strings.Split(c.AllowedHeaders, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// ClientBaseURL is where the CLI's LangGraph client sends requests.
func (c Config) ClientBaseURL() string {
	if c.Client.BaseURL != "" {
		return c.Client.BaseURL
	}
	return c.Upstream.BaseURL
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            4000,
			RefreshInterval: 60,
		},
		Upstream: UpstreamConfig{
			BaseURL:     "http://localhost:2024",
			AssistantID: "agent",
		},
		Proxy: ProxyConfig{
			Namespace:      "/api",
			RouteParam:     "slug",
			HeaderPolicy:   "passthrough",
			AllowedHeaders: "content-type,accept",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML file, a .env file in the working
// directory, environment variables and the platform secret store, in that
// order of increasing precedence (the secret store only fills secrets that
// are still empty).
//
// The file lives at $XDG_CONFIG_HOME/threadgate/config.toml. Environment
// variables are THREADGATE_<SECTION>_<KEY>; LANGGRAPH_API_URL,
// LANGCHAIN_API_KEY and LANGGRAPH_ASSISTANT_ID are accepted as well.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadFromPath(configFilePath(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadFromPath(path string, kc keychain) (Config, error) {
	b, err := openFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, kc)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account()); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if cfg.Upstream.APIKey == "" {
		msg := "missing required config: upstream API key. " +
			"Set it via environment variable THREADGATE_UPSTREAM_API_KEY (or LANGCHAIN_API_KEY)" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and reports the offending config keys.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s fails %q", keyForField(fe.StructNamespace()), fe.Tag())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
