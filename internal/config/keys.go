package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key    string
	field  string // Config struct path, for validation messages
	typ    keyType
	env    string
	alias  string // legacy variable accepted when env is unset
	secret bool
	apply  func(cfg *Config, v any)
	// extract returns the current value with the key's Go type.
	extract func(cfg Config) any
}

// account is the secret store account name for the key.
func (s keySpec) account() string {
	return strings.ReplaceAll(s.key, ".", "_")
}

var specs = []keySpec{
	{
		key: "server.host", field: "Server.Host", typ: kString, env: "THREADGATE_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", field: "Server.Port", typ: kInt, env: "THREADGATE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", field: "Server.Token", typ: kString, env: "THREADGATE_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "server.refresh_interval", field: "Server.RefreshInterval", typ: kInt,
		env:     "THREADGATE_SERVER_REFRESH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Server.RefreshInterval = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.RefreshInterval },
	},
	{
		key: "upstream.base_url", field: "Upstream.BaseURL", typ: kString,
		env: "THREADGATE_UPSTREAM_BASE_URL", alias: "LANGGRAPH_API_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.BaseURL },
	},
	{
		key: "upstream.api_key", field: "Upstream.APIKey", typ: kString,
		env: "THREADGATE_UPSTREAM_API_KEY", alias: "LANGCHAIN_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Upstream.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.APIKey },
	},
	{
		key: "upstream.assistant_id", field: "Upstream.AssistantID", typ: kString,
		env: "THREADGATE_UPSTREAM_ASSISTANT_ID", alias: "LANGGRAPH_ASSISTANT_ID",
		apply:   func(cfg *Config, v any) { cfg.Upstream.AssistantID = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.AssistantID },
	},
	{
		key: "client.base_url", field: "Client.BaseURL", typ: kString, env: "THREADGATE_CLIENT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Client.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.BaseURL },
	},
	{
		key: "proxy.namespace", field: "Proxy.Namespace", typ: kString, env: "THREADGATE_PROXY_NAMESPACE",
		apply:   func(cfg *Config, v any) { cfg.Proxy.Namespace = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.Namespace },
	},
	{
		key: "proxy.route_param", field: "Proxy.RouteParam", typ: kString, env: "THREADGATE_PROXY_ROUTE_PARAM",
		apply:   func(cfg *Config, v any) { cfg.Proxy.RouteParam = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.RouteParam },
	},
	{
		key: "proxy.header_policy", field: "Proxy.HeaderPolicy", typ: kString, env: "THREADGATE_PROXY_HEADER_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Proxy.HeaderPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.HeaderPolicy },
	},
	{
		key: "proxy.allowed_headers", field: "Proxy.AllowedHeaders", typ: kString, env: "THREADGATE_PROXY_ALLOWED_HEADERS",
		apply:   func(cfg *Config, v any) { cfg.Proxy.AllowedHeaders = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.AllowedHeaders },
	},
	{
		key: "proxy.rate_limit", field: "Proxy.RateLimit", typ: kFloat, env: "THREADGATE_PROXY_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Proxy.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Proxy.RateLimit },
	},
	{
		key: "proxy.rate_burst", field: "Proxy.RateBurst", typ: kInt, env: "THREADGATE_PROXY_RATE_BURST",
		apply:   func(cfg *Config, v any) { cfg.Proxy.RateBurst = v.(int) },
		extract: func(cfg Config) any { return cfg.Proxy.RateBurst },
	},
	{
		key: "signing.app_id", field: "Signing.AppID", typ: kString, env: "THREADGATE_SIGNING_APP_ID",
		apply:   func(cfg *Config, v any) { cfg.Signing.AppID = v.(string) },
		extract: func(cfg Config) any { return cfg.Signing.AppID },
	},
	{
		key: "signing.app_secret", field: "Signing.AppSecret", typ: kString, env: "THREADGATE_SIGNING_APP_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Signing.AppSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Signing.AppSecret },
	},
	{
		key: "signing.host", field: "Signing.Host", typ: kString, env: "THREADGATE_SIGNING_HOST",
		apply:   func(cfg *Config, v any) { cfg.Signing.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Signing.Host },
	},
	{
		key: "storage.backend", field: "Storage.Backend", typ: kString, env: "THREADGATE_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.data_dir", field: "Storage.DataDir", typ: kString, env: "THREADGATE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.redis_url", field: "Storage.RedisURL", typ: kString, env: "THREADGATE_STORAGE_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Storage.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.RedisURL },
	},
	{
		key: "storage.namespace", field: "Storage.Namespace", typ: kString, env: "THREADGATE_STORAGE_NAMESPACE",
		apply:   func(cfg *Config, v any) { cfg.Storage.Namespace = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Namespace },
	},
	{
		key: "log.level", field: "Log.Level", typ: kString, env: "THREADGATE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", field: "Log.File", typ: kString, env: "THREADGATE_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "log.json", field: "Log.JSON", typ: kBool, env: "THREADGATE_LOG_JSON",
		apply:   func(cfg *Config, v any) { cfg.Log.JSON = v.(bool) },
		extract: func(cfg Config) any { return cfg.Log.JSON },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// keyForField maps a validator namespace like "Config.Storage.RedisURL" to
// its config key.
func keyForField(ns string) string {
	field := strings.TrimPrefix(ns, "Config.")
	for _, s := range specs {
		if s.field == field {
			return s.key
		}
	}
	return field
}

// parseValue converts raw to the key's type.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || (raw == "" && s.typ != kString) {
				continue
			}
			v, err := parseValue(s, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := s.env, os.Getenv(s.env)
		if raw == "" && s.alias != "" {
			name, raw = s.alias, os.Getenv(s.alias)
		}
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", name, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
