package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secrets are masked.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		value := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			value = mask(value)
		}
		env := s.env
		if s.alias != "" {
			env += " | " + s.alias
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: env, Value: value})
	}
	return result
}

func mask(v string) string {
	switch {
	case v == "":
		return ""
	case len(v) <= 8:
		return "********"
	default:
		return v[:4] + "…" + v[len(v)-2:]
	}
}

// SetKey writes a config key to the config file.
func SetKey(key, value string) error {
	b, err := newPlatformBackend()
	if err != nil {
		return err
	}
	return setKey(b, key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use `config set-secret` or environment variable %s", key, s.env)
	}
	if value == "" {
		return b.Delete(key)
	}
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		return b.SetInt(key, i)
	case kBool, kFloat:
		if _, err := parseValue(s, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}
	return b.SetString(key, value)
}

// SetSecret stores a secret key in the platform secret store.
func SetSecret(key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if !s.secret {
		return fmt.Errorf("%q is not a secret; use `config set`", key)
	}
	return keychainSet(keychainService, s.account(), value)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// SecretKeys returns the config keys held in the secret store.
func SecretKeys() []string {
	var keys []string
	for _, s := range specs {
		if s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
