package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// KV is a durable string key/value store scoped to one namespace (origin).
// Writes are last-writer-wins; there is no cross-process coordination.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Options selects and configures a KV backend.
type Options struct {
	Backend   string
	DataDir   string
	RedisURL  string
	Namespace string
}

// Open returns the KV backend named by opts.Backend. An empty backend means SQLite.
func Open(opts Options) (KV, error) {
	ns := opts.Namespace
	if ns == "" {
		ns = "default"
	}
	switch opts.Backend {
	case "", BackendSQLite:
		return OpenSQLite(opts.DataDir, ns)
	case BackendBolt:
		return OpenBolt(opts.DataDir, ns)
	case BackendRedis:
		return OpenRedis(opts.RedisURL, ns)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// NamespaceFor derives a storage namespace from a base URL, mirroring the
// per-origin scoping of browser storage: scheme://host[:port].
func NamespaceFor(baseURL string) string {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return "default"
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
