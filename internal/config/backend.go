package config

// ConfigBackend abstracts where non-environment config is stored. Keys are
// dotted paths such as "proxy.header_policy".
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
