package registry

import (
	"time"
)

// Config holds stage-specific settings as decoded from YAML or JSON.
type Config map[string]any

// Get returns a config value by key.
func (c Config) Get(key string) any {
	return c[key]
}

// Has checks if a config key exists.
func (c Config) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// String returns a config value as string.
func (c Config) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// StringOr returns a config value as string, or def when missing or empty.
func (c Config) StringOr(key, def string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Bool returns a config value as bool with default.
func (c Config) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Int returns a config value as int with default. YAML decodes integers as
// int, JSON as float64.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Duration returns a config value as a duration. Strings are parsed with
// time.ParseDuration, numbers are taken as milliseconds.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int, int64, float64:
		return time.Duration(c.Int(key, 0)) * time.Millisecond
	}
	return def
}

// Strings returns a config value as string slice.
func (c Config) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Map returns a nested config section.
func (c Config) Map(key string) Config {
	switch v := c[key].(type) {
	case map[string]any:
		return Config(v)
	case Config:
		return v
	}
	return nil
}
