// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package drivers

import (
	"fmt"
	"strconv"
	"strings"
)

// Config reads typed values from a data source's JSON config. Numbers
// decode from JSON as float64 and may also arrive as strings from forms.
type Config map[string]any

// String returns the trimmed string at key.
func (c Config) String(key string) string {
	switch v := c[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// StringDefault returns String(key), or def when empty.
func (c Config) StringDefault(key, def string) string {
	if s := c.String(key); s != "" {
		return s
	}
	return def
}

// Strings returns a string list. A comma-separated string is accepted.
func (c Config) Strings(key string) []string {
	var out []string
	switch v := c[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Int returns an integer value, or def when missing or malformed.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Bool returns a boolean value.
func (c Config) Bool(key string) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Maps returns a list of objects, such as report definitions.
func (c Config) Maps(key string) []Config {
	list, _ := c[key].([]any)
	out := make([]Config, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Config(m))
		}
	}
	return out
}

// Require returns ErrInvalidConfig naming every missing key.
func (c Config) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if c.String(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return nil
}

// Invalid formats an ErrInvalidConfig.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
