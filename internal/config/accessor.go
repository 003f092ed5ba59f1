package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// toMap renders cfg through its JSON tags so paths match the file format.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "bot.url").
// List elements are addressed by index ("router.triggers.0").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid list index %q in %s", key, path)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets a leaf value by dot-notation path. Only "section.key" paths
// that already exist can be set; string input is coerced to the type of the
// current value.
func SetByPath(cfg *Config, path string, value any) error {
	section, key, ok := strings.Cut(path, ".")
	if !ok || section == "" || key == "" || strings.Contains(key, ".") {
		return fmt.Errorf("path must be section.key: %q", path)
	}

	m, err := toMap(cfg)
	if err != nil {
		return err
	}
	sec, ok := m[section].(map[string]any)
	if !ok {
		return fmt.Errorf("unknown section: %s", section)
	}
	current, exists := sec[key]
	if !exists && !omittedKey(section, key) {
		return fmt.Errorf("unknown key: %s", path)
	}

	parsed, err := coerce(value, current)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	sec[key] = parsed

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// omittedKey lists omitempty fields that may be absent from the rendered map.
func omittedKey(section, key string) bool {
	switch section + "." + key {
	case "general.logFile", "browser.chromePath", "callback.secret":
		return true
	}
	return false
}

// coerce converts string input to the JSON type of current.
func coerce(v any, current any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}

	switch current.(type) {
	case nil:
		if strings.HasPrefix(strings.TrimSpace(s), "[") {
			return parseList(s), nil
		}
		return s, nil
	case string:
		return s, nil
	case bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", s)
		}
		return b, nil
	case float64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %q", s)
		}
		return n, nil
	case []any:
		return parseList(s), nil
	}
	return s, nil
}

// parseList accepts a JSON array or a comma-separated list.
func parseList(s string) []any {
	if strings.HasPrefix(strings.TrimSpace(s), "[") {
		var list []any
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return list
		}
	}
	list := []any{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

// Sanitize returns a copy of the config with the callback secret masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Router.Triggers = slices.Clone(cfg.Router.Triggers)
	out.Router.Aliases = slices.Clone(cfg.Router.Aliases)
	if out.Callback.Secret != "" {
		out.Callback.Secret = maskString(out.Callback.Secret)
	}
	return &out
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable path with its current value.
func ListPaths(cfg *Config) map[string]any {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	for section, v := range m {
		sec, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for key, val := range sec {
			result[section+"."+key] = val
		}
	}
	return result
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(paths map[string]any) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
