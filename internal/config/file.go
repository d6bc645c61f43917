package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReadFile loads a flat YAML mapping of configuration keys. Keys may be given
// with or without the QUERYCACHE_ prefix and in any case:
//
//	http_addr: ":9090"
//	QUERYCACHE_CACHE_MEMORY_TTL: 10m
func ReadFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parseFile(raw)
}

func parseFile(raw []byte) (map[string]string, error) {
	var decoded map[string]any
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	values := make(map[string]string, len(decoded))
	for key, value := range decoded {
		switch value.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("config file key %q must hold a scalar value", key)
		}
		normalized := strings.ToUpper(strings.TrimSpace(key))
		if normalized == "OPENAI_API_KEY" {
			values[normalized] = scalarString(value)
			continue
		}
		if !strings.HasPrefix(normalized, "QUERYCACHE_") {
			normalized = "QUERYCACHE_" + normalized
		}
		values[normalized] = scalarString(value)
	}
	return values, nil
}

func scalarString(value any) string {
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

func layered(primary LookupFunc, fallback map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		if value, ok := primary(key); ok {
			return value, true
		}
		value, ok := fallback[key]
		return value, ok
	}
}
