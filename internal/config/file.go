package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a flat YAML mapping of option overrides. Keys may use
// dashes or underscores.
func LoadFile(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (Record, error) {
	raw := make(map[string]any)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse overrides: %w", err)
	}

	r := make(Record, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case nil, int, float64, bool, string:
		default:
			return nil, fmt.Errorf("parse overrides: field %q: unsupported value %T", k, v)
		}
		r[strings.ReplaceAll(k, "-", "_")] = v
	}
	return r, nil
}
