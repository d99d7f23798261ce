package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes returns the config document as JSON. A .yaml or .yml file
// is decoded and re-encoded so that both formats reach the same strict
// decoder and share the json tags on Config. Anything else passes through.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	out, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return nil, fmt.Errorf("%s: re-encode as json: %w", filepath.Base(path), err)
	}
	return out, nil
}

// normalizeYAML rewrites mappings with non-string keys (`1: x`, `true: y`)
// into string-keyed maps, which is the only shape encoding/json accepts.
func normalizeYAML(node any) any {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			n[k] = normalizeYAML(v)
		}
		return n
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return out
	case []any:
		for i, v := range n {
			n[i] = normalizeYAML(v)
		}
		return n
	}
	return node
}
