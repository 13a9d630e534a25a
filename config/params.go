package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/c360/nvbus/errors"
)

// LoadParameterTree parses a parameter file into a tree whose top-level
// keys are node names. JSON, YAML and TOML are accepted by extension.
// Integers stay int64, timestamps become RFC 3339 strings.
func LoadParameterTree(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "LoadParameterTree", "read "+path)
	}

	var raw any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err = validateJSONDepth(data); err == nil {
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.UseNumber()
			err = dec.Decode(&raw)
		}
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		var m map[string]any
		_, err = toml.Decode(string(data), &m)
		raw = m
	default:
		err = fmt.Errorf("unsupported parameter file format %q", ext)
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "LoadParameterTree", "parse "+path)
	}

	tree, err := normalizeTree(raw, "")
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "LoadParameterTree", "convert "+path)
	}
	m, ok := tree.(map[string]any)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("top level is %T, want mapping of node names", tree),
			"config", "LoadParameterTree", "convert "+path)
	}
	return m, nil
}

// normalizeTree converts decoder output into plain codec values.
func normalizeTree(v any, at string) (any, error) {
	switch v := v.(type) {
	case nil, bool, string, int64, float64:
		return v, nil
	case int:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		return v.Float64()
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			conv, err := normalizeTree(child, join(at, k))
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(v))
		for i, child := range v {
			conv, err := normalizeTree(child, fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			conv, err := normalizeTree(child, fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: unsupported value %T", at, v)
	}
}

func join(at, key string) string {
	if at == "" {
		return key
	}
	return at + "." + key
}
