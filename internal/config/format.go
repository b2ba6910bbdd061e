package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat goes by extension. Anything else is sniffed: a document that
// opens with '{' is JSON, the rest is treated as YAML.
func DetectFormat(path string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	if t := bytes.TrimSpace(data); len(t) > 0 && t[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// toJSON returns the document as JSON so both formats go through the same
// strict decoder.
func toJSON(path string, data []byte) ([]byte, Format, error) {
	f := DetectFormat(path, data)
	if f == FormatJSON {
		return data, f, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, f, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	doc, err := stringKeys(doc, "")
	if err != nil {
		return nil, f, err
	}
	j, err := json.Marshal(doc)
	if err != nil {
		return nil, f, fmt.Errorf("yaml->json: %w", err)
	}
	return j, f, nil
}

// stringKeys rewrites YAML mappings into JSON objects. Non-string keys are
// stringified ("1:" under tasks still reaches the task-name check); a null
// key has no name and is rejected.
func stringKeys(in any, at string) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			nv, err := stringKeys(v, join(at, k))
			if err != nil {
				return nil, err
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			if k == nil {
				return nil, fmt.Errorf("yaml: %s: null mapping key", orRoot(at))
			}
			ks := fmt.Sprint(k)
			nv, err := stringKeys(v, join(at, ks))
			if err != nil {
				return nil, err
			}
			out[ks] = nv
		}
		return out, nil
	case []any:
		for i := range x {
			nv, err := stringKeys(x[i], fmt.Sprintf("%s[%d]", orRoot(at), i))
			if err != nil {
				return nil, err
			}
			x[i] = nv
		}
		return x, nil
	}
	return in, nil
}

func join(at, k string) string {
	if at == "" {
		return k
	}
	return at + "." + k
}

func orRoot(at string) string {
	if at == "" {
		return "(root)"
	}
	return at
}
