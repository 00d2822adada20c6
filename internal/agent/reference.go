package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// referenceFile is the expected-result file of a use case
type referenceFile struct {
	Payload []map[string]any `json:"payload" yaml:"payload"`
}

// LoadReference reads the "payload" list of a JSON or YAML reference file
func LoadReference(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	var ref referenceFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &ref)
	case ".json":
		err = json.Unmarshal(data, &ref)
	default:
		return nil, fmt.Errorf("failed to load config file: unsupported file format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	return ref.Payload, nil
}

// CompareItems reports whether data holds the same objects as reference,
// ignoring order, key case and the case and padding of string values.
func CompareItems(reference, data []map[string]any) bool {
	if len(reference) != len(data) {
		return false
	}

	want := normalizeAll(reference)
	got := normalizeAll(data)
	for _, g := range got {
		if !containsItem(want, g) {
			return false
		}
	}
	for _, w := range want {
		if !containsItem(got, w) {
			return false
		}
	}
	return true
}

func normalizeAll(items []map[string]any) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, item := range items {
		norm := make(map[string]any, len(item))
		for k, v := range item {
			if s, ok := v.(string); ok {
				v = strings.ToLower(strings.TrimSpace(s))
			}
			norm[strings.ToLower(k)] = numeric(v)
		}
		out[i] = norm
	}
	return out
}

// numeric unifies YAML ints and JSON floats
func numeric(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return v
}

func containsItem(items []map[string]any, item map[string]any) bool {
	for _, it := range items {
		if reflect.DeepEqual(it, item) {
			return true
		}
	}
	return false
}
