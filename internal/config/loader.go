package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// fileLoader reads one config tree. stack holds the files currently being
// expanded so an include cycle is reported instead of recursing forever.
type fileLoader struct {
	stack map[string]bool
}

// loadRaw returns the merged document rooted at path. Files named by $include
// are merged in order beneath the including file's own keys.
func loadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &fileLoader{stack: map[string]bool{}}
	return l.load(path)
}

func (l *fileLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.stack[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	l.stack[abs] = true
	defer delete(l.stack, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument([]byte(expandEnv(string(data))), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	base := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		included, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		deepMerge(base, included)
	}
	deepMerge(base, doc)
	return base, nil
}

// expandEnv substitutes $VAR and ${VAR} from the environment. ${VAR:-fallback}
// yields fallback when VAR is unset or empty. The $include key is kept as is.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		if key == includeKey[1:] {
			return includeKey
		}
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if value := os.Getenv(name); value != "" || !hasFallback {
			return value
		}
		return fallback
	})
}

// parseDocument decodes JSON5 for .json and .json5 files and a single YAML
// document otherwise.
func parseDocument(data []byte, ext string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes the $include directive from doc and returns its paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	v, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	var entries []any
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case string:
		entries = []any{typed}
	case []any:
		entries = typed
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		p, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings", includeKey)
		}
		if strings.TrimSpace(p) != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// deepMerge copies src into dst, merging nested maps key by key.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		sub, isMap := v.(map[string]any)
		existing, hasMap := dst[k].(map[string]any)
		if isMap && hasMap {
			deepMerge(existing, sub)
			continue
		}
		dst[k] = v
	}
}

// decodeConfig converts the merged document into a Config, rejecting keys
// the struct does not declare.
func decodeConfig(doc map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
