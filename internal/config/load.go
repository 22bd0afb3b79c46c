package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// durationKeys are the settings that hold a duration. They accept a Go
// duration string ("90s", "2m") or a bare number of seconds.
var durationKeys = map[string]bool{
	"telegram.poll_timeout":    true,
	"storage.busy_timeout":     true,
	"notifier.retry_base":      true,
	"notifier.retry_max_delay": true,
	"notifier.dedup_window":    true,
	"notifier.send_timeout":    true,
	"bilibili.timeout":         true,
	"poller.check_timeout":     true,
	"poller.freshness_window":  true,
	"poller.cover_retry.delay": true,
}

// secretKeys may be written as ${NAME} and are read from the environment.
var secretKeys = map[string]bool{
	"telegram.token":  true,
	"bilibili.cookie": true,
	"status.token":    true,
}

// DurationOr parses the duration stored under key, returning def when it is
// unset.
func DurationOr(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(key, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 && strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return d, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
		}
		if secs < 0 {
			return 0, fmt.Errorf("%s: duration must not be negative", key)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", key)
	}
	return d, nil
}

// decode reads a YAML or JSON config file into a defaulted Config. Both
// formats go through the same key walk and the strict JSON decoder, so an
// unknown key is an error either way.
func decode(path string, b []byte) (*Config, error) {
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	tree, err := readTree(format, b)
	if err != nil {
		return nil, err
	}
	tree, err = walkKeys("", tree)
	if err != nil {
		return nil, err
	}
	jb, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", format, err)
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

func readTree(format string, b []byte) (any, error) {
	if format == "json" {
		var v any
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, errors.New("invalid config: trailing data")
		}
		return v, nil
	}
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	if v == nil {
		v = map[string]any{}
	}
	return v, nil
}

// walkKeys turns every mapping into map[string]any and rewrites the values
// of duration and secret keys. key is the dotted path of v.
func walkKeys(key string, v any) (any, error) {
	if durationKeys[key] {
		return durationValue(key, v)
	}
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for _, k := range sortedKeys(x) {
			w, err := walkKeys(join(key, k), x[k])
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = val
		}
		return walkKeys(key, m)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			w, err := walkKeys(fmt.Sprintf("%s[%d]", key, i), x[i])
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	}
	if s, ok := v.(string); ok && secretKeys[key] {
		return expandSecret(key, s)
	}
	return v, nil
}

func durationValue(key string, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		if _, err := parseDuration(key, x); err != nil {
			return nil, err
		}
		return x, nil
	case int, int64, uint64, float64, json.Number:
		d, err := parseDuration(key, fmt.Sprint(x))
		if err != nil {
			return nil, err
		}
		return d.String(), nil
	}
	return nil, fmt.Errorf("%s: want a duration, got %T", key, v)
}

func expandSecret(key, s string) (string, error) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "${") || !strings.HasSuffix(t, "}") {
		return s, nil
	}
	name := t[2 : len(t)-1]
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%s: environment variable %s is not set", key, name)
	}
	return val, nil
}

func join(parent, k string) string {
	if parent == "" {
		return k
	}
	return parent + "." + k
}

// sortedKeys keeps the first reported error stable across runs.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
