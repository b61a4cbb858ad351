// Package env loads variables from the process environment, dotenv files and var-files.
package env

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Vars is a flat string-to-string variable set.
type Vars map[string]string

// FromOS builds Vars from the current process environment.
func FromOS() Vars {
	out := make(Vars)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

// Merge merges several sets into one, later sets overriding earlier keys.
func Merge(sets ...Vars) Vars {
	out := make(Vars)
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// LoadEnvFiles reads dotenv files in order, resolving relative names against baseDir.
// When export is set, every loaded key that is not already present in the process
// environment is exported so that env-tag parsing sees it.
func LoadEnvFiles(baseDir string, files []string, export bool) (Vars, error) {
	result := make(Vars)
	for _, name := range files {
		if strings.TrimSpace(name) == "" {
			continue
		}
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, name)
		}
		vars, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("load env file %q: %w", path, err)
		}
		result = Merge(result, vars)
	}

	if export {
		for k, v := range result {
			if _, exists := os.LookupEnv(k); exists {
				continue
			}
			if err := os.Setenv(k, v); err != nil {
				return nil, fmt.Errorf("export %s: %w", k, err)
			}
		}
	}
	return result, nil
}

// ParseInlineVars parses a comma-separated k=v list (e.g. "A=1,B=2").
func ParseInlineVars(s string) (Vars, error) {
	out := make(Vars)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid inline var %q, expected key=value", part)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("empty key in inline var %q", part)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

// LoadVarFile loads a var-file. Files ending in .yaml or .yml must hold a flat
// mapping; anything else is read as dotenv.
func LoadVarFile(path string) (Vars, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read var-file %q: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw := make(map[string]any)
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse var-file %q: %w", path, err)
		}
		out := make(Vars, len(raw))
		for k, v := range raw {
			if v == nil {
				out[k] = ""
				continue
			}
			out[k] = fmt.Sprint(v)
		}
		return out, nil
	default:
		vars, err := godotenv.Parse(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse var-file %q: %w", path, err)
		}
		return vars, nil
	}
}
