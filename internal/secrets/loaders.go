package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
)

// EnvLoader reads the named environment variables.
// Unset variables are omitted.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// StaticLoader returns fixed values, skipping empty ones.
func StaticLoader(values map[string]string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(values))
		for k, v := range values {
			if v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// FileLoader reads one file per key from dir, in the layout used by Docker
// and Kubernetes secret mounts. The file name is the lowercased key.
// Missing files are omitted; an empty dir loads nothing.
func FileLoader(dir string, keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		if dir == "" {
			return vals, nil
		}
		for _, k := range keys {
			data, err := os.ReadFile(filepath.Join(dir, strings.ToLower(k)))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read secret %s: %w", k, err)
			}
			if v := strings.TrimSpace(string(data)); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// Chain merges loaders in order; later loaders override earlier ones.
func Chain(loaders ...Loader) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string)
		for _, l := range loaders {
			m, err := l()
			if err != nil {
				return nil, err
			}
			maps.Copy(vals, m)
		}
		return vals, nil
	}
}
