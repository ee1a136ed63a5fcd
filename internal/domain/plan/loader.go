package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads and validates a plan Spec from a YAML file.
func LoadFromFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML plan document.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validate plan: %w", err)
	}
	return &s, nil
}
