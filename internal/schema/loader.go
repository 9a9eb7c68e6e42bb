package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fixtureFile is the on-disk shape of a schema fixture.
type fixtureFile struct {
	Models []Model `yaml:"models"`
}

// LoadYAML reads a schema fixture produced by a schema sync (or shipped for
// tests) and builds a registry with the given indexed-field allow-list.
func LoadYAML(path string, indexedFields []string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema fixture: %w", err)
	}
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema fixture: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("schema fixture %s contains no models", path)
	}
	return NewRegistry(f.Models, indexedFields), nil
}

// SaveYAML writes the registry's models back to a fixture file. Used by the
// schema sync to cache the loaded registry between runs.
func SaveYAML(path string, models []Model) error {
	data, err := yaml.Marshal(fixtureFile{Models: models})
	if err != nil {
		return fmt.Errorf("marshal schema fixture: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write schema fixture: %w", err)
	}
	return os.Rename(tmp, path)
}
