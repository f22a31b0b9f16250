package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SchemaSeed is the static startup-time seed for schema definitions and the
// channels that point at them. It is loaded once at boot (SCHEMA_SEED_FILE)
// and is never mutated at runtime — new schema versions are created through
// the API, not by editing this file.
type SchemaSeed struct {
	Schemas  []SeedSchemaDefinition `yaml:"schemas"`
	Channels []SeedSchemaChannel    `yaml:"channels"`
}

// SeedSchemaDefinition describes one schema version to ensure exists at
// startup.
type SeedSchemaDefinition struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	File    string `yaml:"file"` // path to the JSON schema document, relative to the seed file
}

// SeedSchemaChannel points a named channel at one of the seeded schema
// definitions.
type SeedSchemaChannel struct {
	Name             string `yaml:"name"`
	SchemaName       string `yaml:"schema_name"`
	SchemaVersion    string `yaml:"schema_version"`
}

// LoadSchemaSeed parses a schema seed file. An empty path is not an error:
// it means no seeding should occur (e.g. a pre-populated database).
func LoadSchemaSeed(path string) (*SchemaSeed, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read schema seed %s: %w", path, err)
	}
	var seed SchemaSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("config: parse schema seed %s: %w", path, err)
	}
	if err := seed.validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

func (s *SchemaSeed) validate() error {
	known := make(map[string]bool, len(s.Schemas))
	for _, sd := range s.Schemas {
		if sd.Name == "" || sd.Version == "" || sd.File == "" {
			return fmt.Errorf("config: schema seed entry missing name/version/file")
		}
		known[sd.Name+"@"+sd.Version] = true
	}
	for _, ch := range s.Channels {
		if ch.Name == "" {
			return fmt.Errorf("config: schema channel seed entry missing name")
		}
		if !known[ch.SchemaName+"@"+ch.SchemaVersion] {
			return fmt.Errorf("config: channel %q points at unknown schema %s@%s", ch.Name, ch.SchemaName, ch.SchemaVersion)
		}
	}
	return nil
}
