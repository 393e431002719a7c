package sources

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_sources.yaml
var defaultSourcesYAML []byte

type sourceFile struct {
	Sources []Source `yaml:"sources"`
}

// Parse decodes a source list. Both a top-level list and a document with a
// "sources" key are accepted; JSON parses as YAML.
func Parse(data []byte) ([]Source, error) {
	var list []Source
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc sourceFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}
	return doc.Sources, nil
}

// LoadFile reads and validates a sources file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file %s: %w", path, err)
	}
	list, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%s: no sources defined", path)
	}
	return NewRegistry(list)
}

// Default returns the built-in source list.
func Default() (*Registry, error) {
	list, err := Parse(defaultSourcesYAML)
	if err != nil {
		return nil, err
	}
	return NewRegistry(list)
}

// Load reads path when it exists and falls back to the built-in list otherwise.
func Load(path string) (*Registry, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return Default()
}
