package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"content-curator/internal/models"
)

// DefaultTranscriptLanguages is used when a source lists no preferred languages.
var DefaultTranscriptLanguages = []string{"zh-CN", "zh-TW", "zh", "en"}

// Registry holds the watched sources grouped by platform.
type Registry struct {
	Sources map[models.Platform][]models.Source
}

// LoadRegistry reads the YAML source registry. A missing or malformed file is
// an error; unknown platform keys are skipped with a warning.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source registry %s: %w", path, err)
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	var raw map[string][]models.Source
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse source registry: %w", err)
	}

	reg := &Registry{Sources: make(map[models.Platform][]models.Source)}
	for key, sources := range raw {
		platform, err := models.ParsePlatform(key)
		if err != nil {
			slog.Warn("ignoring unknown platform in registry", slog.String("platform", key))
			continue
		}
		for i := range sources {
			src := &sources[i]
			if src.ID == "" {
				return nil, fmt.Errorf("registry entry %d under %s has no id", i, key)
			}
			src.Platform = platform
			if src.Name == "" {
				src.Name = src.ID
			}
			if src.Filters.MinDuration < 0 {
				src.Filters.MinDuration = 0
			}
			if len(src.Filters.TranscriptLanguages) == 0 {
				src.Filters.TranscriptLanguages = append([]string(nil), DefaultTranscriptLanguages...)
			}
		}
		reg.Sources[platform] = sources
	}
	return reg, nil
}

// For returns the sources of one platform in registry order.
func (r *Registry) For(p models.Platform) []models.Source {
	return r.Sources[p]
}

func (r *Registry) Count() int {
	n := 0
	for _, s := range r.Sources {
		n += len(s)
	}
	return n
}
