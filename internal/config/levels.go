package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LevelsFile is the on-disk level catalogue.
type LevelsFile struct {
	Levels []LevelConfig `yaml:"levels"`
}

// LevelConfig describes one joinable level.
type LevelConfig struct {
	Name  string     `yaml:"name"`
	Seed  int64      `yaml:"seed"`
	Spawn [3]float64 `yaml:"spawn"`
}

// LoadLevels reads a level catalogue. An empty path yields no levels, which
// lets any well-formed level name be joined.
func LoadLevels(path string) ([]LevelConfig, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read levels config: %w", err)
	}

	var f LevelsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse levels config: %w", err)
	}

	seen := make(map[string]bool, len(f.Levels))
	for i, l := range f.Levels {
		if l.Name == "" {
			return nil, fmt.Errorf("levels[%d]: name is required", i)
		}
		if seen[l.Name] {
			return nil, fmt.Errorf("levels[%d]: duplicate level %q", i, l.Name)
		}
		if l.Seed < 0 {
			return nil, fmt.Errorf("levels[%d]: seed must not be negative", i)
		}
		seen[l.Name] = true
	}
	return f.Levels, nil
}
