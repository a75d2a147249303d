package huddle

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ConfigLoader interface {
	Load() (*Config, error)
}

// FileConfigLoader loads config.yaml from the first of Paths that has one,
// overridden by environment variables.
type FileConfigLoader struct {
	Paths []string
}

func (l *FileConfigLoader) Load() (*Config, error) {
	return LoadConfig(l.Paths...)
}

// EnvConfigLoader loads the environment from dotenv Files (.env when empty)
// before loading the configuration. Variables that are already set are not
// overridden. Missing files are skipped.
type EnvConfigLoader struct {
	Files []string
	Paths []string
}

func (l *EnvConfigLoader) Load() (*Config, error) {
	files := l.Files
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return LoadConfig(l.Paths...)
}

// DefaultConfigLoader ignores config files and the environment.
type DefaultConfigLoader struct {
}

func (l *DefaultConfigLoader) Load() (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}
	return decodeConfig(v), nil
}
