package config

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// LoadDotEnv copies variables from .env-like files into the process environment.
// Variables already present in the environment keep precedence.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}

		file := viper.New()
		file.SetConfigFile(trimmed)
		file.SetConfigType("env")
		if err := file.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}

		for _, key := range file.AllKeys() {
			name := strings.ToUpper(key)
			if _, exists := os.LookupEnv(name); exists {
				continue
			}
			_ = os.Setenv(name, file.GetString(key))
		}
	}
	return nil
}
