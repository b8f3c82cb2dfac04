package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// LoadDotEnv merges KEY=value pairs from path into the process
// environment so bound settings, API key lookup and child processes all
// see them. Variables already set in the environment win. A missing file
// is not an error; the applied keys are returned.
func LoadDotEnv(path string) ([]string, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.MergeInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var applied []string
	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		val := v.GetString(key)
		if val == "" {
			continue
		}
		if err := os.Setenv(name, val); err != nil {
			return applied, err
		}
		applied = append(applied, name)
	}
	return applied, nil
}
