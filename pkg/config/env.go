package config

import (
	"fmt"

	"github.com/joho/godotenv"
)

// LoadEnv loads credentials from an env file into the process environment.
// Variables already set win. An empty path is a no-op.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}
