package config

import (
	"os"

	"github.com/joho/godotenv"
)

var dotEnvCandidates = []string{".env.local", ".env"}

// LoadDotEnv loads the local env files that exist, .env.local taking priority
// over .env. Variables already present in the process environment are kept.
// It returns the files that were loaded.
func LoadDotEnv() ([]string, error) {
	return loadDotEnvFrom(dotEnvCandidates)
}

func loadDotEnvFrom(candidates []string) ([]string, error) {
	var loaded []string
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			loaded = append(loaded, candidate)
		}
	}
	if len(loaded) == 0 {
		return nil, nil
	}
	if err := godotenv.Load(loaded...); err != nil {
		return nil, err
	}
	return loaded, nil
}
