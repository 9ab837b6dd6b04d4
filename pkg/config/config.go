package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// lookup parses the environment variable key, falling back when it is unset,
// blank or malformed. Malformed values are reported once on the standard logger.
func lookup[T any](key string, fallback T, parse func(string) (T, error)) T {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := parse(strings.TrimSpace(value))
	if err != nil {
		log.Printf("invalid value for %s: %v", key, err)
		return fallback
	}
	return parsed
}

// GetString returns the variable verbatim, or fallback when it is unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func GetInt(key string, fallback int) int {
	return lookup(key, fallback, strconv.Atoi)
}

func GetBool(key string, fallback bool) bool {
	return lookup(key, fallback, strconv.ParseBool)
}

// GetDuration accepts Go duration strings ("90s", "5m") or a bare number of seconds.
func GetDuration(key string, fallback time.Duration) time.Duration {
	return lookup(key, fallback, func(v string) (time.Duration, error) {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return time.ParseDuration(v)
	})
}

// LoadDotEnv loads .env and .env.<mode> from dir into the process environment.
// Variables that are already set win over file values. Missing files are ignored.
func LoadDotEnv(dir, mode string) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	candidates := []string{filepath.Join(dir, ".env")}
	if mode != "" {
		candidates = append(candidates, filepath.Join(dir, ".env."+mode))
	}
	var files []string
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	if len(files) == 0 {
		return nil
	}
	return godotenv.Load(files...)
}
