package config

import (
	"os"
	"sync"

	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// LoadDotenvOnce loads environment variables from .env files. ENV_FILE
// names a file explicitly; otherwise .env in the working directory is used.
// Existing variables win unless DOTENV_OVERLOAD=1. NO_DOTENV=1 disables it.
func LoadDotenvOnce() {
	dotenvOnce.Do(loadDotenv)
}

func loadDotenv() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}

	overload := os.Getenv("DOTENV_OVERLOAD") == "1"
	load := func(paths ...string) {
		if overload {
			_ = godotenv.Overload(paths...)
		} else {
			_ = godotenv.Load(paths...)
		}
	}

	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		load(envFile)
		return
	}
	if _, err := os.Stat(".env"); err == nil {
		load(".env")
	}
}
