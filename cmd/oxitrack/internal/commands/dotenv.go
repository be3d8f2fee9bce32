package commands

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is read from the working directory before flags are parsed.
const DefaultEnvFile = ".env"

// LoadEnvFiles exports the variables in each file that are not already set in
// the environment, so env-backed flags such as DATABASE_URL and PORT can come
// from a .env file. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}
