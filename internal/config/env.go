package config

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads KEY=value lines from path into the environment. Variables
// already set win over the file, so a deployment can override a checked-in
// .env. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = filepath.Clean(path)
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}
