package policy

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file at path into the process environment if
// present, mirroring the teacher's cmd/tarsy/main.go bootstrap. A missing
// file is not an error — most deployments configure purely via the real
// environment.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return err
	}
	slog.Debug("loaded .env", "path", path)
	return nil
}
