package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Credentials are the Graph API secrets. They live in a dotenv file next to
// the config (never in the config itself) and are read-only input: the daemon
// loads them at startup and on config reload, and never writes them back.
type Credentials struct {
	AccessToken string
	AppID       string
	AppSecret   string
	AccountID   string
}

// LoadCredentials reads the dotenv file at path, falling back to the process
// environment for any variable the file does not set. An empty path skips the
// file entirely.
func LoadCredentials(path string) (Credentials, error) {
	if p := strings.TrimSpace(path); p != "" {
		if err := godotenv.Load(p); err != nil && !os.IsNotExist(err) {
			return Credentials{}, fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return Credentials{
		AccessToken: os.Getenv("ACCESS_TOKEN"),
		AppID:       os.Getenv("APP_ID"),
		AppSecret:   os.Getenv("APP_SECRET"),
		AccountID:   os.Getenv("ACCOUNT_ID"),
	}, nil
}

// Complete reports whether every field needed for publishing is present.
func (c Credentials) Complete() bool {
	for _, v := range []string{c.AccessToken, c.AppID, c.AppSecret, c.AccountID} {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}
