package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the JSON config.
const (
	EnvPartyID           = "GOOPCALL_PARTY_ID"
	EnvDisplayName       = "GOOPCALL_DISPLAY_NAME"
	EnvRelayURL          = "GOOPCALL_RELAY_URL"
	EnvHTTPAddr          = "GOOPCALL_HTTP_ADDR"
	EnvLogLevel          = "GOOPCALL_LOG_LEVEL"
	EnvAdminPasswordHash = "GOOPCALL_ADMIN_PASSWORD_HASH"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overwriting variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overlays set GOOPCALL_* variables onto cfg.
func ApplyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Identity.PartyID, EnvPartyID)
	set(&cfg.Identity.DisplayName, EnvDisplayName)
	set(&cfg.Relay.URL, EnvRelayURL)
	set(&cfg.Viewer.HTTPAddr, EnvHTTPAddr)
	set(&cfg.Viewer.LogLevel, EnvLogLevel)
	set(&cfg.Relay.AdminPasswordHash, EnvAdminPasswordHash)
}
