package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values. Secrets can stay out of the config file.
const (
	EnvGatewayURL      = "GROUPCAST_GATEWAY_URL"
	EnvCredentialsFile = "GROUPCAST_CREDENTIALS_FILE"
	EnvTelegramToken   = "GROUPCAST_TELEGRAM_TOKEN"
	EnvWebAddr         = "GROUPCAST_WEB_ADDR"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process environment.
// Variables already set are left alone. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg. lookup defaults to os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvGatewayURL, &cfg.Gateway.BaseURL)
	set(EnvCredentialsFile, &cfg.Directory.CredentialsFile)
	set(EnvTelegramToken, &cfg.Telegram.Token)
	set(EnvWebAddr, &cfg.Web.Addr)
}
