package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv merges a dotenv file into the process environment. Variables that
// are already set win, and a missing file is ignored.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// envOverrides maps FLEX_* variables onto the secret fields of cfg.
func envOverrides(cfg *Config) map[string]*string {
	return map[string]*string{
		"KEEPER_PRIVATE_KEY": &cfg.Keeper.PrivateKey,
		"TIMESCALE_DSN":      &cfg.Timescale.DSN,
		"TELEGRAM_TOKEN":     &cfg.Telegram.Token,
		"TELEGRAM_CHAT_ID":   &cfg.Telegram.ChatID,
		"ORACLE_REST_URL":    &cfg.Oracle.RESTURL,
		"ORACLE_WS_URL":      &cfg.Oracle.WSURL,
	}
}

// applyEnvOverrides lets secrets live outside the config file.
func applyEnvOverrides(cfg *Config) {
	for name, dst := range envOverrides(cfg) {
		if v := strings.TrimSpace(os.Getenv(envPrefix + name)); v != "" {
			*dst = v
		}
	}
}
