package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

func TestLoadEnvSetsMissingKeys(t *testing.T) {
	for _, key := range []string{"FLEX_TEST_PLAIN", "FLEX_TEST_QUOTED", "FLEX_TEST_EXPORTED"} {
		unsetEnv(t, key)
	}
	path := writeEnvFile(t, "# keeper secrets\n"+
		"FLEX_TEST_PLAIN=bar\n"+
		"FLEX_TEST_QUOTED=\"0xabc def\"\n"+
		"export FLEX_TEST_EXPORTED=yes\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	want := map[string]string{
		"FLEX_TEST_PLAIN":    "bar",
		"FLEX_TEST_QUOTED":   "0xabc def",
		"FLEX_TEST_EXPORTED": "yes",
	}
	for key, val := range want {
		if got := os.Getenv(key); got != val {
			t.Fatalf("%s expected %q, got %q", key, val, got)
		}
	}
}

func TestLoadEnvKeepsExistingValues(t *testing.T) {
	t.Setenv("FLEX_TEST_PLAIN", "existing")
	if err := LoadEnv(writeEnvFile(t, "FLEX_TEST_PLAIN=bar\n")); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("FLEX_TEST_PLAIN"); got != "existing" {
		t.Fatalf("expected existing value to win, got %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file must be ignored, got %v", err)
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv("FLEX_TIMESCALE_DSN", "postgres://keeper@db/flex")
	t.Setenv("FLEX_ORACLE_REST_URL", " http://oracle:8080 ")
	t.Setenv("FLEX_TELEGRAM_TOKEN", "")
	cfg := &Config{Telegram: TelegramConfig{Token: "from-file"}}
	applyEnvOverrides(cfg)
	if cfg.Timescale.DSN != "postgres://keeper@db/flex" {
		t.Fatalf("unexpected dsn %q", cfg.Timescale.DSN)
	}
	if cfg.Oracle.RESTURL != "http://oracle:8080" {
		t.Fatalf("unexpected rest url %q", cfg.Oracle.RESTURL)
	}
	if cfg.Telegram.Token != "from-file" {
		t.Fatalf("empty env must not clear the file value, got %q", cfg.Telegram.Token)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}
