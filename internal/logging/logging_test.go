package logging

import (
	"testing"

	"flexlev-keeper/internal/config"

	"go.uber.org/zap/zapcore"
)

func TestLevels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":  zapcore.DebugLevel,
		" WARN ": zapcore.WarnLevel,
		"error":  zapcore.ErrorLevel,
		"":       zapcore.InfoLevel,
		"trace":  zapcore.InfoLevel,
	}
	for raw, want := range cases {
		if got := level(raw); got != want {
			t.Fatalf("level(%q): expected %s, got %s", raw, want, got)
		}
	}
}

func TestNewRespectsLevel(t *testing.T) {
	log := New(config.LoggingConfig{Level: "warn", Encoding: "console"})
	defer func() { _ = log.Sync() }()
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !log.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("error must be enabled at warn level")
	}
}
