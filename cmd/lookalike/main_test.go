package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/eargollo/lookalike/internal/config"
	"github.com/eargollo/lookalike/internal/errs"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOpenStoreDriveWithoutCredentials(t *testing.T) {
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", t.TempDir()+"/absent.json")
	cfg := config.Default()
	cfg.Auth.CredentialsFile = t.TempDir() + "/credentials.json"
	cfg.Auth.TokenFile = t.TempDir() + "/token.json"

	_, closeFn, err := openStore(context.Background(), cfg)
	defer closeFn()
	if !errors.Is(err, errs.ErrAuth) {
		t.Fatalf("got %v, want ErrAuth", err)
	}
}
