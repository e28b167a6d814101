package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
)

const managerConfigYAML = `
server:
  port: 8080
providers:
  - name: main
    type: openai
    api_key: test-key
functions:
  summarize:
    kind: chat
    variants:
      primary:
        provider: main
        model: gpt-4o-mini
        weight: 1
`

func TestManagerReload(t *testing.T) {
	path := createTempFile(t, managerConfigYAML)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if got := mgr.Get().Server.Port; got != 8080 {
		t.Fatalf("port = %d, want 8080", got)
	}

	var notified *Config
	mgr.OnChange(func(c *Config) { notified = c })

	updated := strings.Replace(managerConfigYAML, "port: 8080", "port: 9090", 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if got := mgr.Get().Server.Port; got != 9090 {
		t.Fatalf("port after reload = %d, want 9090", got)
	}
	if notified == nil || notified.Server.Port != 9090 {
		t.Fatal("OnChange callback did not receive the new config")
	}
}

func TestManagerReloadKeepsCurrentOnError(t *testing.T) {
	path := createTempFile(t, managerConfigYAML)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	// Invalid: no functions.
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := mgr.Reload(); err == nil {
		t.Fatal("Reload() should fail for invalid config")
	}

	if got := mgr.Get().Server.Port; got != 8080 {
		t.Fatalf("port = %d, want 8080 (old config retained)", got)
	}
}
