package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
servers:
  - id: everything
    name: Everything
    command: npx
    args: ["@modelcontextprotocol/server-everything"]
    env:
      DEBUG: "1"
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if len(cfg.Servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(cfg.Servers))
	}
	entry := cfg.Servers[0]
	if entry.ID != "everything" || entry.Command != "npx" || entry.Env["DEBUG"] != "1" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestLoadConfigRejectsIncompleteEntries(t *testing.T) {
	t.Parallel()

	if _, err := loadConfig(writeConfig(t, "servers:\n  - name: no-id\n    command: x\n")); err == nil {
		t.Fatalf("entry without id accepted")
	}
	if _, err := loadConfig(writeConfig(t, "servers:\n  - id: no-command\n")); err == nil {
		t.Fatalf("entry without command accepted")
	}
}

func TestRunReturnsOnListenFailure(t *testing.T) {
	t.Parallel()

	// Occupy a port so the status API cannot bind; run must return the
	// error instead of exiting, so its cleanup defers still execute.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), zap.NewNop(), config{}, ln.Addr().String())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("run on an occupied port returned nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return on listen failure")
	}
}
