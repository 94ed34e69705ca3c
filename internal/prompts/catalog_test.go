package prompts

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCatalogFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func newTestCatalog(t *testing.T, content string) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	writeCatalogFile(t, path, content)
	c := New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := c.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return c
}

func TestPromptResolution(t *testing.T) {
	c := newTestCatalog(t, `prompts:
  default: "You are a helpful assistant."
  pirate: "Answer like a pirate."
`)

	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{"named key", "pirate", "Answer like a pirate.", false},
		{"empty key falls back to default", "", "You are a helpful assistant.", false},
		{"unknown key", "chef", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Prompt(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("prompt = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEmptyKeyWithoutDefault(t *testing.T) {
	c := newTestCatalog(t, `prompts:
  pirate: "Answer like a pirate."
`)
	got, err := c.Prompt("")
	if err != nil || got != "" {
		t.Errorf("prompt = %q, %v", got, err)
	}
}

func TestKeysSorted(t *testing.T) {
	c := newTestCatalog(t, `prompts:
  zulu: z
  alpha: a
  mike: m
`)
	keys := c.Keys()
	if len(keys) != 3 || keys[0] != "alpha" || keys[1] != "mike" || keys[2] != "zulu" {
		t.Errorf("keys = %v", keys)
	}
}

func TestReloadErrors(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.yaml"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := c.Reload(); err == nil {
		t.Error("missing file accepted")
	}

	c = newTestCatalog(t, "prompts:\n  a: b\n")
	writeCatalogFile(t, c.path, "not: [valid: yaml")
	if err := c.Reload(); err == nil {
		t.Error("malformed yaml accepted")
	}
	// The previous catalog survives a failed reload.
	if got, err := c.Prompt("a"); err != nil || got != "b" {
		t.Errorf("prompt after failed reload = %q, %v", got, err)
	}
}

func TestWatchReloads(t *testing.T) {
	c := newTestCatalog(t, "prompts:\n  greeting: hello\n")
	if err := c.StartWatching(context.Background()); err != nil {
		t.Fatalf("start watching: %v", err)
	}
	defer c.Shutdown(context.Background())

	writeCatalogFile(t, c.path, "prompts:\n  greeting: bonjour\n")

	deadline := time.After(3 * time.Second)
	for {
		if got, _ := c.Prompt("greeting"); got == "bonjour" {
			return
		}
		select {
		case <-deadline:
			t.Fatal("catalog never picked up the rewrite")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
