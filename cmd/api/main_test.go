package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "migrate", "sweep"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %q not found: %v", name, err)
		}
	}
}

func TestSweepCommand(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "sqlite::memory:")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"sweep"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("sweep error = %v", err)
	}
	if !strings.Contains(out.String(), "removed 0 messages and 0 tokens") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestServeRejectsBadConfig(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("LONG_POLL_MAX_WAIT", "soon")

	root := newRootCommand()
	root.SetArgs([]string{"serve"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected config error")
	}
}
