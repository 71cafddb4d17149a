package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/conductor/internal/bus"
	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/projects"
	"github.com/nextlevelbuilder/conductor/internal/servers"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	proj := filepath.Join(root, "northstar")
	if err := os.MkdirAll(proj, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(proj, "go.mod"), []byte("module northstar\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Projects.Roots = config.FlexibleStringSlice{root}
	cfg.Projects.MaxDepth = 1
	cfg.Database.Path = filepath.Join(t.TempDir(), "servers.json")
	return cfg
}

func TestOpenStores(t *testing.T) {
	cfg := testConfig(t)
	for _, mode := range []string{"", "file", "sqlite"} {
		cfg.Database.Mode = mode
		cfg.Database.Path = filepath.Join(t.TempDir(), "servers.db")
		st, err := openStores(cfg)
		if err != nil {
			t.Fatalf("mode %q: %v", mode, err)
		}
		st.Close()
	}

	cfg.Database.Mode = "managed"
	cfg.Database.PostgresDSN = ""
	if _, err := openStores(cfg); err == nil {
		t.Fatal("managed mode without DSN should fail")
	}
	cfg.Database.Mode = "carrier-pigeon"
	if _, err := openStores(cfg); err == nil {
		t.Fatal("unknown mode should fail")
	}
}

func TestRuntimeWiresServerStatus(t *testing.T) {
	rt, err := buildRuntime(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer rt.close()

	if rt.projects.Len() != 1 {
		t.Fatalf("projects = %d", rt.projects.Len())
	}
	proj := rt.projects.All()[0]

	var names []string
	rt.bus.Subscribe("test", func(e bus.Event) { names = append(names, e.Name) })

	if err := rt.servers.Set(servers.ServerInfo{ProjectPath: proj.Path, URL: "http://127.0.0.1:1", Status: servers.StatusStarting}); err != nil {
		t.Fatal(err)
	}
	if err := rt.servers.UpdateStatus(proj.Path, servers.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if !rt.monitor.Subscribed(proj.Path) {
		t.Fatal("running server not subscribed")
	}
	if p, _ := rt.projects.Get(proj.ID); p.State != projects.StateActive {
		t.Fatalf("project state = %s", p.State)
	}

	if err := rt.servers.UpdateStatus(proj.Path, servers.StatusStopped); err != nil {
		t.Fatal(err)
	}
	if rt.monitor.Subscribed(proj.Path) {
		t.Fatal("stopped server still subscribed")
	}
	if p, _ := rt.projects.Get(proj.ID); p.State != projects.StateInactive {
		t.Fatalf("project state = %s", p.State)
	}

	joined := strings.Join(names, ",")
	if !strings.Contains(joined, protocol.EventServerStatus) || !strings.Contains(joined, protocol.EventProjectChange) {
		t.Fatalf("bus events = %s", joined)
	}
}

func TestPrintTableAlignsWideRunes(t *testing.T) {
	var buf bytes.Buffer
	printTable(&buf, []string{"ID", "NAME"}, [][]string{{"日本", "a"}, {"abcd", "b"}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	// "日本" is four cells wide, same as "abcd".
	if !strings.HasPrefix(lines[1], "日本  a") || !strings.HasPrefix(lines[2], "abcd  b") {
		t.Fatalf("unaligned output:\n%s", buf.String())
	}
}

func TestResolveMigrationsDir(t *testing.T) {
	t.Cleanup(func() { migrationsDir = "" })

	t.Setenv("CONDUCTOR_MIGRATIONS_DIR", "/srv/conductor/migrations")
	if got := resolveMigrationsDir(); got != "/srv/conductor/migrations" {
		t.Fatalf("env dir = %q", got)
	}
	migrationsDir = "./local"
	if got := resolveMigrationsDir(); got != "./local" {
		t.Fatalf("flag dir = %q", got)
	}
	migrationsDir = ""
	t.Setenv("CONDUCTOR_MIGRATIONS_DIR", "")
	if got := resolveMigrationsDir(); filepath.Base(got) != "migrations" {
		t.Fatalf("default dir = %q", got)
	}
}
