package pg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLatestVersion(t *testing.T) {
	v, err := LatestVersion(filepath.Join("..", "..", "..", "migrations"))
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("repo migrations latest = %d, want 1", v)
	}

	dir := t.TempDir()
	for _, name := range []string{
		"000001_agent_servers.up.sql", "000001_agent_servers.down.sql",
		"000003_health_index.up.sql", "000003_health_index.down.sql",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if v, err := LatestVersion(dir); err != nil || v != 3 {
		t.Fatalf("latest = %d, %v; want 3", v, err)
	}
}

func TestSchemaStatusString(t *testing.T) {
	tests := []struct {
		st   SchemaStatus
		want string
	}{
		{SchemaStatus{Version: 1, Latest: 1, Servers: 4}, "agent_servers schema v1/1 (clean), 4 server records"},
		{SchemaStatus{Version: 0, Latest: 2, Servers: -1}, "agent_servers schema v0/2 (2 pending), table missing"},
		{SchemaStatus{Version: 1, Latest: 2, Dirty: true}, "agent_servers schema v1/2 (dirty), 0 server records"},
	}
	for _, tt := range tests {
		if got := tt.st.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
	if (SchemaStatus{Version: 2, Latest: 2}).Pending() {
		t.Fatal("up-to-date schema reported pending")
	}
}
