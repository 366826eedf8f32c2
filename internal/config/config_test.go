package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("name: test-node\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "test-node" {
		t.Fatalf("Name = %q, want test-node", cfg.Name)
	}
	if !cfg.EnableMDNS {
		t.Fatal("expected mDNS enabled by default")
	}
	if cfg.EnableKDHT {
		t.Fatal("expected DHT disabled by default")
	}
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate_RejectsBadNamespace(t *testing.T) {
	cfg := Default()
	cfg.DHTNamespace = "Not Valid!"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid DHT namespace")
	}
}
