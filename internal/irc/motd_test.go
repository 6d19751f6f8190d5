package irc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMOTDDefault(t *testing.T) {
	m := NewMOTD("")
	defer m.Close()

	lines := m.Lines()
	if len(lines) != 1 || lines[0] != "MOTD file is missing." {
		t.Fatalf("lines = %q", lines)
	}
}

func TestMOTDFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motd.txt")
	if err := os.WriteFile(path, []byte("line one\nline two\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewMOTD(path)
	defer m.Close()

	lines := m.Lines()
	if len(lines) != 2 || lines[0] != "line one" || lines[1] != "line two" {
		t.Fatalf("lines = %q", lines)
	}
}

func TestMOTDReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motd.txt")
	if err := os.WriteFile(path, []byte("old greeting\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewMOTD(path)
	defer m.Close()

	if err := os.WriteFile(path, []byte("new greeting\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	waitUntil(t, "motd reload", func() bool {
		lines := m.Lines()
		return len(lines) == 1 && lines[0] == "new greeting"
	})
}

func TestMOTDFileAppearsLater(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "motd.txt")

	m := NewMOTD(path)
	defer m.Close()

	if lines := m.Lines(); len(lines) != 1 || lines[0] != "MOTD file is missing." {
		t.Fatalf("lines before file exists = %q", lines)
	}

	if err := os.WriteFile(path, []byte("here now\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, "motd pickup", func() bool {
		lines := m.Lines()
		return len(lines) == 1 && lines[0] == "here now"
	})
}
