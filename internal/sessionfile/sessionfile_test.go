package sessionfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileIsEmptyMap(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("Load returned error for missing file: %v", err)
	}
	if len(s) != 0 {
		t.Fatalf("expected empty session, got %v", s)
	}
}

func TestLoadCorruptJSONIsEmptyMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".codex-session")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error for corrupt file: %v", err)
	}
	if len(s) != 0 {
		t.Fatalf("expected empty session for corrupt file, got %v", s)
	}
	// the core never deletes a corrupt file
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("corrupt file was removed: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "codex", DefaultSessionName)

	s := Session{
		KeyTerminal:        "tmux",
		KeyPaneID:          "%3",
		KeyPaneTitleMarker: "ccb-marker-abc",
		KeyWorkDir:         dir,
		SessionIDKey("codex"): "sess-1",
	}
	if err := Save(path, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.PaneID() != "%3" {
		t.Fatalf("PaneID = %q, want %%3", loaded.PaneID())
	}
	if loaded.Terminal() != "tmux" {
		t.Fatalf("Terminal = %q, want tmux", loaded.Terminal())
	}
	if !loaded.Active() {
		t.Fatalf("Active should default true when unset")
	}
}

func TestActiveDefaultsTrue(t *testing.T) {
	s := Session{}
	if !s.Active() {
		t.Fatalf("Active() should be true for an unset field")
	}
	s[KeyActive] = false
	if s.Active() {
		t.Fatalf("Active() should honor an explicit false")
	}
}

func TestProjectIDStableForSamePath(t *testing.T) {
	dir := t.TempDir()
	id1, err := ProjectID(dir)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := ProjectID(dir + "/")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("ProjectID not stable across trailing slash: %q vs %q", id1, id2)
	}
}

func TestProjectIDUsesAnchor(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".ccb_config"), 0o700); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o700); err != nil {
		t.Fatal(err)
	}

	rootID, err := ProjectID(root)
	if err != nil {
		t.Fatal(err)
	}
	subID, err := ProjectID(sub)
	if err != nil {
		t.Fatal(err)
	}
	if rootID != subID {
		t.Fatalf("ProjectID should resolve to the anchor ancestor: %q vs %q", rootID, subID)
	}
}

func TestNormalizeSessionName(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", DefaultSessionName, false},
		{"Feature-X", "feature-x", false},
		{"ok_1.2", "ok_1.2", false},
		{"UPPER", "upper", false},
		{"-bad", "", true},
		{"has space", "", true},
	}
	for _, c := range cases {
		got, err := NormalizeSessionName(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("NormalizeSessionName(%q) expected error, got %q", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeSessionName(%q) unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizeSessionName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
