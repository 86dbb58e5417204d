package refresh

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wiretap-dev/ccb/internal/sessionfile"
)

func writeJSONL(t *testing.T, path string, lines ...map[string]any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for _, line := range lines {
		data, err := json.Marshal(line)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			t.Fatal(err)
		}
	}
}

func TestExtractSessionIDFromStartCmd(t *testing.T) {
	got := extractSessionID("codex resume 018f2b1a-9e3d-7c51-8a2e-2f6f6a2f9c11")
	want := "018f2b1a-9e3d-7c51-8a2e-2f6f6a2f9c11"
	if got != want {
		t.Fatalf("extractSessionID = %q, want %q", got, want)
	}
	if extractSessionID("") != "" {
		t.Fatal("expected empty extraction from empty start_cmd")
	}
	if extractSessionID("codex") != "" {
		t.Fatal("expected no match without a uuid present")
	}
}

func TestFindLatestLogForSessionID(t *testing.T) {
	root := t.TempDir()
	older := filepath.Join(root, "a", "018f2b1a-9e3d-7c51-8a2e-2f6f6a2f9c11-old.jsonl")
	newer := filepath.Join(root, "b", "018f2b1a-9e3d-7c51-8a2e-2f6f6a2f9c11-new.jsonl")
	writeJSONL(t, older, map[string]any{"type": "session_meta"})
	time.Sleep(10 * time.Millisecond)
	writeJSONL(t, newer, map[string]any{"type": "session_meta"})

	m := New(root, 400, time.Minute, 10*time.Minute)
	got := m.findLatestLogForSessionID("018f2b1a-9e3d-7c51-8a2e-2f6f6a2f9c11")
	if got != newer {
		t.Fatalf("findLatestLogForSessionID = %q, want %q", got, newer)
	}
}

func TestScanLatestLogForWorkDir(t *testing.T) {
	root := t.TempDir()
	workDir := t.TempDir()

	outside := filepath.Join(root, "outside.jsonl")
	writeJSONL(t, outside, map[string]any{
		"type":    "session_meta",
		"payload": map[string]any{"cwd": t.TempDir(), "id": "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"},
	})
	time.Sleep(10 * time.Millisecond)

	inside := filepath.Join(root, "inside.jsonl")
	writeJSONL(t, inside, map[string]any{
		"type":    "session_meta",
		"payload": map[string]any{"cwd": workDir, "id": "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"},
	})

	m := New(root, 400, time.Minute, 10*time.Minute)
	gotPath, gotSID := m.scanLatestLogForWorkDir(workDir)
	if gotPath != inside {
		t.Fatalf("scanLatestLogForWorkDir path = %q, want %q", gotPath, inside)
	}
	if gotSID != "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb" {
		t.Fatalf("scanLatestLogForWorkDir sid = %q", gotSID)
	}
}

func TestRefreshBindingPrefersStartCmdSession(t *testing.T) {
	root := t.TempDir()
	workDir := t.TempDir()
	sid := "018f2b1a-9e3d-7c51-8a2e-2f6f6a2f9c11"
	logFile := filepath.Join(root, sid+".jsonl")
	writeJSONL(t, logFile, map[string]any{"type": "session_meta", "payload": map[string]any{"cwd": workDir, "id": sid}})

	sess := sessionfile.Session{
		sessionfile.KeyStartCmd: "codex resume " + sid,
	}

	m := New(root, 400, time.Minute, 10*time.Minute)
	updated := m.refreshBinding(sess, workDir, false)
	if !updated {
		t.Fatal("expected binding to be written on first refresh")
	}
	if sess[sessionfile.SessionPathKey("codex")] != logFile {
		t.Fatalf("codex_session_path = %v, want %v", sess[sessionfile.SessionPathKey("codex")], logFile)
	}
	if sess[sessionfile.SessionIDKey("codex")] != sid {
		t.Fatalf("codex_session_id = %v, want %v", sess[sessionfile.SessionIDKey("codex")], sid)
	}

	// A second refresh with nothing changed should report no update.
	updated = m.refreshBinding(sess, workDir, false)
	if updated {
		t.Fatal("expected no-op refresh once already bound to the newest log")
	}
}

func TestTrackIsIdempotent(t *testing.T) {
	m := New(t.TempDir(), 400, time.Minute, 10*time.Minute)
	m.Track("/proj")
	m.Track("/proj")
	if len(m.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(m.entries))
	}
	m.Forget("/proj")
	if len(m.entries) != 0 {
		t.Fatalf("entries = %d after Forget, want 0", len(m.entries))
	}
}
