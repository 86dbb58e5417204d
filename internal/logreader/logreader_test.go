package logreader

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatal(err)
	}
}

func TestGenericAdapterCaptureAndWait(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jsonl")
	writeLine(t, path, `{"role":"user","content":"CCB_REQ_ID: R1"}`)

	adapter := &GenericAdapter{
		Decode:   jsonLineDecoder("role", "content"),
		Rotation: HintStrategy{},
	}

	state, err := adapter.CaptureState(path)
	if err != nil {
		t.Fatalf("CaptureState: %v", err)
	}
	if state.Offset == 0 {
		t.Fatalf("expected CaptureState to snapshot at current EOF, got offset 0")
	}

	writeLine(t, path, `{"role":"assistant","content":"Hello\nCCB_DONE: R1"}`)

	events, newState, err := adapter.WaitForEvents(state, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForEvents: %v", err)
	}
	if len(events) != 1 || events[0].Role != RoleAssistant {
		t.Fatalf("expected one assistant event, got %+v", events)
	}
	if newState.Offset <= state.Offset {
		t.Fatalf("expected offset to advance, got %d -> %d", state.Offset, newState.Offset)
	}
}

func TestReadNewLinesNeverSplitsPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.jsonl")
	if err := os.WriteFile(path, []byte(`{"role":"user","content":"hi"}`+"\n"+`{"role":"assistant","content":"partial`), 0o600); err != nil {
		t.Fatal(err)
	}

	events, offset, carry, err := readNewLines(path, 0, nil, jsonLineDecoder("role", "content"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly the complete line to decode, got %d events", len(events))
	}
	if len(carry) == 0 {
		t.Fatalf("expected the incomplete trailing line to be carried, got empty carry")
	}

	// Completing the line on the next append must decode exactly one more
	// event, never re-decoding the carried partial line as garbage.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(` reply"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	events2, _, _, err := readNewLines(path, offset, carry, jsonLineDecoder("role", "content"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events2) != 1 || events2[0].Text != "partial reply" {
		t.Fatalf("carried line did not decode correctly: %+v", events2)
	}
}

func TestDirScanStrategySkipsSidechain(t *testing.T) {
	dir := t.TempDir()
	sidechain := filepath.Join(dir, "sidechain-1.jsonl")
	main := filepath.Join(dir, "main-1.jsonl")
	if err := os.WriteFile(sidechain, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := os.WriteFile(main, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	strat := &DirScanStrategy{Root: dir, Pattern: func(n string) bool {
		return filepath.Ext(n) == ".jsonl" && !isSidechain(n)
	}}
	got, err := strat.Discover("")
	if err != nil {
		t.Fatal(err)
	}
	if got != main {
		t.Fatalf("Discover = %q, want %q", got, main)
	}
}
