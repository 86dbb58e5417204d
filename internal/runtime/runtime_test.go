package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAtomicWriteFileReplacesContentInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := AtomicWriteFile(path, []byte("first"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Fatalf("content = %q, want %q", data, "second")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "state.json" {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}

func TestTruncateToTailKeepsOnlyTrailingBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := TruncateToTail(path, 4); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "6789" {
		t.Fatalf("content = %q, want %q", data, "6789")
	}
}

func TestTruncateToTailNoopWhenSmallerThanLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := TruncateToTail(path, 1000); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "short" {
		t.Fatalf("content = %q, want unchanged", data)
	}
}

func TestLogRotatorRateLimitsChecks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}

	r := &LogRotator{Path: path, MaxBytes: 4, CheckInterval: time.Hour}
	if err := r.MaybeRotate(); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "6789" {
		t.Fatalf("first rotate = %q, want %q", data, "6789")
	}

	// Grow the file again; a second check within CheckInterval must be a
	// no-op (rate limited), not a second rotation.
	if err := os.WriteFile(path, []byte("abcdefghij"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.MaybeRotate(); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "abcdefghij" {
		t.Fatalf("rate-limited rotate changed content: %q", data)
	}
}

func TestLogWriterSurvivesRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caskd.log")

	w, err := OpenLogWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}

	rotator := &LogRotator{Path: path, MaxBytes: 4, CheckInterval: time.Hour}
	rotator.OnRotate = func() {
		if err := w.Reopen(); err != nil {
			t.Fatal(err)
		}
	}
	if err := rotator.MaybeRotate(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "6789" {
		t.Fatalf("content after rotate = %q, want %q", data, "6789")
	}

	// A write through the reopened handle must land in the live file, not
	// the renamed-away inode TruncateToTail left behind.
	if _, err := w.Write([]byte("X")); err != nil {
		t.Fatal(err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "6789X" {
		t.Fatalf("content after post-rotate write = %q, want %q", data, "6789X")
	}
}

func TestNewTokenIsHexAndNonEmpty(t *testing.T) {
	tok, err := NewToken()
	if err != nil {
		t.Fatal(err)
	}
	if len(tok) != 32 {
		t.Fatalf("token length = %d, want 32", len(tok))
	}
	tok2, err := NewToken()
	if err != nil {
		t.Fatal(err)
	}
	if tok == tok2 {
		t.Fatal("two tokens collided")
	}
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Cap: 40 * time.Millisecond}
	if d := b.Delay(); d != 10*time.Millisecond {
		t.Fatalf("initial delay = %v, want 10ms", d)
	}
	if d := b.Grow(); d != 20*time.Millisecond {
		t.Fatalf("grow 1 = %v, want 20ms", d)
	}
	if d := b.Grow(); d != 40*time.Millisecond {
		t.Fatalf("grow 2 = %v, want 40ms", d)
	}
	if d := b.Grow(); d != 40*time.Millisecond {
		t.Fatalf("grow past cap = %v, want capped at 40ms", d)
	}
	if d := b.Reset(); d != 10*time.Millisecond {
		t.Fatalf("reset = %v, want 10ms", d)
	}
}

func TestTickerRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := Ticker{NextDelay: FixedDelay(5 * time.Millisecond)}

	calls := make(chan struct{}, 16)
	done := make(chan struct{})
	go func() {
		ticker.Run(ctx, func() { calls <- struct{}{} })
		close(done)
	}()

	<-calls
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
