package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLineHandlerFormatsLevelAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf)
	logger.Info("daemon listening", "prefix", "cask", "port", 4242)

	line := buf.String()
	if !strings.HasPrefix(line, `[INFO] msg="daemon listening"`) {
		t.Fatalf("unexpected prefix: %q", line)
	}
	if !strings.Contains(line, "prefix=cask") || !strings.Contains(line, "port=4242") {
		t.Fatalf("missing attrs: %q", line)
	}
}

func TestTeeHandlerInvokesCallbackAndBase(t *testing.T) {
	var buf bytes.Buffer
	var captured string
	handler := NewTeeHandler(NewLineHandler(&buf), func(r slog.Record) {
		captured = r.Message
	})
	logger := slog.New(handler)

	logger.Warn("pane died")

	if captured != "pane died" {
		t.Fatalf("callback message = %q, want %q", captured, "pane died")
	}
	if !strings.Contains(buf.String(), "[WARN]") {
		t.Fatalf("base handler did not receive the record: %q", buf.String())
	}
}

func TestErrorfAndWarnfPrefix(t *testing.T) {
	if got := Errorf("boom %d", 1); got != "❌ boom 1" {
		t.Fatalf("Errorf = %q", got)
	}
	if got := Warnf("careful %s", "now"); got != "⚠ careful now" {
		t.Fatalf("Warnf = %q", got)
	}
}
