package protocol

import (
	"strings"
	"testing"
	"time"
)

func TestMakeReqIDFormat(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 34, 56, 789_000_000, time.UTC)
	id := MakeReqID(now)
	if !strings.HasPrefix(id, "20260731-123456-789-") {
		t.Fatalf("unexpected req id shape: %s", id)
	}
}

func TestWrapEndsWithSingleNewline(t *testing.T) {
	wrapped := Wrap("hi there", "R1")
	if !strings.HasSuffix(wrapped, "CCB_DONE: R1\n") {
		t.Fatalf("wrap did not end with done marker: %q", wrapped)
	}
	if strings.HasSuffix(wrapped, "\n\n") {
		t.Fatalf("wrap ended with more than one newline: %q", wrapped)
	}
	if !strings.Contains(wrapped, "CCB_REQ_ID: R1\n") {
		t.Fatalf("wrap missing req id header: %q", wrapped)
	}
}

func TestIsDoneText(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		id    string
		want  bool
	}{
		{"exact", "Hello\nCCB_DONE: R\n", "R", true},
		{"trailing blank", "Hello\nCCB_DONE: R\n\n\n", "R", true},
		{"other done tag after ours", "Hello\nCCB_DONE: R\nHARNESS_DONE: x\n", "R", true},
		{"wrong id", "Hello\nCCB_DONE: OTHER\n", "R", false},
		{"no done", "Hello\n", "R", false},
		{"done tag not ours at end", "Hello\nCCB_DONE: R\nSOMETHING\n", "R", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsDoneText(c.reply, c.id); got != c.want {
				t.Errorf("IsDoneText(%q, %q) = %v, want %v", c.reply, c.id, got, c.want)
			}
		})
	}
}

func TestStripDoneText(t *testing.T) {
	got := StripDoneText("Hello\nCCB_DONE: R\n", "R")
	if got != "Hello" {
		t.Fatalf("StripDoneText = %q, want %q", got, "Hello")
	}
}

func TestExtractReplyTwoDoneLines(t *testing.T) {
	reply := "Stale reply\nCCB_DONE: OLD\nHello\nCCB_DONE: R\n"
	got := ExtractReply(reply, "R")
	if got != "Hello" {
		t.Fatalf("ExtractReply = %q, want %q", got, "Hello")
	}
}

func TestWrapStripRoundTrip(t *testing.T) {
	original := "What is 2+2?"
	wrapped := Wrap(original, "R2")
	// Simulate the provider echoing the wrapped prompt verbatim as its own
	// reply, with a generated answer inserted before the done marker.
	echo := strings.Replace(wrapped, "CCB_DONE: R2\n", "4\nCCB_DONE: R2\n", 1)
	stripped := StripDoneText(echo, "R2")
	if !strings.Contains(stripped, "4") {
		t.Fatalf("round trip lost the reply content: %q", stripped)
	}
}
