package ccberr

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCodeMapsTimeoutToTwo(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrTimeout)
	if got := ExitCode(wrapped); got != 2 {
		t.Fatalf("ExitCode(timeout) = %d, want 2", got)
	}
}

func TestExitCodeMapsOtherErrorsToOne(t *testing.T) {
	for _, err := range []error{ErrPaneDead, ErrNoSession, ErrUnauthorized, errors.New("unrelated")} {
		if got := ExitCode(err); got != 1 {
			t.Fatalf("ExitCode(%v) = %d, want 1", err, got)
		}
	}
}

func TestExitCodeNilIsZero(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("ExitCode(nil) = %d, want 0", got)
	}
}
