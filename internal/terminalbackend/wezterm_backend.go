package terminalbackend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// EnterMethod controls how WezTermBackend submits a prompt after pasting
// text: via a real key event, via a carriage-return byte, or "auto" (try
// the key event, fall back to CR on failure) — spec §4.C1.
type EnterMethod string

const (
	EnterAuto EnterMethod = "auto"
	EnterKey  EnterMethod = "key"
	EnterText EnterMethod = "text"
)

// enterMethodEnv is the tunable named in spec §4.C1.
const enterMethodEnv = "CCB_WEZTERM_ENTER_METHOD"

func resolveEnterMethod() EnterMethod {
	switch EnterMethod(strings.ToLower(os.Getenv(enterMethodEnv))) {
	case EnterKey:
		return EnterKey
	case EnterText:
		return EnterText
	default:
		return EnterAuto
	}
}

// WezTermBackend drives WezTerm's `wezterm cli` subcommand as an external
// subprocess, following the same run/wrapError idiom as TmuxBackend.
type WezTermBackend struct {
	enterMethod EnterMethod
}

// NewWezTermBackend returns a ready-to-use WezTerm backend, resolving its
// Enter-submission method from CCB_WEZTERM_ENTER_METHOD.
func NewWezTermBackend() *WezTermBackend {
	return &WezTermBackend{enterMethod: resolveEnterMethod()}
}

func (b *WezTermBackend) run(args ...string) (string, error) {
	cmd := exec.Command("wezterm", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		stderr := strings.TrimSpace(stderr.String())
		if strings.Contains(stderr, "unable to connect") || strings.Contains(stderr, "no such pane") {
			return "", ErrUnavailable
		}
		if stderr != "" {
			return "", fmt.Errorf("wezterm: %s", stderr)
		}
		return "", fmt.Errorf("wezterm: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

type wezPane struct {
	PaneID int    `json:"pane_id"`
	Title  string `json:"title"`
}

// IsAlive reports whether paneID still appears in `wezterm cli list`.
func (b *WezTermBackend) IsAlive(paneID string) bool {
	out, err := b.run("cli", "list", "--format", "json")
	if err != nil {
		return false
	}
	var panes []wezPane
	if err := json.Unmarshal([]byte(out), &panes); err != nil {
		return false
	}
	for _, p := range panes {
		if fmt.Sprintf("%d", p.PaneID) == paneID {
			return true
		}
	}
	return false
}

// FindPaneByTitleMarker scans `wezterm cli list` for a pane whose title
// contains marker.
func (b *WezTermBackend) FindPaneByTitleMarker(marker string) (string, bool) {
	out, err := b.run("cli", "list", "--format", "json")
	if err != nil {
		return "", false
	}
	var panes []wezPane
	if err := json.Unmarshal([]byte(out), &panes); err != nil {
		return "", false
	}
	for _, p := range panes {
		if strings.Contains(p.Title, marker) {
			return fmt.Sprintf("%d", p.PaneID), true
		}
	}
	return "", false
}

// SendText pastes text into paneID then submits it per the resolved Enter
// method: "key" sends a real Enter key event and never falls back; "text"
// sends a carriage return byte; "auto" (default) tries the key event and
// falls back to CR only if that fails.
func (b *WezTermBackend) SendText(paneID, text string) error {
	if _, err := b.run("cli", "send-text", "--pane-id", paneID, "--no-paste", text); err != nil {
		return err
	}
	switch b.enterMethod {
	case EnterKey:
		_, err := b.sendEnterKey(paneID)
		return err
	case EnterText:
		return b.sendEnterCR(paneID)
	default: // auto
		if _, err := b.sendEnterKey(paneID); err == nil {
			return nil
		}
		return b.sendEnterCR(paneID)
	}
}

func (b *WezTermBackend) sendEnterKey(paneID string) (string, error) {
	return b.run("cli", "send-key", "--pane-id", paneID, "--no-paste", "Enter")
}

func (b *WezTermBackend) sendEnterCR(paneID string) error {
	_, err := b.run("cli", "send-text", "--pane-id", paneID, "--no-paste", "\r")
	return err
}
