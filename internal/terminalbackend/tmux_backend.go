package terminalbackend

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// TmuxBackend drives tmux as an external subprocess, the same run/
// wrapError idiom as the teacher's internal/tmux/tmux.go.
type TmuxBackend struct{}

// NewTmuxBackend returns a ready-to-use tmux backend.
func NewTmuxBackend() *TmuxBackend { return &TmuxBackend{} }

func (b *TmuxBackend) run(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", b.wrapError(err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (b *TmuxBackend) wrapError(err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	switch {
	case strings.Contains(stderr, "no server running"), strings.Contains(stderr, "error connecting to"):
		return ErrUnavailable
	case strings.Contains(stderr, "can't find pane"), strings.Contains(stderr, "can't find window"):
		return ErrPaneNotFound
	case stderr != "":
		return fmt.Errorf("tmux: %s", stderr)
	default:
		return fmt.Errorf("tmux: %w", err)
	}
}

// IsAlive reports whether paneID is a live tmux pane.
func (b *TmuxBackend) IsAlive(paneID string) bool {
	_, err := b.run("display-message", "-p", "-t", paneID, "#{pane_id}")
	return err == nil
}

// SendText places text into paneID via tmux's buffer mechanism (load-buffer
// / paste-buffer / delete-buffer) rather than send-keys -l, so the full
// payload lands atomically regardless of size, then presses Enter
// separately (spec §4.C1). The delete-buffer step always runs, even if
// paste-buffer failed, so a stray buffer never leaks into the next
// request's paste.
func (b *TmuxBackend) SendText(paneID, text string) error {
	bufName := "ccb-" + uuid.NewString()

	tmp, err := os.CreateTemp("", "ccb-tmux-buf-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if _, err := b.run("load-buffer", "-b", bufName, tmp.Name()); err != nil {
		return err
	}

	pasteErr := func() error {
		_, err := b.run("paste-buffer", "-b", bufName, "-t", paneID, "-d")
		return err
	}()
	// -d already deletes the buffer on success; on failure it may not have
	// been consumed, so delete explicitly and ignore a "no such buffer"
	// error from a -d paste that did clean up.
	_, _ = b.run("delete-buffer", "-b", bufName)
	if pasteErr != nil {
		return pasteErr
	}

	_, err = b.run("send-keys", "-t", paneID, "Enter")
	return err
}

// FindPaneByTitleMarker scans all panes for one whose title contains
// marker, returning its current pane id.
func (b *TmuxBackend) FindPaneByTitleMarker(marker string) (string, bool) {
	out, err := b.run("list-panes", "-a", "-F", "#{pane_id}\t#{pane_title}")
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.Contains(parts[1], marker) {
			return parts[0], true
		}
	}
	return "", false
}

// RespawnPane restarts a dead pane in place with command, per spec §4.C8
// step 2 ("respawn the pane with remain_on_exit=true").
func (b *TmuxBackend) RespawnPane(paneID, command, cwd string, remainOnExit bool) error {
	args := []string{"respawn-pane", "-k", "-t", paneID}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if command != "" {
		args = append(args, command)
	}
	if _, err := b.run(args...); err != nil {
		return err
	}
	if remainOnExit {
		_, err := b.run("set-option", "-t", paneID, "remain-on-exit", "on")
		return err
	}
	return nil
}

// CreatePane starts a new detached tmux session running command in cwd,
// tags it with titleMarker, and returns the pane id of the new session's
// first pane.
func (b *TmuxBackend) CreatePane(cwd, command, titleMarker string) (string, error) {
	sessionName := "ccb-" + uuid.NewString()[:8]
	args := []string{"new-session", "-d", "-P", "-F", "#{pane_id}", "-s", sessionName}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if command != "" {
		args = append(args, command)
	}
	paneID, err := b.run(args...)
	if err != nil {
		return "", err
	}
	if err := b.SetPaneTitle(paneID, titleMarker); err != nil {
		return paneID, err
	}
	return paneID, nil
}

// SetPaneTitle sets a pane's title to the authoritative marker used to
// re-find it later (spec §9).
func (b *TmuxBackend) SetPaneTitle(paneID, title string) error {
	_, err := b.run("select-pane", "-t", paneID, "-T", title)
	return err
}

// SaveCrashLog captures the last N lines visible in paneID's scrollback
// before it is respawned, writing them to path (spec §4.C8 step 2: "save a
// crash log ... lines=1000").
func (b *TmuxBackend) SaveCrashLog(paneID, path string, lines int) error {
	out, err := b.run("capture-pane", "-p", "-t", paneID, "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(out), 0o600)
}

// CapturePane returns the visible text of paneID's scrollback, used by the
// Codex pane-liveness check for its "Conversation interrupted" heuristic
// (spec §4.C8 step 9).
func (b *TmuxBackend) CapturePane(paneID string, lines int) (string, error) {
	return b.run("capture-pane", "-p", "-t", paneID, "-S", "-"+strconv.Itoa(lines))
}
