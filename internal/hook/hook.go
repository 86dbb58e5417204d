// Package hook implements C11: a fire-and-forget completion notification
// spawned after a task completes with done_seen=true. Grounded on
// original_source/lib/completion_hook.py's script-discovery and
// swallow-all-failures shape, with one deliberate deviation the spec
// requires: the reply is piped over stdin rather than passed as an argv
// flag, so an arbitrarily long reply never risks the platform's argument
// length limit.
package hook

import (
	"bytes"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const runTimeout = 10 * time.Second

// Notification is the payload delivered to the configured hook script
// (spec §4.C11: "(provider, caller, req_id, output_path?, reply)").
type Notification struct {
	Provider   string
	Caller     string
	ReqID      string
	OutputPath string
	Reply      string
	DoneSeen   bool
}

// Notify spawns the completion hook asynchronously if enabled and
// done_seen is true; it never blocks the caller past the spawn itself, and
// never returns an error (spec §4.C11: "Failures are swallowed").
func Notify(n Notification) {
	if !n.DoneSeen {
		return
	}
	if !enabled() {
		return
	}
	script := findScript()
	if script == "" {
		return
	}
	go run(script, n)
}

// enabled reads CCB_COMPLETION_HOOK_ENABLED, default false (this bridge's
// default is the opposite of the original's default-true, since a bridge
// with no hook configured should stay silent rather than searching the
// filesystem on every task).
func enabled() bool {
	switch strings.ToLower(os.Getenv("CCB_COMPLETION_HOOK_ENABLED")) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// findScript resolves the hook script: CCB_COMPLETION_HOOK_SCRIPT if set,
// else the same fallback search order as the original implementation.
func findScript() string {
	if p := os.Getenv("CCB_COMPLETION_HOOK_SCRIPT"); p != "" {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
		return ""
	}
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".local", "bin", "ccb-completion-hook"),
		"/usr/local/bin/ccb-completion-hook",
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func run(script string, n Notification) {
	args := []string{
		"--provider", n.Provider,
		"--caller", n.Caller,
		"--req-id", n.ReqID,
	}
	if n.OutputPath != "" {
		args = append(args, "--output", n.OutputPath)
	}

	cmd := exec.Command(script, args...)
	cmd.Stdin = bytes.NewReader([]byte(n.Reply))
	cmd.Env = append(os.Environ(), "CCB_WORK_DIR="+os.Getenv("CCB_WORK_DIR"))

	timer := time.AfterFunc(runTimeout, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
	defer timer.Stop()

	if err := cmd.Run(); err != nil {
		slog.Debug("completion hook failed", "script", script, "error", err)
	}
}
