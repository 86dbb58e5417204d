// Package terminalbackend implements C1: a polymorphic abstraction over the
// terminal multiplexers (tmux, WezTerm) that host provider panes, adapted
// from the teacher's internal/tmux/tmux.go (run/wrapError subprocess
// wrapping, SendKeys* family, CapturePane, RespawnPane) and generalized
// from Gas Town's session-name theming to opaque pane ids across two
// backends.
package terminalbackend

import "errors"

// Sentinel errors, mirroring the teacher's tmux.ErrNoServer/
// ErrSessionExists/ErrSessionNotFound stderr-substring classification.
var (
	ErrUnavailable = errors.New("terminal backend unavailable")
	ErrPaneNotFound = errors.New("pane not found")
)

// Backend is the capability set every multiplexer driver implements (spec
// §4.C1).
type Backend interface {
	// IsAlive reports whether paneID currently names a live pane.
	IsAlive(paneID string) bool

	// SendText atomically places the full payload into the pane and
	// presses Enter.
	SendText(paneID, text string) error

	// FindPaneByTitleMarker looks for a pane whose title contains marker,
	// returning its current id. Used to re-bind a pane whose id has
	// churned (spec §9: "pane title marker as authoritative id").
	FindPaneByTitleMarker(marker string) (paneID string, ok bool)
}

// TmuxCapable is the extended capability set the tmux backend additionally
// provides (spec §4.C1).
type TmuxCapable interface {
	Backend
	RespawnPane(paneID, command, cwd string, remainOnExit bool) error
	CreatePane(cwd, command, titleMarker string) (paneID string, err error)
	SetPaneTitle(paneID, title string) error
	SaveCrashLog(paneID, path string, lines int) error
}

// Terminal names the two supported multiplexers, matching the session
// file's "terminal" field (spec §3).
type Terminal string

const (
	Tmux    Terminal = "tmux"
	WezTerm Terminal = "wezterm"
)

// For builds the Backend for the given terminal kind.
func For(terminal Terminal) (Backend, error) {
	switch terminal {
	case Tmux, "":
		return NewTmuxBackend(), nil
	case WezTerm:
		return NewWezTermBackend(), nil
	default:
		return nil, errors.New("unknown terminal kind: " + string(terminal))
	}
}
