// Package sessionfile implements C2: the per-project JSON file describing
// one provider's pane and log bindings (spec §3, §4.C2).
package sessionfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/wiretap-dev/ccb/internal/runtime"
)

// Session is the session file's JSON map. It is kept as a generic map
// (rather than a fixed struct) because the provider-specific keys are
// named "<provider>_session_id"/"<provider>_session_path" and a file only
// ever holds one provider's pair — exactly the shape of the dict the
// original Python core passed around (original_source/lib/session_scope.py,
// session_registry.py).
type Session map[string]any

// Terminal fields
const (
	KeyTerminal         = "terminal"
	KeyPaneID           = "pane_id"
	KeyPaneTitleMarker  = "pane_title_marker"
	KeyWorkDir          = "work_dir"
	KeyActive           = "active"
	KeyUpdatedAt        = "updated_at"
	KeyCCBProjectID     = "ccb_project_id"
	KeyStartCmd         = "start_cmd"
)

// SessionIDKey and SessionPathKey return the provider-scoped binding field
// names, e.g. "codex_session_id" / "codex_session_path".
func SessionIDKey(provider string) string   { return provider + "_session_id" }
func SessionPathKey(provider string) string { return provider + "_session_path" }

// Terminal returns the configured multiplexer, defaulting to "tmux" if
// unset.
func (s Session) Terminal() string {
	if v, ok := s[KeyTerminal].(string); ok && v != "" {
		return v
	}
	return "tmux"
}

// PaneID returns the opaque pane id, or "" if unset.
func (s Session) PaneID() string {
	v, _ := s[KeyPaneID].(string)
	return v
}

// PaneTitleMarker returns the title marker used to re-find a pane whose id
// has changed.
func (s Session) PaneTitleMarker() string {
	v, _ := s[KeyPaneTitleMarker].(string)
	return v
}

// Active reports the tri-state active flag: unset is treated as true, per
// spec §3.
func (s Session) Active() bool {
	v, ok := s[KeyActive]
	if !ok || v == nil {
		return true
	}
	b, ok := v.(bool)
	if !ok {
		return true
	}
	return b
}

// StartCmd returns the tmux respawn command, or "" if unset.
func (s Session) StartCmd() string {
	v, _ := s[KeyStartCmd].(string)
	return v
}

// Path returns the session file path for a (work_dir, provider,
// session_name) triple. Session names other than "default" live under
// .ccb_config/sessions/<name>/ (SPEC_FULL supplemented feature, from
// original_source/lib/session_scope.py).
func Path(workDir, provider, sessionName string) string {
	base := filepath.Join(workDir, ".ccb_config")
	if sessionName != "" && sessionName != DefaultSessionName {
		base = filepath.Join(base, "sessions", sessionName)
	}
	return filepath.Join(base, "."+provider+"-session")
}

// Load reads the session file at path. A missing file yields an empty,
// non-nil Session (meaning "no binding"). Corrupt JSON is treated the same
// way — not an error — per spec §4.C2: "corrupt JSON yields an empty map;
// do not raise". The file itself is never modified or deleted by Load.
func Load(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, nil
		}
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF}) // tolerate UTF-8 BOM

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, nil
	}
	if s == nil {
		s = Session{}
	}
	return s, nil
}

// Save writes the session file atomically (temp file + rename), chmod'ing
// to 0600 best-effort on success, and ensures parent directories exist with
// mode 0700. The lookup for a provider's file is strictly local to work_dir
// (no ancestor traversal), which Path already enforces by construction.
func Save(path string, s Session) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(map[string]any(s), "", "  ")
	if err != nil {
		return err
	}
	return runtime.AtomicWriteFile(path, data, 0o600)
}

// DefaultSessionName is the session name used when none is given.
const DefaultSessionName = "default"

// ProjectID computes the SHA-256 project id over the normalized absolute
// path of the nearest ancestor directory containing .ccb_config/ (or
// workDir itself if none is found), per spec §3. It never touches the
// filesystem beyond checking for the anchor directory's existence.
func ProjectID(workDir string) (string, error) {
	norm, err := normalizeWorkDir(workDir)
	if err != nil {
		return "", err
	}
	anchor := findAnchor(norm)
	sum := sha256.Sum256([]byte(anchor))
	return hex.EncodeToString(sum[:]), nil
}

// normalizeWorkDir expands ~, makes the path absolute, and collapses
// separators and . / .. segments (spec §3 "normalization").
func normalizeWorkDir(workDir string) (string, error) {
	if workDir == "~" || strings.HasPrefix(workDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		workDir = filepath.Join(home, strings.TrimPrefix(workDir, "~"))
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// findAnchor walks upward from dir looking for a .ccb_config directory,
// returning the first ancestor that has one, or dir itself if none is
// found anywhere up to the filesystem root.
func findAnchor(dir string) string {
	cur := dir
	for {
		if info, err := os.Stat(filepath.Join(cur, ".ccb_config")); err == nil && info.IsDir() {
			return cur
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir
		}
		cur = parent
	}
}

// HasAnchor reports whether workDir (or an ancestor) contains a
// .ccb_config directory, used by the registry's cross-project isolation
// gate (spec §4.C3: "when no .ccb_config/ anchor exists ... registry
// lookup is skipped").
func HasAnchor(workDir string) bool {
	norm, err := normalizeWorkDir(workDir)
	if err != nil {
		return false
	}
	cur := norm
	for {
		if info, err := os.Stat(filepath.Join(cur, ".ccb_config")); err == nil && info.IsDir() {
			return true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return false
		}
		cur = parent
	}
}
