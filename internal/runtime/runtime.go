// Package runtime resolves the per-user runtime directory (spec §4.C10),
// provides the atomic-write primitive every stateful file in the bridge
// goes through, generates daemon auth tokens, and rotates oversized logs.
package runtime

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
)

// Dir resolves the runtime directory: $CCB_RUN_DIR, else
// $XDG_CACHE_HOME/ccb, else $HOME/.cache/ccb (spec §4.C10). The directory is
// created with mode 0700 (best effort) if it does not exist.
func Dir() (string, error) {
	dir := os.Getenv("CCB_RUN_DIR")
	if dir == "" {
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			dir = filepath.Join(xdg, "ccb")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dir = filepath.Join(home, ".cache", "ccb")
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	_ = os.Chmod(dir, 0o700)
	return dir, nil
}

// RegistryDir resolves $HOME/.ccb/run, the home for cross-project registry
// records (spec §3, §6 persisted-state-layout).
func RegistryDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".ccb", "run")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	_ = os.Chmod(dir, 0o700)
	return dir, nil
}

// AtomicWriteFile writes data to path via a temp file in the same directory
// followed by a rename, per spec §3/§9: "every write to a session or
// registry file must go through a shared atomic write primitive". perm is
// applied to the temp file before rename so the final file never has a
// transiently wrong mode.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		// best effort: POSIX only, never fatal
		_ = err
	}
	return os.Rename(tmpPath, path)
}

// NewToken returns 16 random bytes hex-encoded, the daemon state file's
// shared secret (spec §4.C7).
func NewToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
