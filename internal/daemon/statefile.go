package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/wiretap-dev/ccb/internal/runtime"
)

// StateFile is the daemon's discovery record, written to
// $RUN/<provider>d.json mode 0600 (spec §6 "Daemon state file").
type StateFile struct {
	PID         int    `json:"pid"`
	Host        string `json:"host"`
	ConnectHost string `json:"connect_host"`
	Port        int    `json:"port"`
	Token       string `json:"token"`
	StartedAt   int64  `json:"started_at"`
}

// statePath returns $RUN/<provider>d.json for the given provider prefix.
func statePath(prefix string) (string, error) {
	dir, err := runtime.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, prefix+"d.json"), nil
}

// writeState persists sf atomically at mode 0600.
func writeState(prefix string, sf StateFile) error {
	path, err := statePath(prefix)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return runtime.AtomicWriteFile(path, data, 0o600)
}

// ReadState loads a provider daemon's discovery state file, for use by
// cmd/ccbctl's diagnostics commands. A missing file means no daemon is
// currently running for that prefix.
func ReadState(prefix string) (StateFile, error) {
	path, err := statePath(prefix)
	if err != nil {
		return StateFile{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return StateFile{}, err
	}
	var sf StateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return StateFile{}, err
	}
	return sf, nil
}

// removeStateIfOwned unlinks the state file only if its recorded pid
// matches the current process, so a successor daemon's file is never
// clobbered by a slow-to-exit predecessor (spec §4.C7).
func removeStateIfOwned(prefix string) {
	path, err := statePath(prefix)
	if err != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var sf StateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return
	}
	if sf.PID != os.Getpid() {
		return
	}
	_ = os.Remove(path)
}

// normalizeConnectHost maps a bind host to the address a client should
// actually dial: 0.0.0.0 and :: are never dialable as-is (spec §6).
func normalizeConnectHost(host string) string {
	switch host {
	case "0.0.0.0":
		return "127.0.0.1"
	case "::":
		return "::1"
	default:
		return host
	}
}

func nowUnix() int64 { return time.Now().Unix() }
