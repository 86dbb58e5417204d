// Package config reads the bridge's environment-variable surface (spec §6)
// and an optional ccb.toml overlay, following the teacher's small typed
// accessor style: each tunable is a function that checks the environment
// first and falls back to a default, never a global struct mutated in
// place.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Overlay is the optional ccb.toml document. Scalar fields are pointers and
// per-prefix tunables are maps keyed by prefix, so an absent key in the file
// means "no override" rather than "zero value".
type Overlay struct {
	IdleTimeoutS        map[string]float64 `toml:"idle_timeout_s"`
	PaneCheckIntervalS  map[string]float64 `toml:"pane_check_interval_s"`
	RebindTailBytes     map[string]int64   `toml:"rebind_tail_bytes"`
	LogMaxBytes         *int64             `toml:"log_max_bytes"`
	LogShrinkIntervalS  *float64           `toml:"log_shrink_check_interval_s"`
	BindRefreshBaseS    *float64           `toml:"bind_refresh_interval_s"`
	CodexScanLimit      *int               `toml:"codex_scan_limit"`
	AllowCrossProject   *bool              `toml:"allow_cross_project_session"`
	CompletionHookOn    *bool              `toml:"completion_hook_enabled"`
	OpencodeCancelCheck *bool              `toml:"oaskd_cancel_detect"`
}

// Config is the resolved view a daemon reads from for one provider prefix
// (e.g. "cask", "lask"). Env vars always win over the overlay; the overlay
// always wins over the built-in default.
type Config struct {
	Prefix  string
	overlay *Overlay
}

// New returns a Config for the given wire-protocol prefix (e.g. "cask",
// without the trailing "d"), with overlay applied if non-nil.
func New(prefix string, overlay *Overlay) *Config {
	return &Config{Prefix: strings.ToLower(prefix), overlay: overlay}
}

func (c *Config) envName(suffix string) string {
	return "CCB_" + strings.ToUpper(c.Prefix) + "D_" + suffix
}

func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envInt64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// IdleTimeout is CCB_<P>ASKD_IDLE_TIMEOUT_S, default 60s.
func (c *Config) IdleTimeout() time.Duration {
	def := 60.0
	if c.overlay != nil {
		if v, ok := c.overlay.IdleTimeoutS[c.Prefix]; ok {
			def = v
		}
	}
	return durationFromSeconds(envFloat(c.envName("IDLE_TIMEOUT_S"), def))
}

// PaneCheckInterval is CCB_<P>ASKD_PANE_CHECK_INTERVAL, default 2s (5s is
// the platform-specific Windows default applied by callers, not here).
func (c *Config) PaneCheckInterval() time.Duration {
	def := 2.0
	if c.overlay != nil {
		if v, ok := c.overlay.PaneCheckIntervalS[c.Prefix]; ok {
			def = v
		}
	}
	return durationFromSeconds(envFloat(c.envName("PANE_CHECK_INTERVAL"), def))
}

// RebindTailBytes is CCB_<P>ASKD_REBIND_TAIL_BYTES, default 2 MiB.
func (c *Config) RebindTailBytes() int64 {
	def := int64(2 * 1024 * 1024)
	if c.overlay != nil {
		if v, ok := c.overlay.RebindTailBytes[c.Prefix]; ok {
			def = v
		}
	}
	return envInt64(c.envName("REBIND_TAIL_BYTES"), def)
}

// BindRefreshInterval is CCB_CASKD_BIND_REFRESH_INTERVAL, the Codex
// refresher's base backoff interval, default 60s.
func BindRefreshInterval(overlay *Overlay) time.Duration {
	def := 60.0
	if overlay != nil && overlay.BindRefreshBaseS != nil {
		def = *overlay.BindRefreshBaseS
	}
	return durationFromSeconds(envFloat("CCB_CASKD_BIND_REFRESH_INTERVAL", def))
}

// CodexScanLimit is CCB_CODEX_SCAN_LIMIT, default 400.
func CodexScanLimit(overlay *Overlay) int {
	def := 400
	if overlay != nil && overlay.CodexScanLimit != nil {
		def = *overlay.CodexScanLimit
	}
	return envInt("CCB_CODEX_SCAN_LIMIT", def)
}

// OpencodeCancelDetect is CCB_OASKD_CANCEL_DETECT, default false.
func OpencodeCancelDetect(overlay *Overlay) bool {
	def := false
	if overlay != nil && overlay.OpencodeCancelCheck != nil {
		def = *overlay.OpencodeCancelCheck
	}
	return envBool("CCB_OASKD_CANCEL_DETECT", def)
}

// AllowCrossProjectSession is CCB_ALLOW_CROSS_PROJECT_SESSION, default false.
func AllowCrossProjectSession(overlay *Overlay) bool {
	def := false
	if overlay != nil && overlay.AllowCrossProject != nil {
		def = *overlay.AllowCrossProject
	}
	return envBool("CCB_ALLOW_CROSS_PROJECT_SESSION", def)
}

// CompletionHookEnabled is CCB_COMPLETION_HOOK_ENABLED, default false.
func CompletionHookEnabled(overlay *Overlay) bool {
	def := false
	if overlay != nil && overlay.CompletionHookOn != nil {
		def = *overlay.CompletionHookOn
	}
	return envBool("CCB_COMPLETION_HOOK_ENABLED", def)
}

// LogMaxBytes is CCB_LOG_MAX_BYTES, default 2 MiB.
func LogMaxBytes(overlay *Overlay) int64 {
	def := int64(2 * 1024 * 1024)
	if overlay != nil && overlay.LogMaxBytes != nil {
		def = *overlay.LogMaxBytes
	}
	return envInt64("CCB_LOG_MAX_BYTES", def)
}

// LogShrinkCheckInterval is CCB_LOG_SHRINK_CHECK_INTERVAL_S, default 10s.
func LogShrinkCheckInterval(overlay *Overlay) time.Duration {
	def := 10.0
	if overlay != nil && overlay.LogShrinkIntervalS != nil {
		def = *overlay.LogShrinkIntervalS
	}
	return durationFromSeconds(envFloat("CCB_LOG_SHRINK_CHECK_INTERVAL_S", def))
}

// WorkDir is CCB_WORK_DIR, passed through to the completion hook verbatim.
func WorkDir() string {
	return os.Getenv("CCB_WORK_DIR")
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
