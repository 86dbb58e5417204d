package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wiretap-dev/ccb/internal/config"
	"github.com/wiretap-dev/ccb/internal/engine"
	"github.com/wiretap-dev/ccb/internal/lock"
	"github.com/wiretap-dev/ccb/internal/logging"
	"github.com/wiretap-dev/ccb/internal/logreader"
	"github.com/wiretap-dev/ccb/internal/refresh"
	"github.com/wiretap-dev/ccb/internal/runtime"
	"github.com/wiretap-dev/ccb/internal/terminalbackend"
	"github.com/wiretap-dev/ccb/internal/worker"
)

// providerByPrefix maps a wire-protocol prefix to its logreader.Provider and
// canonical provider key, the one place that binds the five cmd/*askd
// binaries to their on-disk log shapes (spec §9 "tagged variant per
// provider").
var providerByPrefix = map[string]logreader.Provider{
	"cask": logreader.Codex,
	"lask": logreader.Claude,
	"gask": logreader.Gemini,
	"oask": logreader.OpenCode,
	"dask": logreader.Droid,
}

const defaultQueueSize = 128

// Bootstrap runs one provider daemon to completion: acquires the singleton
// lock, builds the provider-specific engine.Deps, starts the TCP listener,
// serves until idle or an explicit shutdown, then exits. It returns the
// process exit code (spec §4.C7: "if not acquired, it exits with code 2").
func Bootstrap(prefix string) int {
	provider, ok := providerByPrefix[prefix]
	if !ok {
		fmt.Println(logging.Errorf("unknown provider prefix: %s", prefix))
		return 1
	}

	singleton, err := lock.New(prefix, lock.Global())
	if err != nil {
		fmt.Println(logging.Errorf("failed to construct singleton lock: %v", err))
		return 1
	}
	acquired, err := singleton.TryAcquire()
	if err != nil {
		fmt.Println(logging.Errorf("singleton lock error: %v", err))
		return 1
	}
	if !acquired {
		fmt.Println(logging.Warnf("another %s daemon is already running", prefix))
		return 2
	}
	defer singleton.Release()

	runDir, err := runtime.Dir()
	if err != nil {
		fmt.Println(logging.Errorf("failed to resolve runtime dir: %v", err))
		return 1
	}
	overlay, err := config.LoadOverlay(runDir)
	if err != nil {
		fmt.Println(logging.Warnf("failed to load ccb.toml overlay, continuing with defaults: %v", err))
	}
	cfg := config.New(prefix, overlay)

	logRotator, err := installLogSink(prefix, runDir, overlay)
	if err != nil {
		fmt.Println(logging.Warnf("failed to open daemon log file, logging to stderr only: %v", err))
	}

	token, err := runtime.NewToken()
	if err != nil {
		fmt.Println(logging.Errorf("failed to generate auth token: %v", err))
		return 1
	}

	backend, err := terminalbackend.For(terminalbackend.Detect())
	if err != nil {
		fmt.Println(logging.Errorf("failed to construct terminal backend: %v", err))
		return 1
	}

	deps := engine.Deps{
		Provider:          string(provider),
		Backend:           backend,
		LogAdapter:        logreader.New(provider),
		PaneCheckInterval: cfg.PaneCheckInterval(),
		RebindTailBytes:   cfg.RebindTailBytes(),
	}
	if provider == logreader.Gemini {
		deps.DetectCancellation = detectProviderCancellation
	}
	if provider == logreader.OpenCode && config.OpencodeCancelDetect(overlay) {
		deps.DetectCancellation = detectProviderCancellation
	}
	if provider == logreader.Codex && codexCancelTextScanEnabled() {
		deps.ExtraPaneLivenessCheck = codexConversationInterrupted
	}

	pool := worker.New(defaultQueueSize)
	defer pool.Stop()

	srv := NewServer(prefix, token, cfg.IdleTimeout(), deps, pool)
	srv.LogRotator = logRotator
	if provider == logreader.Codex {
		srv.Refresher = refresh.New(refresh.DefaultSessionRoot(), config.CodexScanLimit(overlay),
			config.BindRefreshInterval(overlay), 600*time.Second)
	}
	port, err := srv.Start()
	if err != nil {
		fmt.Println(logging.Errorf("failed to bind daemon listener: %v", err))
		return 1
	}
	slog.Info("daemon listening", "prefix", prefix, "port", port)

	srv.Serve()
	return 0
}

// installLogSink opens $RUN/<prefix>d.log and installs it as the default
// slog handler, rendering spec §7's "[LEVEL] key=value ..." lines via
// internal/logging, tee'd to stderr so a foreground run stays visible
// (spec §4.C10: daemon log file, §7: structured log format). The returned
// LogRotator is nil if the sink could not be opened; the daemon still runs,
// logging to stderr only.
func installLogSink(prefix, runDir string, overlay *config.Overlay) (*runtime.LogRotator, error) {
	logPath := filepath.Join(runDir, prefix+"d.log")
	logWriter, err := runtime.OpenLogWriter(logPath)
	if err != nil {
		slog.SetDefault(logging.New(os.Stderr))
		return nil, err
	}

	rotator := &runtime.LogRotator{
		Path:          logPath,
		MaxBytes:      config.LogMaxBytes(overlay),
		CheckInterval: config.LogShrinkCheckInterval(overlay),
	}
	rotator.OnRotate = func() { _ = logWriter.Reopen() }

	handler := logging.NewTeeHandler(logging.NewLineHandler(logWriter), func(r slog.Record) {
		fmt.Fprintf(os.Stderr, "[%s] msg=%q\n", r.Level, r.Message)
	})
	slog.SetDefault(slog.New(handler))
	return rotator, nil
}

// detectProviderCancellation reports a provider-reported user cancellation
// (spec §4.C8 step 10, Gemini and OpenCode only): a typed info-role event
// naming a cancel, attributed to the in-flight request via the nearest
// preceding anchored user message rather than requiring the cancel event's
// own text to embed the request id (the engine passes anchorSeen true only
// once that anchor has actually been observed).
func detectProviderCancellation(events []logreader.Event, anchorSeen bool) bool {
	if !anchorSeen {
		return false
	}
	for _, ev := range events {
		if ev.Role != logreader.RoleInfo {
			continue
		}
		if strings.Contains(strings.ToLower(ev.Text), "cancel") {
			return true
		}
	}
	return false
}

// codexCancelTextScanEnabled gates the pane-text cancellation heuristic
// behind an explicit opt-in (spec §9 open question: "keep it behind an env
// flag"), since it is a string-match on visible terminal output rather than
// a structured log signal.
func codexCancelTextScanEnabled() bool {
	switch strings.ToLower(os.Getenv("CCB_CODEX_CANCEL_TEXT_SCAN")) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// codexConversationInterrupted scans the pane's currently visible text for
// Codex's "Conversation interrupted" marker appearing after our req_id
// (spec §4.C8 step 9).
func codexConversationInterrupted(backend terminalbackend.Backend, paneID, reqID string) bool {
	tmuxBackend, ok := backend.(interface {
		CapturePane(paneID string, lines int) (string, error)
	})
	if !ok {
		return false
	}
	text, err := tmuxBackend.CapturePane(paneID, 200)
	if err != nil {
		return false
	}
	idIdx := strings.Index(text, reqID)
	if idIdx < 0 {
		return false
	}
	return strings.Contains(text[idIdx:], "Conversation interrupted")
}

// DialTimeout returns 5s, a bound for dialing a daemon's state-file address
// before concluding it is unreachable. cmd/ccbctl does not call it; it dials
// through internal/ctlclient, which has its own DialTimeout.
func DialTimeout() time.Duration { return 5 * time.Second }
