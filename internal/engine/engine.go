// Package engine implements C8: the request engine's state machine,
// orchestrating one request from session load through done detection.
// Grounded on original_source/lib/caskd_daemon.py's top-level per-request
// shape and original_source/lib/claude_comm.py's anchor/collect-grace
// timing.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/wiretap-dev/ccb/internal/ccberr"
	"github.com/wiretap-dev/ccb/internal/lock"
	"github.com/wiretap-dev/ccb/internal/logging"
	"github.com/wiretap-dev/ccb/internal/logreader"
	"github.com/wiretap-dev/ccb/internal/protocol"
	"github.com/wiretap-dev/ccb/internal/sessionfile"
	"github.com/wiretap-dev/ccb/internal/terminalbackend"
)

// Request is one in-flight client request (spec §3).
type Request struct {
	ClientID   string
	WorkDir    string
	SessionName string
	TimeoutS   float64
	Message    string
	OutputPath string
	ReqID      string
	Caller     string
	NoWrap     bool
	Quiet      bool
}

// Result is the request engine's outcome (spec §3).
type Result struct {
	ExitCode     int
	Reply        string
	ReqID        string
	SessionKey   string
	DoneSeen     bool
	DoneMs       *int64
	AnchorSeen   *bool
	AnchorMs     *int64
	FallbackScan *bool
	LogPath      *string
}

const (
	anchorGrace  = 1500 * time.Millisecond
	collectGrace = 2000 * time.Millisecond
	pollSlice    = 500 * time.Millisecond
)

// Deps bundles the provider-specific collaborators the engine needs: which
// terminal backend drives the pane, which log adapter tails the provider's
// log, and the provider's own cancellation/liveness quirks (spec §9:
// "tagged variant per provider").
type Deps struct {
	Provider          string // lowercase provider key, e.g. "codex"
	Backend           terminalbackend.Backend
	LogAdapter        logreader.Adapter
	PaneCheckInterval time.Duration
	RebindTailBytes   int64

	// DetectCancellation inspects newly observed events for a provider-side
	// user cancellation (Gemini, OpenCode; spec §4.C8 step 10). anchorSeen
	// reports whether the request's own "CCB_REQ_ID: <req_id>" anchor has
	// already been observed (in this batch or an earlier one): a cancel
	// event is attributed to this request via the nearest preceding
	// anchored user message, not by requiring the cancel event's own text
	// to embed the id. Nil means the provider never reports cancellation
	// via the log.
	DetectCancellation func(events []logreader.Event, anchorSeen bool) bool

	// ExtraPaneLivenessCheck is the Codex-specific "Conversation
	// interrupted" pane-text scan (spec §4.C8 step 9, kept behind the
	// CCB_CODEX_CANCEL_TEXT_SCAN env flag per spec §9's open question).
	// Nil means no extra check.
	ExtraPaneLivenessCheck func(backend terminalbackend.Backend, paneID, reqID string) bool
}

// Run executes one request to completion, implementing the state machine
// of spec §4.C8.
func Run(ctx context.Context, deps Deps, req Request) Result {
	startedAt := time.Now()
	elapsedMs := func() int64 { return time.Since(startedAt).Milliseconds() }

	sessionName, err := sessionfile.ResolveSessionName(req.SessionName)
	if err != nil {
		return fail(req, 1, logging.Errorf("%v", err))
	}
	sessionPath := sessionfile.Path(req.WorkDir, deps.Provider, sessionName)
	sess, err := sessionfile.Load(sessionPath)
	if err != nil {
		return fail(req, 1, logging.Errorf("failed to read session file: %v", err))
	}

	projectID, err := sessionfile.ProjectID(req.WorkDir)
	if err != nil {
		return fail(req, 1, logging.Errorf("failed to compute project id: %v", err))
	}
	sessionKey := deps.Provider + ":" + projectID

	reqID := req.ReqID
	if reqID == "" {
		reqID = protocol.MakeReqID(time.Now())
	}
	result := Result{ReqID: reqID, SessionKey: sessionKey}

	// --- INIT -> RESOLVED: session load ---
	if len(sess) == 0 {
		return fail2(result, 1, logging.Errorf("%s is not mounted in %s; run the mount command for this provider first", deps.Provider, req.WorkDir))
	}

	// OpenCode serializes against any direct-mode client talking to the
	// same pane by holding the C9 session-scoped lock for the rest of this
	// request (spec §4.C9: "The OpenCode provider acquires session:<key>
	// around each request").
	if deps.Provider == "opencode" {
		sessionLock, err := lock.New(deps.Provider, lock.SessionScope(sessionKey))
		if err != nil {
			return fail2(result, 1, logging.Errorf("failed to construct session lock: %v", err))
		}
		if err := sessionLock.Acquire(ctx, lock.MaxAcquireTimeout); err != nil {
			return fail2(result, 1, logging.Errorf("failed to acquire session lock: %v", err))
		}
		defer sessionLock.Release()
	}

	// --- RESOLVED -> READY: pane ensure ---
	paneID, err := ensurePane(deps, sess, sessionPath)
	if err != nil {
		return fail2(result, 1, logging.Errorf("%v", err))
	}

	// Fire-and-forget (OpenCode only): inject and return immediately
	// without waiting for done (spec §4.C8 step 12).
	fireAndForget := req.TimeoutS == 0

	var deadline time.Time
	hasDeadline := req.TimeoutS >= 0
	if hasDeadline {
		deadline = startedAt.Add(time.Duration(req.TimeoutS * float64(time.Second)))
	}

	// --- snapshot before injection ---
	hint := sessionHint(sess, deps.Provider)
	state, err := deps.LogAdapter.CaptureState(hint)
	if err != nil {
		return fail2(result, 1, logging.Errorf("failed to snapshot log: %v", err))
	}
	state.LogID = hint

	// --- inject ---
	wrapped := req.Message
	if !req.NoWrap {
		wrapped = protocol.Wrap(req.Message, reqID)
	}
	if err := deps.Backend.SendText(paneID, wrapped); err != nil {
		return fail2(result, 1, logging.Errorf("failed to inject prompt: %v", err))
	}

	if fireAndForget {
		result.ExitCode = 0
		result.DoneSeen = true
		return result
	}

	anchorSeen := false
	var anchorMs int64
	fallbackScan := false
	rebound := false
	var assistantBuf strings.Builder
	lastLiveCheck := time.Now()

	anchorDeadline := startedAt.Add(anchorGrace)
	if hasDeadline && deadline.Before(anchorDeadline) {
		anchorDeadline = deadline
	}

	for {
		now := time.Now()

		if err := ctx.Err(); err != nil {
			result.ExitCode = 1
			result.Reply = logging.Errorf("%v", err)
			result.AnchorSeen = &anchorSeen
			result.FallbackScan = &fallbackScan
			return result
		}

		if hasDeadline && !now.Before(deadline) {
			result.ExitCode = 2
			result.Reply = protocol.StripDoneText(assistantBuf.String(), reqID)
			result.AnchorSeen = &anchorSeen
			if anchorSeen {
				result.AnchorMs = &anchorMs
			}
			result.FallbackScan = &fallbackScan
			result.LogPath = &state.LogPath
			return result
		}

		if !anchorSeen && !rebound && now.After(anchorDeadline) {
			// anchor grace expired without observation: rebind once.
			newState, err := logreader.Rebind(state.LogPath, deps.RebindTailBytes)
			if err == nil {
				newState.LogPath = state.LogPath
				state = newState
				state.LogID = "" // drop the log-id discovery hint
			}
			fallbackScan = true
			rebound = true
		}

		// pane liveness
		if now.Sub(lastLiveCheck) >= deps.PaneCheckInterval {
			lastLiveCheck = now
			if !deps.Backend.IsAlive(paneID) {
				result.ExitCode = 1
				result.Reply = "pane died"
				result.AnchorSeen = &anchorSeen
				result.FallbackScan = &fallbackScan
				return result
			}
			if deps.ExtraPaneLivenessCheck != nil && deps.ExtraPaneLivenessCheck(deps.Backend, paneID, reqID) {
				result.ExitCode = 1
				result.Reply = "cancelled"
				result.AnchorSeen = &anchorSeen
				result.FallbackScan = &fallbackScan
				return result
			}
		}

		waitTimeout := pollSlice
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining < waitTimeout {
				waitTimeout = remaining
			}
		}
		if waitTimeout <= 0 {
			continue
		}

		events, newState, err := deps.LogAdapter.WaitForEvents(state, waitTimeout)
		state = newState
		if err != nil {
			continue // transient I/O error against an external writer; retry
		}

		// Resolve the anchor (if it arrived in this batch) before checking
		// for a cancellation, so a cancel event in the same batch as the
		// anchor — or in any later batch — is still correlated via "nearest
		// preceding anchored user message" (spec §4.C8 step 10) rather than
		// needing to embed the req_id itself.
		for _, ev := range events {
			if !anchorSeen && ev.Role == logreader.RoleUser && strings.Contains(ev.Text, "CCB_REQ_ID: "+reqID) {
				anchorSeen = true
				anchorMs = elapsedMs()
				break
			}
		}

		if deps.DetectCancellation != nil && deps.DetectCancellation(events, anchorSeen) {
			result.ExitCode = 1
			result.Reply = "request cancelled"
			result.AnchorSeen = &anchorSeen
			result.FallbackScan = &fallbackScan
			return result
		}

		collectDeadline := startedAt.Add(collectGrace)
		if anchorSeen {
			collectDeadline = time.UnixMilli(startedAt.UnixMilli() + anchorMs + collectGrace.Milliseconds())
		}
		if hasDeadline && deadline.Before(collectDeadline) {
			collectDeadline = deadline
		}

		for _, ev := range events {
			if ev.Role != logreader.RoleAssistant {
				continue
			}
			if !anchorSeen && time.Now().Before(collectDeadline) {
				continue // collect-grace: ignore stray prior replies
			}
			if assistantBuf.Len() > 0 {
				assistantBuf.WriteByte('\n')
			}
			assistantBuf.WriteString(ev.Text)

			if protocol.IsDoneText(assistantBuf.String(), reqID) {
				doneMs := elapsedMs()
				result.ExitCode = 0
				result.DoneSeen = true
				result.DoneMs = &doneMs
				result.AnchorSeen = &anchorSeen
				if anchorSeen {
					result.AnchorMs = &anchorMs
				}
				result.FallbackScan = &fallbackScan
				result.LogPath = &state.LogPath
				result.Reply = protocol.ExtractReply(assistantBuf.String(), reqID)
				return result
			}
		}
	}
}

func fail(req Request, exitCode int, message string) Result {
	reqID := req.ReqID
	if reqID == "" {
		reqID = protocol.MakeReqID(time.Now())
	}
	return Result{ExitCode: exitCode, Reply: message, ReqID: reqID}
}

func fail2(base Result, exitCode int, message string) Result {
	base.ExitCode = exitCode
	base.Reply = message
	return base
}

func sessionHint(sess sessionfile.Session, provider string) string {
	if v, ok := sess[sessionfile.SessionPathKey(provider)].(string); ok && v != "" {
		return v
	}
	if v, ok := sess[sessionfile.SessionIDKey(provider)].(string); ok && v != "" {
		return v
	}
	return ""
}

// ensurePane implements spec §4.C8 step 2: if the bound pane is alive, use
// it; else try to re-find it by title marker (rebinding the session file
// on success); else, under tmux with a start_cmd, save a crash log and
// respawn.
func ensurePane(deps Deps, sess sessionfile.Session, sessionPath string) (string, error) {
	paneID := sess.PaneID()
	if paneID != "" && deps.Backend.IsAlive(paneID) {
		return paneID, nil
	}

	if marker := sess.PaneTitleMarker(); marker != "" {
		if found, ok := deps.Backend.FindPaneByTitleMarker(marker); ok {
			sess[sessionfile.KeyPaneID] = found
			_ = sessionfile.Save(sessionPath, sess)
			return found, nil
		}
	}

	tmuxBackend, isTmux := deps.Backend.(terminalbackend.TmuxCapable)
	if isTmux && sess.StartCmd() != "" {
		if paneID != "" {
			workDir, _ := sess[sessionfile.KeyWorkDir].(string)
			crashLogPath := sessionPath + ".crash.log"
			_ = tmuxBackend.SaveCrashLog(paneID, crashLogPath, 1000)
			if err := tmuxBackend.RespawnPane(paneID, sess.StartCmd(), workDir, true); err == nil {
				if deps.Backend.IsAlive(paneID) {
					return paneID, nil
				}
			}
		}
	}

	return "", ccberr.ErrPaneDead
}
