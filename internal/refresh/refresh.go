// Package refresh implements C12: the periodic Codex session-log binding
// refresher. A tmux pane survives forever, but the Codex CLI process
// inside it can be restarted (e.g. "codex resume <id>") without the pane
// ever dying, leaving the session file's codex_session_id/
// codex_session_path pointed at a stale, no-longer-growing log. This
// package re-derives the binding so the request engine (C8) keeps
// tailing the right file.
//
// Ported from original_source/lib/caskd_daemon.py's SessionRegistry
// monitor loop: a two-strategy priority refresh (parse the session id out
// of start_cmd and find its newest log, else fall back to a bounded scan
// of the newest session logs filtered by work_dir containment), driven
// by exponential backoff on "nothing changed" and reset immediately on a
// session-file mtime change.
package refresh

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wiretap-dev/ccb/internal/runtime"
	"github.com/wiretap-dev/ccb/internal/sessionfile"
)

// sessionIDPattern matches a Codex session id embedded in a start_cmd like
// "codex resume 018f2b1a-9e3d-7c51-8a2e-2f6f6a2f9c11". The original
// implementation imported this regex from a module outside this
// retrieval pack (codex_comm.SESSION_ID_PATTERN); Codex session ids are
// UUIDs, so a standard UUID pattern is the faithful substitute (documented
// in DESIGN.md).
var sessionIDPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// DefaultSessionRoot is where the Codex CLI writes its session logs,
// overridable via CCB_CODEX_SESSION_ROOT.
func DefaultSessionRoot() string {
	if v := os.Getenv("CCB_CODEX_SESSION_ROOT"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codex/sessions"
	}
	return filepath.Join(home, ".codex", "sessions")
}

// Monitor tracks the set of work_dirs the daemon has served a Codex
// request for, and periodically refreshes each one's log binding.
type Monitor struct {
	SessionRoot  string
	ScanLimit    int
	BaseInterval time.Duration
	CapInterval  time.Duration

	mu      sync.Mutex
	entries map[string]*trackedSession
}

type trackedSession struct {
	workDir     string
	sessionPath string
	fileMTime   time.Time
	backoff     runtime.Backoff
	nextDue     time.Time
}

// New constructs a Monitor. scanLimit and the backoff bounds come from
// config (spec §4.C12: base 60s, cap 600s). scanLimit is stored as given;
// a non-positive value falls back to 400 when a scan runs.
func New(sessionRoot string, scanLimit int, base, cap time.Duration) *Monitor {
	if sessionRoot == "" {
		sessionRoot = DefaultSessionRoot()
	}
	return &Monitor{
		SessionRoot:  sessionRoot,
		ScanLimit:    scanLimit,
		BaseInterval: base,
		CapInterval:  cap,
		entries:      map[string]*trackedSession{},
	}
}

// Track registers workDir for periodic refresh, due immediately on first
// sight. Safe to call repeatedly (e.g. once per incoming request); it is a
// no-op for a work_dir already tracked.
func (m *Monitor) Track(workDir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[workDir]; ok {
		return
	}
	m.entries[workDir] = &trackedSession{
		workDir: workDir,
		backoff: runtime.Backoff{Base: m.BaseInterval, Cap: m.CapInterval},
		nextDue: time.Time{}, // zero value: due on the very first check
	}
}

// Forget drops a work_dir from tracking, e.g. once its session is
// invalidated.
func (m *Monitor) Forget(workDir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, workDir)
}

// Run drives the monitor until ctx is cancelled: a fixed-interval sweep
// checks every tracked work_dir's session file for an mtime change (which
// forces an immediate refresh and resets backoff), and otherwise refreshes
// only entries whose backoff window has elapsed.
func (m *Monitor) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("refresh: fsnotify unavailable, falling back to poll-only", "error", err)
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
		go m.watchEvents(ctx, watcher)
	}

	const sweepInterval = 5 * time.Second
	t := runtime.Ticker{NextDelay: runtime.FixedDelay(sweepInterval)}
	t.Run(ctx, func() { m.sweep(watcher) })
}

// watchEvents re-arms the fsnotify watch for each tracked session file and
// forces an immediate refresh the moment one is written.
func (m *Monitor) watchEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	watched := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.mu.Lock()
			for _, e := range m.entries {
				if sessionPathFor(e.workDir) == ev.Name {
					e.nextDue = time.Time{}
				}
			}
			m.mu.Unlock()
		case <-watcher.Errors:
			// Best-effort: the next poll sweep still covers us.
		}

		m.mu.Lock()
		for _, e := range m.entries {
			path := sessionPathFor(e.workDir)
			if watched[path] {
				continue
			}
			if err := watcher.Add(filepath.Dir(path)); err == nil {
				watched[path] = true
			}
		}
		m.mu.Unlock()
	}
}

func sessionPathFor(workDir string) string {
	return sessionfile.Path(workDir, "codex", sessionfile.DefaultSessionName)
}

func (m *Monitor) sweep(_ *fsnotify.Watcher) {
	now := time.Now()
	m.mu.Lock()
	snapshot := make([]*trackedSession, 0, len(m.entries))
	for _, e := range m.entries {
		snapshot = append(snapshot, e)
	}
	m.mu.Unlock()

	for _, e := range snapshot {
		m.checkOne(e, now)
	}
}

func (m *Monitor) checkOne(e *trackedSession, now time.Time) {
	path := sessionPathFor(e.workDir)
	info, err := os.Stat(path)
	if err != nil {
		return // no session file yet (or it was removed); nothing to refresh
	}
	fileChanged := info.ModTime().After(e.fileMTime)

	m.mu.Lock()
	due := now.After(e.nextDue) || now.Equal(e.nextDue)
	m.mu.Unlock()
	if !due && !fileChanged {
		return
	}

	sess, err := sessionfile.Load(path)
	if err != nil {
		return
	}

	updated := m.refreshBinding(sess, e.workDir, fileChanged)
	if updated {
		if err := sessionfile.Save(path, sess); err != nil {
			slog.Warn("refresh: write-back failed", "work_dir", e.workDir, "error", err)
		}
	}

	m.mu.Lock()
	if updated || fileChanged {
		e.backoff.Reset()
	} else {
		e.backoff.Grow()
	}
	e.nextDue = now.Add(e.backoff.Delay())
	if info2, err := os.Stat(path); err == nil {
		e.fileMTime = info2.ModTime()
	}
	if p, ok := sess[sessionfile.SessionPathKey("codex")].(string); ok {
		e.sessionPath = p
	}
	m.mu.Unlock()
}

// refreshBinding implements the two-strategy priority refresh and mutates
// sess in place, returning whether a write-back is needed.
func (m *Monitor) refreshBinding(sess sessionfile.Session, workDir string, forceScan bool) bool {
	currentLogStr, _ := sess[sessionfile.SessionPathKey("codex")].(string)
	currentSID, _ := sess[sessionfile.SessionIDKey("codex")].(string)
	startCmd, _ := sess[sessionfile.KeyStartCmd].(string)

	intendedSID := extractSessionID(startCmd)
	if intendedSID != "" {
		intendedLog := m.findLatestLogForSessionID(intendedSID)
		if intendedLog != "" {
			if shouldOverwrite(currentLogStr, intendedLog) || currentSID != intendedSID {
				applyBinding(sess, intendedLog, intendedSID)
				return true
			}
			return false
		}
	}

	needScan := forceScan || intendedSID == ""
	if !needScan {
		return false
	}

	candidateLog, candidateSID := m.scanLatestLogForWorkDir(workDir)
	if candidateLog == "" {
		return false
	}
	if shouldOverwrite(currentLogStr, candidateLog) || (candidateSID != "" && candidateSID != currentSID) {
		applyBinding(sess, candidateLog, candidateSID)
		return true
	}
	return false
}

func applyBinding(sess sessionfile.Session, logPath, sessionID string) {
	sess[sessionfile.SessionPathKey("codex")] = logPath
	if sessionID != "" {
		sess[sessionfile.SessionIDKey("codex")] = sessionID
		sess[sessionfile.KeyStartCmd] = "codex resume " + sessionID
	}
	sess[sessionfile.KeyUpdatedAt] = time.Now().Unix()
}

func extractSessionID(startCmd string) string {
	if startCmd == "" {
		return ""
	}
	return sessionIDPattern.FindString(startCmd)
}

// findLatestLogForSessionID globs the session root for *<id>*.jsonl and
// returns the newest match.
func (m *Monitor) findLatestLogForSessionID(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	matches := globRecursive(m.SessionRoot, "*"+sessionID+"*.jsonl")
	return newestByMTime(matches)
}

// logCandidate is a (mtime, path) pair kept in a bounded min-heap so a
// scan of a huge session root only inspects the N most recently modified
// files.
type logCandidate struct {
	mtime time.Time
	path  string
}

type candidateHeap []logCandidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].mtime.Before(h[j].mtime) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)         { *h = append(*h, x.(logCandidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// scanLatestLogForWorkDir scans the newest ScanLimit session logs under
// SessionRoot and returns the newest one whose session_meta.cwd is within
// workDir.
func (m *Monitor) scanLatestLogForWorkDir(workDir string) (logPath, sessionID string) {
	limit := m.ScanLimit
	if limit <= 0 {
		limit = 400
	}

	h := &candidateHeap{}
	heap.Init(h)
	_ = filepath.WalkDir(m.SessionRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		item := logCandidate{mtime: info.ModTime(), path: p}
		if h.Len() < limit {
			heap.Push(h, item)
		} else if item.mtime.After((*h)[0].mtime) {
			heap.Pop(h)
			heap.Push(h, item)
		}
		return nil
	})

	candidates := make([]logCandidate, h.Len())
	copy(candidates, *h)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.After(candidates[j].mtime) })

	workDirNorm := normRealpath(workDir)
	for _, c := range candidates {
		cwd, sid := readSessionMeta(c.path)
		if cwd == "" {
			continue
		}
		if pathWithin(normRealpath(cwd), workDirNorm) {
			return c.path, sid
		}
	}
	return "", ""
}

// sessionMetaLine is the first ~30-line record Codex writes describing a
// session's cwd and id.
type sessionMetaLine struct {
	Type    string `json:"type"`
	Payload struct {
		Cwd string `json:"cwd"`
		ID  string `json:"id"`
	} `json:"payload"`
}

func readSessionMeta(path string) (cwd, sessionID string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for i := 0; i < 30; i++ {
		var line sessionMetaLine
		if err := dec.Decode(&line); err != nil {
			return "", ""
		}
		if line.Type != "session_meta" {
			continue
		}
		return strings.TrimSpace(line.Payload.Cwd), strings.TrimSpace(line.Payload.ID)
	}
	return "", ""
}

func shouldOverwrite(current, candidate string) bool {
	if current == "" {
		return true
	}
	ci, err := os.Stat(current)
	if err != nil {
		return true
	}
	ni, err := os.Stat(candidate)
	if err != nil {
		return false
	}
	return ni.ModTime().After(ci.ModTime())
}

func newestByMTime(paths []string) string {
	var best string
	var bestMTime time.Time
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if best == "" || !info.ModTime().Before(bestMTime) {
			best = p
			bestMTime = info.ModTime()
		}
	}
	return best
}

func globRecursive(root, pattern string) []string {
	var out []string
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(p)); ok {
			out = append(out, p)
		}
		return nil
	})
	return out
}

func normRealpath(p string) string {
	if p == "" {
		return ""
	}
	expanded := p
	if home, err := os.UserHomeDir(); err == nil && strings.HasPrefix(p, "~") {
		expanded = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	real, err := filepath.EvalSymlinks(expanded)
	if err != nil {
		real = expanded
	}
	abs, err := filepath.Abs(real)
	if err != nil {
		return filepath.Clean(real)
	}
	return filepath.Clean(abs)
}

func pathWithin(child, parent string) bool {
	if child == "" || parent == "" {
		return false
	}
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(os.PathSeparator))
}
