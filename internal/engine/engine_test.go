package engine

import (
	"context"
	"testing"
	"time"

	"github.com/wiretap-dev/ccb/internal/lock"
	"github.com/wiretap-dev/ccb/internal/logreader"
	"github.com/wiretap-dev/ccb/internal/sessionfile"
)

type fakeBackend struct {
	alive       map[string]bool
	sentTexts   []string
	aliveChecks int
	dieAfter    int // 0 means never die mid-flight
}

func (f *fakeBackend) IsAlive(paneID string) bool {
	if f.dieAfter > 0 {
		f.aliveChecks++
		if f.aliveChecks > f.dieAfter {
			return false
		}
	}
	return f.alive[paneID]
}
func (f *fakeBackend) SendText(paneID, text string) error {
	f.sentTexts = append(f.sentTexts, text)
	return nil
}
func (f *fakeBackend) FindPaneByTitleMarker(string) (string, bool) { return "", false }

// fakeAdapter yields a scripted batch of events on each WaitForEvents call,
// one batch per call, then empty afterward.
type fakeAdapter struct {
	batches [][]logreader.Event
	calls   int
}

func (a *fakeAdapter) CaptureState(hint string) (logreader.State, error) {
	return logreader.State{LogPath: "/fake/log", LogID: hint}, nil
}

func (a *fakeAdapter) WaitForEvents(state logreader.State, timeout time.Duration) ([]logreader.Event, logreader.State, error) {
	var events []logreader.Event
	if a.calls < len(a.batches) {
		events = a.batches[a.calls]
	}
	a.calls++
	time.Sleep(10 * time.Millisecond)
	return events, state, nil
}

func setupSession(t *testing.T, workDir, provider string) {
	t.Helper()
	path := sessionfile.Path(workDir, provider, sessionfile.DefaultSessionName)
	sess := sessionfile.Session{
		sessionfile.KeyTerminal: "tmux",
		sessionfile.KeyPaneID:   "%1",
		sessionfile.KeyWorkDir:  workDir,
	}
	if err := sessionfile.Save(path, sess); err != nil {
		t.Fatal(err)
	}
}

func TestRunHappyPath(t *testing.T) {
	workDir := t.TempDir()
	setupSession(t, workDir, "codex")

	backend := &fakeBackend{alive: map[string]bool{"%1": true}}
	adapter := &fakeAdapter{batches: [][]logreader.Event{
		{{Role: logreader.RoleUser, Text: "CCB_REQ_ID: R"}},
		{{Role: logreader.RoleAssistant, Text: "Hello\nCCB_DONE: R"}},
	}}

	deps := Deps{
		Provider:          "codex",
		Backend:           backend,
		LogAdapter:        adapter,
		PaneCheckInterval: time.Second,
		RebindTailBytes:   2 << 20,
	}
	req := Request{WorkDir: workDir, Message: "hi", ReqID: "R", TimeoutS: 10}

	result := Run(context.Background(), deps, req)

	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0 (reply=%q)", result.ExitCode, result.Reply)
	}
	if !result.DoneSeen {
		t.Fatalf("expected DoneSeen = true")
	}
	if result.Reply != "Hello" {
		t.Fatalf("Reply = %q, want %q", result.Reply, "Hello")
	}
	if result.FallbackScan == nil || *result.FallbackScan {
		t.Fatalf("expected no fallback scan on the happy path")
	}
	if len(backend.sentTexts) != 1 {
		t.Fatalf("expected exactly one SendText call, got %d", len(backend.sentTexts))
	}
}

func TestRunTimeout(t *testing.T) {
	workDir := t.TempDir()
	setupSession(t, workDir, "codex")

	backend := &fakeBackend{alive: map[string]bool{"%1": true}}
	adapter := &fakeAdapter{batches: [][]logreader.Event{
		{{Role: logreader.RoleUser, Text: "CCB_REQ_ID: R"}},
		{{Role: logreader.RoleAssistant, Text: "still thinking"}},
	}}

	deps := Deps{
		Provider:          "codex",
		Backend:           backend,
		LogAdapter:        adapter,
		PaneCheckInterval: time.Second,
		RebindTailBytes:   2 << 20,
	}
	req := Request{WorkDir: workDir, Message: "hi", ReqID: "R", TimeoutS: 0.2}

	result := Run(context.Background(), deps, req)

	if result.ExitCode != 2 {
		t.Fatalf("ExitCode = %d, want 2", result.ExitCode)
	}
	if result.DoneSeen {
		t.Fatalf("expected DoneSeen = false on timeout")
	}
}

func TestRunPaneDeath(t *testing.T) {
	workDir := t.TempDir()
	setupSession(t, workDir, "codex")

	// The pane is alive for ensurePane's initial check, then dies before
	// the loop's next liveness poll.
	backend := &fakeBackend{alive: map[string]bool{"%1": true}, dieAfter: 1}
	adapter := &fakeAdapter{}

	deps := Deps{
		Provider:          "codex",
		Backend:           backend,
		LogAdapter:        adapter,
		PaneCheckInterval: 10 * time.Millisecond,
		RebindTailBytes:   2 << 20,
	}
	req := Request{WorkDir: workDir, Message: "hi", ReqID: "R", TimeoutS: 5}

	result := Run(context.Background(), deps, req)

	if result.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", result.ExitCode)
	}
	if result.Reply != "pane died" {
		t.Fatalf("Reply = %q, want %q", result.Reply, "pane died")
	}
}

func TestRunNoSessionFails(t *testing.T) {
	workDir := t.TempDir()
	backend := &fakeBackend{alive: map[string]bool{}}
	adapter := &fakeAdapter{}
	deps := Deps{Provider: "codex", Backend: backend, LogAdapter: adapter, PaneCheckInterval: time.Second}
	req := Request{WorkDir: workDir, Message: "hi", TimeoutS: 1}

	result := Run(context.Background(), deps, req)
	if result.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1 for an unmounted provider", result.ExitCode)
	}
}

func TestRunFireAndForget(t *testing.T) {
	t.Setenv("CCB_RUN_DIR", t.TempDir())
	workDir := t.TempDir()
	setupSession(t, workDir, "opencode")
	backend := &fakeBackend{alive: map[string]bool{"%1": true}}
	adapter := &fakeAdapter{}
	deps := Deps{Provider: "opencode", Backend: backend, LogAdapter: adapter, PaneCheckInterval: time.Second}
	req := Request{WorkDir: workDir, Message: "hi", TimeoutS: 0}

	result := Run(context.Background(), deps, req)
	if result.ExitCode != 0 || !result.DoneSeen || result.Reply != "" {
		t.Fatalf("fire-and-forget result = %+v", result)
	}
}

// TestRunOpenCodeHoldsSessionLock runs a fire-and-forget OpenCode request,
// which takes the C9 session-scoped lock around injection, and asserts the
// lock on the same scope is free again once Run returns.
func TestRunOpenCodeHoldsSessionLock(t *testing.T) {
	t.Setenv("CCB_RUN_DIR", t.TempDir())
	workDir := t.TempDir()
	setupSession(t, workDir, "opencode")

	projectID, err := sessionfile.ProjectID(workDir)
	if err != nil {
		t.Fatal(err)
	}
	sessionKey := "opencode:" + projectID

	backend := &fakeBackend{alive: map[string]bool{"%1": true}}
	adapter := &fakeAdapter{batches: [][]logreader.Event{
		{{Role: logreader.RoleUser, Text: "CCB_REQ_ID: R"}},
	}}
	deps := Deps{
		Provider:          "opencode",
		Backend:           backend,
		LogAdapter:        adapter,
		PaneCheckInterval: time.Second,
	}
	req := Request{WorkDir: workDir, Message: "hi", ReqID: "R", TimeoutS: 0}

	// Fire-and-forget still acquires and releases the lock around
	// injection; after Run returns, a fresh acquire must succeed.
	result := Run(context.Background(), deps, req)
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}

	l, err := lock.New("opencode", lock.SessionScope(sessionKey))
	if err != nil {
		t.Fatal(err)
	}
	ok, err := l.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("session lock should be free once Run has returned: ok=%v err=%v", ok, err)
	}
	_ = l.Release()
}
