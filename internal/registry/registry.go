// Package registry implements C3: the cross-project pane registry, ported
// from original_source/lib/session_registry.py, with the in-process
// RWMutex-guarded caching idiom borrowed from the teacher's
// internal/session/registry.go (PrefixRegistry).
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wiretap-dev/ccb/internal/runtime"
	"github.com/wiretap-dev/ccb/internal/sessionfile"
)

// TTL is the staleness window: records older than this are ignored
// (spec §3).
const TTL = 7 * 24 * time.Hour

// Backend is the liveness-checking capability the registry needs from a
// terminal backend, kept minimal and defined here (rather than imported
// from internal/terminalbackend) to avoid a cyclic dependency — the
// registry only ever needs these two calls to decide "alive".
type Backend interface {
	IsAlive(paneID string) bool
	FindPaneByTitleMarker(marker string) (paneID string, ok bool)
}

// ProviderBinding is one provider's entry under Record.Providers.
type ProviderBinding map[string]any

// Record is one multiplexer-level session's registry record
// ($HOME/.ccb/run/ccb-session-<id>.json).
type Record struct {
	CCBSessionID   string                     `json:"ccb_session_id"`
	CCBSessionName string                     `json:"ccb_session_name"`
	CCBProjectID   string                     `json:"ccb_project_id,omitempty"`
	WorkDir        string                     `json:"work_dir"`
	Terminal       string                     `json:"terminal,omitempty"`
	UpdatedAt      int64                      `json:"updated_at"`
	Providers      map[string]ProviderBinding `json:"providers"`
}

// legacyProviders lists the providers whose legacy flat field names (e.g.
// "codex_pane_id") are migrated into providers.<p>.* on load (spec
// §4.C3).
var legacyProviders = []string{"codex", "claude", "gemini", "opencode", "droid"}

func (r *Record) migrateLegacy(raw map[string]json.RawMessage) {
	if r.Providers == nil {
		r.Providers = map[string]ProviderBinding{}
	}
	for _, p := range legacyProviders {
		for _, suffix := range []string{"pane_id", "session_id", "session_path", "pane_title_marker"} {
			key := p + "_" + suffix
			v, ok := raw[key]
			if !ok {
				continue
			}
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				continue
			}
			binding, ok := r.Providers[p]
			if !ok {
				binding = ProviderBinding{}
			}
			if _, already := binding[suffix]; !already {
				binding[suffix] = val
			}
			r.Providers[p] = binding
		}
	}
}

func dir() (string, error) { return runtime.RegistryDir() }

func pathFor(sessionID string) (string, error) {
	d, err := dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "ccb-session-"+sessionID+".json"), nil
}

func isStale(r *Record) bool {
	if r.UpdatedAt == 0 {
		return false
	}
	return time.Since(time.Unix(r.UpdatedAt, 0)) > TTL
}

func loadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		r.migrateLegacy(raw)
	}
	return &r, nil
}

// LoadBySessionID does a direct file lookup by ccb_session_id (spec
// §4.C3 index a).
func LoadBySessionID(sessionID string) (*Record, error) {
	path, err := pathFor(sessionID)
	if err != nil {
		return nil, err
	}
	r, err := loadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if isStale(r) {
		return nil, nil
	}
	return r, nil
}

func iterRecords() ([]*Record, error) {
	d, err := dir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "ccb-session-") {
			continue
		}
		r, err := loadFile(filepath.Join(d, e.Name()))
		if err != nil || r == nil {
			continue // racy against a concurrent writer; skip, never fail the lookup
		}
		if isStale(r) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ListRecords returns every non-stale registry record, for cmd/ccbctl's
// diagnostics dump. Liveness of individual provider bindings is not
// evaluated here — callers that care about liveness use LoadByProjectID.
func ListRecords() ([]*Record, error) {
	return iterRecords()
}

func providerAlive(binding ProviderBinding, backend Backend) bool {
	if backend == nil {
		return false
	}
	if paneID, ok := binding["pane_id"].(string); ok && paneID != "" {
		if backend.IsAlive(paneID) {
			return true
		}
	}
	if marker, ok := binding["pane_title_marker"].(string); ok && marker != "" {
		if _, ok := backend.FindPaneByTitleMarker(marker); ok {
			return true
		}
	}
	return false
}

func matches(r *Record, projectID, provider, sessionName string) bool {
	if r.CCBProjectID == "" {
		// Ambiguous: back-fill by recomputing from work_dir (spec §4.C3).
		if id, err := sessionfile.ProjectID(r.WorkDir); err == nil {
			r.CCBProjectID = id
		}
	}
	if r.CCBProjectID != projectID && !CrossProjectAllowed() {
		return false
	}
	if sessionName != "" && !strings.EqualFold(r.CCBSessionName, sessionName) {
		return false
	}
	_, hasProvider := r.Providers[provider]
	return hasProvider
}

// LoadByProjectID finds the newest record matching (projectID, provider,
// sessionName). If requireAlive is true, only records whose provider
// binding reports alive (via backend) are eligible; the newest alive
// record wins. If requireAlive is false, the newest record of any liveness
// wins (the fallback path for a transiently dead pane). When a winning
// record lacked ccb_project_id and had it back-filled, the back-filled
// record is persisted via Upsert (spec §4.C3, SPEC_FULL supplemented
// feature).
func LoadByProjectID(projectID, provider, sessionName string, requireAlive bool, backend Backend) (*Record, error) {
	records, err := iterRecords()
	if err != nil {
		return nil, err
	}
	var candidates []*Record
	backfilled := map[*Record]bool{}
	for _, r := range records {
		hadProjectID := r.CCBProjectID != ""
		if !matches(r, projectID, provider, sessionName) {
			continue
		}
		if requireAlive && !providerAlive(r.Providers[provider], backend) {
			continue
		}
		backfilled[r] = !hadProjectID && r.CCBProjectID != ""
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].UpdatedAt > candidates[j].UpdatedAt })
	winner := candidates[0]
	if !backfilled[winner] {
		return winner, nil
	}
	if err := Upsert(winner); err != nil {
		return winner, err // back-fill persistence is best-effort; still return the winner
	}
	return winner, nil
}

// NewSessionID returns a fresh registry session id.
func NewSessionID() string { return uuid.NewString() }

// Upsert merges record into its on-disk file: new providers.<p>.* fields
// are upserted, other top-level fields are merged last-writer-wins, and
// updated_at is set to now (spec §3, §4.C3).
func Upsert(record *Record) error {
	path, err := pathFor(record.CCBSessionID)
	if err != nil {
		return err
	}

	existing, err := loadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	merged := mergeRecords(existing, record)
	merged.UpdatedAt = time.Now().Unix()

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := runtime.AtomicWriteFile(path, data, 0o600); err != nil {
		return err
	}
	InvalidateCache(record.CCBSessionID)
	return nil
}

func mergeRecords(existing, incoming *Record) *Record {
	if existing == nil {
		if incoming.Providers == nil {
			incoming.Providers = map[string]ProviderBinding{}
		}
		return incoming
	}
	out := *existing
	if incoming.CCBSessionName != "" {
		out.CCBSessionName = incoming.CCBSessionName
	}
	if incoming.CCBProjectID != "" {
		out.CCBProjectID = incoming.CCBProjectID
	}
	if incoming.WorkDir != "" {
		out.WorkDir = incoming.WorkDir
	}
	if incoming.Terminal != "" {
		out.Terminal = incoming.Terminal
	}
	if out.Providers == nil {
		out.Providers = map[string]ProviderBinding{}
	}
	for p, binding := range incoming.Providers {
		existingBinding, ok := out.Providers[p]
		if !ok {
			existingBinding = ProviderBinding{}
		}
		for k, v := range binding {
			existingBinding[k] = v
		}
		out.Providers[p] = existingBinding
	}
	return &out
}

// inProcessCache mirrors the teacher's PrefixRegistry: an RWMutex-guarded
// map avoiding a filesystem read on every pane-registry hit within one
// daemon process's lifetime. Entries are invalidated by Upsert.
type inProcessCache struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var cache = &inProcessCache{records: map[string]*Record{}}

// CachedLoadBySessionID is LoadBySessionID with an in-process read-through
// cache, refreshed on every Upsert to that id.
func CachedLoadBySessionID(sessionID string) (*Record, error) {
	cache.mu.RLock()
	if r, ok := cache.records[sessionID]; ok {
		cache.mu.RUnlock()
		return r, nil
	}
	cache.mu.RUnlock()

	r, err := LoadBySessionID(sessionID)
	if err != nil || r == nil {
		return r, err
	}
	cache.mu.Lock()
	cache.records[sessionID] = r
	cache.mu.Unlock()
	return r, nil
}

// InvalidateCache drops a cached record, called after Upsert writes it.
func InvalidateCache(sessionID string) {
	cache.mu.Lock()
	delete(cache.records, sessionID)
	cache.mu.Unlock()
}
