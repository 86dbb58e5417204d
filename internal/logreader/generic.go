package logreader

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RotationStrategy resolves the provider's current log file given a hint
// (the session file's recorded log id/path), implementing one of the
// three strategies spec §4.C4 names: a provider-maintained index file, a
// directory scan for the newest session log, or the hint itself.
type RotationStrategy interface {
	Discover(hint string) (path string, err error)
}

// IndexFileStrategy reads a small index file the provider maintains
// (preferred when fresh) mapping a session id/hint to its current log
// path. Freshness is judged by the index file's own mtime against
// MaxAge; a stale index is treated as "no opinion", falling through
// to whatever path the caller already has.
type IndexFileStrategy struct {
	IndexPath  string
	MaxAge     time.Duration
	decodePath func(data []byte, hint string) (string, bool)
}

// NewIndexFileStrategy builds an IndexFileStrategy whose index file is a
// flat JSON object mapping hint -> log path.
func NewIndexFileStrategy(indexPath string, maxAge time.Duration) *IndexFileStrategy {
	return &IndexFileStrategy{
		IndexPath: indexPath,
		MaxAge:    maxAge,
		decodePath: func(data []byte, hint string) (string, bool) {
			var m map[string]string
			if err := json.Unmarshal(data, &m); err != nil {
				return "", false
			}
			p, ok := m[hint]
			return p, ok
		},
	}
}

func (s *IndexFileStrategy) Discover(hint string) (string, error) {
	info, err := os.Stat(s.IndexPath)
	if err != nil {
		return "", nil // no index: not an error, just no opinion
	}
	if s.MaxAge > 0 && time.Since(info.ModTime()) > s.MaxAge {
		return "", nil // stale index
	}
	data, err := os.ReadFile(s.IndexPath)
	if err != nil {
		return "", nil
	}
	path, ok := s.decodePath(data, hint)
	if !ok {
		return "", nil
	}
	return path, nil
}

// DirScanStrategy scans Root for the newest file matching Pattern,
// skipping anything Pattern rejects (e.g. a provider's "sidechain"
// auxiliary files, spec §4.C4 "directory scan for the newest non-sidechain
// session").
type DirScanStrategy struct {
	Root    string
	Pattern func(name string) bool
}

func (s *DirScanStrategy) Discover(string) (string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return "", nil
	}
	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if s.Pattern != nil && !s.Pattern(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{filepath.Join(s.Root, e.Name()), info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })
	return candidates[0].path, nil
}

// HintStrategy trusts the hint itself as a literal path, used as the
// lowest-priority fallback (spec §4.C4 "a name/hint passed by the session
// file").
type HintStrategy struct{}

func (HintStrategy) Discover(hint string) (string, error) {
	if hint == "" {
		return "", nil
	}
	if _, err := os.Stat(hint); err != nil {
		return "", nil
	}
	return hint, nil
}

// Chain tries each strategy in order, returning the first non-empty
// result.
type Chain []RotationStrategy

func (c Chain) Discover(hint string) (string, error) {
	for _, s := range c {
		path, err := s.Discover(hint)
		if err != nil {
			return "", err
		}
		if path != "" {
			return path, nil
		}
	}
	return "", nil
}

// GenericAdapter implements Adapter in terms of a RotationStrategy plus a
// Decoder, the shape shared by every provider adapter once its
// provider-specific rotation and decode rules are supplied.
type GenericAdapter struct {
	Rotation  RotationStrategy
	Decode    Decoder
	TailBytes int64
}

func (a *GenericAdapter) CaptureState(hint string) (State, error) {
	path, err := a.Rotation.Discover(hint)
	if err != nil {
		return State{}, err
	}
	if path == "" {
		path = hint
	}
	offset, err := eofOffset(path)
	if err != nil {
		return State{}, err
	}
	return State{LogPath: path, Offset: offset, LogID: hint}, nil
}

func (a *GenericAdapter) WaitForEvents(state State, timeout time.Duration) ([]Event, State, error) {
	path := state.LogPath
	offset := state.Offset
	carry := state.Carry

	if newPath, err := a.Rotation.Discover(state.LogID); err == nil && newPath != "" && newPath != path {
		path = newPath
		offset = 0
		carry = nil
	}

	waitForGrowthOrTimeout(path, offset, timeout)

	events, newOffset, newCarry, err := readNewLines(path, offset, carry, a.Decode)
	if err != nil {
		return nil, state, err
	}
	return events, State{LogPath: path, Offset: newOffset, Carry: newCarry, LogID: state.LogID}, nil
}

// jsonLineDecoder decodes a JSONL log line of the common shape
// {roleKey: "...", textKey: "..."}. Lines that aren't valid JSON,
// or lack the role/text keys, are skipped rather than erroring, since a
// provider's log may interleave unrelated record kinds.
func jsonLineDecoder(roleKey, textKey string) Decoder {
	return func(line []byte) (Event, bool) {
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			return Event{}, false
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return Event{}, false
		}
		role, _ := obj[roleKey].(string)
		text, _ := obj[textKey].(string)
		if role == "" || text == "" {
			return Event{}, false
		}
		switch role {
		case string(RoleUser), string(RoleAssistant), string(RoleInfo):
		default:
			return Event{}, false
		}
		return Event{Role: Role(role), Text: text}, true
	}
}
