package logreader

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Provider names a supported assistant CLI, tagging which typed adapter to
// build (spec §9 "tagged variant per provider").
type Provider string

const (
	Codex    Provider = "codex"
	Claude   Provider = "claude"
	Gemini   Provider = "gemini"
	OpenCode Provider = "opencode"
	Droid    Provider = "droid"
)

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// isSidechain reports whether a log file name looks like one of a
// provider's auxiliary "sidechain" transcripts rather than a primary
// session log (spec §4.C4: "directory scan for the newest non-sidechain
// session").
func isSidechain(name string) bool {
	return strings.Contains(name, "sidechain")
}

// New builds the Adapter for provider, wiring its rotation strategy and
// line decoder. Root directories below are the core's own record of where
// each provider writes its logs; the log *shape* itself remains opaque
// (spec §1), decoded only as far as extracting (role, text) pairs.
func New(provider Provider) Adapter {
	switch provider {
	case Codex:
		root := filepath.Join(homeDir(), ".codex", "sessions")
		return &GenericAdapter{
			Decode: jsonLineDecoder("role", "content"),
			Rotation: Chain{
				NewIndexFileStrategy(filepath.Join(root, "index.json"), 5*time.Second),
				&DirScanStrategy{Root: root, Pattern: func(n string) bool {
					return strings.HasSuffix(n, ".jsonl") && !isSidechain(n)
				}},
				HintStrategy{},
			},
		}
	case Claude:
		root := filepath.Join(homeDir(), ".claude", "projects")
		return &GenericAdapter{
			Decode: jsonLineDecoder("role", "content"),
			Rotation: Chain{
				&DirScanStrategy{Root: root, Pattern: func(n string) bool {
					return strings.HasSuffix(n, ".jsonl") && !isSidechain(n)
				}},
				HintStrategy{},
			},
		}
	case Gemini:
		root := filepath.Join(homeDir(), ".gemini", "sessions")
		return &GenericAdapter{
			Decode: jsonLineDecoder("role", "text"),
			Rotation: Chain{
				&DirScanStrategy{Root: root, Pattern: func(n string) bool {
					return strings.HasSuffix(n, ".jsonl")
				}},
				HintStrategy{},
			},
		}
	case OpenCode:
		root := filepath.Join(homeDir(), ".opencode", "sessions")
		return &GenericAdapter{
			Decode: jsonLineDecoder("role", "text"),
			Rotation: Chain{
				&DirScanStrategy{Root: root, Pattern: func(n string) bool {
					return strings.HasSuffix(n, ".jsonl")
				}},
				HintStrategy{},
			},
		}
	case Droid:
		root := filepath.Join(homeDir(), ".droid", "sessions")
		return &GenericAdapter{
			Decode: jsonLineDecoder("role", "content"),
			Rotation: Chain{
				&DirScanStrategy{Root: root, Pattern: func(n string) bool {
					return strings.HasSuffix(n, ".jsonl")
				}},
				HintStrategy{},
			},
		}
	default:
		return &GenericAdapter{Decode: jsonLineDecoder("role", "content"), Rotation: HintStrategy{}}
	}
}
