package registry

import (
	"os"
	"strings"

	"github.com/wiretap-dev/ccb/internal/sessionfile"
)

// crossProjectEnv is the opt-in that relaxes cross-project isolation (spec
// §4.C3, §6).
const crossProjectEnv = "CCB_ALLOW_CROSS_PROJECT_SESSION"

func envBool(name string) bool {
	v := strings.ToLower(os.Getenv(name))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

// LookupAllowed reports whether a registry lookup should even be
// attempted from workDir: by default, skipped when no .ccb_config/ anchor
// exists and the cross-project opt-in is absent (spec §4.C3).
func LookupAllowed(workDir string) bool {
	if envBool(crossProjectEnv) {
		return true
	}
	return sessionfile.HasAnchor(workDir)
}

// CrossProjectAllowed reports whether a record whose project id differs
// from the caller's may still be returned (spec invariant 7: cross-project
// isolation is the default; the env var relaxes it).
func CrossProjectAllowed() bool {
	return envBool(crossProjectEnv)
}
