package sessionfile

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// sessionNameRe matches normalized session names: a lowercase letter or
// digit first,
// lowercase alphanumeric/dot/underscore/hyphen thereafter, 1-64 chars
// total (SPEC_FULL supplemented feature, ported from
// original_source/lib/session_scope.py's _SESSION_NAME_RE).
var sessionNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// NormalizeSessionName lowercases name and validates it against the
// session-name grammar. An empty name normalizes to DefaultSessionName.
func NormalizeSessionName(name string) (string, error) {
	if name == "" {
		return DefaultSessionName, nil
	}
	lower := strings.ToLower(name)
	if !sessionNameRe.MatchString(lower) {
		return "", fmt.Errorf("invalid session name %q: must match %s", name, sessionNameRe.String())
	}
	return lower, nil
}

// ResolveSessionName picks the session name with precedence: explicit arg
// (if non-empty) → $CCB_SESSION env var → DefaultSessionName, then
// normalizes the result.
func ResolveSessionName(explicit string) (string, error) {
	name := explicit
	if name == "" {
		name = os.Getenv("CCB_SESSION")
	}
	return NormalizeSessionName(name)
}
