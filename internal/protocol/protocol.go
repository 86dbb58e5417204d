// Package protocol implements C5: prompt wrapping with a correlation id,
// done-marker detection, and reply extraction, ported from
// original_source/lib/ccb_protocol.py.
package protocol

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

const (
	reqIDPrefix  = "CCB_REQ_ID:"
	donePrefix   = "CCB_DONE:"
	instructions = "When you have finished responding to the request above, end your reply with a final line containing exactly:\n"
)

// anyDoneLineRe matches any "<TAG>_DONE[: value]" line, used to recognize
// trailing noise tags that are not our own done marker (SPEC_FULL
// supplemented feature, from ccb_protocol.py's handling of harness-emitted
// completion tags).
var anyDoneLineRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*_DONE(:\s*\S.*)?$`)

// doneLineRe returns the regex matching our own done marker line for id.
func doneLineRe(id string) *regexp.Regexp {
	return regexp.MustCompile(`^\s*` + donePrefix + `\s*` + regexp.QuoteMeta(id) + `\s*$`)
}

// MakeReqID returns a correlation id in the form YYYYMMDD-HHMMSS-mmm-PID
// (spec §3).
func MakeReqID(now time.Time) string {
	return fmt.Sprintf("%s-%03d-%d", now.Format("20060102-150405"), now.Nanosecond()/1_000_000, os.Getpid())
}

// Wrap prepends "CCB_REQ_ID: <id>" and appends standard instructions plus a
// terminal "CCB_DONE: <id>" marker to message, per spec §4.C5. The wrapped
// prompt always ends with exactly one trailing newline.
func Wrap(message, id string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", reqIDPrefix, id)
	b.WriteString(strings.TrimRight(message, "\n"))
	b.WriteString("\n\n")
	b.WriteString(instructions)
	fmt.Fprintf(&b, "%s %s\n", donePrefix, id)
	return b.String()
}

// isTrailingNoiseLine reports whether line is ignorable trailing noise: a
// blank line, or a *_DONE tag line whose tag is not CCB_DONE. A CCB_DONE
// line, for id or any other id, is never noise.
func isTrailingNoiseLine(line, id string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	if doneLineRe(id).MatchString(line) {
		return false
	}
	if strings.HasPrefix(trimmed, donePrefix) {
		return false
	}
	return anyDoneLineRe.MatchString(trimmed)
}

// IsDoneText walks the lines of reply in reverse, skipping trailing noise
// (blank lines and any non-matching *_DONE tag), and reports whether the
// first non-noise line is exactly "CCB_DONE: <id>" (spec §4.C5).
func IsDoneText(reply, id string) bool {
	lines := strings.Split(reply, "\n")
	re := doneLineRe(id)
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if re.MatchString(line) {
			return true
		}
		if isTrailingNoiseLine(line, id) {
			continue
		}
		return false
	}
	return false
}

// StripDoneText removes the final done line and any trailing noise lines
// after it, returning the remaining text with surrounding blank lines
// trimmed (spec §4.C5 "strip-done").
func StripDoneText(reply, id string) string {
	lines := strings.Split(reply, "\n")
	re := doneLineRe(id)
	end := len(lines)
	for end > 0 {
		line := lines[end-1]
		if re.MatchString(line) {
			end--
			continue
		}
		if isTrailingNoiseLine(line, id) {
			end--
			continue
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines[:end], "\n"))
}

// ExtractReply finds the last "CCB_DONE: <id>" line in reply, then the
// previous "CCB_DONE:" line of any id before it (or the start of text if
// none), and returns the slice between the two, trimmed of leading and
// trailing blank lines (spec §4.C5 "extract-reply", for providers that may
// emit multiple done lines in one assistant turn).
func ExtractReply(reply, id string) string {
	lines := strings.Split(reply, "\n")
	target := doneLineRe(id)

	lastIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if target.MatchString(lines[i]) {
			lastIdx = i
			break
		}
	}
	if lastIdx == -1 {
		return strings.TrimSpace(reply)
	}

	start := 0
	for i := lastIdx - 1; i >= 0; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), donePrefix) {
			start = i + 1
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[start:lastIdx], "\n"))
}
