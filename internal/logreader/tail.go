package logreader

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Decoder turns one complete line of raw log bytes into an Event. Adapters
// supply their own per provider log format; a line that doesn't decode to
// an event (e.g. blank, or a line belonging to a format the adapter
// doesn't care about) returns ok=false and is skipped.
type Decoder func(line []byte) (Event, bool)

// tailOffset returns size-tailBytes clamped to 0, the "fallback scan"
// starting point used when rebinding to a newer log (spec §4.C4, §4.C8
// step 6).
func tailOffset(path string, tailBytes int64) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	size := info.Size()
	offset := size - tailBytes
	if offset < 0 {
		offset = 0
	}
	return offset, nil
}

// eofOffset returns the current size of path, or 0 if it doesn't exist
// yet.
func eofOffset(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// readNewLines reads path from offset to EOF, decoding complete lines with
// decode and carrying over any trailing partial line in carry. It never
// splits a line across calls: a line without a trailing newline at EOF is
// held in the returned carry rather than decoded.
func readNewLines(path string, offset int64, carry []byte, decode Decoder) ([]Event, int64, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, carry, nil
		}
		return nil, offset, carry, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, carry, err
	}
	if info.Size() < offset {
		// The file is shorter than our recorded offset: it was truncated
		// or replaced out from under us (e.g. log rotation mid-poll).
		// Restart from the beginning rather than seeking past EOF.
		offset = 0
		carry = nil
	}
	if info.Size() == offset {
		return nil, offset, carry, nil
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, carry, err
	}

	reader := bufio.NewReader(f)
	var events []Event
	buf := append([]byte{}, carry...)
	newCarry := []byte(nil)

	for {
		chunk, err := reader.ReadBytes('\n')
		buf = append(buf, chunk...)
		if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
			line := bytes.TrimRight(buf, "\r\n")
			if ev, ok := decode(line); ok {
				events = append(events, ev)
			}
			buf = nil
		}
		if err != nil {
			// EOF: whatever is left in buf is an incomplete trailing line,
			// carried forward to the next read.
			newCarry = buf
			break
		}
	}

	return events, info.Size(), newCarry, nil
}

// waitForGrowthOrTimeout blocks until path grows past currentSize, a
// filesystem event suggests it might have, or timeout elapses. fsnotify
// watches the containing directory (not the file itself) so rotation —
// which replaces the file rather than just appending to it — is still
// observed as a Create/Write event (SPEC_FULL domain-stack: fsnotify for
// the log reader's watch).
func waitForGrowthOrTimeout(path string, currentSize int64, timeout time.Duration) {
	deadline := time.Now().Add(timeout)

	size, err := eofOffset(path)
	if err == nil && size > currentSize {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// No fsnotify available: fall back to a plain sleep-and-return;
		// the caller's next poll will pick up any growth.
		sleepUntil(deadline)
		return
	}
	defer watcher.Close()

	dir := dirOf(path)
	if err := watcher.Add(dir); err != nil {
		sleepUntil(deadline)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Events:
			size, err := eofOffset(path)
			if err == nil && size > currentSize {
				return
			}
		case <-watcher.Errors:
			return
		}
	}
}

func sleepUntil(deadline time.Time) {
	d := time.Until(deadline)
	if d > 0 {
		time.Sleep(d)
	}
}

func dirOf(path string) string {
	idx := len(path) - 1
	for idx >= 0 && path[idx] != '/' {
		idx--
	}
	if idx <= 0 {
		return "."
	}
	return path[:idx]
}
