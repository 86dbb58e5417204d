// Package logging provides the daemon's structured log line format
// ("[LEVEL] key=value ...") on top of log/slog, plus the user-facing
// error/warning prefixes ("❌"/"⚠") used in text a human may see.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// lineHandler renders slog records as "[LEVEL] key=value ..." lines rather
// than slog's default text format. It tees nothing on its own; wrap it with
// TeeHandler below when a second sink (e.g. a daemon log viewer) needs the
// same records.
type lineHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	attrs []slog.Attr
	group string
}

// NewLineHandler returns a slog.Handler that writes "[LEVEL] key=value ..."
// lines to out.
func NewLineHandler(out io.Writer) slog.Handler {
	return &lineHandler{mu: &sync.Mutex{}, out: out}
}

func (h *lineHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] msg=%q", r.Level.String(), r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, h.group, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Any())
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group == "" {
		next.group = name
	} else {
		next.group = next.group + "." + name
	}
	return &next
}

// TeeHandler forwards every record to base and also invokes an optional
// callback, the way a daemon forwards log records to both its on-disk log
// and an in-memory ring buffer an operator CLI can tail.
type TeeHandler struct {
	base     slog.Handler
	callback func(r slog.Record)
}

// NewTeeHandler wraps base and invokes callback (if non-nil) for every
// record, regardless of level.
func NewTeeHandler(base slog.Handler, callback func(r slog.Record)) *TeeHandler {
	return &TeeHandler{base: base, callback: callback}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)
	if h.callback != nil {
		h.callback(r)
	}
	return err
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeHandler{base: h.base.WithAttrs(attrs), callback: h.callback}
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	return &TeeHandler{base: h.base.WithGroup(name), callback: h.callback}
}

// New builds a ready-to-use *slog.Logger writing line-format records to out.
func New(out io.Writer) *slog.Logger {
	return slog.New(NewLineHandler(out))
}

// Errorf formats a user-visible error message with the "❌" prefix required
// for text a human may see (spec §7).
func Errorf(format string, args ...any) string {
	return "❌ " + fmt.Sprintf(format, args...)
}

// Warnf formats a user-visible warning message with the "⚠" prefix.
func Warnf(format string, args ...any) string {
	return "⚠ " + fmt.Sprintf(format, args...)
}
