package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	clog "github.com/containerd/log"
	"github.com/sirupsen/logrus"
)

// Upper bound on records held while buffering. Older records are dropped
// first once the bound is reached.
const maxBuffered = 1024

// A [slog.Handler] that renders records through logrus.
//
// Handlers derived with WithAttrs and WithGroup share configuration and the
// startup buffer with the handler they were derived from.
type Handler struct {
	core   *core
	attrs  []slog.Attr // Attributes added via WithAttrs, already group-qualified.
	groups []string    // Open groups, outermost first.
}

// State shared by a handler and all handlers derived from it.
type core struct {
	mu       sync.Mutex
	logger   *logrus.Logger
	level    slog.Level
	buffered bool
	pending  []pending
}

// A record captured while buffering, together with the handler that saw it.
type pending struct {
	h   *Handler
	rec slog.Record
}

// Creates a buffered handler at info level writing to stderr.
func NewHandler() *Handler {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.TraceLevel)
	logger.SetFormatter(NewFormatter(false, false))

	return &Handler{
		core: &core{
			logger:   logger,
			level:    slog.LevelInfo,
			buffered: true,
		},
	}
}

// Creates a logrus text formatter.
//
// Colors are forced when tty is true. Timestamps are printed only in verbose
// mode.
func NewFormatter(tty, verbose bool) logrus.Formatter {
	return &logrus.TextFormatter{
		ForceColors:      tty,
		DisableColors:    !tty,
		DisableTimestamp: !verbose,
		FullTimestamp:    verbose,
		DisableQuote:     tty,
	}
}

// Sets the minimum level for emitted records.
//
// The containerd client logger is kept at the same level so that messages
// from containerd's own packages follow the CLI flags.
func (h *Handler) SetLevel(level slog.Level) {
	h.core.mu.Lock()
	h.core.level = level
	h.core.mu.Unlock()

	clog.SetLevel(logrusLevel(level).String())
}

// Returns the current minimum level.
func (h *Handler) Level() slog.Level {
	h.core.mu.Lock()
	defer h.core.mu.Unlock()
	return h.core.level
}

// Replaces the record formatter.
func (h *Handler) SetFormatter(f logrus.Formatter) {
	h.core.mu.Lock()
	defer h.core.mu.Unlock()
	h.core.logger.SetFormatter(f)
}

// Replaces the output stream.
func (h *Handler) SetStream(w io.Writer) {
	h.core.mu.Lock()
	defer h.core.mu.Unlock()
	h.core.logger.SetOutput(w)
}

// Writes buffered records that pass the current level and disables buffering.
func (h *Handler) Flush() {
	h.core.mu.Lock()
	records := h.core.pending
	h.core.pending = nil
	h.core.buffered = false
	level := h.core.level
	h.core.mu.Unlock()

	for _, p := range records {
		if p.rec.Level >= level {
			p.h.emit(p.rec)
		}
	}
}

// Reports whether records at the given level are handled.
//
// Every level is accepted while buffering, since the final level is not yet
// known.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	h.core.mu.Lock()
	defer h.core.mu.Unlock()
	return h.core.buffered || level >= h.core.level
}

// Handles a record, buffering it or writing it through logrus.
func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	h.core.mu.Lock()
	if h.core.buffered {
		if len(h.core.pending) == maxBuffered {
			h.core.pending = h.core.pending[1:]
		}
		h.core.pending = append(h.core.pending, pending{h: h, rec: rec.Clone()})
		h.core.mu.Unlock()
		return nil
	}
	h.core.mu.Unlock()

	h.emit(rec)
	return nil
}

// Returns a handler that adds attrs to every record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := h.clone()
	for _, a := range attrs {
		next.attrs = append(next.attrs, qualify(h.groups, a))
	}
	return next
}

// Returns a handler that qualifies subsequent attribute keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.groups = append(next.groups, name)
	return next
}

// Writes a record through logrus.
func (h *Handler) emit(rec slog.Record) {
	fields := make(logrus.Fields, len(h.attrs)+rec.NumAttrs())
	for _, a := range h.attrs {
		addField(fields, "", a)
	}
	prefix := strings.Join(h.groups, ".")
	rec.Attrs(func(a slog.Attr) bool {
		addField(fields, prefix, a)
		return true
	})

	h.core.mu.Lock()
	logger := h.core.logger
	h.core.mu.Unlock()

	logger.WithFields(fields).WithTime(rec.Time).Log(logrusLevel(rec.Level), rec.Message)
}

// Returns a copy of the handler sharing the same core.
func (h *Handler) clone() *Handler {
	return &Handler{
		core:   h.core,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

// Prefixes an attribute key with the open groups.
func qualify(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 {
		return a
	}
	a.Key = strings.Join(groups, ".") + "." + a.Key
	return a
}

// Flattens an attribute into logrus fields. Group values are expanded with
// dotted keys.
func addField(fields logrus.Fields, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	} else if key == "" {
		key = prefix
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			addField(fields, key, ga)
		}
		return
	}

	fields[key] = a.Value.Any()
}

// Maps a slog level to the closest logrus level.
func logrusLevel(level slog.Level) logrus.Level {
	switch {
	case level >= slog.LevelError:
		return logrus.ErrorLevel
	case level >= slog.LevelWarn:
		return logrus.WarnLevel
	case level >= slog.LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}
