// Package logging configures the process-wide slog logger.
//
// Output goes to two rotating sinks under the log directory: a human-readable
// text file and a newline-delimited JSON file with the same records. Rotation
// is size-triggered via lumberjack (no file locks; the logging runtime owns
// the handles).
package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults. Suggestions, not contracts; override via Config.
const (
	DefaultMaxSizeMB  = 2
	DefaultMaxBackups = 5
)

// Config controls sink placement and rotation.
type Config struct {
	Dir        string // log directory, created if missing
	BaseName   string // file base name: <BaseName>.log / <BaseName>.jsonl
	MaxSizeMB  int    // rotation threshold, default 2 MiB
	MaxBackups int    // rotated files kept, default 5
	Level      slog.Leveler
	AlsoStderr bool // mirror text output to stderr (interactive runs)
}

// Pair holds the two rotating sinks backing one logger.
type Pair struct {
	Text  *lumberjack.Logger
	JSON  *lumberjack.Logger
	level slog.Leveler
}

// Close closes both sinks.
func (p *Pair) Close() error {
	err := p.Text.Close()
	if jerr := p.JSON.Close(); err == nil {
		err = jerr
	}
	return err
}

// NewPair creates the rotating text+JSONL sink pair for a config.
// Files already above the size threshold are rotated at startup; smaller
// files are appended to.
func NewPair(cfg Config) (*Pair, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = DefaultMaxSizeMB
	}
	backups := cfg.MaxBackups
	if backups <= 0 {
		backups = DefaultMaxBackups
	}
	p := &Pair{
		Text: &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, cfg.BaseName+".log"),
			MaxSize:    maxSize,
			MaxBackups: backups,
		},
		JSON: &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, cfg.BaseName+".jsonl"),
			MaxSize:    maxSize,
			MaxBackups: backups,
		},
		level: cfg.Level,
	}
	rotateIfOversized(p.Text, maxSize)
	rotateIfOversized(p.JSON, maxSize)
	return p, nil
}

// Logger builds a slog.Logger fanning out to the pair (and optionally stderr).
func (p *Pair) Logger(alsoStderr bool) *slog.Logger {
	handlers := []slog.Handler{
		slog.NewTextHandler(p.Text, &slog.HandlerOptions{Level: p.level}),
		slog.NewJSONHandler(p.JSON, &slog.HandlerOptions{Level: p.level}),
	}
	if alsoStderr {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: p.level}))
	}
	return slog.New(&fanoutHandler{handlers: handlers})
}

// Setup installs the default logger backed by a rotating pair and returns the
// pair for closing at shutdown.
func Setup(cfg Config) (*Pair, error) {
	pair, err := NewPair(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(pair.Logger(cfg.AlsoStderr))
	return pair, nil
}

// rotateIfOversized rotates a sink whose current file already exceeds the
// size threshold, so a fresh process starts on a fresh file.
func rotateIfOversized(l *lumberjack.Logger, maxSizeMB int) {
	info, err := os.Stat(l.Filename)
	if err != nil {
		return
	}
	if info.Size() >= int64(maxSizeMB)*1024*1024 {
		_ = l.Rotate()
	}
}

// fanoutHandler duplicates records to several handlers.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}

// sensitiveKeys are redacted from logged headers and tool arguments.
var sensitiveKeys = []string{"authorization", "token", "secret", "password", "api_key", "cookie"}

// Redacted is the placeholder written in place of sensitive values.
const Redacted = "***"

// SanitizeMap returns a copy of m with sensitive keys redacted. Nested maps
// are sanitized recursively; other values pass through unchanged.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = SanitizeMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// SanitizeHeaders flattens HTTP headers into a loggable map with sensitive
// keys redacted.
func SanitizeHeaders(headers map[string][]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, vs := range headers {
		if isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
