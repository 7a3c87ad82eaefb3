package util

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a console logger at level, falling back to info.
func NewLogger(level string) zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(parseLevel(level))
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// LogConfig describes where trace and audit output goes. Empty paths disable the file.
type LogConfig struct {
	Level       string
	TracePath   string
	AuditPath   string
	DedupWindow time.Duration
	Console     io.Writer
}

// Loggers pairs the operational trace with the money-moving audit trail.
// Every audit entry is also written to the trace.
type Loggers struct {
	Trace zerolog.Logger
	Audit zerolog.Logger
	files []*os.File
}

// NewLoggers opens the log files and builds both loggers.
func NewLoggers(cfg LogConfig) (*Loggers, error) {
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}
	l := &Loggers{}
	traceOut := []io.Writer{console}
	if cfg.TracePath != "" {
		f, err := openAppend(cfg.TracePath)
		if err != nil {
			return nil, err
		}
		l.files = append(l.files, f)
		traceOut = append(traceOut, f)
	}
	auditOut := append([]io.Writer{}, traceOut...)
	if cfg.AuditPath != "" {
		f, err := openAppend(cfg.AuditPath)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		l.files = append(l.files, f)
		auditOut = append(auditOut, f)
	}

	lvl := parseLevel(cfg.Level)
	l.Trace = zerolog.New(zerolog.MultiLevelWriter(traceOut...)).Level(lvl).
		Hook(NewDedupHook(cfg.DedupWindow, time.Now)).With().Timestamp().Logger()
	l.Audit = zerolog.New(zerolog.MultiLevelWriter(auditOut...)).
		With().Timestamp().Str("log", "audit").Logger()
	return l, nil
}

// Close closes the underlying files.
func (l *Loggers) Close() error {
	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	l.files = nil
	return errors.Join(errs...)
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// DedupHook drops an event repeating the previous level and message inside the window.
type DedupHook struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	level  zerolog.Level
	msg    string
	at     time.Time
}

// NewDedupHook returns a hook with the given window. A non-positive window disables it.
func NewDedupHook(window time.Duration, now func() time.Time) *DedupHook {
	if now == nil {
		now = time.Now
	}
	return &DedupHook{window: window, now: now}
}

// Run implements zerolog.Hook.
func (h *DedupHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if h.window <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if level == h.level && msg == h.msg && now.Sub(h.at) < h.window {
		e.Discard()
		return
	}
	h.level, h.msg, h.at = level, msg, now
}
